package invocation

import (
	"encoding/json"
	"fmt"
	"math"
)

// RuntimeStateMetaKey is the reserved runtime-state key carrying
// invocation-scoped post-execution-action overrides for tool steps. Values
// under this key are opaque to parameter validation.
const RuntimeStateMetaKey = "__post_execution_actions__"

// RuntimeState is the serializable key→value mapping representing a module's
// current parameter values. It is constructed fresh from a step's defaults,
// refined by request-time overrides and per-slice bindings, and persisted
// once the owning step completes so a restarted process can recover it
// without rerunning side effects.
type RuntimeState map[string]any

// NewRuntimeState creates an empty runtime state.
func NewRuntimeState() RuntimeState {
	return RuntimeState{}
}

// Copy returns a shallow copy of the state.
func (s RuntimeState) Copy() RuntimeState {
	dup := make(RuntimeState, len(s))
	for k, v := range s {
		dup[k] = v
	}
	return dup
}

// Encode serializes the state. The encoding round-trips exactly: this is the
// only mechanism by which an interrupted invocation resumes correctly.
func (s RuntimeState) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeRuntimeState deserializes a persisted runtime state blob.
func DecodeRuntimeState(data []byte) (RuntimeState, error) {
	if len(data) == 0 {
		return NewRuntimeState(), nil
	}
	var state RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode runtime state: %w", err)
	}
	return state, nil
}

// RuntimePostActions returns the invocation-scoped post-execution-action
// overrides stored under the reserved meta key.
func (s RuntimeState) RuntimePostActions() []*PostAction {
	raw, ok := s[RuntimeStateMetaKey]
	if !ok {
		return nil
	}
	// The meta value survives a JSON round trip as generic maps; normalize
	// both representations.
	switch value := raw.(type) {
	case []*PostAction:
		return value
	case []any:
		var actions []*PostAction
		data, err := json.Marshal(value)
		if err != nil {
			return nil
		}
		if err := json.Unmarshal(data, &actions); err != nil {
			return nil
		}
		return actions
	}
	return nil
}

// SetRuntimePostActions stores invocation-scoped post-execution-action
// overrides under the reserved meta key.
func (s RuntimeState) SetRuntimePostActions(actions []*PostAction) {
	if len(actions) == 0 {
		return
	}
	s[RuntimeStateMetaKey] = actions
}

// checkParamValue validates a caller-supplied value against a declared tool
// input. It returns a human-readable error message or "" when the value is
// acceptable. Missing optional fields never produce errors; the caller
// filters absent keys before validation.
func checkParamValue(input *ToolInput, value any) string {
	if value == nil {
		if input.Optional {
			return ""
		}
		return "value is required"
	}
	switch input.Kind {
	case ParamKindText, ParamKindColor:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected text, got %T", value)
		}
	case ParamKindBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", value)
		}
	case ParamKindInteger:
		switch number := value.(type) {
		case int, int32, int64:
		case float64:
			if number != math.Trunc(number) {
				return fmt.Sprintf("expected integer, got %v", number)
			}
		default:
			return fmt.Sprintf("expected integer, got %T", value)
		}
	case ParamKindFloat:
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			return fmt.Sprintf("expected number, got %T", value)
		}
	case ParamKindData:
		switch content := value.(type) {
		case *Dataset:
		case *Collection:
			// A collection bound to a data input is scatter material.
		case []any, []*Dataset:
			if !input.Multiple {
				return "multiple datasets bound to a single-valued input"
			}
		case HistoryContent:
			_ = content
		default:
			return fmt.Sprintf("expected dataset, got %T", value)
		}
	case ParamKindCollection:
		if _, ok := value.(*Collection); !ok {
			return fmt.Sprintf("expected dataset collection, got %T", value)
		}
	}
	return ""
}
