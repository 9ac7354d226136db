package invocation

import (
	"errors"
	"fmt"
)

// ErrStepOutputsNotReady signals that a connection's source step has not
// realized its outputs yet. Callers translate it into a Delayed outcome.
var ErrStepOutputsNotReady = errors.New("step outputs are not ready")

// InvocationProgress is the invocation-scoped context object threaded
// through module execution. It records realized outputs per step so later
// steps' input connections can be resolved, and tracks delayed steps. Its
// mutations are confined to recording outputs — it carries no process-wide
// state.
type InvocationProgress struct {
	workflow   *Workflow
	invocation *Invocation
	resolver   ContentResolver

	outputs  map[string]map[string]any
	delayed  map[string]string
	resolved map[string]*ResolvedStep
}

// NewInvocationProgress creates a progress tracker for one invocation.
func NewInvocationProgress(workflow *Workflow, invocation *Invocation, resolver ContentResolver) *InvocationProgress {
	return &InvocationProgress{
		workflow:   workflow,
		invocation: invocation,
		resolver:   resolver,
		outputs:    map[string]map[string]any{},
		delayed:    map[string]string{},
	}
}

// Invocation returns the invocation being tracked.
func (p *InvocationProgress) Invocation() *Invocation {
	return p.invocation
}

// AttachResolvedSteps makes the injector's per-step resolution, including any
// runtime state recovered from persisted records, available to modules during
// execution.
func (p *InvocationProgress) AttachResolvedSteps(resolved map[string]*ResolvedStep) {
	p.resolved = resolved
}

// ResolvedStepFor returns the injector's resolution of a step, if attached.
func (p *InvocationProgress) ResolvedStepFor(stepID string) (*ResolvedStep, bool) {
	rs, ok := p.resolved[stepID]
	return rs, ok
}

// SetStepOutputs records the realized outputs of a step.
func (p *InvocationProgress) SetStepOutputs(stepID string, outputs map[string]any) {
	p.outputs[stepID] = outputs
	delete(p.delayed, stepID)
}

// SetOutputsForInput records an input step's outputs and registers the
// bound value as an invocation input when the request did not already do so.
func (p *InvocationProgress) SetOutputsForInput(step *StepDefinition, outputs map[string]any) {
	if !p.invocation.HasInputForStep(step.ID) {
		if value, ok := outputs["output"]; ok && value != nil {
			binding := &InputBinding{StepID: step.ID}
			switch content := value.(type) {
			case HistoryContent:
				binding.Src = SourceDataset
				if content.ContentType() == ContentTypeCollection {
					binding.Src = SourceCollection
				}
				binding.AttachContent(content)
			default:
				binding.Src = SourceValue
				binding.Value = value
			}
			p.invocation.AddInput(binding)
		}
	}
	p.SetStepOutputs(step.ID, outputs)
}

// StepOutputs returns the realized outputs of a step, if any.
func (p *InvocationProgress) StepOutputs(stepID string) (map[string]any, bool) {
	outputs, ok := p.outputs[stepID]
	return outputs, ok
}

// MarkStepDelayed records that a step could not be advanced this tick.
func (p *InvocationProgress) MarkStepDelayed(stepID, why string) {
	p.delayed[stepID] = why
}

// DelayReason returns the recorded delay reason for a step.
func (p *InvocationProgress) DelayReason(stepID string) (string, bool) {
	why, ok := p.delayed[stepID]
	return why, ok
}

// ReplacementForConnection resolves the value an input connection delivers:
// the named output of the connection's source step. It returns
// ErrStepOutputsNotReady while the source step has not realized outputs.
func (p *InvocationProgress) ReplacementForConnection(conn *InputConnection) (any, error) {
	outputs, ok := p.outputs[conn.SourceStepID]
	if !ok {
		return nil, fmt.Errorf("output of step %q: %w", conn.SourceStepID, ErrStepOutputsNotReady)
	}
	value, ok := outputs[conn.SourceOutputName]
	if !ok {
		return nil, NewStepError("step %q has no output named %q; a common cause is conditional outputs that cannot be determined until runtime",
			conn.SourceStepID, conn.SourceOutputName)
	}
	return value, nil
}

// ReplacementForInput resolves the value bound to one named input of a step
// through its connections. Unconnected inputs resolve to (nil, false, nil)
// so the caller can fall back to the runtime-state value. Multi-connected
// inputs resolve to a slice of values.
func (p *InvocationProgress) ReplacementForInput(step *StepDefinition, inputName string) (any, bool, error) {
	conns := step.ConnectionsByInput()[inputName]
	if len(conns) == 0 {
		return nil, false, nil
	}
	if len(conns) == 1 {
		value, err := p.ReplacementForConnection(conns[0])
		return value, true, err
	}
	values := make([]any, 0, len(conns))
	for _, conn := range conns {
		value, err := p.ReplacementForConnection(conn)
		if err != nil {
			return nil, true, err
		}
		values = append(values, value)
	}
	return values, true, nil
}

// resolveOutputValue converts a durable output reference back into a live
// value using the content resolver. Recovery is a pure function of the
// record, so calling it repeatedly yields the same view.
func (p *InvocationProgress) resolveOutputValue(value *OutputValue) (any, error) {
	if value.Src == SourceValue {
		return value.Value, nil
	}
	return p.resolver.Resolve(value.Src, value.ContentID)
}

// RecoverStepOutputs re-populates the progress view of a step purely from
// its persisted record, without re-executing anything.
func (p *InvocationProgress) RecoverStepOutputs(record *StepInvocationRecord) error {
	if !record.Realized() {
		return nil
	}
	outputs := make(map[string]any, len(record.Outputs))
	for name, value := range record.Outputs {
		resolved, err := p.resolveOutputValue(value)
		if err != nil {
			return fmt.Errorf("failed to recover output %q of step %q: %w", name, record.StepID, err)
		}
		outputs[name] = resolved
	}
	p.SetStepOutputs(record.StepID, outputs)
	return nil
}

// WorkflowOutputs assembles the invocation's realized workflow outputs by
// label. Unrealized outputs are absent from the result.
func (p *InvocationProgress) WorkflowOutputs() map[string]any {
	results := map[string]any{}
	for _, output := range p.workflow.Outputs() {
		if outputs, ok := p.outputs[output.StepID]; ok {
			if value, ok := outputs[output.OutputName]; ok {
				results[output.Label] = value
			}
		}
	}
	return results
}
