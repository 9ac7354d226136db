package invocation

import (
	"encoding/json"
	"time"

	"go.jetify.com/typeid"
)

// InvocationState represents the lifecycle state of a workflow invocation.
type InvocationState string

const (
	InvocationStateNew       InvocationState = "new"
	InvocationStateReady     InvocationState = "ready"
	InvocationStateCancelled InvocationState = "cancelled"
	InvocationStateFailed    InvocationState = "failed"
	InvocationStateDone      InvocationState = "done"
)

// Active reports whether an invocation in this state may still be advanced.
func (s InvocationState) Active() bool {
	return s == InvocationStateNew || s == InvocationStateReady
}

// NewInvocationID returns a new id for invocation identification.
func NewInvocationID() string {
	id, err := typeid.WithPrefix("winv")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// InputBinding binds one workflow input step to a concrete value: either a
// content reference (datasets, collections) or an inline parameter value.
type InputBinding struct {
	StepID    string          `json:"step_id"`
	Src       InputSourceKind `json:"src"`
	ContentID string          `json:"content_id,omitempty"`
	Value     any             `json:"value,omitempty"`

	content HistoryContent
}

// Resolved returns the in-memory content for this binding, if attached.
func (b *InputBinding) Resolved() HistoryContent {
	return b.content
}

// AttachContent attaches resolved content to the binding. The module
// injector re-attaches content after a restart.
func (b *InputBinding) AttachContent(content HistoryContent) {
	b.content = content
	if content != nil {
		b.ContentID = content.ContentID()
	}
}

// OutputValue is the durable reference to one realized step output. Records
// store references, not live objects, so recovery is a pure function of
// persisted state.
type OutputValue struct {
	Src       InputSourceKind `json:"src"`
	ContentID string          `json:"content_id,omitempty"`
	Value     any             `json:"value,omitempty"`
}

// outputValueFor builds the durable reference for a realized output.
func outputValueFor(value any) *OutputValue {
	switch content := value.(type) {
	case *Dataset:
		return &OutputValue{Src: SourceDataset, ContentID: content.ID}
	case *Collection:
		return &OutputValue{Src: SourceCollection, ContentID: content.ID}
	default:
		return &OutputValue{Src: SourceValue, Value: value}
	}
}

// StepInvocationRecord is the durable record of one step's progress within
// an invocation. It is written once per successful advancement; a delayed
// record is retried on the next poll; realized outputs are never rewritten.
type StepInvocationRecord struct {
	StepID      string                  `json:"step_id"`
	JobIDs      []string                `json:"job_ids,omitempty"`
	Outputs     map[string]*OutputValue `json:"outputs,omitempty"`
	Delayed     bool                    `json:"delayed,omitempty"`
	DelayReason string                  `json:"delay_reason,omitempty"`

	// Action carries the reviewer decision for pause steps: nil until a
	// reviewer acts, then true (proceed) or false (deny).
	Action *bool `json:"action,omitempty"`

	// RuntimeState is the persisted runtime-state blob for the step,
	// saved when execution completes.
	RuntimeState json.RawMessage `json:"runtime_state,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Realized reports whether the step's outputs have been recorded.
func (r *StepInvocationRecord) Realized() bool {
	return r != nil && r.Outputs != nil
}

// Copy returns a deep-enough copy of the record for store snapshots.
func (r *StepInvocationRecord) Copy() *StepInvocationRecord {
	dup := *r
	if r.Outputs != nil {
		dup.Outputs = make(map[string]*OutputValue, len(r.Outputs))
		for name, value := range r.Outputs {
			v := *value
			dup.Outputs[name] = &v
		}
	}
	if r.JobIDs != nil {
		dup.JobIDs = append([]string(nil), r.JobIDs...)
	}
	return &dup
}

// Invocation is one execution instance of a workflow against concrete
// inputs. It is owned exclusively by the handler named in HandlerID; only
// that handler's request monitor may advance it.
type Invocation struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	HistoryID    string          `json:"history_id"`
	State        InvocationState `json:"state"`
	SchedulerID  string          `json:"scheduler_id"`
	HandlerID    string          `json:"handler_id"`

	CopyInputsToHistory bool              `json:"copy_inputs_to_history,omitempty"`
	ReplacementParams   map[string]string `json:"replacement_params,omitempty"`

	// Inputs binds workflow input steps (by step id) to realized values.
	Inputs map[string]*InputBinding `json:"inputs"`

	// ParamMap carries request-time runtime overrides per step id, in the
	// flattened form the module contract expects.
	ParamMap map[string]map[string]any `json:"param_map,omitempty"`

	// Steps holds the per-step progress records keyed by step id.
	Steps map[string]*StepInvocationRecord `json:"steps"`

	// Subworkflows holds nested invocations attached per subworkflow step.
	Subworkflows map[string]*Invocation `json:"subworkflows,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewInvocation creates a NEW invocation of the named workflow.
func NewInvocation(workflowName, historyID string) *Invocation {
	now := time.Now()
	return &Invocation{
		ID:           NewInvocationID(),
		WorkflowName: workflowName,
		HistoryID:    historyID,
		State:        InvocationStateNew,
		Inputs:       map[string]*InputBinding{},
		ParamMap:     map[string]map[string]any{},
		Steps:        map[string]*StepInvocationRecord{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Active reports whether the invocation may still be advanced.
func (inv *Invocation) Active() bool {
	return inv.State.Active()
}

// AddInput binds a workflow input step to a value.
func (inv *Invocation) AddInput(binding *InputBinding) {
	inv.Inputs[binding.StepID] = binding
}

// HasInputForStep reports whether the given input step has a binding.
func (inv *Invocation) HasInputForStep(stepID string) bool {
	_, ok := inv.Inputs[stepID]
	return ok
}

// RecordFor returns the step record for the given step id, if any.
func (inv *Invocation) RecordFor(stepID string) (*StepInvocationRecord, bool) {
	record, ok := inv.Steps[stepID]
	return record, ok
}

// SetRecord installs a step record. Realized outputs are written exactly
// once; re-entry with an already-realized record is ignored to keep
// advancement idempotent.
func (inv *Invocation) SetRecord(record *StepInvocationRecord) {
	existing, ok := inv.Steps[record.StepID]
	if ok && existing.Realized() && !record.Realized() {
		return
	}
	record.UpdatedAt = time.Now()
	inv.Steps[record.StepID] = record
	inv.UpdatedAt = record.UpdatedAt
}

// MergeStepActions copies reviewer actions recorded on stored into this
// invocation for steps where it carries none of its own. Saves merge rather
// than overwrite actions they did not produce, so a decision posted while a
// scheduling pass held an older copy survives that pass's save.
func (inv *Invocation) MergeStepActions(stored *Invocation) {
	if stored == nil {
		return
	}
	for stepID, record := range stored.Steps {
		if record.Action == nil {
			continue
		}
		existing, ok := inv.Steps[stepID]
		if !ok {
			inv.Steps[stepID] = record.Copy()
			continue
		}
		if existing.Action == nil {
			existing.Action = record.Action
		}
	}
}

// AttachSubworkflowInvocation attaches a nested invocation for a
// subworkflow step.
func (inv *Invocation) AttachSubworkflowInvocation(stepID string, nested *Invocation) {
	if inv.Subworkflows == nil {
		inv.Subworkflows = map[string]*Invocation{}
	}
	inv.Subworkflows[stepID] = nested
}

// SubworkflowInvocation returns the nested invocation attached for a step.
func (inv *Invocation) SubworkflowInvocation(stepID string) (*Invocation, bool) {
	nested, ok := inv.Subworkflows[stepID]
	return nested, ok
}

// Copy returns a deep copy of the invocation. Stores hand out copies so a
// monitor tick always acts on freshly fetched state, never a cached view.
func (inv *Invocation) Copy() *Invocation {
	dup := *inv
	dup.Inputs = make(map[string]*InputBinding, len(inv.Inputs))
	for id, binding := range inv.Inputs {
		b := *binding
		dup.Inputs[id] = &b
	}
	dup.Steps = make(map[string]*StepInvocationRecord, len(inv.Steps))
	for id, record := range inv.Steps {
		dup.Steps[id] = record.Copy()
	}
	if inv.ParamMap != nil {
		dup.ParamMap = make(map[string]map[string]any, len(inv.ParamMap))
		for id, params := range inv.ParamMap {
			copied := make(map[string]any, len(params))
			for k, v := range params {
				copied[k] = v
			}
			dup.ParamMap[id] = copied
		}
	}
	if inv.Subworkflows != nil {
		dup.Subworkflows = make(map[string]*Invocation, len(inv.Subworkflows))
		for id, nested := range inv.Subworkflows {
			dup.Subworkflows[id] = nested.Copy()
		}
	}
	if inv.ReplacementParams != nil {
		dup.ReplacementParams = make(map[string]string, len(inv.ReplacementParams))
		for k, v := range inv.ReplacementParams {
			dup.ReplacementParams[k] = v
		}
	}
	return &dup
}
