package invocation

import (
	"fmt"
	"strconv"
	"strings"
)

// InputsByStyle names the addressing convention for run request inputs.
const (
	InputsByStepID    = "step_id"
	InputsByStepIndex = "step_index"
	InputsByStepUUID  = "step_uuid"
	InputsByName      = "name"
)

// RunRequestInput references one value bound to a workflow input step:
// either external content by source kind and id, or an inline value for
// parameter steps.
type RunRequestInput struct {
	Src InputSourceKind `json:"src,omitempty" yaml:"src,omitempty"`
	ID  string          `json:"id,omitempty" yaml:"id,omitempty"`
	Val any             `json:"value,omitempty" yaml:"value,omitempty"`

	// BatchValues expands this input into one invocation per listed
	// reference when the request has Batch set.
	BatchValues []*RunRequestInput `json:"batch_values,omitempty" yaml:"batch_values,omitempty"`
}

// RunRequest is the raw payload asking for a workflow to be invoked.
type RunRequest struct {
	WorkflowName string `json:"workflow_name" yaml:"workflow_name"`

	// HistoryID targets an existing history. NewHistoryName requests a
	// fresh one instead; exactly one of the two must be set.
	HistoryID      string `json:"history_id,omitempty" yaml:"history_id,omitempty"`
	NewHistoryName string `json:"new_history_name,omitempty" yaml:"new_history_name,omitempty"`

	// Inputs binds workflow input steps, keyed per InputsBy.
	Inputs map[string]*RunRequestInput `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// InputsBy declares how Inputs keys address steps. Defaults to
	// step_id. Styles cannot be mixed within one request.
	InputsBy string `json:"inputs_by,omitempty" yaml:"inputs_by,omitempty"`

	// Parameters carries runtime overrides per step, keyed the same way
	// Inputs are. Nested values are flattened to "|"-joined keys.
	Parameters map[string]map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	ReplacementParams   map[string]string `json:"replacement_params,omitempty" yaml:"replacement_params,omitempty"`
	CopyInputsToHistory bool              `json:"copy_inputs_to_history,omitempty" yaml:"copy_inputs_to_history,omitempty"`
	SchedulerID         string            `json:"scheduler_id,omitempty" yaml:"scheduler_id,omitempty"`

	// Batch expands inputs carrying BatchValues into one invocation per
	// position; all batched inputs must list the same number of values.
	Batch bool `json:"batch,omitempty" yaml:"batch,omitempty"`

	// Roles are the requesting user's roles, checked against every
	// referenced dataset and collection.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// WorkflowRunConfig is one validated, fully resolved invocation request: the
// normalized form a RunRequest expands into.
type WorkflowRunConfig struct {
	Workflow            *Workflow
	HistoryID           string
	Inputs              map[string]*InputBinding
	ParamMap            map[string]map[string]any
	ReplacementParams   map[string]string
	CopyInputsToHistory bool
	SchedulerID         string
}

// RunRequestBuilder turns raw run requests into workflow run configs. All
// request validation happens here, synchronously, before anything is
// queued.
type RunRequestBuilder struct {
	workflows WorkflowRegistry
	histories HistoryStore
	resolver  ContentResolver
	access    AccessChecker
}

// NewRunRequestBuilder creates a builder.
func NewRunRequestBuilder(workflows WorkflowRegistry, histories HistoryStore, resolver ContentResolver, access AccessChecker) *RunRequestBuilder {
	if access == nil {
		access = AllowAllAccess{}
	}
	return &RunRequestBuilder{
		workflows: workflows,
		histories: histories,
		resolver:  resolver,
		access:    access,
	}
}

// BuildRunConfigs validates and expands a run request. A non-batch request
// yields exactly one config; a batch request yields one per batched
// position, each against its own derived history.
func (b *RunRequestBuilder) BuildRunConfigs(request *RunRequest) ([]*WorkflowRunConfig, error) {
	workflow, ok := b.workflows.Get(request.WorkflowName)
	if !ok {
		return nil, NewValidationError("workflow %q is not registered", request.WorkflowName)
	}
	if request.HistoryID != "" && request.NewHistoryName != "" {
		return nil, NewValidationError("history_id and new_history_name are mutually exclusive")
	}

	inputs, err := b.normalizeInputKeys(workflow, request.Inputs, request.InputsBy)
	if err != nil {
		return nil, err
	}
	paramMap, err := b.normalizeParameters(workflow, request)
	if err != nil {
		return nil, err
	}

	expanded, err := expandBatch(request, inputs)
	if err != nil {
		return nil, err
	}

	configs := make([]*WorkflowRunConfig, 0, len(expanded))
	for _, expansion := range expanded {
		historyID, err := b.targetHistory(request, workflow, expansion)
		if err != nil {
			return nil, err
		}
		bindings := map[string]*InputBinding{}
		for stepID, input := range expansion.inputs {
			binding, err := b.resolveInput(workflow, stepID, input, request.Roles)
			if err != nil {
				return nil, err
			}
			bindings[stepID] = binding
		}
		configs = append(configs, &WorkflowRunConfig{
			Workflow:            workflow,
			HistoryID:           historyID,
			Inputs:              bindings,
			ParamMap:            paramMap,
			ReplacementParams:   request.ReplacementParams,
			CopyInputsToHistory: request.CopyInputsToHistory,
			SchedulerID:         request.SchedulerID,
		})
	}
	return configs, nil
}

// normalizeInputKeys rewrites request input keys to step ids according to
// the declared addressing style.
func (b *RunRequestBuilder) normalizeInputKeys(workflow *Workflow, inputs map[string]*RunRequestInput, inputsBy string) (map[string]*RunRequestInput, error) {
	if inputsBy == "" {
		inputsBy = InputsByStepID
	}
	normalized := make(map[string]*RunRequestInput, len(inputs))
	for key, input := range inputs {
		step, err := b.findStep(workflow, key, inputsBy)
		if err != nil {
			return nil, err
		}
		if !step.IsInputType() {
			return nil, NewValidationError("step %q is not a workflow input step", step.ID)
		}
		if _, dup := normalized[step.ID]; dup {
			return nil, NewValidationError("multiple inputs bound to step %q", step.ID)
		}
		normalized[step.ID] = input
	}
	return normalized, nil
}

func (b *RunRequestBuilder) findStep(workflow *Workflow, key, inputsBy string) (*StepDefinition, error) {
	switch inputsBy {
	case InputsByStepID:
		if step, ok := workflow.GetStep(key); ok {
			return step, nil
		}
	case InputsByStepIndex:
		index, err := strconv.Atoi(key)
		if err != nil {
			return nil, NewValidationError("input key %q is not a step index", key)
		}
		steps := workflow.Steps()
		if index >= 0 && index < len(steps) {
			return steps[index], nil
		}
	case InputsByStepUUID:
		for _, step := range workflow.Steps() {
			if step.UUID == key {
				return step, nil
			}
		}
	case InputsByName:
		for _, step := range workflow.Steps() {
			if step.Label == key {
				return step, nil
			}
		}
	default:
		return nil, NewValidationError("unknown inputs_by style %q", inputsBy)
	}
	return nil, NewValidationError("no step matches input key %q (addressed by %s)", key, inputsBy)
}

// normalizeParameters rewrites parameter keys to step ids and flattens
// nested values into the "|"-joined form module runtime state expects.
func (b *RunRequestBuilder) normalizeParameters(workflow *Workflow, request *RunRequest) (map[string]map[string]any, error) {
	if len(request.Parameters) == 0 {
		return map[string]map[string]any{}, nil
	}
	inputsBy := request.InputsBy
	if inputsBy == "" {
		inputsBy = InputsByStepID
	}
	paramMap := make(map[string]map[string]any, len(request.Parameters))
	for key, params := range request.Parameters {
		step, err := b.findStep(workflow, key, inputsBy)
		if err != nil {
			return nil, err
		}
		paramMap[step.ID] = flattenParams(params)
	}
	return paramMap, nil
}

// targetHistory resolves or creates the history the invocation runs in.
func (b *RunRequestBuilder) targetHistory(request *RunRequest, workflow *Workflow, expansion *batchExpansion) (string, error) {
	if request.HistoryID != "" {
		if _, ok := b.histories.GetHistory(request.HistoryID); !ok {
			return "", NewValidationError("history %q not found", request.HistoryID)
		}
		if expansion.suffix == "" {
			return request.HistoryID, nil
		}
	}
	name := request.NewHistoryName
	if name == "" {
		name = fmt.Sprintf("History from %s workflow", workflow.Name())
	}
	if expansion.suffix != "" {
		name = fmt.Sprintf("%s on %s", name, expansion.suffix)
	}
	history := NewHistory(name)
	b.histories.AddHistory(history)
	return history.ID, nil
}

// resolveInput turns one request input reference into a bound, access
// checked input binding. Access failures are reported without distinguishing
// missing content from forbidden content.
func (b *RunRequestBuilder) resolveInput(workflow *Workflow, stepID string, input *RunRequestInput, roles []string) (*InputBinding, error) {
	step, _ := workflow.GetStep(stepID)
	binding := &InputBinding{StepID: stepID}

	if input.Src == "" || input.Src == SourceValue {
		if step.Type != StepTypeParameterInput {
			return nil, NewValidationError("step %q requires a content reference, not an inline value", stepID)
		}
		binding.Src = SourceValue
		binding.Value = input.Val
		if message := checkParameterValue(step, input.Val); message != "" {
			return nil, NewValidationError("invalid value for parameter step %q: %s", stepID, message)
		}
		return binding, nil
	}

	content, err := b.resolver.Resolve(input.Src, input.ID)
	if err != nil {
		return nil, NewInvocationError(ErrorKindAccessDenied,
			"input for step %q could not be resolved", stepID)
	}
	if !b.access.CanAccess(roles, content) {
		return nil, NewInvocationError(ErrorKindAccessDenied,
			"input for step %q could not be resolved", stepID)
	}

	switch step.Type {
	case StepTypeDataInput:
		if content.ContentType() != ContentTypeDataset {
			return nil, NewValidationError("step %q requires a dataset, got %s", stepID, content.ContentType())
		}
		binding.Src = SourceDataset
	case StepTypeDataCollectionInput:
		if content.ContentType() != ContentTypeCollection {
			return nil, NewValidationError("step %q requires a dataset collection, got %s", stepID, content.ContentType())
		}
		if step.CollectionType != "" {
			collection := content.(*Collection)
			described := DescribeCollectionType(collection.CollectionType)
			if !described.CanMatchType(step.CollectionType) && !described.HasSubcollectionsOfType(step.CollectionType) {
				return nil, NewValidationError("step %q requires collection type %q, got %q",
					stepID, step.CollectionType, collection.CollectionType)
			}
		}
		binding.Src = SourceCollection
	default:
		return nil, NewValidationError("step %q does not accept content references", stepID)
	}
	binding.AttachContent(content)
	return binding, nil
}

// checkParameterValue validates an inline value against a parameter input
// step's declared type.
func checkParameterValue(step *StepDefinition, value any) string {
	if value == nil {
		if step.Optional {
			return ""
		}
		return "value is required"
	}
	input := &ToolInput{Name: step.ID, Kind: ParamKind(step.ParameterType), Optional: step.Optional}
	if step.ParameterType == "" {
		input.Kind = ParamKindText
	}
	return checkParamValue(input, value)
}

// RunConfigToInvocation converts a run config into a queueable invocation.
func RunConfigToInvocation(config *WorkflowRunConfig) *Invocation {
	inv := NewInvocation(config.Workflow.Name(), config.HistoryID)
	inv.SchedulerID = config.SchedulerID
	inv.CopyInputsToHistory = config.CopyInputsToHistory
	inv.ReplacementParams = config.ReplacementParams
	inv.ParamMap = config.ParamMap
	for _, binding := range config.Inputs {
		inv.AddInput(binding)
	}
	return inv
}

// InvocationToRunConfig reconstructs the run config a persisted invocation
// was built from. Workflow state round-trips: converting back and forth
// yields an equivalent config.
func InvocationToRunConfig(workflow *Workflow, inv *Invocation) *WorkflowRunConfig {
	return &WorkflowRunConfig{
		Workflow:            workflow,
		HistoryID:           inv.HistoryID,
		Inputs:              inv.Inputs,
		ParamMap:            inv.ParamMap,
		ReplacementParams:   inv.ReplacementParams,
		CopyInputsToHistory: inv.CopyInputsToHistory,
		SchedulerID:         inv.SchedulerID,
	}
}

// flattenParams flattens nested parameter maps into "|"-joined keys, the
// form runtime state uses ("cond|param": value).
func flattenParams(params map[string]any) map[string]any {
	flat := map[string]any{}
	flattenInto(flat, "", params)
	return flat
}

func flattenInto(flat map[string]any, prefix string, params map[string]any) {
	for key, value := range params {
		name := key
		if prefix != "" {
			name = prefix + "|" + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenInto(flat, name, nested)
			continue
		}
		flat[name] = value
	}
}

// unflattenParams is the inverse of flattenParams.
func unflattenParams(flat map[string]any) map[string]any {
	nested := map[string]any{}
	for key, value := range flat {
		parts := strings.Split(key, "|")
		current := nested
		for _, part := range parts[:len(parts)-1] {
			child, ok := current[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				current[part] = child
			}
			current = child
		}
		current[parts[len(parts)-1]] = value
	}
	return nested
}
