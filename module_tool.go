package invocation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// toolModule executes tool steps: it resolves the referenced tool, computes
// the runtime parameter state, scatters over collection-valued inputs, and
// submits one job per parameter combination.
type toolModule struct {
	env    ModuleEnv
	step   *StepDefinition
	tool   *Tool
	logger *slog.Logger
}

func newToolModule(env ModuleEnv, step *StepDefinition) (Module, error) {
	tool, ok := env.Tools.GetTool(step.ContentID, step.ContentVersion)
	if !ok {
		return nil, NewInvocationError(ErrorKindToolMissing,
			"tool %q referenced by step %q is not installed", step.ContentID, step.ID)
	}
	return &toolModule{env: env, step: step, tool: tool, logger: env.Logger}, nil
}

func (m *toolModule) Type() StepType { return StepTypeTool }

// ComputeRuntimeState layers caller updates over the tool's defaults and the
// step's stored state. Domain violations come back keyed by input name; the
// computation itself never fails.
func (m *toolModule) ComputeRuntimeState(updates map[string]any) (RuntimeState, map[string]string) {
	state := NewRuntimeState()
	for _, input := range m.tool.Inputs {
		if input.Default != nil {
			state[input.Name] = input.Default
		}
	}
	for key, value := range m.step.ToolState {
		state[key] = value
	}
	for key, value := range updates {
		state[key] = value
	}

	problems := map[string]string{}
	for _, input := range m.tool.Inputs {
		value, present := state[input.Name]
		if !present {
			continue
		}
		if message := checkParamValue(input, value); message != "" {
			problems[input.Name] = message
		}
	}
	return state, problems
}

func (m *toolModule) Execute(ctx context.Context, progress *InvocationProgress, inv *Invocation, step *StepDefinition) (*StepResult, error) {
	state, err := m.executionState(progress, inv, step)
	if err != nil {
		if errors.Is(err, ErrStepOutputsNotReady) {
			return Delayed("upstream step outputs are not ready"), nil
		}
		return nil, err
	}

	toMatch, err := m.collectionsToMatch(state)
	if err != nil {
		return nil, err
	}
	matched, err := MatchCollections(toMatch)
	if err != nil {
		return nil, err
	}

	combinations := m.paramCombinations(state, matched)

	history, ok := m.env.Histories.GetHistory(inv.HistoryID)
	if !ok {
		return nil, NewValidationError("history %q not found", inv.HistoryID)
	}
	tracker, err := m.env.Executor.Submit(ctx, m.tool, combinations, history)
	if err != nil {
		if errors.Is(err, ErrToolInputsNotReady) {
			result := Delayed("tool inputs are not ready")
			result.RuntimeState = state
			return result, nil
		}
		return nil, err
	}
	if tracker.TotalFailure() {
		return nil, NewStepError("all executions of step %q failed: %v", step.ID, errors.Join(tracker.ExecutionErrors()...))
	}

	actions := effectivePostActions(step, state.RuntimePostActions())
	for _, outputs := range tracker.Outputs {
		if outputs == nil {
			continue
		}
		applyImmediatePostActions(actions, outputs, inv.ReplacementParams, m.logger)
	}

	outputs := m.assembleOutputs(matched, tracker, history)
	result := Realized(outputs)
	result.Jobs = tracker.SuccessfulJobs()
	result.RuntimeState = state
	return result, nil
}

// executionState resolves the step's effective parameter values: persisted
// state from a prior tick when present, otherwise defaults refined by
// request-time overrides, with connected inputs replaced by their upstream
// values.
func (m *toolModule) executionState(progress *InvocationProgress, inv *Invocation, step *StepDefinition) (RuntimeState, error) {
	base, problems := m.stateBasis(progress, inv, step)
	connected := step.ConnectionsByInput()
	for _, name := range sortedKeys(problems) {
		if _, ok := connected[name]; ok {
			continue
		}
		return nil, NewValidationError("invalid value for input %q of step %q: %s", name, step.ID, problems[name])
	}

	state := base.Copy()
	for _, input := range m.tool.Inputs {
		value, connected, err := progress.ReplacementForInput(step, input.Name)
		if err != nil {
			return nil, err
		}
		if connected {
			state[input.Name] = value
		}
		if input.Kind == ParamKindText {
			if text, ok := state[input.Name].(string); ok {
				state[input.Name] = substituteReplacements(text, inv.ReplacementParams)
			}
		}
	}

	for _, input := range m.tool.Inputs {
		if input.Optional {
			continue
		}
		if value, ok := state[input.Name]; !ok || value == nil {
			return nil, NewValidationError("required input %q of step %q has no value", input.Name, step.ID)
		}
	}
	return state, nil
}

// stateBasis prefers the injector's resolution of the step, which carries
// state decoded from a persisted record when a prior tick already computed
// it. The fallback recomputes for callers that execute the module directly.
func (m *toolModule) stateBasis(progress *InvocationProgress, inv *Invocation, step *StepDefinition) (RuntimeState, map[string]string) {
	if resolved, ok := progress.ResolvedStepFor(step.ID); ok && resolved.State != nil {
		return resolved.State, resolved.Errors
	}
	return m.ComputeRuntimeState(inv.ParamMap[step.ID])
}

// collectionsToMatch decides which inputs scatter. A collection bound to a
// single-valued data input always scatters element-wise; a collection bound
// to a collection input scatters only when its structure is deeper than what
// the input accepts. Multiple-valued data inputs consume whole collections
// and never scatter.
func (m *toolModule) collectionsToMatch(state RuntimeState) (*CollectionsToMatch, error) {
	toMatch := NewCollectionsToMatch()
	for _, input := range m.tool.Inputs {
		collection, ok := state[input.Name].(*Collection)
		if !ok {
			continue
		}
		switch input.Kind {
		case ParamKindData:
			if input.Multiple {
				continue
			}
			toMatch.Add(input.Name, collection, "")
		case ParamKindCollection:
			described := DescribeCollectionType(collection.CollectionType)
			accepted := false
			for _, acceptedType := range input.CollectionTypes {
				if described.CanMatchType(acceptedType) {
					accepted = true
					break
				}
			}
			if accepted || len(input.CollectionTypes) == 0 {
				continue
			}
			subcollectionType, ok := CanMapOver(input.CollectionTypes, collection.CollectionType)
			if !ok {
				return nil, NewInvocationError(ErrorKindCollectionMismatch,
					"collection of type %q cannot be bound to input %q accepting %v",
					collection.CollectionType, input.Name, input.CollectionTypes)
			}
			toMatch.Add(input.Name, collection, subcollectionType)
		}
	}
	return toMatch, nil
}

// paramCombinations expands the runtime state into one parameter map per
// execution. Without a scatter there is exactly one combination; with one,
// each matched slice overrides the scattered inputs with its bound element.
func (m *toolModule) paramCombinations(state RuntimeState, matched *MatchedCollections) []map[string]any {
	params := map[string]any{}
	for key, value := range state {
		if key == RuntimeStateMetaKey {
			continue
		}
		params[key] = value
	}
	if matched == nil {
		return []map[string]any{params}
	}
	combinations := make([]map[string]any, 0, matched.Len())
	for _, slice := range matched.Slices() {
		combination := make(map[string]any, len(params))
		for key, value := range params {
			combination[key] = value
		}
		for name, element := range slice {
			value := element.Value()
			if dataset, ok := value.(*Dataset); ok {
				bound := *dataset
				bound.ElementIdentifier = element.Identifier
				combination[name] = &bound
			} else {
				combination[name] = value
			}
		}
		combinations = append(combinations, combination)
	}
	return combinations
}

// assembleOutputs maps declared tool outputs to realized values: the single
// execution's outputs for scalar runs, or gathered implicit collections for
// scattered runs. A zero-slice scatter realizes empty collections.
func (m *toolModule) assembleOutputs(matched *MatchedCollections, tracker *ExecutionTracker, history *History) map[string]any {
	outputs := map[string]any{}
	if matched == nil {
		if len(tracker.Outputs) > 0 && tracker.Outputs[0] != nil {
			for name, content := range tracker.Outputs[0] {
				outputs[name] = content
			}
		}
		return outputs
	}
	for _, name := range m.tool.OutputNames() {
		perSlice := make([]HistoryContent, matched.Len())
		for i := range tracker.Outputs {
			if tracker.Outputs[i] == nil {
				continue
			}
			perSlice[i] = tracker.Outputs[i][name]
		}
		gathered := matched.GatherOutput(name, perSlice)
		history.Add(gathered)
		outputs[name] = gathered
	}
	return outputs
}

func (m *toolModule) RecoverMapping(record *StepInvocationRecord, progress *InvocationProgress) error {
	return progress.RecoverStepOutputs(record)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
