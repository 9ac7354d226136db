package invocation

import (
	"context"
	"log/slog"
)

// inputModule implements the three input step types. Input steps hold no
// logic of their own: their single "output" echoes whatever the run request
// bound to the step, optionally copying datasets into the target history
// first.
type inputModule struct {
	stepType StepType
	env      ModuleEnv
	step     *StepDefinition
	logger   *slog.Logger
}

func newDataInputModule(env ModuleEnv, step *StepDefinition) (Module, error) {
	return &inputModule{stepType: StepTypeDataInput, env: env, step: step, logger: env.Logger}, nil
}

func newCollectionInputModule(env ModuleEnv, step *StepDefinition) (Module, error) {
	return &inputModule{stepType: StepTypeDataCollectionInput, env: env, step: step, logger: env.Logger}, nil
}

func newParameterInputModule(env ModuleEnv, step *StepDefinition) (Module, error) {
	return &inputModule{stepType: StepTypeParameterInput, env: env, step: step, logger: env.Logger}, nil
}

func (m *inputModule) Type() StepType { return m.stepType }

func (m *inputModule) ComputeRuntimeState(updates map[string]any) (RuntimeState, map[string]string) {
	state := NewRuntimeState()
	if m.step.ParameterType != "" {
		state["parameter_type"] = string(m.step.ParameterType)
	}
	if m.step.CollectionType != "" {
		state["collection_type"] = m.step.CollectionType
	}
	state["optional"] = m.step.Optional
	for key, value := range updates {
		state[key] = value
	}
	return state, map[string]string{}
}

func (m *inputModule) Execute(ctx context.Context, progress *InvocationProgress, inv *Invocation, step *StepDefinition) (*StepResult, error) {
	binding, ok := inv.Inputs[step.ID]
	if m.stepType == StepTypeParameterInput {
		var value any
		if ok {
			value = binding.Value
		} else if step.Optional {
			value = nil
		} else {
			return nil, NewValidationError("no value bound for required parameter step %q", step.ID)
		}
		return Realized(map[string]any{"output": value}), nil
	}

	if !ok || binding.Resolved() == nil {
		if step.Optional {
			return Realized(map[string]any{"output": nil}), nil
		}
		return nil, NewValidationError("no input bound for required input step %q", step.ID)
	}

	content := binding.Resolved()
	outputs := map[string]any{"output": content}
	if inv.CopyInputsToHistory {
		copied, err := m.copyIntoHistory(ctx, inv, content)
		if err != nil {
			return nil, err
		}
		outputs["output"] = copied
		outputs["input_ds_copy"] = copied
	}
	return Realized(outputs), nil
}

// copyIntoHistory materializes a fresh copy of the bound content inside the
// invocation's target history so later steps never mutate the caller's
// original.
func (m *inputModule) copyIntoHistory(ctx context.Context, inv *Invocation, content HistoryContent) (HistoryContent, error) {
	history, ok := m.env.Histories.GetHistory(inv.HistoryID)
	if !ok {
		return nil, NewValidationError("history %q not found", inv.HistoryID)
	}
	var copied HistoryContent
	switch value := content.(type) {
	case *Dataset:
		copied = value.Copy()
	case *Collection:
		copied = value.Copy()
	default:
		return nil, NewValidationError("cannot copy content of type %q into history", content.ContentType())
	}
	history.Add(copied)
	m.logger.Debug("copied workflow input into history",
		"history_id", inv.HistoryID,
		"step_id", m.step.ID,
		"content_id", copied.ContentID())
	return copied, nil
}

func (m *inputModule) RecoverMapping(record *StepInvocationRecord, progress *InvocationProgress) error {
	return progress.RecoverStepOutputs(record)
}
