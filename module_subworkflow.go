package invocation

import (
	"context"
	"errors"
	"log/slog"
)

// subworkflowModule drives a nested workflow invocation attached to the
// parent. The parent step's outputs are the nested workflow's labeled
// outputs; the step stays delayed while the nested invocation is active.
type subworkflowModule struct {
	env    ModuleEnv
	step   *StepDefinition
	logger *slog.Logger
}

func newSubworkflowModule(env ModuleEnv, step *StepDefinition) (Module, error) {
	if step.ResolvedSubworkflow() == nil {
		return nil, NewValidationError("subworkflow step %q has no nested workflow", step.ID)
	}
	if env.Invoke == nil {
		return nil, NewValidationError("subworkflow step %q requires a nested invoker", step.ID)
	}
	return &subworkflowModule{env: env, step: step, logger: env.Logger}, nil
}

func (m *subworkflowModule) Type() StepType { return StepTypeSubworkflow }

func (m *subworkflowModule) ComputeRuntimeState(updates map[string]any) (RuntimeState, map[string]string) {
	state := NewRuntimeState()
	for key, value := range updates {
		state[key] = value
	}
	return state, map[string]string{}
}

func (m *subworkflowModule) Execute(ctx context.Context, progress *InvocationProgress, inv *Invocation, step *StepDefinition) (*StepResult, error) {
	nested, ok := inv.SubworkflowInvocation(step.ID)
	if !ok {
		created, err := m.createNestedInvocation(progress, inv, step)
		if err != nil {
			if errors.Is(err, ErrStepOutputsNotReady) {
				return Delayed("upstream step outputs are not ready"), nil
			}
			return nil, err
		}
		nested = created
		inv.AttachSubworkflowInvocation(step.ID, nested)
	}

	advanced, err := m.env.Invoke(ctx, step.ResolvedSubworkflow(), nested)
	if err != nil {
		return nil, err
	}
	inv.AttachSubworkflowInvocation(step.ID, advanced)

	switch advanced.State {
	case InvocationStateDone:
		return m.realizeFromNested(advanced, step)
	case InvocationStateCancelled:
		return Cancelled(), nil
	case InvocationStateFailed:
		return nil, NewStepError("nested workflow invocation %q failed", advanced.ID)
	default:
		return Delayed("waiting on nested workflow invocation"), nil
	}
}

// createNestedInvocation binds the nested workflow's input steps from the
// parent step's connections. Each connection's input name addresses the
// nested input step it feeds.
func (m *subworkflowModule) createNestedInvocation(progress *InvocationProgress, inv *Invocation, step *StepDefinition) (*Invocation, error) {
	subworkflow := step.ResolvedSubworkflow()
	nested := NewInvocation(subworkflow.Name(), inv.HistoryID)
	nested.SchedulerID = inv.SchedulerID
	nested.HandlerID = inv.HandlerID
	nested.ReplacementParams = inv.ReplacementParams

	for inputName, conns := range step.ConnectionsByInput() {
		inputStep, ok := subworkflow.GetStep(inputName)
		if !ok || !inputStep.IsInputType() {
			return nil, NewValidationError("subworkflow step %q connects input %q to no nested input step", step.ID, inputName)
		}
		value, err := progress.ReplacementForConnection(conns[0])
		if err != nil {
			return nil, err
		}
		binding := &InputBinding{StepID: inputStep.ID}
		switch content := value.(type) {
		case *Dataset:
			binding.Src = SourceDataset
			binding.AttachContent(content)
		case *Collection:
			binding.Src = SourceCollection
			binding.AttachContent(content)
		default:
			binding.Src = SourceValue
			binding.Value = value
		}
		nested.AddInput(binding)
	}
	m.logger.Info("created nested workflow invocation",
		"parent_invocation_id", inv.ID,
		"invocation_id", nested.ID,
		"workflow", subworkflow.Name(),
		"step_id", step.ID)
	return nested, nil
}

// realizeFromNested surfaces the nested workflow's labeled outputs as the
// parent step's outputs.
func (m *subworkflowModule) realizeFromNested(nested *Invocation, step *StepDefinition) (*StepResult, error) {
	subworkflow := step.ResolvedSubworkflow()
	nestedProgress := NewInvocationProgress(subworkflow, nested, m.env.Resolver)
	for _, record := range nested.Steps {
		if err := nestedProgress.RecoverStepOutputs(record); err != nil {
			return nil, err
		}
	}
	return Realized(nestedProgress.WorkflowOutputs()), nil
}

func (m *subworkflowModule) RecoverMapping(record *StepInvocationRecord, progress *InvocationProgress) error {
	return progress.RecoverStepOutputs(record)
}
