package invocation

import (
	"context"
	"errors"
	"log/slog"
)

// pauseModule holds an invocation until a reviewer records a decision on
// the step. An approval passes the connected upstream value through; a
// rejection cancels the whole invocation.
type pauseModule struct {
	env    ModuleEnv
	step   *StepDefinition
	logger *slog.Logger
}

func newPauseModule(env ModuleEnv, step *StepDefinition) (Module, error) {
	return &pauseModule{env: env, step: step, logger: env.Logger}, nil
}

func (m *pauseModule) Type() StepType { return StepTypePause }

func (m *pauseModule) ComputeRuntimeState(updates map[string]any) (RuntimeState, map[string]string) {
	state := NewRuntimeState()
	for key, value := range updates {
		state[key] = value
	}
	return state, map[string]string{}
}

func (m *pauseModule) Execute(ctx context.Context, progress *InvocationProgress, inv *Invocation, step *StepDefinition) (*StepResult, error) {
	record, ok := inv.RecordFor(step.ID)
	if !ok || record.Action == nil {
		return Delayed("workflow paused at this step waiting for review"), nil
	}
	if !*record.Action {
		m.logger.Info("pause step rejected by reviewer",
			"invocation_id", inv.ID,
			"step_id", step.ID)
		return Cancelled(), nil
	}

	value, connected, err := progress.ReplacementForInput(step, "input")
	if err != nil {
		if errors.Is(err, ErrStepOutputsNotReady) {
			return Delayed("upstream step outputs are not ready"), nil
		}
		return nil, err
	}
	if !connected {
		return nil, NewValidationError("pause step %q has no incoming connection named %q", step.ID, "input")
	}
	return Realized(map[string]any{"output": value}), nil
}

func (m *pauseModule) RecoverMapping(record *StepInvocationRecord, progress *InvocationProgress) error {
	return progress.RecoverStepOutputs(record)
}
