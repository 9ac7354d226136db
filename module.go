package invocation

import (
	"context"
	"log/slog"
)

// StepOutcome is the explicit result variant of one module execution.
// Delayed and Cancelled are ordinary values, not exceptions: the scheduler's
// control flow is a plain switch over outcomes.
type StepOutcome string

const (
	// OutcomeRealized means the step's outputs were produced and recorded.
	OutcomeRealized StepOutcome = "realized"

	// OutcomeDelayed means the step is not ready; retry on a later poll.
	// It is not an error and not terminal.
	OutcomeDelayed StepOutcome = "delayed"

	// OutcomeCancelled means a recorded reviewer action denied
	// continuation. It is terminal for the whole invocation.
	OutcomeCancelled StepOutcome = "cancelled"
)

// StepResult is what a module execution produced.
type StepResult struct {
	Outcome     StepOutcome
	DelayReason string

	// Outputs maps declared output names to realized values for Realized
	// results.
	Outputs map[string]any

	// Jobs references the jobs a tool step submitted.
	Jobs []*Job

	// RuntimeState is the parameter state the step executed with. It is
	// persisted with the step record so a restarted process recovers the
	// exact values without recomputation.
	RuntimeState RuntimeState
}

// Realized builds a Realized step result.
func Realized(outputs map[string]any) *StepResult {
	return &StepResult{Outcome: OutcomeRealized, Outputs: outputs}
}

// Delayed builds a Delayed step result with a human-readable reason.
func Delayed(why string) *StepResult {
	return &StepResult{Outcome: OutcomeDelayed, DelayReason: why}
}

// Cancelled builds a Cancelled step result.
func Cancelled() *StepResult {
	return &StepResult{Outcome: OutcomeCancelled}
}

// Module is the per-step-type behavior bound to a step definition at
// invocation time. One concrete variant exists per step type; the factory
// dispatches on the step's declared type.
type Module interface {
	// Type returns the step type this module implements.
	Type() StepType

	// ComputeRuntimeState merges the step's defaults with caller-supplied
	// runtime overrides. It never fails on missing optional fields; fields
	// that fail domain validation come back in the keyed error map so the
	// caller can decide whether to proceed.
	ComputeRuntimeState(updates map[string]any) (RuntimeState, map[string]string)

	// Execute performs the step's work for one invocation tick and returns
	// an explicit outcome. Errors are execution failures, never control
	// flow.
	Execute(ctx context.Context, progress *InvocationProgress, inv *Invocation, step *StepDefinition) (*StepResult, error)

	// RecoverMapping re-populates the progress tracker's view of the
	// step's outputs purely from the durable record, without re-executing
	// anything. It must be idempotent and side-effect free.
	RecoverMapping(record *StepInvocationRecord, progress *InvocationProgress) error
}

// ModuleEnv bundles the collaborators module variants need.
type ModuleEnv struct {
	Tools     ToolRegistry
	Executor  ToolExecutor
	Histories HistoryStore
	Resolver  ContentResolver
	Workflows WorkflowRegistry

	// Invoke drives a nested invocation one pass against the given
	// workflow; wired by the invoker so subworkflow modules can recurse.
	// Nested workflows are passed directly because they are not
	// necessarily registered under their own name.
	Invoke func(ctx context.Context, workflow *Workflow, inv *Invocation) (*Invocation, error)

	Logger *slog.Logger
}

type moduleConstructor func(env ModuleEnv, step *StepDefinition) (Module, error)

// ModuleFactory builds modules for step definitions. Adding a new step type
// means registering one constructor; the dispatch itself never changes.
type ModuleFactory struct {
	env          ModuleEnv
	constructors map[StepType]moduleConstructor
}

// NewModuleFactory creates a factory with the built-in module types
// registered.
func NewModuleFactory(env ModuleEnv) *ModuleFactory {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	factory := &ModuleFactory{env: env, constructors: map[StepType]moduleConstructor{}}
	factory.RegisterType(StepTypeDataInput, newDataInputModule)
	factory.RegisterType(StepTypeDataCollectionInput, newCollectionInputModule)
	factory.RegisterType(StepTypeParameterInput, newParameterInputModule)
	factory.RegisterType(StepTypePause, newPauseModule)
	factory.RegisterType(StepTypeTool, newToolModule)
	factory.RegisterType(StepTypeSubworkflow, newSubworkflowModule)
	return factory
}

// RegisterType registers a module constructor for a step type.
func (f *ModuleFactory) RegisterType(stepType StepType, constructor moduleConstructor) {
	f.constructors[stepType] = constructor
}

// ForStep returns a module bound to the given step definition.
func (f *ModuleFactory) ForStep(step *StepDefinition) (Module, error) {
	constructor, ok := f.constructors[step.Type]
	if !ok {
		return nil, NewValidationError("unexpected workflow step type %q", step.Type)
	}
	return constructor(f.env, step)
}
