package invocation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	Workflows WorkflowRegistry
	Tools     ToolRegistry
	Executor  ToolExecutor
	Histories HistoryStore
	Resolver  ContentResolver
	Logger    *slog.Logger
	Callbacks InvocationCallbacks
}

// Invoker advances one invocation one scheduling pass at a time. Each call
// walks the workflow's steps in topological order, recovers already-realized
// steps from their records, and executes the rest. A pass is idempotent:
// records are written once and re-entry recovers rather than re-executes.
type Invoker struct {
	workflows WorkflowRegistry
	injector  *ModuleInjector
	resolver  ContentResolver
	logger    *slog.Logger
	callbacks InvocationCallbacks
}

// NewInvoker creates a new Invoker. The invoker owns the module factory so
// subworkflow modules can recurse into it.
func NewInvoker(opts InvokerOptions) (*Invoker, error) {
	if opts.Workflows == nil {
		return nil, errors.New("workflow registry is required")
	}
	if opts.Tools == nil {
		return nil, errors.New("tool registry is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("tool executor is required")
	}
	if opts.Histories == nil {
		return nil, errors.New("history store is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("content resolver is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseInvocationCallbacks()
	}
	invoker := &Invoker{
		workflows: opts.Workflows,
		resolver:  opts.Resolver,
		logger:    opts.Logger,
		callbacks: opts.Callbacks,
	}
	factory := NewModuleFactory(ModuleEnv{
		Tools:     opts.Tools,
		Executor:  opts.Executor,
		Histories: opts.Histories,
		Resolver:  opts.Resolver,
		Workflows: opts.Workflows,
		Invoke:    invoker.InvokeWorkflow,
		Logger:    opts.Logger,
	})
	invoker.injector = NewModuleInjector(factory)
	return invoker, nil
}

// Invoke advances the invocation as far as one pass allows, mutating it in
// place. Delayed steps leave the invocation active for a later pass;
// failures and cancellations are terminal. The returned error reports
// infrastructure problems only, never step outcomes.
func (k *Invoker) Invoke(ctx context.Context, inv *Invocation) (*Invocation, error) {
	workflow, ok := k.workflows.Get(inv.WorkflowName)
	if !ok {
		k.failInvocation(ctx, inv, NewValidationError("workflow %q is not registered", inv.WorkflowName))
		return inv, nil
	}
	return k.InvokeWorkflow(ctx, workflow, inv)
}

// InvokeWorkflow advances an invocation against an explicitly supplied
// workflow. Nested invocations come through here because their workflows
// live inline in the parent step, not in the registry.
func (k *Invoker) InvokeWorkflow(ctx context.Context, workflow *Workflow, inv *Invocation) (*Invocation, error) {
	if !inv.Active() {
		return inv, nil
	}
	resolved, err := k.injector.PopulateModuleAndState(workflow, inv, k.resolver)
	if err != nil {
		k.failInvocation(ctx, inv, err)
		return inv, nil
	}

	if inv.State == InvocationStateNew {
		k.setState(ctx, inv, InvocationStateReady)
	}

	progress := NewInvocationProgress(workflow, inv, k.resolver)
	progress.AttachResolvedSteps(resolved)
	realized := 0
	for _, step := range workflow.Steps() {
		if err := ctx.Err(); err != nil {
			return inv, err
		}
		module := resolved[step.ID].Module
		if record, ok := inv.RecordFor(step.ID); ok && record.Realized() {
			if err := module.RecoverMapping(record, progress); err != nil {
				k.failInvocation(ctx, inv, err)
				return inv, nil
			}
			realized++
			continue
		}

		result, err := module.Execute(ctx, progress, inv, step)
		if err != nil {
			k.recordStepFailure(ctx, inv, workflow, step, err)
			return inv, nil
		}

		switch result.Outcome {
		case OutcomeRealized:
			k.recordRealized(ctx, inv, workflow, step, progress, result)
			realized++
		case OutcomeDelayed:
			k.recordDelayed(ctx, inv, workflow, step, progress, result)
		case OutcomeCancelled:
			k.logger.Info("invocation cancelled at step",
				"invocation_id", inv.ID,
				"step_id", step.ID)
			k.setState(ctx, inv, InvocationStateCancelled)
			return inv, nil
		}
	}

	if realized == len(workflow.Steps()) {
		k.setState(ctx, inv, InvocationStateDone)
		k.logger.Info("invocation complete",
			"invocation_id", inv.ID,
			"workflow", workflow.Name(),
			"steps", realized)
	}
	inv.UpdatedAt = time.Now()
	return inv, nil
}

func (k *Invoker) recordRealized(ctx context.Context, inv *Invocation, workflow *Workflow, step *StepDefinition, progress *InvocationProgress, result *StepResult) {
	record := &StepInvocationRecord{
		StepID:    step.ID,
		Outputs:   map[string]*OutputValue{},
		UpdatedAt: time.Now(),
	}
	if existing, ok := inv.RecordFor(step.ID); ok {
		record.Action = existing.Action
	}
	registrar, _ := k.resolver.(ContentRegistrar)
	for name, value := range result.Outputs {
		record.Outputs[name] = outputValueFor(value)
		if registrar != nil {
			if content, ok := value.(HistoryContent); ok {
				registrar.Register(content)
			}
		}
	}
	for _, job := range result.Jobs {
		record.JobIDs = append(record.JobIDs, job.ID)
	}
	k.persistRuntimeState(inv, record, result)
	inv.SetRecord(record)

	if step.IsInputType() {
		progress.SetOutputsForInput(step, result.Outputs)
	} else {
		progress.SetStepOutputs(step.ID, result.Outputs)
	}

	k.callbacks.OnStepScheduled(ctx, &StepEvent{
		InvocationID: inv.ID,
		WorkflowName: workflow.Name(),
		StepID:       step.ID,
		StepType:     step.Type,
		Outcome:      OutcomeRealized,
		JobIDs:       record.JobIDs,
		Timestamp:    time.Now(),
	})
}

func (k *Invoker) recordDelayed(ctx context.Context, inv *Invocation, workflow *Workflow, step *StepDefinition, progress *InvocationProgress, result *StepResult) {
	record, ok := inv.RecordFor(step.ID)
	if !ok {
		record = &StepInvocationRecord{StepID: step.ID}
	}
	record.Delayed = true
	record.DelayReason = result.DelayReason
	record.UpdatedAt = time.Now()
	k.persistRuntimeState(inv, record, result)
	inv.SetRecord(record)
	progress.MarkStepDelayed(step.ID, result.DelayReason)

	k.logger.Debug("step delayed",
		"invocation_id", inv.ID,
		"step_id", step.ID,
		"reason", result.DelayReason)
	k.callbacks.OnStepDelayed(ctx, &StepEvent{
		InvocationID: inv.ID,
		WorkflowName: workflow.Name(),
		StepID:       step.ID,
		StepType:     step.Type,
		Outcome:      OutcomeDelayed,
		DelayReason:  result.DelayReason,
		Timestamp:    time.Now(),
	})
}

// persistRuntimeState encodes the result's runtime state onto the record so
// later passes resume from it instead of recomputing.
func (k *Invoker) persistRuntimeState(inv *Invocation, record *StepInvocationRecord, result *StepResult) {
	if result.RuntimeState == nil {
		return
	}
	encoded, err := result.RuntimeState.Encode()
	if err != nil {
		k.logger.Warn("failed to encode step runtime state",
			"invocation_id", inv.ID,
			"step_id", record.StepID,
			"error", err)
		return
	}
	record.RuntimeState = encoded
}

func (k *Invoker) recordStepFailure(ctx context.Context, inv *Invocation, workflow *Workflow, step *StepDefinition, err error) {
	k.logger.Error("step execution failed",
		"invocation_id", inv.ID,
		"step_id", step.ID,
		"error_kind", ErrorKind(err),
		"error", err)
	k.callbacks.OnStepFailed(ctx, &StepEvent{
		InvocationID: inv.ID,
		WorkflowName: workflow.Name(),
		StepID:       step.ID,
		StepType:     step.Type,
		Timestamp:    time.Now(),
		Error:        err,
	})
	k.failInvocation(ctx, inv, err)
}

func (k *Invoker) failInvocation(ctx context.Context, inv *Invocation, err error) {
	k.logger.Error("invocation failed",
		"invocation_id", inv.ID,
		"workflow", inv.WorkflowName,
		"error", err)
	k.setState(ctx, inv, InvocationStateFailed)
}

func (k *Invoker) setState(ctx context.Context, inv *Invocation, state InvocationState) {
	if inv.State == state {
		return
	}
	inv.State = state
	inv.UpdatedAt = time.Now()
	k.callbacks.OnInvocationStateChange(ctx, &InvocationEvent{
		InvocationID: inv.ID,
		WorkflowName: inv.WorkflowName,
		HistoryID:    inv.HistoryID,
		State:        state,
		SchedulerID:  inv.SchedulerID,
		HandlerID:    inv.HandlerID,
		Timestamp:    time.Now(),
	})
}
