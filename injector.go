package invocation

// ResolvedStep is a step definition bound to its module and the runtime
// state it will execute with.
type ResolvedStep struct {
	Definition *StepDefinition
	Module     Module

	// State is the computed runtime state: persisted state when a prior
	// tick already executed the step, otherwise defaults refined by
	// request-time overrides.
	State RuntimeState

	// Errors holds per-input domain violations found while computing the
	// state. Violations on connected inputs are expected before the
	// upstream step realizes and are not fatal.
	Errors map[string]string
}

// ModuleInjector binds modules and runtime state onto step definitions.
type ModuleInjector struct {
	factory *ModuleFactory
}

// NewModuleInjector creates an injector over the given factory.
func NewModuleInjector(factory *ModuleFactory) *ModuleInjector {
	return &ModuleInjector{factory: factory}
}

// Inject resolves one step: it builds the module for the step's type and
// computes its runtime state. A persisted record's state wins over
// recomputation so resumed invocations see the exact values the step ran
// with.
func (j *ModuleInjector) Inject(step *StepDefinition, stepArgs map[string]any, record *StepInvocationRecord) (*ResolvedStep, error) {
	module, err := j.factory.ForStep(step)
	if err != nil {
		return nil, err
	}
	resolved := &ResolvedStep{Definition: step, Module: module, Errors: map[string]string{}}
	if record != nil && len(record.RuntimeState) > 0 {
		state, err := DecodeRuntimeState(record.RuntimeState)
		if err != nil {
			return nil, err
		}
		resolved.State = state
		return resolved, nil
	}
	state, problems := module.ComputeRuntimeState(stepArgs)
	resolved.State = state
	resolved.Errors = problems
	return resolved, nil
}

// PopulateModuleAndState resolves every step of a workflow against an
// invocation's request-time overrides. It also re-attaches content to input
// bindings that only carry durable references, so a freshly loaded
// invocation is executable.
func (j *ModuleInjector) PopulateModuleAndState(workflow *Workflow, inv *Invocation, resolver ContentResolver) (map[string]*ResolvedStep, error) {
	for _, binding := range inv.Inputs {
		if binding.Resolved() != nil || binding.ContentID == "" {
			continue
		}
		content, err := resolver.Resolve(binding.Src, binding.ContentID)
		if err != nil {
			return nil, NewStepError("failed to re-attach input for step %q: %v", binding.StepID, err)
		}
		binding.AttachContent(content)
	}

	resolved := make(map[string]*ResolvedStep, len(workflow.Steps()))
	for _, step := range workflow.Steps() {
		record, _ := inv.RecordFor(step.ID)
		stepResolved, err := j.Inject(step, inv.ParamMap[step.ID], record)
		if err != nil {
			return nil, err
		}
		resolved[step.ID] = stepResolved
	}
	return resolved, nil
}
