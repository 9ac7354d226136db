package invocation

import (
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// WorkflowOutput labels a step output as an output of the whole workflow.
type WorkflowOutput struct {
	Label      string `json:"label" yaml:"label"`
	StepID     string `json:"step_id" yaml:"step_id"`
	OutputName string `json:"output_name" yaml:"output_name"`
}

// Options are used to configure a workflow.
type Options struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []*StepDefinition `json:"steps" yaml:"steps"`
	Outputs     []*WorkflowOutput `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Workflow is an immutable, acyclic graph of typed steps. Step definitions
// are ordered topologically at construction time; an invocation advances
// them strictly in that order.
type Workflow struct {
	name        string
	description string
	steps       []*StepDefinition
	stepsByID   map[string]*StepDefinition
	outputs     []*WorkflowOutput
}

// New returns a new Workflow configured with the given options. The step
// graph is validated here: step ids must be unique, input connections must
// reference existing steps, output labels must be unique, and the graph must
// be acyclic. Steps are reordered topologically and their positions
// reassigned.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, NewValidationError("workflow name required")
	}
	if len(opts.Steps) == 0 {
		return nil, NewValidationError("workflow must have at least one step")
	}

	stepsByID := make(map[string]*StepDefinition, len(opts.Steps))
	for _, step := range opts.Steps {
		if step.ID == "" {
			return nil, NewValidationError("step id required")
		}
		if _, ok := stepsByID[step.ID]; ok {
			return nil, NewValidationError("duplicate step id %q", step.ID)
		}
		if step.UUID == "" {
			step.UUID = uuid.NewString()
		}
		stepsByID[step.ID] = step
	}

	for _, step := range opts.Steps {
		for _, conn := range step.InputConnections {
			if _, ok := stepsByID[conn.SourceStepID]; !ok {
				return nil, NewValidationError("step %q connects input %q to unknown step %q",
					step.ID, conn.InputName, conn.SourceStepID)
			}
		}
	}

	outputLabels := make(map[string]bool, len(opts.Outputs))
	for _, output := range opts.Outputs {
		if output.Label == "" {
			return nil, NewValidationError("workflow output label required")
		}
		if outputLabels[output.Label] {
			return nil, NewValidationError("duplicate workflow output label %q", output.Label)
		}
		outputLabels[output.Label] = true
		if _, ok := stepsByID[output.StepID]; !ok {
			return nil, NewValidationError("workflow output %q references unknown step %q",
				output.Label, output.StepID)
		}
	}

	ordered, err := topologicalOrder(opts.Steps, stepsByID)
	if err != nil {
		return nil, err
	}
	for i, step := range ordered {
		step.Position = i
	}

	// Build nested workflows for subworkflow steps.
	for _, step := range ordered {
		if step.Type != StepTypeSubworkflow {
			continue
		}
		if step.Subworkflow == nil {
			return nil, NewValidationError("subworkflow step %q has no nested workflow", step.ID)
		}
		nested, err := New(*step.Subworkflow)
		if err != nil {
			return nil, fmt.Errorf("subworkflow step %q: %w", step.ID, err)
		}
		step.subworkflow = nested
	}

	return &Workflow{
		name:        opts.Name,
		description: opts.Description,
		steps:       ordered,
		stepsByID:   stepsByID,
		outputs:     opts.Outputs,
	}, nil
}

// topologicalOrder sorts steps so every step follows all of its connection
// sources. A cycle is a validation error — acyclicity is a precondition of
// invocation, enforced once here.
func topologicalOrder(steps []*StepDefinition, byID map[string]*StepDefinition) ([]*StepDefinition, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(steps))
	ordered := make([]*StepDefinition, 0, len(steps))

	var visit func(step *StepDefinition) error
	visit = func(step *StepDefinition) error {
		switch state[step.ID] {
		case done:
			return nil
		case visiting:
			return NewValidationError("workflow contains a cycle through step %q", step.ID)
		}
		state[step.ID] = visiting
		for _, conn := range step.InputConnections {
			if err := visit(byID[conn.SourceStepID]); err != nil {
				return err
			}
		}
		state[step.ID] = done
		ordered = append(ordered, step)
		return nil
	}

	// Visit in declared order for a stable result.
	for _, step := range steps {
		if err := visit(step); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string {
	return w.name
}

// Description returns the workflow description.
func (w *Workflow) Description() string {
	return w.description
}

// Steps returns the workflow steps in topological order.
func (w *Workflow) Steps() []*StepDefinition {
	return w.steps
}

// Outputs returns the workflow's labeled outputs.
func (w *Workflow) Outputs() []*WorkflowOutput {
	return w.outputs
}

// GetStep returns a step by id.
func (w *Workflow) GetStep(id string) (*StepDefinition, bool) {
	step, ok := w.stepsByID[id]
	return step, ok
}

// StepIDs returns the ids of all steps in the workflow, sorted.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, 0, len(w.stepsByID))
	for id := range w.stepsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InputSteps returns the steps that provide workflow inputs, in topological
// order.
func (w *Workflow) InputSteps() []*StepDefinition {
	var inputs []*StepDefinition
	for _, step := range w.steps {
		if step.IsInputType() {
			inputs = append(inputs, step)
		}
	}
	return inputs
}

// LoadFile loads a workflow from a YAML file.
func LoadFile(path string) (*Workflow, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var opts Options
	if err := yaml.Unmarshal(yamlData, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	return New(opts)
}

// LoadString loads a workflow from a YAML string.
func LoadString(data string) (*Workflow, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return New(opts)
}

// WorkflowRegistry manages a collection of workflow definitions. The
// scheduling layer resolves an invocation's workflow through a registry so
// persisted invocations can be rehydrated by name.
type WorkflowRegistry interface {
	// Register adds a workflow to the registry.
	Register(workflow *Workflow) error

	// Get retrieves a workflow by name.
	Get(name string) (*Workflow, bool)

	// List returns all registered workflow names.
	List() []string
}

// MemoryWorkflowRegistry implements WorkflowRegistry using in-memory storage.
type MemoryWorkflowRegistry struct {
	workflows map[string]*Workflow
}

// NewMemoryWorkflowRegistry creates a new in-memory workflow registry.
func NewMemoryWorkflowRegistry() *MemoryWorkflowRegistry {
	return &MemoryWorkflowRegistry{
		workflows: make(map[string]*Workflow),
	}
}

// Register adds a workflow to the registry.
func (r *MemoryWorkflowRegistry) Register(workflow *Workflow) error {
	if workflow == nil {
		return fmt.Errorf("workflow cannot be nil")
	}
	if workflow.Name() == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}
	r.workflows[workflow.Name()] = workflow
	return nil
}

// Get retrieves a workflow by name.
func (r *MemoryWorkflowRegistry) Get(name string) (*Workflow, bool) {
	workflow, exists := r.workflows[name]
	return workflow, exists
}

// List returns all registered workflow names.
func (r *MemoryWorkflowRegistry) List() []string {
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
