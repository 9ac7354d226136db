package invocation

// StepType identifies the behavior bound to a workflow step.
type StepType string

const (
	StepTypeDataInput           StepType = "data_input"
	StepTypeDataCollectionInput StepType = "data_collection_input"
	StepTypeParameterInput      StepType = "parameter_input"
	StepTypePause               StepType = "pause"
	StepTypeTool                StepType = "tool"
	StepTypeSubworkflow         StepType = "subworkflow"
)

// InputConnection wires one input of a step to an output of an earlier step.
type InputConnection struct {
	InputName        string `json:"input_name" yaml:"input_name"`
	SourceStepID     string `json:"source_step_id" yaml:"source_step_id"`
	SourceOutputName string `json:"source_output_name" yaml:"source_output_name"`
}

// StepDefinition is the immutable description of a single workflow step.
// Definitions are produced when a workflow is authored or imported and are
// never mutated during an invocation.
type StepDefinition struct {
	ID             string   `json:"id" yaml:"id"`
	UUID           string   `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Type           StepType `json:"type" yaml:"type"`
	Label          string   `json:"label,omitempty" yaml:"label,omitempty"`
	ContentID      string   `json:"content_id,omitempty" yaml:"content_id,omitempty"`
	ContentVersion string   `json:"content_version,omitempty" yaml:"content_version,omitempty"`

	// Position is the topological position of the step within its workflow.
	// Input connections may only reference steps with a strictly smaller
	// position. New recomputes positions from the connection graph.
	Position int `json:"position" yaml:"position"`

	// ToolState holds the default parameter values for the step. The runtime
	// state computed at invocation time starts from these values.
	ToolState map[string]any `json:"tool_state,omitempty" yaml:"tool_state,omitempty"`

	// CollectionType constrains data_collection_input steps (e.g. "list",
	// "paired", "list:paired").
	CollectionType string `json:"collection_type,omitempty" yaml:"collection_type,omitempty"`

	// ParameterType constrains parameter_input steps (text, integer, float,
	// boolean, color).
	ParameterType string `json:"parameter_type,omitempty" yaml:"parameter_type,omitempty"`
	Optional      bool   `json:"optional,omitempty" yaml:"optional,omitempty"`

	InputConnections []*InputConnection `json:"input_connections,omitempty" yaml:"input_connections,omitempty"`
	PostActions      []*PostAction      `json:"post_actions,omitempty" yaml:"post_actions,omitempty"`

	// Subworkflow holds the nested workflow definition for subworkflow steps.
	Subworkflow *Options `json:"subworkflow,omitempty" yaml:"subworkflow,omitempty"`

	subworkflow *Workflow
}

// ResolvedSubworkflow returns the nested workflow built from the Subworkflow
// options when the owning workflow was constructed.
func (s *StepDefinition) ResolvedSubworkflow() *Workflow {
	return s.subworkflow
}

// ConnectionsByInput groups the step's input connections by input name. Most
// inputs have exactly one connection; multi-connected inputs are allowed for
// multiple-valued data parameters.
func (s *StepDefinition) ConnectionsByInput() map[string][]*InputConnection {
	byName := make(map[string][]*InputConnection, len(s.InputConnections))
	for _, conn := range s.InputConnections {
		byName[conn.InputName] = append(byName[conn.InputName], conn)
	}
	return byName
}

// IsInputType reports whether the step provides a workflow input (dataset,
// dataset collection, or parameter).
func (s *StepDefinition) IsInputType() bool {
	switch s.Type {
	case StepTypeDataInput, StepTypeDataCollectionInput, StepTypeParameterInput:
		return true
	}
	return false
}
