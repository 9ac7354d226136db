package invocation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkflowConstruction(t *testing.T) {
	wf, err := New(Options{
		Name: "qc-pipeline",
		Steps: []*StepDefinition{
			{ID: "trim", Type: StepTypeTool, ContentID: "trimmer",
				InputConnections: []*InputConnection{
					{InputName: "input1", SourceStepID: "reads", SourceOutputName: "output"},
				}},
			{ID: "reads", Type: StepTypeDataInput},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "qc-pipeline", wf.Name())

	// Steps come back in topological order regardless of authored order.
	require.Equal(t, []string{"reads", "trim"}, wf.StepIDs())
	steps := wf.Steps()
	require.Equal(t, 0, steps[0].Position)
	require.Equal(t, 1, steps[1].Position)

	step, ok := wf.GetStep("trim")
	require.True(t, ok)
	require.Equal(t, StepTypeTool, step.Type)
	require.NotEmpty(t, step.UUID)

	inputs := wf.InputSteps()
	require.Len(t, inputs, 1)
	require.Equal(t, "reads", inputs[0].ID)
}

func TestInvalidWorkflows(t *testing.T) {
	t.Run("empty workflow", func(t *testing.T) {
		_, err := New(Options{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "workflow name required")
	})

	t.Run("no steps", func(t *testing.T) {
		_, err := New(Options{Name: "empty"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "at least one step")
	})

	t.Run("duplicate step id", func(t *testing.T) {
		_, err := New(Options{
			Name: "dup",
			Steps: []*StepDefinition{
				{ID: "a", Type: StepTypeDataInput},
				{ID: "a", Type: StepTypeDataInput},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate step id")
	})

	t.Run("unknown connection source", func(t *testing.T) {
		_, err := New(Options{
			Name: "dangling",
			Steps: []*StepDefinition{
				{ID: "a", Type: StepTypeTool, ContentID: "cat",
					InputConnections: []*InputConnection{
						{InputName: "input1", SourceStepID: "missing", SourceOutputName: "output"},
					}},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown step")
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := New(Options{
			Name: "loop",
			Steps: []*StepDefinition{
				{ID: "a", Type: StepTypeTool, ContentID: "cat",
					InputConnections: []*InputConnection{
						{InputName: "input1", SourceStepID: "b", SourceOutputName: "output"},
					}},
				{ID: "b", Type: StepTypeTool, ContentID: "cat",
					InputConnections: []*InputConnection{
						{InputName: "input1", SourceStepID: "a", SourceOutputName: "output"},
					}},
			},
		})
		require.Error(t, err)
		require.True(t, IsValidationError(err))
		require.Contains(t, err.Error(), "cycle")
	})

	t.Run("duplicate output label", func(t *testing.T) {
		_, err := New(Options{
			Name:  "outputs",
			Steps: []*StepDefinition{{ID: "a", Type: StepTypeDataInput}},
			Outputs: []*WorkflowOutput{
				{Label: "result", StepID: "a", OutputName: "output"},
				{Label: "result", StepID: "a", OutputName: "output"},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate workflow output label")
	})
}

func TestWorkflowLoadString(t *testing.T) {
	wf, err := LoadString(`
name: mapping
steps:
  - id: reads
    type: data_input
  - id: map
    type: tool
    content_id: mapper
    input_connections:
      - input_name: input1
        source_step_id: reads
        source_output_name: output
outputs:
  - label: mapped
    step_id: map
    output_name: out_file1
`)
	require.NoError(t, err)
	require.Equal(t, "mapping", wf.Name())
	require.Equal(t, []string{"reads", "map"}, wf.StepIDs())
	require.Len(t, wf.Outputs(), 1)
	require.Equal(t, "mapped", wf.Outputs()[0].Label)
}

func TestWorkflowWithNestedSubworkflow(t *testing.T) {
	wf, err := New(Options{
		Name: "outer",
		Steps: []*StepDefinition{
			{ID: "reads", Type: StepTypeDataInput},
			{ID: "sub", Type: StepTypeSubworkflow,
				InputConnections: []*InputConnection{
					{InputName: "inner_reads", SourceStepID: "reads", SourceOutputName: "output"},
				},
				Subworkflow: &Options{
					Name: "inner",
					Steps: []*StepDefinition{
						{ID: "inner_reads", Type: StepTypeDataInput},
					},
					Outputs: []*WorkflowOutput{
						{Label: "passthrough", StepID: "inner_reads", OutputName: "output"},
					},
				}},
		},
	})
	require.NoError(t, err)

	step, ok := wf.GetStep("sub")
	require.True(t, ok)
	nested := step.ResolvedSubworkflow()
	require.NotNil(t, nested)
	require.Equal(t, "inner", nested.Name())
	require.Equal(t, []string{"inner_reads"}, nested.StepIDs())
}

func TestMemoryWorkflowRegistry(t *testing.T) {
	registry := NewMemoryWorkflowRegistry()
	wf, err := New(Options{
		Name:  "registered",
		Steps: []*StepDefinition{{ID: "a", Type: StepTypeDataInput}},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(wf))

	got, ok := registry.Get("registered")
	require.True(t, ok)
	require.Equal(t, wf, got)

	_, ok = registry.Get("missing")
	require.False(t, ok)
}
