package invocation

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type requestFixture struct {
	workflows *MemoryWorkflowRegistry
	histories *MemoryHistoryStore
	resolver  *MemoryContentResolver
	workflow  *Workflow
	history   *History
	dataset   *Dataset
}

func newRequestFixture(t *testing.T) *requestFixture {
	t.Helper()
	workflows := NewMemoryWorkflowRegistry()
	histories := NewMemoryHistoryStore()
	resolver := NewMemoryContentResolver()

	wf, err := New(Options{
		Name: "request-flow",
		Steps: []*StepDefinition{
			{ID: "reads", Type: StepTypeDataInput, Label: "Input reads"},
			{ID: "threshold", Type: StepTypeParameterInput, ParameterType: "float"},
			{ID: "cat", Type: StepTypeTool, ContentID: "cat",
				InputConnections: []*InputConnection{
					{InputName: "input1", SourceStepID: "reads", SourceOutputName: "output"},
				}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, workflows.Register(wf))

	history := NewHistory("existing history")
	histories.AddHistory(history)

	dataset := &Dataset{ID: NewDatasetID(), Name: "sample.fastq", State: DatasetStateOK}
	resolver.Register(dataset)

	return &requestFixture{
		workflows: workflows,
		histories: histories,
		resolver:  resolver,
		workflow:  wf,
		history:   history,
		dataset:   dataset,
	}
}

func (f *requestFixture) builder(access AccessChecker) *RunRequestBuilder {
	return NewRunRequestBuilder(f.workflows, f.histories, f.resolver, access)
}

func TestBuildRunConfigsByStepID(t *testing.T) {
	f := newRequestFixture(t)
	configs, err := f.builder(nil).BuildRunConfigs(&RunRequest{
		WorkflowName: "request-flow",
		HistoryID:    f.history.ID,
		Inputs: map[string]*RunRequestInput{
			"reads":     {Src: SourceDataset, ID: f.dataset.ID},
			"threshold": {Src: SourceValue, Val: 0.75},
		},
	})
	require.NoError(t, err)
	require.Len(t, configs, 1)

	config := configs[0]
	require.Equal(t, f.history.ID, config.HistoryID)
	require.Equal(t, f.dataset, config.Inputs["reads"].Resolved())
	require.Equal(t, 0.75, config.Inputs["threshold"].Value)
}

func TestBuildRunConfigsAddressingStyles(t *testing.T) {
	t.Run("by step index", func(t *testing.T) {
		f := newRequestFixture(t)
		configs, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			InputsBy:     InputsByStepIndex,
			Inputs: map[string]*RunRequestInput{
				"0": {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.NoError(t, err)
		require.Contains(t, configs[0].Inputs, "reads")
	})

	t.Run("by name", func(t *testing.T) {
		f := newRequestFixture(t)
		configs, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			InputsBy:     InputsByName,
			Inputs: map[string]*RunRequestInput{
				"Input reads": {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.NoError(t, err)
		require.Contains(t, configs[0].Inputs, "reads")
	})

	t.Run("by uuid", func(t *testing.T) {
		f := newRequestFixture(t)
		step, _ := f.workflow.GetStep("reads")
		configs, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			InputsBy:     InputsByStepUUID,
			Inputs: map[string]*RunRequestInput{
				step.UUID: {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.NoError(t, err)
		require.Contains(t, configs[0].Inputs, "reads")
	})

	t.Run("unknown style", func(t *testing.T) {
		f := newRequestFixture(t)
		_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			InputsBy:     "step_title",
			Inputs: map[string]*RunRequestInput{
				"reads": {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.Error(t, err)
		require.True(t, IsValidationError(err))
	})

	t.Run("unmatched key", func(t *testing.T) {
		f := newRequestFixture(t)
		_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			Inputs: map[string]*RunRequestInput{
				"nope": {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.Error(t, err)
		require.True(t, IsValidationError(err))
	})
}

func TestBuildRunConfigsValidation(t *testing.T) {
	t.Run("history and new history are exclusive", func(t *testing.T) {
		f := newRequestFixture(t)
		_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName:   "request-flow",
			HistoryID:      f.history.ID,
			NewHistoryName: "fresh",
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("non-input step rejected", func(t *testing.T) {
		f := newRequestFixture(t)
		_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			Inputs: map[string]*RunRequestInput{
				"cat": {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "not a workflow input step")
	})

	t.Run("inline value on data step rejected", func(t *testing.T) {
		f := newRequestFixture(t)
		_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			Inputs: map[string]*RunRequestInput{
				"reads": {Src: SourceValue, Val: "inline"},
			},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "content reference")
	})

	t.Run("bad parameter value rejected", func(t *testing.T) {
		f := newRequestFixture(t)
		_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			Inputs: map[string]*RunRequestInput{
				"threshold": {Src: SourceValue, Val: "high"},
			},
		})
		require.Error(t, err)
		require.True(t, IsValidationError(err))
	})
}

type denyAllAccess struct{}

func (denyAllAccess) CanAccess(roles []string, content HistoryContent) bool { return false }

func TestBuildRunConfigsAccessFailsClosed(t *testing.T) {
	f := newRequestFixture(t)

	t.Run("forbidden content", func(t *testing.T) {
		_, err := f.builder(denyAllAccess{}).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			Inputs: map[string]*RunRequestInput{
				"reads": {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.Error(t, err)
		require.Equal(t, ErrorKindAccessDenied, ErrorKind(err))
	})

	t.Run("missing content reports the same error", func(t *testing.T) {
		missingErr := func(id string) error {
			_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
				WorkflowName: "request-flow",
				HistoryID:    f.history.ID,
				Inputs: map[string]*RunRequestInput{
					"reads": {Src: SourceDataset, ID: id},
				},
			})
			return err
		}
		err := missingErr("dset_does_not_exist")
		require.Error(t, err)
		require.Equal(t, ErrorKindAccessDenied, ErrorKind(err))

		// Forbidden and missing are indistinguishable to the caller.
		forbidden, _ := f.builder(denyAllAccess{}).BuildRunConfigs(&RunRequest{
			WorkflowName: "request-flow",
			HistoryID:    f.history.ID,
			Inputs: map[string]*RunRequestInput{
				"reads": {Src: SourceDataset, ID: f.dataset.ID},
			},
		})
		require.Nil(t, forbidden)
	})
}

func TestBuildRunConfigsNewHistory(t *testing.T) {
	f := newRequestFixture(t)
	configs, err := f.builder(nil).BuildRunConfigs(&RunRequest{
		WorkflowName:   "request-flow",
		NewHistoryName: "analysis run",
		Inputs: map[string]*RunRequestInput{
			"reads": {Src: SourceDataset, ID: f.dataset.ID},
		},
	})
	require.NoError(t, err)
	require.NotEqual(t, f.history.ID, configs[0].HistoryID)

	created, ok := f.histories.GetHistory(configs[0].HistoryID)
	require.True(t, ok)
	require.Equal(t, "analysis run", created.Name)
}

func TestBuildRunConfigsBatch(t *testing.T) {
	f := newRequestFixture(t)
	second := &Dataset{ID: NewDatasetID(), Name: "sample2.fastq", State: DatasetStateOK}
	f.resolver.Register(second)

	configs, err := f.builder(nil).BuildRunConfigs(&RunRequest{
		WorkflowName: "request-flow",
		Batch:        true,
		Inputs: map[string]*RunRequestInput{
			"reads": {BatchValues: []*RunRequestInput{
				{Src: SourceDataset, ID: f.dataset.ID},
				{Src: SourceDataset, ID: second.ID},
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, configs, 2)

	// Each position runs against its own derived history.
	require.NotEqual(t, configs[0].HistoryID, configs[1].HistoryID)
	first, _ := f.histories.GetHistory(configs[0].HistoryID)
	require.Equal(t, fmt.Sprintf("History from request-flow workflow on %s", f.dataset.ID), first.Name)

	require.Equal(t, f.dataset.ID, configs[0].Inputs["reads"].ContentID)
	require.Equal(t, second.ID, configs[1].Inputs["reads"].ContentID)
}

func TestBuildRunConfigsBatchMismatchedLengths(t *testing.T) {
	f := newRequestFixture(t)
	_, err := f.builder(nil).BuildRunConfigs(&RunRequest{
		WorkflowName: "request-flow",
		Batch:        true,
		Inputs: map[string]*RunRequestInput{
			"reads": {BatchValues: []*RunRequestInput{
				{Src: SourceDataset, ID: f.dataset.ID},
			}},
			"threshold": {BatchValues: []*RunRequestInput{
				{Src: SourceValue, Val: 0.5},
				{Src: SourceValue, Val: 0.9},
			}},
		},
	})
	require.Error(t, err)
	require.True(t, IsValidationError(err))
}

func TestFlattenParams(t *testing.T) {
	flat := flattenParams(map[string]any{
		"threshold": 0.5,
		"advanced": map[string]any{
			"mode": "strict",
			"limits": map[string]any{
				"max": 10,
			},
		},
	})
	require.Equal(t, map[string]any{
		"threshold":           0.5,
		"advanced|mode":       "strict",
		"advanced|limits|max": 10,
	}, flat)

	nested := unflattenParams(flat)
	require.Equal(t, "strict", nested["advanced"].(map[string]any)["mode"])
	require.Equal(t, 10, nested["advanced"].(map[string]any)["limits"].(map[string]any)["max"])
}

func TestRunConfigInvocationRoundTrip(t *testing.T) {
	f := newRequestFixture(t)
	configs, err := f.builder(nil).BuildRunConfigs(&RunRequest{
		WorkflowName: "request-flow",
		HistoryID:    f.history.ID,
		Inputs: map[string]*RunRequestInput{
			"reads": {Src: SourceDataset, ID: f.dataset.ID},
		},
		Parameters: map[string]map[string]any{
			"cat": {"advanced": map[string]any{"mode": "strict"}},
		},
		ReplacementParams:   map[string]string{"prefix": "run1"},
		CopyInputsToHistory: true,
		SchedulerID:         CoreSchedulerID,
	})
	require.NoError(t, err)

	config := configs[0]
	inv := RunConfigToInvocation(config)
	require.Equal(t, "request-flow", inv.WorkflowName)
	require.Equal(t, config.HistoryID, inv.HistoryID)
	require.True(t, inv.CopyInputsToHistory)
	require.Equal(t, "strict", inv.ParamMap["cat"]["advanced|mode"])

	restored := InvocationToRunConfig(f.workflow, inv)
	require.Equal(t, config.HistoryID, restored.HistoryID)
	require.Equal(t, config.ParamMap, restored.ParamMap)
	require.Equal(t, config.ReplacementParams, restored.ReplacementParams)
	require.Equal(t, config.CopyInputsToHistory, restored.CopyInputsToHistory)
	require.Equal(t, config.SchedulerID, restored.SchedulerID)
	require.Equal(t, config.Inputs["reads"].ContentID, restored.Inputs["reads"].ContentID)
}
