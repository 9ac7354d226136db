package invocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func storedInvocation(workflow, history, handler, scheduler string, state InvocationState) *Invocation {
	inv := NewInvocation(workflow, history)
	inv.State = state
	inv.HandlerID = handler
	inv.SchedulerID = scheduler
	return inv
}

// runInvocationStoreTests exercises behavior every InvocationStore
// implementation must share.
func runInvocationStoreTests(t *testing.T, store InvocationStore) {
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		inv := storedInvocation("wf", "hist_1", "main", CoreSchedulerID, InvocationStateNew)
		inv.SetRecord(&StepInvocationRecord{
			StepID:  "cat",
			JobIDs:  []string{"job_1"},
			Outputs: map[string]*OutputValue{"out_file1": {Src: SourceDataset, ContentID: "ds_1"}},
		})
		require.NoError(t, store.SaveInvocation(ctx, inv))

		loaded, err := store.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		require.Equal(t, inv.ID, loaded.ID)
		require.Equal(t, inv.WorkflowName, loaded.WorkflowName)

		record, ok := loaded.RecordFor("cat")
		require.True(t, ok)
		require.Equal(t, []string{"job_1"}, record.JobIDs)
		require.Equal(t, "ds_1", record.Outputs["out_file1"].ContentID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.GetInvocation(ctx, "winv_does_not_exist")
		require.ErrorIs(t, err, ErrInvocationNotFound)
	})

	t.Run("save overwrites", func(t *testing.T) {
		inv := storedInvocation("wf", "hist_1", "main", CoreSchedulerID, InvocationStateNew)
		require.NoError(t, store.SaveInvocation(ctx, inv))

		inv.State = InvocationStateDone
		require.NoError(t, store.SaveInvocation(ctx, inv))

		loaded, err := store.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		require.Equal(t, InvocationStateDone, loaded.State)
	})

	t.Run("active ids filter by state handler and scheduler", func(t *testing.T) {
		active := storedInvocation("wf", "hist_a", "main", CoreSchedulerID, InvocationStateReady)
		done := storedInvocation("wf", "hist_b", "main", CoreSchedulerID, InvocationStateDone)
		otherHandler := storedInvocation("wf", "hist_c", "worker", CoreSchedulerID, InvocationStateNew)
		otherScheduler := storedInvocation("wf", "hist_d", "main", "external", InvocationStateNew)
		for _, inv := range []*Invocation{active, done, otherHandler, otherScheduler} {
			require.NoError(t, store.SaveInvocation(ctx, inv))
		}

		ids, err := store.ActiveInvocationIDs(ctx, "main", CoreSchedulerID)
		require.NoError(t, err)
		require.Contains(t, ids, active.ID)
		require.NotContains(t, ids, done.ID)
		require.NotContains(t, ids, otherHandler.ID)
		require.NotContains(t, ids, otherScheduler.ID)

		// Empty filters match every active invocation.
		all, err := store.ActiveInvocationIDs(ctx, "", "")
		require.NoError(t, err)
		require.Contains(t, all, active.ID)
		require.Contains(t, all, otherHandler.ID)
		require.Contains(t, all, otherScheduler.ID)

		// Results come back sorted so monitor passes are deterministic.
		require.IsIncreasing(t, all)
	})

	t.Run("step action merges into stored document", func(t *testing.T) {
		inv := storedInvocation("wf", "hist_1", "main", CoreSchedulerID, InvocationStateReady)
		require.NoError(t, store.SaveInvocation(ctx, inv))
		require.NoError(t, store.SetStepAction(ctx, inv.ID, "review", true))

		loaded, err := store.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		record, ok := loaded.RecordFor("review")
		require.True(t, ok)
		require.NotNil(t, record.Action)
		require.True(t, *record.Action)
	})

	t.Run("step action on unknown id", func(t *testing.T) {
		err := store.SetStepAction(ctx, "winv_does_not_exist", "review", true)
		require.ErrorIs(t, err, ErrInvocationNotFound)
	})

	t.Run("save preserves actions it did not produce", func(t *testing.T) {
		inv := storedInvocation("wf", "hist_1", "main", CoreSchedulerID, InvocationStateReady)
		require.NoError(t, store.SaveInvocation(ctx, inv))

		// An older copy of the invocation is in flight when the reviewer
		// decides; its save must not discard the decision.
		stale, err := store.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		require.NoError(t, store.SetStepAction(ctx, inv.ID, "review", false))
		stale.SetRecord(&StepInvocationRecord{StepID: "reads", Delayed: true})
		require.NoError(t, store.SaveInvocation(ctx, stale))

		loaded, err := store.GetInvocation(ctx, inv.ID)
		require.NoError(t, err)
		record, ok := loaded.RecordFor("review")
		require.True(t, ok)
		require.NotNil(t, record.Action)
		require.False(t, *record.Action)
		delayed, ok := loaded.RecordFor("reads")
		require.True(t, ok)
		require.True(t, delayed.Delayed)
	})

	t.Run("delete", func(t *testing.T) {
		inv := storedInvocation("wf", "hist_1", "main", CoreSchedulerID, InvocationStateNew)
		require.NoError(t, store.SaveInvocation(ctx, inv))
		require.NoError(t, store.DeleteInvocation(ctx, inv.ID))

		_, err := store.GetInvocation(ctx, inv.ID)
		require.ErrorIs(t, err, ErrInvocationNotFound)

		// Deleting an unknown id is not an error.
		require.NoError(t, store.DeleteInvocation(ctx, inv.ID))
	})
}

func TestMemoryInvocationStore(t *testing.T) {
	runInvocationStoreTests(t, NewMemoryInvocationStore())
}

func TestMemoryInvocationStoreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryInvocationStore()

	inv := storedInvocation("wf", "hist_1", "main", CoreSchedulerID, InvocationStateNew)
	require.NoError(t, store.SaveInvocation(ctx, inv))

	// Mutating the saved invocation does not leak into the store.
	inv.State = InvocationStateFailed
	loaded, err := store.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvocationStateNew, loaded.State)

	// Mutating a loaded copy does not leak either.
	loaded.SetRecord(&StepInvocationRecord{StepID: "cat"})
	again, err := store.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	_, ok := again.RecordFor("cat")
	require.False(t, ok)
}

func TestFileInvocationStore(t *testing.T) {
	store, err := NewFileInvocationStore(t.TempDir())
	require.NoError(t, err)
	runInvocationStoreTests(t, store)
}

func TestFileInvocationStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileInvocationStore(dir)
	require.NoError(t, err)
	inv := storedInvocation("wf", "hist_1", "main", CoreSchedulerID, InvocationStateReady)
	require.NoError(t, store.SaveInvocation(ctx, inv))

	reopened, err := NewFileInvocationStore(dir)
	require.NoError(t, err)
	loaded, err := reopened.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvocationStateReady, loaded.State)

	ids, err := reopened.ActiveInvocationIDs(ctx, "main", CoreSchedulerID)
	require.NoError(t, err)
	require.Equal(t, []string{inv.ID}, ids)
}

func TestFileStepLogger(t *testing.T) {
	ctx := context.Background()
	logger := NewFileStepLogger(t.TempDir())

	first := &StepLogEntry{
		ID:           "slog_1",
		InvocationID: "winv_1",
		WorkflowName: "cat-flow",
		StepID:       "reads",
		StepType:     string(StepTypeDataInput),
		Outcome:      string(OutcomeRealized),
		Timestamp:    time.Now().UTC().Truncate(time.Second),
	}
	second := &StepLogEntry{
		ID:           "slog_2",
		InvocationID: "winv_1",
		WorkflowName: "cat-flow",
		StepID:       "cat",
		StepType:     string(StepTypeTool),
		Outcome:      string(OutcomeRealized),
		JobIDs:       []string{"job_1"},
		Timestamp:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, logger.LogStep(ctx, first))
	require.NoError(t, logger.LogStep(ctx, second))

	// Entries for a different invocation land in a different file.
	require.NoError(t, logger.LogStep(ctx, &StepLogEntry{
		ID:           "slog_3",
		InvocationID: "winv_2",
		WorkflowName: "cat-flow",
		StepID:       "reads",
		StepType:     string(StepTypeDataInput),
		Outcome:      string(OutcomeDelayed),
		DelayReason:  "upstream step outputs are not ready",
		Timestamp:    time.Now().UTC().Truncate(time.Second),
	}))

	history, err := logger.GetStepHistory(ctx, "winv_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "reads", history[0].StepID)
	require.Equal(t, "cat", history[1].StepID)
	require.Equal(t, []string{"job_1"}, history[1].JobIDs)

	other, err := logger.GetStepHistory(ctx, "winv_2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, "upstream step outputs are not ready", other[0].DelayReason)
}

func TestNullStepLogger(t *testing.T) {
	ctx := context.Background()
	logger := NewNullStepLogger()
	require.NoError(t, logger.LogStep(ctx, &StepLogEntry{InvocationID: "winv_1"}))

	history, err := logger.GetStepHistory(ctx, "winv_1")
	require.NoError(t, err)
	require.Empty(t, history)
}
