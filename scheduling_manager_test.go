package invocation

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type managerFixture struct {
	env     *testEnv
	store   *MemoryInvocationStore
	manager *SchedulingManager
}

func newManagerFixture(t *testing.T, opts SchedulingManagerOptions) *managerFixture {
	t.Helper()
	env := newTestEnv(t)
	store := NewMemoryInvocationStore()

	opts.Store = store
	opts.Workflows = env.workflows
	opts.Tools = env.tools
	opts.Executor = NewLocalToolExecutor(nil)
	opts.Histories = env.histories
	opts.Resolver = env.resolver
	if opts.Logger == nil {
		opts.Logger = NewJSONLogger(slog.LevelError)
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}

	manager, err := NewSchedulingManager(opts)
	require.NoError(t, err)
	return &managerFixture{env: env, store: store, manager: manager}
}

func (f *managerFixture) queuedInvocation(t *testing.T, wf *Workflow, history *History) *Invocation {
	t.Helper()
	inv := NewInvocation(wf.Name(), history.ID)
	inv.AddInput(datasetBinding("reads", f.env.stageDataset("sample.fastq")))
	require.NoError(t, f.manager.Queue(context.Background(), inv))
	return inv
}

func (f *managerFixture) waitForState(t *testing.T, id string, state InvocationState) *Invocation {
	t.Helper()
	var last *Invocation
	require.Eventually(t, func() bool {
		inv, err := f.manager.GetInvocation(context.Background(), id)
		if err != nil {
			return false
		}
		last = inv
		return inv.State == state
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestSchedulingManagerQueue(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, dataToToolOptions())

	inv := NewInvocation(wf.Name(), f.env.history.ID)
	require.NoError(t, f.manager.Queue(context.Background(), inv))

	require.Equal(t, InvocationStateNew, inv.State)
	require.Equal(t, CoreSchedulerID, inv.SchedulerID)
	require.Equal(t, "main", inv.HandlerID)

	stored, err := f.manager.GetInvocation(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, inv.ID, stored.ID)
}

func TestSchedulingManagerQueueValidation(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})

	t.Run("unknown workflow", func(t *testing.T) {
		inv := NewInvocation("unregistered", f.env.history.ID)
		err := f.manager.Queue(context.Background(), inv)
		require.Error(t, err)
		require.True(t, IsValidationError(err))
	})

	t.Run("unknown scheduler", func(t *testing.T) {
		wf := f.env.registerWorkflow(t, dataToToolOptions())
		inv := NewInvocation(wf.Name(), f.env.history.ID)
		inv.SchedulerID = "external"
		err := f.manager.Queue(context.Background(), inv)
		require.Error(t, err)
		require.True(t, IsValidationError(err))
	})
}

func TestHandlerAssignment(t *testing.T) {
	t.Run("same history hashes to same handler", func(t *testing.T) {
		f := newManagerFixture(t, SchedulingManagerOptions{
			HandlerIDs:    []string{"handler0", "handler1", "handler2"},
			SelfHandlerID: "handler0",
		})
		a := NewInvocation("wf", "hist_shared")
		b := NewInvocation("wf", "hist_shared")
		require.Equal(t, f.manager.assignHandler(a), f.manager.assignHandler(b))
	})

	t.Run("parallelize spreads by invocation id", func(t *testing.T) {
		f := newManagerFixture(t, SchedulingManagerOptions{
			HandlerIDs:                 []string{"handler0", "handler1", "handler2"},
			SelfHandlerID:              "handler0",
			ParallelizeWithinHistories: true,
		})
		handlers := map[string]bool{}
		for i := 0; i < 32; i++ {
			handlers[f.manager.assignHandler(NewInvocation("wf", "hist_shared"))] = true
		}
		require.Greater(t, len(handlers), 1)
	})
}

func TestSchedulingManagerRunsInvocationToCompletion(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, dataToToolOptions())

	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Shutdown(ctx)

	inv := f.queuedInvocation(t, wf, f.env.history)
	final := f.waitForState(t, inv.ID, InvocationStateDone)

	record, ok := final.RecordFor("cat")
	require.True(t, ok)
	require.True(t, record.Realized())
}

func TestDelayedInvocationDoesNotBlockOthers(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	pausing := f.env.registerWorkflow(t, Options{
		Name: "paused-flow",
		Steps: []*StepDefinition{
			{ID: "reads", Type: StepTypeDataInput},
			{ID: "review", Type: StepTypePause,
				InputConnections: []*InputConnection{
					{InputName: "input", SourceStepID: "reads", SourceOutputName: "output"},
				}},
		},
	})
	direct := f.env.registerWorkflow(t, dataToToolOptions())

	otherHistory := NewHistory("other history")
	f.env.histories.AddHistory(otherHistory)

	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Shutdown(ctx)

	paused := f.queuedInvocation(t, pausing, f.env.history)
	running := f.queuedInvocation(t, direct, otherHistory)

	// The paused invocation stays active while the other completes.
	f.waitForState(t, running.ID, InvocationStateDone)
	stuck, err := f.manager.GetInvocation(ctx, paused.ID)
	require.NoError(t, err)
	require.True(t, stuck.Active())

	record, ok := stuck.RecordFor("review")
	require.True(t, ok)
	require.True(t, record.Delayed)
}

func TestReviewerActionResumesPausedInvocation(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, Options{
		Name: "review-then-cat",
		Steps: []*StepDefinition{
			{ID: "reads", Type: StepTypeDataInput},
			{ID: "review", Type: StepTypePause,
				InputConnections: []*InputConnection{
					{InputName: "input", SourceStepID: "reads", SourceOutputName: "output"},
				}},
			{ID: "cat", Type: StepTypeTool, ContentID: "cat",
				InputConnections: []*InputConnection{
					{InputName: "input1", SourceStepID: "review", SourceOutputName: "output"},
				}},
		},
	})

	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Shutdown(ctx)

	inv := f.queuedInvocation(t, wf, f.env.history)

	require.Eventually(t, func() bool {
		loaded, err := f.manager.GetInvocation(ctx, inv.ID)
		if err != nil {
			return false
		}
		record, ok := loaded.RecordFor("review")
		return ok && record.Delayed
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.UpdateInvocationStep(ctx, inv.ID, "review", true))
	f.waitForState(t, inv.ID, InvocationStateDone)
}

func TestReviewerRejectionCancels(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, Options{
		Name: "review-cancel",
		Steps: []*StepDefinition{
			{ID: "reads", Type: StepTypeDataInput},
			{ID: "review", Type: StepTypePause,
				InputConnections: []*InputConnection{
					{InputName: "input", SourceStepID: "reads", SourceOutputName: "output"},
				}},
		},
	})

	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Shutdown(ctx)

	inv := f.queuedInvocation(t, wf, f.env.history)
	require.Eventually(t, func() bool {
		loaded, err := f.manager.GetInvocation(ctx, inv.ID)
		if err != nil {
			return false
		}
		record, ok := loaded.RecordFor("review")
		return ok && record.Delayed
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.UpdateInvocationStep(ctx, inv.ID, "review", false))
	f.waitForState(t, inv.ID, InvocationStateCancelled)
}

func TestReviewerActionSurvivesConcurrentSave(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, Options{
		Name: "review-race",
		Steps: []*StepDefinition{
			{ID: "reads", Type: StepTypeDataInput},
			{ID: "review", Type: StepTypePause,
				InputConnections: []*InputConnection{
					{InputName: "input", SourceStepID: "reads", SourceOutputName: "output"},
				}},
			{ID: "cat", Type: StepTypeTool, ContentID: "cat",
				InputConnections: []*InputConnection{
					{InputName: "input1", SourceStepID: "review", SourceOutputName: "output"},
				}},
		},
	})

	ctx := context.Background()
	inv := f.queuedInvocation(t, wf, f.env.history)

	// A scheduling pass holds this copy while the reviewer decides.
	stale, err := f.store.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)

	require.NoError(t, f.manager.UpdateInvocationStep(ctx, inv.ID, "review", true))

	// The pass finishes and saves its older copy. The decision survives.
	require.NoError(t, f.store.SaveInvocation(ctx, stale))

	loaded, err := f.store.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	record, ok := loaded.RecordFor("review")
	require.True(t, ok)
	require.NotNil(t, record.Action)
	require.True(t, *record.Action)

	// The surviving decision lets the invocation run to completion.
	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Shutdown(ctx)
	f.waitForState(t, inv.ID, InvocationStateDone)
}

func TestFailedInvocationDoesNotAffectSiblings(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	f.env.tools.Register(&Tool{
		ID:      "paste",
		Version: "1.0",
		Name:    "Paste",
		Inputs: []*ToolInput{
			{Name: "input1", Kind: ParamKindData},
			{Name: "input2", Kind: ParamKindData},
		},
		Outputs: []*ToolOutput{{Name: "out_file1", Format: "txt"}},
	})
	mismatched := f.env.registerWorkflow(t, Options{
		Name: "mismatched-paste",
		Steps: []*StepDefinition{
			{ID: "left", Type: StepTypeDataCollectionInput, CollectionType: "list"},
			{ID: "right", Type: StepTypeDataCollectionInput, CollectionType: "list"},
			{ID: "paste", Type: StepTypeTool, ContentID: "paste",
				InputConnections: []*InputConnection{
					{InputName: "input1", SourceStepID: "left", SourceOutputName: "output"},
					{InputName: "input2", SourceStepID: "right", SourceOutputName: "output"},
				}},
		},
	})
	direct := f.env.registerWorkflow(t, dataToToolOptions())

	left := listCollection("left", "a", "b")
	right := listCollection("right", "x", "y")
	for _, collection := range []*Collection{left, right} {
		f.env.resolver.Register(collection)
		f.env.history.Add(collection)
	}

	otherHistory := NewHistory("other history")
	f.env.histories.AddHistory(otherHistory)

	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Shutdown(ctx)

	failing := NewInvocation(mismatched.Name(), f.env.history.ID)
	failing.AddInput(collectionBinding("left", left))
	failing.AddInput(collectionBinding("right", right))
	require.NoError(t, f.manager.Queue(ctx, failing))
	running := f.queuedInvocation(t, direct, otherHistory)

	f.waitForState(t, failing.ID, InvocationStateFailed)
	f.waitForState(t, running.ID, InvocationStateDone)
}

func TestUpdateInvocationStepValidation(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, dataToToolOptions())
	inv := f.queuedInvocation(t, wf, f.env.history)

	t.Run("non-pause step", func(t *testing.T) {
		err := f.manager.UpdateInvocationStep(context.Background(), inv.ID, "cat", true)
		require.Error(t, err)
		require.Contains(t, err.Error(), "not a pause step")
	})

	t.Run("unknown step", func(t *testing.T) {
		err := f.manager.UpdateInvocationStep(context.Background(), inv.ID, "missing", true)
		require.Error(t, err)
		require.True(t, IsValidationError(err))
	})
}

func TestCancelInvocation(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, dataToToolOptions())
	inv := f.queuedInvocation(t, wf, f.env.history)

	ctx := context.Background()
	require.NoError(t, f.manager.Cancel(ctx, inv.ID))

	cancelled, err := f.manager.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvocationStateCancelled, cancelled.State)

	// Cancelling again is a no-op.
	require.NoError(t, f.manager.Cancel(ctx, inv.ID))
}

func TestMonitorSkipsInvocationsCancelledMidPass(t *testing.T) {
	f := newManagerFixture(t, SchedulingManagerOptions{})
	wf := f.env.registerWorkflow(t, dataToToolOptions())
	inv := f.queuedInvocation(t, wf, f.env.history)

	ctx := context.Background()
	require.NoError(t, f.manager.Cancel(ctx, inv.ID))
	require.NoError(t, f.manager.Start(ctx))
	defer f.manager.Shutdown(ctx)

	// The monitor re-reads state before scheduling and leaves the
	// cancelled invocation untouched.
	time.Sleep(50 * time.Millisecond)
	loaded, err := f.manager.GetInvocation(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvocationStateCancelled, loaded.State)
	record, ok := loaded.RecordFor("cat")
	require.False(t, ok && record.Realized())
}
