package invocation

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sort"
	"time"
)

// SchedulingManagerOptions configures a SchedulingManager.
type SchedulingManagerOptions struct {
	Store     InvocationStore
	Workflows WorkflowRegistry

	// Schedulers maps plugin type to plugin. When empty, a core scheduler
	// is built from the collaborators below.
	Schedulers map[string]ActiveSchedulingPlugin

	// Collaborators for the built-in core scheduler. Ignored when explicit
	// Schedulers are supplied.
	Tools     ToolRegistry
	Executor  ToolExecutor
	Histories HistoryStore
	Resolver  ContentResolver

	// DefaultSchedulerID tags invocations queued without an explicit
	// scheduler. Defaults to the core scheduler.
	DefaultSchedulerID string

	// HandlerIDs lists all handler processes sharing the store. Queued
	// invocations are assigned to one of them; each process runs monitors
	// only for SelfHandlerID.
	HandlerIDs    []string
	SelfHandlerID string

	// ParallelizeWithinHistories spreads invocations of one history across
	// handlers by invocation id instead of serializing them on one handler.
	ParallelizeWithinHistories bool

	PollInterval time.Duration
	Logger       *slog.Logger
	Callbacks    InvocationCallbacks
	StepLog      StepLogger
}

// SchedulingManager is the deployment-facing surface of workflow
// scheduling: it accepts run requests onto the queue, exposes cancellation
// and reviewer actions, and runs the request monitors that drain the queue.
type SchedulingManager struct {
	store              InvocationStore
	workflows          WorkflowRegistry
	schedulers         map[string]ActiveSchedulingPlugin
	defaultSchedulerID string
	handlerIDs         []string
	selfHandlerID      string
	parallelize        bool
	pollInterval       time.Duration
	logger             *slog.Logger
	callbacks          InvocationCallbacks
	stepLog            StepLogger

	monitors []*RequestMonitor
}

// NewSchedulingManager creates a scheduling manager.
func NewSchedulingManager(opts SchedulingManagerOptions) (*SchedulingManager, error) {
	if opts.Store == nil {
		return nil, errors.New("invocation store is required")
	}
	if opts.Workflows == nil {
		return nil, errors.New("workflow registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseInvocationCallbacks()
	}
	if opts.StepLog == nil {
		opts.StepLog = NewNullStepLogger()
	}
	opts.Callbacks = NewCallbackChain(opts.Callbacks, newStepLogCallbacks(opts.StepLog, opts.Logger))
	if len(opts.Schedulers) == 0 {
		invoker, err := NewInvoker(InvokerOptions{
			Workflows: opts.Workflows,
			Tools:     opts.Tools,
			Executor:  opts.Executor,
			Histories: opts.Histories,
			Resolver:  opts.Resolver,
			Logger:    opts.Logger,
			Callbacks: opts.Callbacks,
		})
		if err != nil {
			return nil, err
		}
		opts.Schedulers = map[string]ActiveSchedulingPlugin{
			CoreSchedulerID: NewCoreScheduler(invoker),
		}
	}
	if opts.DefaultSchedulerID == "" {
		opts.DefaultSchedulerID = CoreSchedulerID
	}
	if _, ok := opts.Schedulers[opts.DefaultSchedulerID]; !ok {
		return nil, errors.New("default scheduler is not registered")
	}
	if opts.SelfHandlerID == "" {
		opts.SelfHandlerID = "main"
	}
	if len(opts.HandlerIDs) == 0 {
		opts.HandlerIDs = []string{opts.SelfHandlerID}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &SchedulingManager{
		store:              opts.Store,
		workflows:          opts.Workflows,
		schedulers:         opts.Schedulers,
		defaultSchedulerID: opts.DefaultSchedulerID,
		handlerIDs:         opts.HandlerIDs,
		selfHandlerID:      opts.SelfHandlerID,
		parallelize:        opts.ParallelizeWithinHistories,
		pollInterval:       opts.PollInterval,
		logger:             opts.Logger,
		callbacks:          opts.Callbacks,
		stepLog:            opts.StepLog,
	}, nil
}

// Start launches one request monitor per registered scheduling plugin.
func (m *SchedulingManager) Start(ctx context.Context) error {
	types := make([]string, 0, len(m.schedulers))
	for pluginType := range m.schedulers {
		types = append(types, pluginType)
	}
	sort.Strings(types)

	for _, pluginType := range types {
		plugin := m.schedulers[pluginType]
		if err := plugin.Startup(ctx); err != nil {
			return err
		}
		monitor := NewRequestMonitor(RequestMonitorOptions{
			Store:               m.store,
			Plugin:              plugin,
			HandlerID:           m.selfHandlerID,
			SerialWithinHistory: !m.parallelize,
			PollInterval:        m.pollInterval,
			Logger:              m.logger,
			Callbacks:           m.callbacks,
		})
		monitor.Start(ctx)
		m.monitors = append(m.monitors, monitor)
		m.logger.Info("started workflow request monitor",
			"scheduler", pluginType,
			"handler", m.selfHandlerID,
			"poll_interval", m.pollInterval)
	}
	return nil
}

// Shutdown stops the monitors and shuts the plugins down. Plugin shutdown
// errors are logged, not returned, so one misbehaving plugin cannot block
// process exit.
func (m *SchedulingManager) Shutdown(ctx context.Context) {
	for _, monitor := range m.monitors {
		monitor.Stop()
	}
	m.monitors = nil
	for pluginType, plugin := range m.schedulers {
		if err := plugin.Shutdown(ctx); err != nil {
			m.logger.Error("failed to shut down scheduling plugin",
				"scheduler", pluginType, "error", err)
		}
	}
}

// Queue accepts an invocation onto the scheduling queue: it tags the
// invocation with a scheduler and a handler and persists it in the NEW
// state. Queue never executes anything inline.
func (m *SchedulingManager) Queue(ctx context.Context, inv *Invocation) error {
	if _, ok := m.workflows.Get(inv.WorkflowName); !ok {
		return NewValidationError("workflow %q is not registered", inv.WorkflowName)
	}
	if inv.SchedulerID == "" {
		inv.SchedulerID = m.defaultSchedulerID
	}
	if _, ok := m.schedulers[inv.SchedulerID]; !ok {
		return NewValidationError("scheduler %q is not registered", inv.SchedulerID)
	}
	inv.State = InvocationStateNew
	inv.HandlerID = m.assignHandler(inv)
	if err := m.store.SaveInvocation(ctx, inv); err != nil {
		return err
	}
	m.logger.Info("queued workflow invocation",
		"invocation_id", inv.ID,
		"workflow", inv.WorkflowName,
		"history_id", inv.HistoryID,
		"scheduler", inv.SchedulerID,
		"handler", inv.HandlerID)
	m.callbacks.OnInvocationQueued(ctx, &InvocationEvent{
		InvocationID: inv.ID,
		WorkflowName: inv.WorkflowName,
		HistoryID:    inv.HistoryID,
		State:        inv.State,
		SchedulerID:  inv.SchedulerID,
		HandlerID:    inv.HandlerID,
		Timestamp:    time.Now(),
	})
	return nil
}

// assignHandler picks the owning handler. Invocations of one history hash to
// the same handler unless parallelization within histories is enabled.
func (m *SchedulingManager) assignHandler(inv *Invocation) string {
	key := inv.HistoryID
	if m.parallelize {
		key = inv.ID
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.handlerIDs[int(h.Sum32())%len(m.handlerIDs)]
}

// GetInvocation loads a fresh copy of an invocation.
func (m *SchedulingManager) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	return m.store.GetInvocation(ctx, id)
}

// Cancel marks an active invocation cancelled. Cancelling a terminal
// invocation is a no-op.
func (m *SchedulingManager) Cancel(ctx context.Context, id string) error {
	inv, err := m.store.GetInvocation(ctx, id)
	if err != nil {
		return err
	}
	if !inv.Active() {
		return nil
	}
	inv.State = InvocationStateCancelled
	inv.UpdatedAt = time.Now()
	if err := m.store.SaveInvocation(ctx, inv); err != nil {
		return err
	}
	m.logger.Info("cancelled workflow invocation", "invocation_id", id)
	m.callbacks.OnInvocationStateChange(ctx, &InvocationEvent{
		InvocationID: inv.ID,
		WorkflowName: inv.WorkflowName,
		HistoryID:    inv.HistoryID,
		State:        inv.State,
		SchedulerID:  inv.SchedulerID,
		HandlerID:    inv.HandlerID,
		Timestamp:    time.Now(),
	})
	return nil
}

// UpdateInvocationStep records a reviewer decision on a pause step: true
// approves continuation, false denies it. The owning monitor acts on the
// decision on its next pass.
func (m *SchedulingManager) UpdateInvocationStep(ctx context.Context, invocationID, stepID string, action bool) error {
	inv, err := m.store.GetInvocation(ctx, invocationID)
	if err != nil {
		return err
	}
	if !inv.Active() {
		return NewValidationError("invocation %q is no longer active", invocationID)
	}
	workflow, ok := m.workflows.Get(inv.WorkflowName)
	if !ok {
		return NewValidationError("workflow %q is not registered", inv.WorkflowName)
	}
	step, ok := workflow.GetStep(stepID)
	if !ok {
		return NewValidationError("workflow %q has no step %q", inv.WorkflowName, stepID)
	}
	if step.Type != StepTypePause {
		return NewValidationError("step %q is not a pause step", stepID)
	}

	if err := m.store.SetStepAction(ctx, invocationID, stepID, action); err != nil {
		return err
	}
	m.logger.Info("recorded reviewer action",
		"invocation_id", invocationID,
		"step_id", stepID,
		"action", action)
	return nil
}
