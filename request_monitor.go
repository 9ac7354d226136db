package invocation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RequestMonitor is the poll loop that drains active invocations for one
// scheduling plugin on one handler. Each pass re-reads ids and state from
// the store; nothing is cached between passes, so monitors on other handlers
// can reassign or cancel work at any time.
type RequestMonitor struct {
	store               InvocationStore
	plugin              ActiveSchedulingPlugin
	handlerID           string
	serialWithinHistory bool
	pollInterval        time.Duration
	logger              *slog.Logger
	callbacks           InvocationCallbacks

	done chan struct{}
	wg   sync.WaitGroup
}

// RequestMonitorOptions configures a RequestMonitor.
type RequestMonitorOptions struct {
	Store     InvocationStore
	Plugin    ActiveSchedulingPlugin
	HandlerID string

	// SerialWithinHistory restricts each pass to the lowest-id active
	// invocation per history, so invocations against one history schedule
	// in submission order.
	SerialWithinHistory bool

	PollInterval time.Duration
	Logger       *slog.Logger
	Callbacks    InvocationCallbacks
}

// NewRequestMonitor creates a monitor. Start begins polling.
func NewRequestMonitor(opts RequestMonitorOptions) *RequestMonitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseInvocationCallbacks()
	}
	return &RequestMonitor{
		store:               opts.Store,
		plugin:              opts.Plugin,
		handlerID:           opts.HandlerID,
		serialWithinHistory: opts.SerialWithinHistory,
		pollInterval:        opts.PollInterval,
		logger:              opts.Logger,
		callbacks:           opts.Callbacks,
	}
}

// Start launches the poll loop.
func (m *RequestMonitor) Start(ctx context.Context) {
	m.done = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			m.monitorStep(ctx)
			select {
			case <-m.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(m.pollInterval):
			}
		}
	}()
}

// Stop signals the poll loop and waits for the in-flight pass to finish.
func (m *RequestMonitor) Stop() {
	if m.done == nil {
		return
	}
	close(m.done)
	m.wg.Wait()
	m.done = nil
}

// monitorStep runs one scheduling pass over the invocations this handler
// owns for this plugin.
func (m *RequestMonitor) monitorStep(ctx context.Context) {
	ids, err := m.store.ActiveInvocationIDs(ctx, m.handlerID, m.plugin.PluginType())
	if err != nil {
		m.logger.Error("failed to list active invocations", "error", err)
		return
	}

	scheduledHistories := map[string]bool{}
	for _, id := range ids {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		inv, err := m.store.GetInvocation(ctx, id)
		if err != nil {
			m.logger.Error("failed to load invocation", "invocation_id", id, "error", err)
			continue
		}
		// State may have changed since the id list was read.
		if !inv.Active() {
			continue
		}
		if m.serialWithinHistory {
			if scheduledHistories[inv.HistoryID] {
				continue
			}
			scheduledHistories[inv.HistoryID] = true
		}
		m.scheduleOne(ctx, inv)
	}
}

// scheduleOne advances one invocation with the plugin and persists the
// result. A panic or error in one invocation is logged and isolated; the
// pass continues with the rest.
func (m *RequestMonitor) scheduleOne(ctx context.Context, inv *Invocation) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic while scheduling invocation",
				"invocation_id", inv.ID,
				"panic", fmt.Sprintf("%v", r))
			inv.State = InvocationStateFailed
			if err := m.store.SaveInvocation(ctx, inv); err != nil {
				m.logger.Error("failed to persist invocation after panic",
					"invocation_id", inv.ID, "error", err)
			}
		}
	}()

	advanced, err := m.plugin.Schedule(ctx, inv)
	if err != nil {
		m.logger.Error("failed to schedule invocation",
			"invocation_id", inv.ID, "error", err)
		return
	}
	if err := m.store.SaveInvocation(ctx, advanced); err != nil {
		m.logger.Error("failed to persist invocation",
			"invocation_id", advanced.ID, "error", err)
	}
}
