package invocation

import (
	"context"
	"time"
)

// InvocationCallbacks defines the callback interface for scheduling events
type InvocationCallbacks interface {
	// Invocation-level callbacks
	OnInvocationQueued(ctx context.Context, event *InvocationEvent)
	OnInvocationStateChange(ctx context.Context, event *InvocationEvent)

	// Step-level callbacks
	OnStepScheduled(ctx context.Context, event *StepEvent)
	OnStepDelayed(ctx context.Context, event *StepEvent)
	OnStepFailed(ctx context.Context, event *StepEvent)
}

// InvocationEvent provides context for invocation-level scheduling events
type InvocationEvent struct {
	InvocationID string
	WorkflowName string
	HistoryID    string
	State        InvocationState
	SchedulerID  string
	HandlerID    string
	Timestamp    time.Time
	Error        error
}

// StepEvent provides context for step-level scheduling events
type StepEvent struct {
	InvocationID string
	WorkflowName string
	StepID       string
	StepType     StepType
	Outcome      StepOutcome
	DelayReason  string
	JobIDs       []string
	Timestamp    time.Time
	Error        error
}

// BaseInvocationCallbacks provides a default implementation that does nothing
type BaseInvocationCallbacks struct{}

func (n *BaseInvocationCallbacks) OnInvocationQueued(ctx context.Context, event *InvocationEvent) {
	// noop
}

func (n *BaseInvocationCallbacks) OnInvocationStateChange(ctx context.Context, event *InvocationEvent) {
	// noop
}

func (n *BaseInvocationCallbacks) OnStepScheduled(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseInvocationCallbacks) OnStepDelayed(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseInvocationCallbacks) OnStepFailed(ctx context.Context, event *StepEvent) {
	// noop
}

// NewBaseInvocationCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseInvocationCallbacks() InvocationCallbacks {
	return &BaseInvocationCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []InvocationCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...InvocationCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback InvocationCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) OnInvocationQueued(ctx context.Context, event *InvocationEvent) {
	for _, callback := range c.callbacks {
		callback.OnInvocationQueued(ctx, event)
	}
}

func (c *CallbackChain) OnInvocationStateChange(ctx context.Context, event *InvocationEvent) {
	for _, callback := range c.callbacks {
		callback.OnInvocationStateChange(ctx, event)
	}
}

func (c *CallbackChain) OnStepScheduled(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.OnStepScheduled(ctx, event)
	}
}

func (c *CallbackChain) OnStepDelayed(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.OnStepDelayed(ctx, event)
	}
}

func (c *CallbackChain) OnStepFailed(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.OnStepFailed(ctx, event)
	}
}
