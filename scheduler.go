package invocation

import (
	"context"
)

// CoreSchedulerID is the plugin type of the built-in scheduler.
const CoreSchedulerID = "core"

// SchedulingPlugin is the lifecycle contract every workflow scheduler
// implements.
type SchedulingPlugin interface {
	// PluginType returns the stable identifier invocations are tagged with.
	PluginType() string

	// Startup prepares the plugin before its monitor starts polling.
	Startup(ctx context.Context) error

	// Shutdown releases plugin resources. Shutdown must tolerate a plugin
	// that never started.
	Shutdown(ctx context.Context) error
}

// ActiveSchedulingPlugin is a scheduling plugin that advances invocations.
// Plugins that only ever observe (for deployment-specific accounting) stay
// passive by implementing SchedulingPlugin alone.
type ActiveSchedulingPlugin interface {
	SchedulingPlugin

	// Schedule advances one invocation one pass. The invocation passed in
	// is a freshly loaded copy owned by the caller for the duration of the
	// call.
	Schedule(ctx context.Context, inv *Invocation) (*Invocation, error)
}

// CoreScheduler is the built-in scheduling plugin: it advances invocations
// in process through an Invoker.
type CoreScheduler struct {
	invoker *Invoker
}

// NewCoreScheduler creates the built-in scheduler over an invoker.
func NewCoreScheduler(invoker *Invoker) *CoreScheduler {
	return &CoreScheduler{invoker: invoker}
}

func (s *CoreScheduler) PluginType() string { return CoreSchedulerID }

func (s *CoreScheduler) Startup(ctx context.Context) error { return nil }

func (s *CoreScheduler) Shutdown(ctx context.Context) error { return nil }

func (s *CoreScheduler) Schedule(ctx context.Context, inv *Invocation) (*Invocation, error) {
	return s.invoker.Invoke(ctx, inv)
}
