package invocation

import (
	"context"
	"log/slog"

	"go.jetify.com/typeid"
)

// stepLogCallbacks bridges scheduling events into a StepLogger so every
// step outcome leaves a durable audit trail.
type stepLogCallbacks struct {
	BaseInvocationCallbacks
	log    StepLogger
	logger *slog.Logger
}

func newStepLogCallbacks(log StepLogger, logger *slog.Logger) *stepLogCallbacks {
	return &stepLogCallbacks{log: log, logger: logger}
}

func newStepLogEntryID() string {
	id, err := typeid.WithPrefix("slog")
	if err != nil {
		panic(err)
	}
	return id.String()
}

func (c *stepLogCallbacks) record(ctx context.Context, event *StepEvent) {
	entry := &StepLogEntry{
		ID:           newStepLogEntryID(),
		InvocationID: event.InvocationID,
		WorkflowName: event.WorkflowName,
		StepID:       event.StepID,
		StepType:     string(event.StepType),
		Outcome:      string(event.Outcome),
		DelayReason:  event.DelayReason,
		JobIDs:       event.JobIDs,
		Timestamp:    event.Timestamp,
	}
	if event.Error != nil {
		entry.Error = event.Error.Error()
	}
	if err := c.log.LogStep(ctx, entry); err != nil {
		c.logger.Error("failed to write step log entry",
			"invocation_id", event.InvocationID,
			"step_id", event.StepID,
			"error", err)
	}
}

func (c *stepLogCallbacks) OnStepScheduled(ctx context.Context, event *StepEvent) {
	c.record(ctx, event)
}

func (c *stepLogCallbacks) OnStepDelayed(ctx context.Context, event *StepEvent) {
	c.record(ctx, event)
}

func (c *stepLogCallbacks) OnStepFailed(ctx context.Context, event *StepEvent) {
	c.record(ctx, event)
}
