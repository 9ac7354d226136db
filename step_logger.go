package invocation

import (
	"context"
	"time"
)

// StepLogEntry represents a single step scheduling log entry
type StepLogEntry struct {
	ID           string    `json:"id"`
	InvocationID string    `json:"invocation_id"`
	WorkflowName string    `json:"workflow_name"`
	StepID       string    `json:"step_id"`
	StepType     string    `json:"step_type"`
	Outcome      string    `json:"outcome"`
	DelayReason  string    `json:"delay_reason,omitempty"`
	JobIDs       []string  `json:"job_ids,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StepLogger defines simple step scheduling logging interface
type StepLogger interface {
	// LogStep logs a step scheduling event
	LogStep(ctx context.Context, entry *StepLogEntry) error

	// GetStepHistory retrieves the step log for an invocation
	GetStepHistory(ctx context.Context, invocationID string) ([]*StepLogEntry, error)
}
