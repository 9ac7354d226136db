package invocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.jetify.com/typeid"
)

// ErrToolInputsNotReady signals that a submitted tool's inputs are not yet
// materialized. Tool module execution translates it into a Delayed outcome
// rather than a failure.
var ErrToolInputsNotReady = errors.New("tool inputs are not ready")

// JobState represents the terminal-state contract of submitted jobs.
type JobState string

const (
	JobStateNew   JobState = "new"
	JobStateOK    JobState = "ok"
	JobStateError JobState = "error"
)

// NewJobID returns a new id for job identification.
func NewJobID() string {
	id, err := typeid.WithPrefix("job")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Job is a reference to one submitted tool execution.
type Job struct {
	ID     string   `json:"id"`
	ToolID string   `json:"tool_id"`
	State  JobState `json:"state"`
}

// ExecutionTracker reports the result of submitting one tool step's
// parameter combinations. Jobs, Errors, and Outputs are aligned with the
// submitted combinations: a failed slice has a nil Job and Outputs entry and
// a non-nil Errors entry. The tracker distinguishes total failure (all
// slices errored) from partial success.
type ExecutionTracker struct {
	Jobs    []*Job
	Errors  []error
	Outputs []map[string]HistoryContent
}

// SuccessfulJobs returns the jobs that were created.
func (t *ExecutionTracker) SuccessfulJobs() []*Job {
	var jobs []*Job
	for _, job := range t.Jobs {
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// ExecutionErrors returns the per-slice submission errors.
func (t *ExecutionTracker) ExecutionErrors() []error {
	var errs []error
	for _, err := range t.Errors {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// TotalFailure reports whether every slice errored. An invocation proceeds
// as long as at least one slice of a scattered step succeeds.
func (t *ExecutionTracker) TotalFailure() bool {
	return len(t.SuccessfulJobs()) == 0 && len(t.ExecutionErrors()) > 0
}

// ToolExecutor is the job-submission collaborator. Submission is
// fire-and-forget from the engine's perspective: Submit creates jobs and
// returns; it does not block until jobs finish.
type ToolExecutor interface {
	Submit(ctx context.Context, tool *Tool, paramCombinations []map[string]any, history *History) (*ExecutionTracker, error)
}

// LocalToolExecutor is an in-process ToolExecutor that satisfies the
// submission contract by synthesizing one ok dataset per declared tool
// output. It backs the CLI and tests; real deployments plug in a remote
// executor.
type LocalToolExecutor struct {
	logger *slog.Logger
}

// NewLocalToolExecutor creates a LocalToolExecutor.
func NewLocalToolExecutor(logger *slog.Logger) *LocalToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalToolExecutor{logger: logger}
}

func (e *LocalToolExecutor) Submit(ctx context.Context, tool *Tool, paramCombinations []map[string]any, history *History) (*ExecutionTracker, error) {
	tracker := &ExecutionTracker{
		Jobs:    make([]*Job, len(paramCombinations)),
		Errors:  make([]error, len(paramCombinations)),
		Outputs: make([]map[string]HistoryContent, len(paramCombinations)),
	}
	for i := range paramCombinations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job := &Job{ID: NewJobID(), ToolID: tool.ID, State: JobStateOK}
		outputs := make(map[string]HistoryContent, len(tool.Outputs))
		for _, declared := range tool.Outputs {
			if declared.Collection {
				collection := &Collection{
					ID:             NewCollectionID(),
					Name:           fmt.Sprintf("%s on %s", declared.Name, tool.Name),
					CollectionType: declared.CollectionType,
				}
				history.Add(collection)
				outputs[declared.Name] = collection
				continue
			}
			dataset := &Dataset{
				ID:     NewDatasetID(),
				Name:   fmt.Sprintf("%s on %s", declared.Name, tool.Name),
				Format: declared.Format,
				State:  DatasetStateOK,
			}
			history.Add(dataset)
			outputs[declared.Name] = dataset
		}
		tracker.Jobs[i] = job
		tracker.Outputs[i] = outputs
		e.logger.Debug("submitted local job", "job_id", job.ID, "tool_id", tool.ID)
	}
	return tracker, nil
}
