package invocation

import (
	"errors"
	"fmt"
)

// Error kind constants for classification and matching.
const (
	// ErrorKindValidation marks a malformed run request or workflow
	// definition. Validation errors surface synchronously to the caller and
	// never reach the scheduler.
	ErrorKindValidation = "validation"

	// ErrorKindStepFailed marks a step execution failure (job submission
	// wholly failed, missing referenced content). It fails the owning
	// invocation without crashing the monitor.
	ErrorKindStepFailed = "step_failed"

	// ErrorKindCollectionMismatch marks structurally incompatible
	// collections bound to the same scattering step.
	ErrorKindCollectionMismatch = "collection_mismatch"

	// ErrorKindToolMissing marks a step whose referenced tool or
	// subworkflow could not be resolved.
	ErrorKindToolMissing = "tool_missing"

	// ErrorKindAccessDenied marks a run request input that failed an
	// access check. Resolution fails closed.
	ErrorKindAccessDenied = "access_denied"
)

// InvocationError represents a structured error with classification.
// It supports Go's error wrapping patterns with Unwrap().
type InvocationError struct {
	Kind    string `json:"kind"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is/errors.As.
func (e *InvocationError) Unwrap() error {
	return e.Wrapped
}

// NewInvocationError creates a new InvocationError with the specified kind
// and cause.
func NewInvocationError(kind, format string, args ...any) *InvocationError {
	return &InvocationError{
		Kind:  kind,
		Cause: fmt.Sprintf(format, args...),
	}
}

// NewValidationError creates an error of kind validation.
func NewValidationError(format string, args ...any) *InvocationError {
	return NewInvocationError(ErrorKindValidation, format, args...)
}

// NewStepError creates an error of kind step_failed.
func NewStepError(format string, args ...any) *InvocationError {
	return NewInvocationError(ErrorKindStepFailed, format, args...)
}

// ErrorKind classifies an error, returning the kind string of the wrapped
// InvocationError or ErrorKindStepFailed for unclassified errors.
func ErrorKind(err error) string {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr.Kind
	}
	return ErrorKindStepFailed
}

// IsValidationError reports whether err is classified as a validation error.
func IsValidationError(err error) bool {
	return ErrorKind(err) == ErrorKindValidation
}
