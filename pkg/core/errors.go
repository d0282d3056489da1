package core

import (
	"errors"
	"fmt"
)

// The closed error taxonomy. Every operation on the queue fails with exactly
// one of these, matchable with errors.Is, so callers are forced to handle
// lease-related races explicitly.
var (
	// ErrValidation marks malformed JobInit/JobUpdate input. Never retried;
	// the caller must fix the input.
	ErrValidation = errors.New("quarry: invalid input")

	// ErrStoreUnavailable marks pool exhaustion or connection failure.
	// Caller-retryable with backoff.
	ErrStoreUnavailable = errors.New("quarry: store unavailable")

	// ErrNotFound marks a referenced job id that does not exist — typically
	// a caller bug or a race with retention deletion.
	ErrNotFound = errors.New("quarry: job not found")

	// ErrLeaseExpired marks a lease the janitor may already have reclaimed.
	// The caller must stop non-idempotent side effects.
	ErrLeaseExpired = errors.New("quarry: lease expired")

	// ErrLeaseMismatch marks a lease token that does not match the job's
	// current lease, including double completion.
	ErrLeaseMismatch = errors.New("quarry: lease mismatch")

	// ErrSerialization marks a payload or metadata blob that could not be
	// encoded or decoded. Fatal for that job; the janitor's generic retry
	// logic cannot fix malformed data.
	ErrSerialization = errors.New("quarry: serialization failure")
)

// ValidationError reports which field of a JobInit or JobUpdate was
// rejected. It unwraps to ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("quarry: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError for the given field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// SerializationError carries the job whose payload could not be resolved or
// decoded. It unwraps to ErrSerialization.
type SerializationError struct {
	JobID string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("quarry: job %s: serialization failure: %v", e.JobID, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return ErrSerialization
}
