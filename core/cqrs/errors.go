package cqrs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConcurrencyConflict is returned when an append's expected version
	// does not match the stream's current version. The caller must re-read
	// and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrSnapshotNotFound is returned when no snapshot exists for a stream.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrNoEvents is returned when an append carries no events.
	ErrNoEvents = errors.New("no events to append")
	// ErrUnknownEventType is returned when decoding an event type that was
	// never registered.
	ErrUnknownEventType = errors.New("unknown event type")
)

// FieldError describes one invalid command field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports caller-input problems. Recoverable: the caller
// must fix the input. Never retried automatically.
type ValidationError struct {
	Fields []FieldError
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

func (e *ValidationError) Add(field, message string) *ValidationError {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// BusinessLogicError reports a domain-rule violation. Surfaced to the
// caller, never auto-retried.
type BusinessLogicError struct {
	Message string
}

func NewBusinessLogicError(format string, args ...any) *BusinessLogicError {
	return &BusinessLogicError{Message: fmt.Sprintf(format, args...)}
}

func (e *BusinessLogicError) Error() string {
	return "business logic error: " + e.Message
}

// NotFoundError reports a missing handler, projection, or saga. This is a
// programming error, fatal to the specific call.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return "not found: " + e.What }

// AlreadyExecutedError signals that an idempotency key was already seen.
// It is a short-circuit, not a failure.
type AlreadyExecutedError struct {
	Key string
}

func (e *AlreadyExecutedError) Error() string {
	return "already executed: " + e.Key
}

// StorageError wraps a backend failure. May be transient; propagated, never
// silently retried by the core.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// InternalError reports an unexpected failure inside the core.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string { return "internal error: " + e.Message }

// wrapStorage wraps err in a StorageError unless it is already part of the
// typed taxonomy that must pass through unchanged.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrSnapshotNotFound) || errors.Is(err, ErrNoEvents) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
