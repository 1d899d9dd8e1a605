package api

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyProcessing is returned when a claim finds the payload in
	// PROCESSING. Callers treat it as a benign duplicate trigger.
	ErrAlreadyProcessing = errors.New("payload already in PROCESSING state")

	// ErrInvalidState is returned for unknown state names or for states not
	// allowed by an operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrCallbackResolved is returned when writing to a callback token that
	// already carries a final state.
	ErrCallbackResolved = errors.New("callback token already resolved")

	// ErrInvalidCursor is returned for list cursors that do not decode or
	// belong to a different query shape.
	ErrInvalidCursor = errors.New("invalid list cursor")

	// ErrInvalidSince is matched by every *SinceFormatError.
	ErrInvalidSince = errors.New("invalid since duration")

	// ErrInvalidInput can be returned (wrapped) by task handlers to mark the
	// payload INVALID instead of FAILED.
	ErrInvalidInput = errors.New("invalid input")

	// ErrQueryNotFound is returned when a stage has no item query by that name.
	ErrQueryNotFound = errors.New("item query not found")

	// ErrAmbiguousQuery is returned when a single-item query matches more
	// than one item.
	ErrAmbiguousQuery = errors.New("item query matched more than one item")
)

// ValidationError reports a structurally invalid payload. Field names the
// offending element, e.g. "process.upload_options" or "features[2].id".
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// SinceFormatError reports a malformed since duration.
type SinceFormatError struct {
	Value  string
	Reason string
}

func (e *SinceFormatError) Error() string {
	return fmt.Sprintf("invalid since %q: %s", e.Value, e.Reason)
}

func (e *SinceFormatError) Is(target error) bool { return target == ErrInvalidSince }
