// Package errs defines the error taxonomy used by store and dispatch, and
// mapped to HTTP status codes by httpapi: those errors carry a Kind and a
// Retryable bit instead of being a bare error value. The session and agent
// packages return their own error values, which KindOf reports as Database.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error semantically, not by Go type name.
type Kind string

const (
	Validation Kind = "validation"
	NotFound   Kind = "not_found"
	Database   Kind = "database"
	Timeout    Kind = "timeout"
	Agent      Kind = "agent"
	Cancelled  Kind = "cancelled"
	Conflict   Kind = "conflict"
)

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Kind      Kind
	Retryable bool
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, retryable bool, msg string) *Error {
	return &Error{Kind: kind, Retryable: retryable, Message: msg}
}

// Wrap constructs an Error that carries an underlying cause.
func Wrap(kind Kind, retryable bool, msg string, cause error) *Error {
	return &Error{Kind: kind, Retryable: retryable, Message: msg, Cause: cause}
}

// As reports whether err (or any error it wraps) is an *Error, and returns
// it as such.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it (or a wrapped error) is an *Error,
// or Database otherwise -- an error that didn't originate in this taxonomy
// is treated as an opaque structural failure.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Database
}

// IsRetryable reports whether err is tagged retryable.
func IsRetryable(err error) bool {
	e, ok := As(err)
	return ok && e.Retryable
}
