package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeAlreadyExists       ErrorType = "already_exists"
	ErrorTypeCorrupt             ErrorType = "corrupt"
	ErrorTypeUnrepairable        ErrorType = "unrepairable"
	ErrorTypeLockTimeout         ErrorType = "lock_timeout"
	ErrorTypeInvalidTransition   ErrorType = "invalid_transition"
	ErrorTypeEnvironmentMismatch ErrorType = "environment_mismatch"
	ErrorTypeToolFailure         ErrorType = "tool_failure"
	ErrorTypeToolTimeout         ErrorType = "tool_timeout"
	ErrorTypeBatchFailed         ErrorType = "batch_failed"
	ErrorTypeInterrupted         ErrorType = "interrupted"
	ErrorTypeUnknown             ErrorType = "unknown"
)

// Sentinels for errors.Is comparisons. Any *Error with the same Type matches.
var (
	ErrNotFound            = &Error{Type: ErrorTypeNotFound}
	ErrAlreadyExists       = &Error{Type: ErrorTypeAlreadyExists}
	ErrCorrupt             = &Error{Type: ErrorTypeCorrupt}
	ErrUnrepairable        = &Error{Type: ErrorTypeUnrepairable}
	ErrLockTimeout         = &Error{Type: ErrorTypeLockTimeout}
	ErrInvalidTransition   = &Error{Type: ErrorTypeInvalidTransition}
	ErrEnvironmentMismatch = &Error{Type: ErrorTypeEnvironmentMismatch}
	ErrToolFailure         = &Error{Type: ErrorTypeToolFailure}
	ErrToolTimeout         = &Error{Type: ErrorTypeToolTimeout}
	ErrBatchFailed         = &Error{Type: ErrorTypeBatchFailed}
	ErrInterrupted         = &Error{Type: ErrorTypeInterrupted}
)

// Error represents a checkpoint or pipeline error with type information
type Error struct {
	Type    ErrorType
	Op      string
	Message string
	// Details carries per-item diagnostics such as schema issues or
	// environment mismatches.
	Details []string
	Err     error
}

// New creates a typed error for the given operation
func New(t ErrorType, op, message string) *Error {
	return &Error{Type: t, Op: op, Message: message}
}

// Wrap creates a typed error that wraps an underlying cause
func Wrap(t ErrorType, op string, err error) *Error {
	return &Error{Type: t, Op: op, Err: err}
}

// Newf creates a typed error with a formatted message
func Newf(t ErrorType, op, format string, args ...interface{}) *Error {
	return &Error{Type: t, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches diagnostics to the error and returns it
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Type)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Type, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Type, msg)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// TypeOf returns the ErrorType of err, or ErrorTypeUnknown
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// DetailsOf returns the diagnostics attached to err, if any
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeLockTimeout, ErrorTypeToolFailure:
		return true
	case ErrorTypeToolTimeout, ErrorTypeInvalidTransition, ErrorTypeCorrupt,
		ErrorTypeUnrepairable, ErrorTypeNotFound, ErrorTypeInterrupted:
		return false
	default:
		return false
	}
}
