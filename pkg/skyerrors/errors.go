// Package skyerrors provides structured error handling for skysink with
// error categorization and retryability detection. The categories map
// directly onto the pipeline's handling strategies: transient errors are
// retried with backoff, permanent errors fail fast and are dead-lettered,
// rate-limit errors wait for the upstream reset time, and circuit-open
// errors short-circuit without touching the store.
package skyerrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType categorizes an error for handling strategy selection.
type ErrorType string

const (
	// ErrorTypeTransient represents store errors expected to clear on retry
	// (timeouts, lock contention, serialization failures, connection drops).
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypePermanent represents store errors that will not clear on
	// retry (constraint violations, malformed payloads).
	ErrorTypePermanent ErrorType = "permanent"
	// ErrorTypeRateLimit represents upstream rate-limit responses.
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeCircuitOpen represents a call rejected by an open breaker.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeValidation represents a malformed inbound event.
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeConnection represents source connection errors.
	ErrorTypeConnection ErrorType = "connection"
)

// Error is a categorized error with optional context details.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}

	// ResetAt is set only for rate-limit errors that carry an upstream
	// reset time; zero means no reset time was provided.
	ResetAt time.Time
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value pair to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new categorized error.
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// Newf creates a new categorized error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a category and message. Wrapping nil
// returns nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: errType, Message: message, Cause: err}
}

// NewRateLimit creates a rate-limit error carrying the upstream reset time.
// A zero resetAt means the caller should fall back to exponential backoff.
func NewRateLimit(message string, resetAt time.Time) *Error {
	return &Error{Type: ErrorTypeRateLimit, Message: message, ResetAt: resetAt}
}

// TypeOf returns the category of err, or ErrorTypeTransient when err is not
// a categorized error. Unclassified failures are retried rather than
// dropped, matching at-least-once delivery.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeTransient
}

// IsTransient reports whether err should be retried with backoff.
// Circuit-open and rate-limit errors count as transient conditions.
func IsTransient(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeTransient, ErrorTypeCircuitOpen, ErrorTypeRateLimit, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether err should fail fast without retry.
func IsPermanent(err error) bool {
	return TypeOf(err) == ErrorTypePermanent
}

// ResetTime extracts the rate-limit reset time from err, if any.
func ResetTime(err error) (time.Time, bool) {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrorTypeRateLimit && !e.ResetAt.IsZero() {
		return e.ResetAt, true
	}
	return time.Time{}, false
}
