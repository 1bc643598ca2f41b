package utils

import (
	"errors"
	"fmt"
)

// The pipeline distinguishes five error kinds with different recovery paths:
// transient bus errors are retried with backoff, malformed events are acked
// and counted, state underflow suppresses emission, invariant violations are
// fatal for the emitting instance, and downstream publish failures are
// retried until the circuit opens.

// TransientBusError represents a recoverable broker failure (timeout,
// connection reset). The operation is retried with backoff.
type TransientBusError struct {
	Op  string
	Err error
}

// Error returns the error message string.
func (e *TransientBusError) Error() string {
	return fmt.Sprintf("transient bus error in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientBusError) Unwrap() error {
	return e.Err
}

// NewTransientBusError wraps a broker failure for a named operation.
func NewTransientBusError(op string, err error) error {
	return &TransientBusError{Op: op, Err: err}
}

// MalformedError represents an unparseable or schema-violating event.
// Such messages are acknowledged and counted, never redelivered.
type MalformedError struct {
	Message string
}

// Error returns the error message string.
func (e *MalformedError) Error() string {
	return e.Message
}

// NewMalformedError creates a new MalformedError with a specific message.
func NewMalformedError(message string) error {
	return &MalformedError{Message: message}
}

// NewMalformedErrorf creates a new MalformedError with a formatted message.
func NewMalformedErrorf(format string, args ...interface{}) error {
	return &MalformedError{Message: fmt.Sprintf(format, args...)}
}

// ErrStateUnderflow signals that a processor's rolling window is not yet
// filled. Not a failure: it suppresses signal emission.
var ErrStateUnderflow = errors.New("state underflow: rolling window not filled")

// InvariantError represents a signal that failed model validation before
// publication. Fatal for the emitting instance; the bad signal is never
// published.
type InvariantError struct {
	Message string
}

// Error returns the error message string.
func (e *InvariantError) Error() string {
	return e.Message
}

// NewInvariantErrorf creates a new InvariantError with a formatted message.
func NewInvariantErrorf(format string, args ...interface{}) error {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// DownstreamError represents a publish failure toward the signal streams.
type DownstreamError struct {
	Stream string
	Err    error
}

// Error returns the error message string.
func (e *DownstreamError) Error() string {
	return fmt.Sprintf("publish to %s failed: %v", e.Stream, e.Err)
}

// Unwrap returns the underlying error.
func (e *DownstreamError) Unwrap() error {
	return e.Err
}

// NewDownstreamError wraps a publish failure for a stream.
func NewDownstreamError(stream string, err error) error {
	return &DownstreamError{Stream: stream, Err: err}
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// IsTransient reports whether err is a TransientBusError.
func IsTransient(err error) bool {
	var te *TransientBusError
	return errors.As(err, &te)
}

// IsInvariant reports whether err is an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
