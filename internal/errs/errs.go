// Package errs defines the error taxonomy shared by every livesync component.
//
// Five categories exist:
//   - ConnectionError: transport-level failure, absorbed by reconnection
//   - FunctionError: the remote function raised an error
//   - SerializationError: local encode/decode failure, nothing was sent
//   - TimeoutError: the operation's context expired or was cancelled
//   - RejectedError: the client or queue refused the operation
package errs

import (
	"context"
	"errors"
	"fmt"
)

// ConnectionError reports a transport failure for one operation.
type ConnectionError struct {
	Op  string
	Err error

	// MaybeDelivered is set when the request frame was written before the
	// connection failed, so the server may have executed it.
	MaybeDelivered bool
}

func (e *ConnectionError) Error() string {
	if e.MaybeDelivered {
		return fmt.Sprintf("%s: connection lost after send: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: connection error: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FunctionError is an error raised by the remote function itself.
type FunctionError struct {
	Function string
	Message  string
	Code     string
}

func (e *FunctionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("function %s failed [%s]: %s", e.Function, e.Code, e.Message)
	}
	return fmt.Sprintf("function %s failed: %s", e.Function, e.Message)
}

// SerializationError reports a local encode or decode failure.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: serialization: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// TimeoutError reports that the caller's context fired before completion.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RejectedError reports an operation refused without being attempted.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Reason
}

// ErrClientClosed is returned for operations submitted after Close.
var ErrClientClosed = &RejectedError{Reason: "client closed"}

// Timeout wraps a context error as a TimeoutError. Other errors pass through.
func Timeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var te *TimeoutError
		if errors.As(err, &te) {
			return err
		}
		return &TimeoutError{Op: op, Err: err}
	}
	return err
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsRetryable reports whether an operation may safely be attempted again.
// Function, serialization and rejection errors never are; connection errors
// are only retryable when the request provably never reached the server,
// unless idempotent is set.
func IsRetryable(err error, idempotent bool) bool {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return idempotent || !ce.MaybeDelivered
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return idempotent
	}
	return false
}

// Category returns a short label for err, used in logs and metric labels.
func Category(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		ce *ConnectionError
		fe *FunctionError
		se *SerializationError
		te *TimeoutError
		re *RejectedError
	)
	switch {
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ce):
		return "connection_error"
	case errors.As(err, &fe):
		return "function_error"
	case errors.As(err, &se):
		return "serialization_error"
	case errors.As(err, &re):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
