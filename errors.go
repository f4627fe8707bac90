package livesync

import (
	"errors"

	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/middleware"
)

// Error categories. Every error returned by the client wraps one of them;
// use errors.As to tell them apart.
type (
	ConnectionError    = errs.ConnectionError
	FunctionError      = errs.FunctionError
	SerializationError = errs.SerializationError
	TimeoutError       = errs.TimeoutError
	RejectedError      = errs.RejectedError
)

var (
	// ErrClientClosed is returned for operations started after Close.
	ErrClientClosed = errs.ErrClientClosed

	// ErrNotStarted is returned by operations that need the connection
	// before Start was called.
	ErrNotStarted = connection.ErrNotStarted

	// ErrAttemptsExhausted is wrapped by the sticky error left behind when
	// the reconnection policy gives up.
	ErrAttemptsExhausted = connection.ErrAttemptsExhausted

	// ErrSealed is returned by UseMiddleware after the first operation.
	ErrSealed = middleware.ErrSealed

	// ErrStreamClosed is returned by Stream.Next after Close.
	ErrStreamClosed = errors.New("stream closed")

	// ErrDeliverySink is returned by Stream.Next on streams created with
	// WithDeliverySink.
	ErrDeliverySink = errors.New("stream delivers to a sink")
)
