package livesync

import (
	"context"
	"fmt"

	"github.com/rickgao/livesync/internal/canonical"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/subscription"
)

type streamOptions struct {
	buffer int
	sink   any
}

// StreamOption configures a Stream.
type StreamOption func(*streamOptions)

// WithBuffer sets how many undelivered values the stream holds before it
// starts dropping the oldest.
func WithBuffer(n int) StreamOption {
	return func(o *streamOptions) { o.buffer = n }
}

// WithDeliverySink delivers every value to fn from a goroutine owned by the
// stream instead of through Next. fn's T must match the stream's.
func WithDeliverySink[T any](fn func(value T, err error)) StreamOption {
	return func(o *streamOptions) { o.sink = fn }
}

// Stream receives the values of one live query.
type Stream[T any] struct {
	obs        *subscription.Observer
	serializer canonical.Serializer
	sinkDone   chan struct{}
}

// Observe subscribes to function with args. The stream starts with the
// cached value when there is one, then receives every value the server
// pushes, in order. Any number of streams may observe the same query; they
// share one subscription.
//
// A stream never ends because of connectivity loss: while disconnected it
// simply receives nothing, and the query is subscribed again on reconnect.
func Observe[T any](ctx context.Context, c *Client, function string, args any, opts ...StreamOption) (*Stream[T], error) {
	o := streamOptions{buffer: c.opts.observerBuffer}
	for _, opt := range opts {
		opt(&o)
	}

	var sink func(T, error)
	if o.sink != nil {
		fn, ok := o.sink.(func(T, error))
		if !ok {
			return nil, fmt.Errorf("delivery sink %T does not match stream type", o.sink)
		}
		sink = fn
	}

	call, err := canonical.NewCall(c.serializer, function, args)
	if err != nil {
		return nil, err
	}
	obs, err := c.registry.SubscribeWithBuffer(ctx, call.Function, call.Key, call.Args, o.buffer)
	if err != nil {
		return nil, err
	}
	c.manager.Connect()

	s := &Stream[T]{obs: obs, serializer: c.serializer}
	if sink != nil {
		s.sinkDone = make(chan struct{})
		go s.deliver(sink)
	}
	return s, nil
}

// Key returns the canonical key of the observed query.
func (s *Stream[T]) Key() string { return s.obs.Key() }

// Next waits for the next value. A push error from the server is returned
// as an error without ending the stream. After Close, Next returns
// ErrStreamClosed.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if s.sinkDone != nil {
		return zero, ErrDeliverySink
	}
	select {
	case u, ok := <-s.obs.Updates():
		if !ok {
			return zero, ErrStreamClosed
		}
		return s.convert(u)
	case <-ctx.Done():
		return zero, errs.Timeout("stream "+s.obs.Key(), ctx.Err())
	}
}

// Dropped returns how many values were discarded because the stream fell
// behind.
func (s *Stream[T]) Dropped() int64 { return s.obs.Dropped() }

// Done is closed when a delivery sink has received its last value. It is
// nil for streams read with Next.
func (s *Stream[T]) Done() <-chan struct{} { return s.sinkDone }

// Close detaches the stream. The last stream of a query unsubscribes it;
// its cached value is kept.
func (s *Stream[T]) Close() error {
	return s.obs.Close()
}

func (s *Stream[T]) deliver(fn func(T, error)) {
	defer close(s.sinkDone)
	for u := range s.obs.Updates() {
		fn(s.convert(u))
	}
}

func (s *Stream[T]) convert(u subscription.Update) (T, error) {
	if u.Err != nil {
		var zero T
		return zero, u.Err
	}
	return decode[T](s.serializer, u.Value)
}
