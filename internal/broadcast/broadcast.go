// Package broadcast fans values out to a set of observers, each owning a
// bounded channel. Slow observers lose their oldest undelivered value; the
// producer never blocks.
package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-observer channel size used when none is given.
const DefaultBuffer = 64

// Broadcaster delivers published values to every attached Sink in
// attachment order and remembers the latest published value.
type Broadcaster[T any] struct {
	mu        sync.Mutex
	sinks     []*Sink[T]
	latest    T
	hasLatest bool
	closed    bool
}

// New creates an empty Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{}
}

// Sink is one observer's view of a Broadcaster.
type Sink[T any] struct {
	b       *Broadcaster[T]
	ch      chan T
	dropped atomic.Int64
	closed  bool
}

// C returns the receive channel. It is closed when the sink detaches or the
// broadcaster closes.
func (s *Sink[T]) C() <-chan T { return s.ch }

// Dropped returns how many values were discarded for this sink.
func (s *Sink[T]) Dropped() int64 { return s.dropped.Load() }

// Close detaches the sink.
func (s *Sink[T]) Close() {
	s.b.Detach(s)
}

// Attach registers a new sink. When replay is set and a value was published
// before, the sink starts with that value queued, ahead of anything
// published afterwards.
func (b *Broadcaster[T]) Attach(buffer int, replay bool) *Sink[T] {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	s := &Sink[T]{b: b, ch: make(chan T, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	if replay && b.hasLatest {
		s.ch <- b.latest
	}
	b.sinks = append(b.sinks, s)
	return s
}

// Detach removes s and closes its channel. Returns the number of sinks left.
func (b *Broadcaster[T]) Detach(s *Sink[T]) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return len(b.sinks)
	}
	for i, cur := range b.sinks {
		if cur == s {
			b.sinks = append(b.sinks[:i:i], b.sinks[i+1:]...)
			break
		}
	}
	s.closed = true
	close(s.ch)
	return len(b.sinks)
}

// Publish records v as the latest value and delivers it to every sink.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.latest = v
	b.hasLatest = true
	b.deliver(v)
}

// Notify delivers v without recording it as the latest value.
func (b *Broadcaster[T]) Notify(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.deliver(v)
}

// SetLatest replaces the replay value without delivering it.
func (b *Broadcaster[T]) SetLatest(v T) {
	b.mu.Lock()
	b.latest = v
	b.hasLatest = true
	b.mu.Unlock()
}

// ClearLatest forgets the replay value.
func (b *Broadcaster[T]) ClearLatest() {
	b.mu.Lock()
	var zero T
	b.latest = zero
	b.hasLatest = false
	b.mu.Unlock()
}

// Latest returns the last published value.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// Len returns the number of attached sinks.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// Close detaches and closes every sink. Later Attach calls get a closed sink.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.sinks {
		s.closed = true
		close(s.ch)
	}
	b.sinks = nil
}

// deliver must be called with b.mu held. Only the broadcaster sends on sink
// channels, so after discarding one queued value there is room for v.
func (b *Broadcaster[T]) deliver(v T) {
	for _, s := range b.sinks {
		select {
		case s.ch <- v:
			continue
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- v:
		default:
			s.dropped.Add(1)
		}
	}
}
