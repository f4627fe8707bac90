// Package subscription multiplexes live queries over the single transport
// connection.
//
// Every canonical key has at most one entry and one transport subscription,
// no matter how many observers are attached. Pushes update the query cache
// and are fanned out to observers in attachment order; a new observer starts
// with the cached value when one exists.
//
// On reconnect every live key is subscribed again with a fresh id. Values
// already delivered stay in place until the server pushes a new one.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"

	"github.com/rickgao/livesync/internal/broadcast"
	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/transport"
)

// ErrEmptyKey is returned when subscribing without a canonical key.
var ErrEmptyKey = errors.New("subscription key is empty")

const (
	// DefaultObserverBuffer is the channel size of each observer.
	DefaultObserverBuffer = broadcast.DefaultBuffer

	// DefaultRequestTimeout bounds transport subscribe and unsubscribe
	// calls.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultRetryDelay is the first pause before retrying a subscribe
	// that failed while the connection stayed up. It doubles up to
	// maxRetryDelay.
	DefaultRetryDelay = 250 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
)

// Update is one delivery to an observer: a new value or a push error.
type Update struct {
	Value json.RawMessage
	Err   error
}

// Lifecycle is the state of a subscription entry.
type Lifecycle int

const (
	Active Lifecycle = iota
	Suspended
	Cancelled
)

func (l Lifecycle) String() string {
	switch l {
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// Options configures a Registry.
type Options struct {
	Transport transport.Transport
	Cache     *cache.Cache
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	ObserverBuffer int
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	Clock          clock.Clock

	// NewID returns transport subscription ids. Defaults to ULIDs.
	NewID func() string
}

type entry struct {
	key      string
	function string
	args     json.RawMessage

	// id is the transport subscription id, empty while not subscribed.
	id        string
	lifecycle Lifecycle
	observers int
	retains   int
	retrying  bool
	hub       *broadcast.Broadcaster[Update]
}

// Registry owns every live subscription of one client. It implements
// connection.Handler.
type Registry struct {
	transport transport.Transport
	cache     *cache.Cache
	logger    *slog.Logger
	metrics   *metrics.Metrics
	buffer    int
	timeout   time.Duration
	retry     time.Duration
	clock     clock.Clock
	newID     func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	entries   map[string]*entry
	byID      map[string]*entry
	connected bool
	closed    bool
}

// New creates a Registry.
func New(opts Options) (*Registry, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ObserverBuffer <= 0 {
		opts.ObserverBuffer = DefaultObserverBuffer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return ulid.Make().String() }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		transport: opts.Transport,
		cache:     opts.Cache,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		buffer:    opts.ObserverBuffer,
		timeout:   opts.RequestTimeout,
		retry:     opts.RetryDelay,
		clock:     opts.Clock,
		newID:     opts.NewID,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
		byID:      make(map[string]*entry),
	}, nil
}

// Observer is one attachment to a live key.
type Observer struct {
	reg  *Registry
	e    *entry
	sink *broadcast.Sink[Update]
	once sync.Once
}

// Key returns the canonical key observed.
func (o *Observer) Key() string { return o.e.key }

// Updates returns the delivery channel. It closes after Close or when the
// registry shuts down.
func (o *Observer) Updates() <-chan Update { return o.sink.C() }

// Dropped returns how many updates were discarded because the observer fell
// behind.
func (o *Observer) Dropped() int64 { return o.sink.Dropped() }

// Close detaches the observer. The last detach for a key unsubscribes it.
func (o *Observer) Close() error {
	o.once.Do(func() {
		o.sink.Close()
		o.reg.release(o.e, false)
	})
	return nil
}

// Subscribe attaches an observer to key, opening the transport subscription
// when this is the first reference. While disconnected the entry waits for
// the next Connected transition. ctx only bounds the call itself; once
// attached, the subscription is kept alive by the registry.
func (r *Registry) Subscribe(ctx context.Context, function, key string, args json.RawMessage) (*Observer, error) {
	return r.SubscribeWithBuffer(ctx, function, key, args, r.buffer)
}

// SubscribeWithBuffer is Subscribe with a channel size for this observer.
// A non-positive buffer uses the registry default.
func (r *Registry) SubscribeWithBuffer(ctx context.Context, function, key string, args json.RawMessage, buffer int) (*Observer, error) {
	if buffer <= 0 {
		buffer = r.buffer
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Timeout("subscribe "+key, err)
	}
	e, first, err := r.acquire(function, key, args, false)
	if err != nil {
		return nil, err
	}

	// attach before subscribing so the first push cannot be missed
	obs := &Observer{reg: r, e: e, sink: e.hub.Attach(buffer, true)}
	if first {
		r.subscribeEntry(e)
	}
	return obs, nil
}

// Retain keeps key subscribed without an observer. The returned function
// drops the reference; calling it more than once has no effect.
func (r *Registry) Retain(ctx context.Context, function, key string, args json.RawMessage) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Timeout("retain "+key, err)
	}
	e, first, err := r.acquire(function, key, args, true)
	if err != nil {
		return nil, err
	}
	if first {
		r.subscribeEntry(e)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(e, true) })
	}, nil
}

func (r *Registry) acquire(function, key string, args json.RawMessage, retain bool) (*entry, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, errs.ErrClientClosed
	}

	e, ok := r.entries[key]
	if !ok {
		e = &entry{
			key:      key,
			function: function,
			args:     args,
			hub:      broadcast.New[Update](),
		}
		if cached, ok := r.cache.Get(key); ok {
			e.hub.SetLatest(Update{Value: cached.Value})
		}
		r.cache.Pin(key)
		r.entries[key] = e
		r.metrics.SetSubscriptions(len(r.entries))
		r.logger.Debug("subscription created", "function", function, "key", key)
	}
	if retain {
		e.retains++
	} else {
		e.observers++
	}
	return e, !ok, nil
}

func (r *Registry) release(e *entry, retain bool) {
	r.mu.Lock()
	if retain {
		e.retains--
	} else {
		e.observers--
	}
	if e.observers > 0 || e.retains > 0 || e.lifecycle == Cancelled {
		r.mu.Unlock()
		return
	}

	e.lifecycle = Cancelled
	id := e.id
	if id != "" {
		delete(r.byID, id)
		e.id = ""
	}
	delete(r.entries, e.key)
	r.cache.Unpin(e.key)
	r.metrics.SetSubscriptions(len(r.entries))
	connected := r.connected
	r.mu.Unlock()

	e.hub.Close()
	r.logger.Debug("subscription removed", "function", e.function, "key", e.key)

	if id == "" || !connected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.transport.Unsubscribe(ctx, id); err != nil {
		r.logger.Warn("unsubscribe failed", "key", e.key, "id", id, "error", err)
	}
}

// subscribeEntry issues a transport subscribe for e unless it already has
// one in flight or the connection is down. A transient failure while the
// connection stays up is retried in the background.
func (r *Registry) subscribeEntry(e *entry) {
	if r.trySubscribe(e) {
		r.retryLater(e)
	}
}

// trySubscribe makes one subscribe attempt and reports whether it failed
// transiently.
func (r *Registry) trySubscribe(e *entry) bool {
	r.mu.Lock()
	if !r.connected || e.id != "" || e.lifecycle != Active {
		r.mu.Unlock()
		return false
	}
	id := r.newID()
	e.id = id
	r.byID[id] = e
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	err := r.transport.Subscribe(ctx, id, e.function, e.args)
	if err == nil {
		r.logger.Debug("subscribed", "key", e.key, "id", id)
		return false
	}

	r.mu.Lock()
	if e.id == id {
		delete(r.byID, id)
		e.id = ""
	}
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		return false
	}
	var te *errs.TimeoutError
	if errs.IsConnection(err) || errors.As(err, &te) || ctx.Err() != nil {
		r.logger.Debug("subscribe failed, will retry", "key", e.key, "error", err)
		return true
	}
	r.logger.Warn("subscribe rejected", "key", e.key, "error", err)
	e.hub.Notify(Update{Err: err})
	return false
}

// retryLater keeps retrying e with a doubling delay until it is subscribed
// or no longer wanted. A dropped connection ends the loop; the reconnect
// resubscribes e.
func (r *Registry) retryLater(e *entry) {
	r.mu.Lock()
	if r.closed || e.retrying {
		r.mu.Unlock()
		return
	}
	e.retrying = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		delay := r.retry
		for {
			timer := r.clock.Timer(delay)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				r.mu.Lock()
				e.retrying = false
				r.mu.Unlock()
				return
			case <-timer.C:
			}

			again := r.trySubscribe(e)

			r.mu.Lock()
			if !again || !r.connected || e.lifecycle != Active || r.closed {
				e.retrying = false
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()

			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
	}()
}

// HandleState reacts to connection transitions.
func (r *Registry) HandleState(state connection.State) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	switch state {
	case connection.Connected:
		r.connected = true
		pending := make([]*entry, 0, len(r.entries))
		for _, e := range r.entries {
			if e.lifecycle == Suspended {
				e.lifecycle = Active
			}
			pending = append(pending, e)
		}
		r.wg.Add(1)
		r.mu.Unlock()

		if len(pending) > 0 {
			r.logger.Info("resubscribing", "count", len(pending))
		}
		go func() {
			defer r.wg.Done()
			for _, e := range pending {
				if r.ctx.Err() != nil {
					return
				}
				r.subscribeEntry(e)
			}
		}()
		return

	case connection.Disconnected:
		for _, e := range r.entries {
			if e.lifecycle == Active {
				e.lifecycle = Suspended
			}
		}
	}

	// the transport's subscriptions died with the connection
	r.connected = false
	for id, e := range r.byID {
		e.id = ""
		delete(r.byID, id)
	}
	r.mu.Unlock()
}

// HandlePush applies a push event. Pushes for unknown ids belong to
// cancelled or superseded subscriptions and are dropped.
func (r *Registry) HandlePush(ev transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[ev.SubscriptionID]
	if !ok {
		r.logger.Debug("push for unknown subscription", "id", ev.SubscriptionID)
		return
	}
	r.metrics.IncPush()

	switch ev.Type {
	case transport.EventPushed:
		r.cache.Put(e.key, ev.Value, cache.OriginSubscription)
		e.hub.Publish(Update{Value: ev.Value})
	case transport.EventPushError:
		err := ev.Err
		if err == nil {
			err = &errs.FunctionError{Function: e.function, Message: "subscription error"}
		}
		e.hub.Notify(Update{Err: err})
	}
}

// Get reads the cached value for key.
func (r *Registry) Get(key string) (json.RawMessage, bool) {
	e, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Set writes value into the cache and delivers it to the key's observers.
// Used for optimistic updates.
func (r *Registry) Set(key string, value json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	origin := cache.OriginQuery
	if prev, ok := r.cache.Get(key); ok {
		origin = prev.Origin
	}
	e, live := r.entries[key]
	if live {
		origin = cache.OriginSubscription
	}
	r.cache.Put(key, value, origin)
	if live {
		e.hub.Publish(Update{Value: value})
	}
}

// Delete removes key from the cache. Observers keep what they already
// received but new observers start empty.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Remove(key)
	if e, ok := r.entries[key]; ok {
		e.hub.ClearLatest()
	}
}

// Live reports whether key has a subscription entry.
func (r *Registry) Live(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Lifecycle returns the lifecycle of key's entry, or Cancelled when none
// exists.
func (r *Registry) Lifecycle(key string) Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.lifecycle
	}
	return Cancelled
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Subscriptions int
	Observers     int
	Retained      int
	Subscribed    int
	Suspended     int
}

// Stats returns current counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Subscriptions: len(r.entries), Subscribed: len(r.byID)}
	for _, e := range r.entries {
		s.Observers += e.observers
		if e.retains > 0 {
			s.Retained++
		}
		if e.lifecycle == Suspended {
			s.Suspended++
		}
	}
	return s
}

// Close ends every subscription and closes all observer channels. Transport
// subscriptions are left to the connection teardown.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		e.lifecycle = Cancelled
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.byID = make(map[string]*entry)
	r.connected = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()

	for _, e := range entries {
		e.hub.Close()
		r.cache.Unpin(e.key)
	}
	r.metrics.SetSubscriptions(0)
	return nil
}
