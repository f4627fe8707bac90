package livesync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/canonical"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/dependency"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/middleware"
	"github.com/rickgao/livesync/internal/mutation"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/subscription"
	"github.com/rickgao/livesync/internal/transport"
)

type (
	Transport          = transport.Transport
	Event              = transport.Event
	Serializer         = canonical.Serializer
	ReconnectionPolicy = connection.Policy
	ConnectionState    = connection.State
	ConnectionQuality  = connection.Quality

	SnapshotStore   = store.Store
	SnapshotRecord  = store.Record
	PersisterConfig = store.PersisterConfig

	SubscriptionStats = subscription.Stats
	MutationStats     = mutation.Stats
	CacheStats        = cache.Stats
	SnapshotStats     = store.PersisterStats
)

const (
	Disconnected = connection.Disconnected
	Connecting   = connection.Connecting
	Connected    = connection.Connected
	Reconnecting = connection.Reconnecting

	QualityUnknown   = connection.QualityUnknown
	QualityExcellent = connection.QualityExcellent
	QualityGood      = connection.QualityGood
	QualityFair      = connection.QualityFair
	QualityPoor      = connection.QualityPoor
	QualityOffline   = connection.QualityOffline
)

// UnlimitedAttempts makes a ReconnectionPolicy retry forever.
const UnlimitedAttempts = connection.Unlimited

// DefaultReconnectionPolicy returns the policy used when none is given.
func DefaultReconnectionPolicy() ReconnectionPolicy {
	return connection.DefaultPolicy()
}

// connection errors returned by the transport are retried after this pause
// while the manager catches up with the lost connection
const retryPause = 25 * time.Millisecond

// Client is one connection to a backend together with its cache,
// subscriptions and mutation queue. Nothing is shared between Clients.
type Client struct {
	transport  transport.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      clock.Clock
	serializer canonical.Serializer
	opts       options

	cache     *cache.Cache
	deps      *dependency.Registry
	manager   *connection.Manager
	registry  *subscription.Registry
	mutations *mutation.Pipeline

	store     store.Store
	persister *store.Persister

	middleware *middleware.Pipeline
	buildOnce  sync.Once
	handlers   map[middleware.Kind]middleware.Handler
	flight     singleflight.Group
	flightMu   sync.Mutex
	flights    map[string]*queryFlight

	startOnce sync.Once
	startErr  error
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// New creates a Client on t. It does not connect; call Start.
func New(t Transport, opts ...Option) (*Client, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		transport:  t,
		logger:     o.logger,
		clock:      o.clock,
		serializer: o.serializer,
		opts:       o,
		deps:       dependency.NewRegistry(),
		middleware: middleware.NewPipeline(),
		store:      o.store,
		flights:    make(map[string]*queryFlight),
	}

	if o.registerer != nil {
		m, err := metrics.New(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		c.metrics = m
		if err := c.middleware.Use(middleware.Metrics(m)); err != nil {
			return nil, err
		}
	}
	if err := c.middleware.Use(o.interceptors...); err != nil {
		return nil, err
	}

	cacheOpts := cache.Options{MaxEntries: o.cacheMaxEntries, Clock: o.clock}
	if c.store != nil {
		c.persister = store.NewPersister(o.persister, c.store,
			store.WithPersisterLogger(o.logger),
			store.WithPersisterMetrics(c.metrics),
			store.WithPersisterClock(o.clock),
		)
		cacheOpts.OnChange = c.persister.Enqueue
	}
	qc, err := cache.New(cacheOpts)
	if err != nil {
		return nil, err
	}
	c.cache = qc

	c.registry, err = subscription.New(subscription.Options{
		Transport:      t,
		Cache:          qc,
		Logger:         o.logger,
		Metrics:        c.metrics,
		ObserverBuffer: o.observerBuffer,
		RequestTimeout: o.requestTimeout,
		Clock:          o.clock,
	})
	if err != nil {
		return nil, err
	}

	c.manager, err = connection.NewManager(t, connection.Options{
		Policy:          o.policy,
		QualityInterval: o.qualityInterval,
		Handler:         c.registry,
		Clock:           o.clock,
		Logger:          o.logger,
		Metrics:         c.metrics,
		OnBackoff:       o.onBackoff,
	})
	if err != nil {
		_ = c.registry.Close()
		return nil, err
	}

	c.mutations, err = mutation.New(mutation.Options{
		Send:         c.sendMutation,
		Store:        c.registry,
		Cache:        qc,
		Dependencies: c.deps,
		Timeout:      o.mutationTimeout,
		Logger:       o.logger,
		Metrics:      c.metrics,
	})
	if err != nil {
		_ = c.registry.Close()
		return nil, err
	}
	return c, nil
}

// Start loads the snapshot store when one is configured and begins
// connecting in the background. ctx bounds the lifetime of the client's
// goroutines; use Close for an orderly shutdown.
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	c.startOnce.Do(func() {
		c.startErr = c.start(ctx)
	})
	return c.startErr
}

func (c *Client) start(ctx context.Context) error {
	if c.store != nil {
		records, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		n := c.cache.Hydrate(store.Entries(records))
		c.logger.Info("cache hydrated from snapshot", "entries", n)

		if err := c.persister.Start(ctx); err != nil {
			return fmt.Errorf("start persister: %w", err)
		}
	}

	c.manager.Start(ctx)
	c.manager.Connect()
	c.logger.Info("client started")
	return nil
}

// Close stops the client. Queued mutations fail with ErrClientClosed,
// streams end, the transport is closed and pending snapshot writes are
// flushed. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.logger.Info("closing client")

		err := multierr.Combine(
			c.mutations.Close(),
			c.registry.Close(),
			c.manager.Close(),
		)
		if c.persister != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.requestTimeout)
			err = multierr.Append(err, c.persister.Stop(ctx))
			cancel()
			err = multierr.Append(err, c.store.Close())
		}
		c.closeErr = err
	})
	return c.closeErr
}

// EnsureConnected blocks until the client is connected. It returns the
// sticky connection error at once when the reconnection policy gave up.
func (c *Client) EnsureConnected(ctx context.Context) error {
	return c.manager.EnsureConnected(ctx)
}

// Reconnect clears a given-up connection so the next operation tries again.
func (c *Client) Reconnect() {
	c.manager.Reset()
	c.manager.Connect()
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() ConnectionState {
	return c.manager.State()
}

// ConnectionQuality returns the last computed link quality.
func (c *Client) ConnectionQuality() ConnectionQuality {
	return c.manager.Quality()
}

// LastError returns the most recent connection failure.
func (c *Client) LastError() error {
	return c.manager.LastError()
}

// ConnectionStateChanges streams state transitions, starting with the
// current state, until ctx ends or the client closes.
func (c *Client) ConnectionStateChanges(ctx context.Context) <-chan ConnectionState {
	return c.manager.WatchState(ctx)
}

// ConnectionQualityChanges streams quality changes, starting with the
// current bucket, until ctx ends or the client closes.
func (c *Client) ConnectionQualityChanges(ctx context.Context) <-chan ConnectionQuality {
	return c.manager.WatchQuality(ctx)
}

// UseMiddleware appends interceptors. It returns ErrSealed once any query,
// mutation or action has run.
func (c *Client) UseMiddleware(interceptors ...Interceptor) error {
	return c.middleware.Use(interceptors...)
}

// DefineQueryDependency records that a successful mutation matching
// mutationPattern invalidates cached queries matching queryPatterns.
// Patterns are exact names or globs with * and ?, matched against both the
// function name and the full canonical key.
func (c *Client) DefineQueryDependency(mutationPattern string, queryPatterns ...string) error {
	return c.deps.Define(mutationPattern, queryPatterns...)
}

// InvalidateQueries drops cached values matching any pattern and returns
// how many were dropped. Values held by a live subscription are kept.
func (c *Client) InvalidateQueries(patterns ...string) int {
	ps := dependency.Patterns(patterns...)
	if len(ps) == 0 {
		return 0
	}
	removed := c.cache.Invalidate(dependency.Matcher(ps))
	c.metrics.AddInvalidations(len(removed))
	if len(removed) > 0 {
		c.logger.Debug("queries invalidated", "patterns", patterns, "count", len(removed))
	}
	return len(removed)
}

// Retain keeps a query subscribed without an observer, so its cached value
// stays fresh. Call the returned function to release it.
func (c *Client) Retain(ctx context.Context, function string, args any) (func(), error) {
	call, err := canonical.NewCall(c.serializer, function, args)
	if err != nil {
		return nil, err
	}
	release, err := c.registry.Retain(ctx, call.Function, call.Key, call.Args)
	if err != nil {
		return nil, err
	}
	c.manager.Connect()
	return release, nil
}

// Stats is a point-in-time view of the client.
type Stats struct {
	State         ConnectionState
	Quality       ConnectionQuality
	Subscriptions SubscriptionStats
	Mutations     MutationStats
	Cache         CacheStats
	Snapshot      SnapshotStats
}

// Stats returns current counters.
func (c *Client) Stats() Stats {
	s := Stats{
		State:         c.manager.State(),
		Quality:       c.manager.Quality(),
		Subscriptions: c.registry.Stats(),
		Mutations:     c.mutations.Stats(),
		Cache:         c.cache.Stats(),
	}
	if c.persister != nil {
		s.Snapshot = c.persister.Stats()
	}
	return s
}

// handler returns the interceptor chain for kind. The chains are built on
// first use, which seals the middleware pipeline.
func (c *Client) handler(kind middleware.Kind) middleware.Handler {
	c.buildOnce.Do(func() {
		c.handlers = make(map[middleware.Kind]middleware.Handler, 3)
		for _, k := range []middleware.Kind{middleware.KindQuery, middleware.KindMutation, middleware.KindAction} {
			c.handlers[k] = c.middleware.Build(c.roundTrip)
		}
	})
	return c.handlers[kind]
}

func (c *Client) invoke(ctx context.Context, kind middleware.Kind, function string, args json.RawMessage) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	resp, err := c.handler(kind)(ctx, &middleware.Request{Kind: kind, Function: function, Args: args})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Value, nil
}

// roundTrip is the innermost handler. It waits for the connection and
// repeats the request after connection errors the transport reports as
// undelivered. Queries are repeated after any connection error.
func (c *Client) roundTrip(ctx context.Context, req *middleware.Request) (*middleware.Response, error) {
	if len(req.Metadata) > 0 {
		ctx = transport.WithMetadata(ctx, req.Metadata)
	}
	op := req.Kind.String() + " " + req.Function

	for {
		if err := c.manager.EnsureConnected(ctx); err != nil {
			return nil, err
		}

		if !transport.Claim(ctx) {
			return nil, errs.Timeout(op, context.Canceled)
		}

		start := c.clock.Now()
		value, err := c.transport.SendRequest(ctx, req.Function, req.Args)
		c.manager.RecordOutcome(err)
		if err == nil {
			c.manager.RecordLatency(c.clock.Since(start))
			return &middleware.Response{Value: value}, nil
		}
		if !errs.IsConnection(err) || !errs.IsRetryable(err, req.Kind == middleware.KindQuery) {
			return nil, err
		}

		c.logger.Debug("retrying after connection error", "function", req.Function, "kind", req.Kind.String(), "error", err)
		timer := c.clock.Timer(retryPause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.Timeout(op, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) sendMutation(ctx context.Context, seq uint64, req mutation.Request) (json.RawMessage, error) {
	c.logger.Debug("sending mutation", "function", req.Function, "seq", seq)
	return c.invoke(ctx, middleware.KindMutation, req.Function, req.Args)
}
