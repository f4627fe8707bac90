package livesync

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/canonical"
	"github.com/rickgao/livesync/internal/connection"
	"github.com/rickgao/livesync/internal/middleware"
	"github.com/rickgao/livesync/internal/mutation"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/subscription"
)

// Defaults for Client options.
const (
	DefaultCacheMaxEntries = cache.DefaultMaxEntries
	DefaultObserverBuffer  = subscription.DefaultObserverBuffer
	DefaultMutationTimeout = mutation.DefaultTimeout
	DefaultRequestTimeout  = 30 * time.Second
)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	clock      clock.Clock
	serializer canonical.Serializer

	policy          connection.Policy
	qualityInterval time.Duration
	onBackoff       func(retry int, delay time.Duration)

	cacheMaxEntries int
	observerBuffer  int
	mutationTimeout time.Duration
	requestTimeout  time.Duration

	store     store.Store
	persister store.PersisterConfig

	interceptors []middleware.Interceptor
}

func defaultOptions() options {
	return options{
		logger:          slog.Default(),
		clock:           clock.New(),
		serializer:      canonical.JSON{},
		policy:          connection.DefaultPolicy(),
		qualityInterval: connection.DefaultQualityInterval,
		cacheMaxEntries: DefaultCacheMaxEntries,
		observerBuffer:  DefaultObserverBuffer,
		mutationTimeout: DefaultMutationTimeout,
		requestTimeout:  DefaultRequestTimeout,
		persister:       store.DefaultPersisterConfig(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers the client's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock replaces the clock driving reconnect timers, the quality
// ticker, cache timestamps and snapshot flushes.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithSerializer replaces the JSON argument encoder.
func WithSerializer(s Serializer) Option {
	return func(o *options) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithReconnectionPolicy sets how failed connection attempts are retried.
// The policy is validated by New.
func WithReconnectionPolicy(p ReconnectionPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithQualityInterval sets how often connection quality is re-evaluated.
func WithQualityInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.qualityInterval = d
		}
	}
}

// WithBackoffHook is called every time a reconnect timer is armed.
func WithBackoffHook(fn func(retry int, delay time.Duration)) Option {
	return func(o *options) { o.onBackoff = fn }
}

// WithCacheSize bounds the number of cached values that no live
// subscription holds.
func WithCacheSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheMaxEntries = n
		}
	}
}

// WithObserverBuffer sets the default per-stream buffer.
func WithObserverBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.observerBuffer = n
		}
	}
}

// WithMutationTimeout bounds each mutation's round trip once it is sent.
func WithMutationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.mutationTimeout = d
		}
	}
}

// WithRequestTimeout bounds shared query requests and the subscribe calls
// the client makes on its own.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithStore persists cache snapshots to s. The cache is loaded from s on
// Start and every later change is written back in batches. The client
// closes s.
func WithStore(s SnapshotStore, cfg PersisterConfig) Option {
	return func(o *options) {
		o.store = s
		o.persister = cfg
	}
}

// WithInterceptors registers interceptors at construction time. They run
// outermost first, before any added with UseMiddleware.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(o *options) {
		o.interceptors = append(o.interceptors, interceptors...)
	}
}
