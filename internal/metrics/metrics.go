// Package metrics provides Prometheus collectors for a livesync client.
//
// Key metrics:
//   - connection state, reconnect attempts and link quality
//   - request counts and latency per operation kind and outcome
//   - live subscriptions and pushes received
//   - mutation queue depth and cache invalidations
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livesync"

// Metrics holds the collectors for one client.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	Quality           prometheus.Gauge
	Requests          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Subscriptions     prometheus.Gauge
	Pushes            prometheus.Counter
	MutationQueue     prometheus.Gauge
	Invalidations     prometheus.Counter
	SnapshotWrites    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is
// non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts started.",
		}),
		Quality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "quality",
			Help:      "Connection quality bucket (0 unknown .. 5 offline).",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Operations executed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Live transport subscriptions.",
		}),
		Pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "pushes_total",
			Help:      "Values pushed by the server.",
		}),
		MutationQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "queue_depth",
			Help:      "Mutations queued or executing.",
		}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Cache entries removed by invalidation.",
		}),
		SnapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "writes_total",
			Help:      "Snapshot records written by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionState, m.ReconnectAttempts, m.Quality,
		m.Requests, m.RequestDuration,
		m.Subscriptions, m.Pushes,
		m.MutationQueue, m.Invalidations, m.SnapshotWrites,
	}
}

// ObserveRequest records one finished operation.
func (m *Metrics) ObserveRequest(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(kind, outcome).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

// IncReconnect counts one reconnection attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetQuality records the numeric quality bucket.
func (m *Metrics) SetQuality(q int) {
	if m == nil {
		return
	}
	m.Quality.Set(float64(q))
}

// SetSubscriptions records the live subscription count.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

// IncPush counts one pushed value.
func (m *Metrics) IncPush() {
	if m == nil {
		return
	}
	m.Pushes.Inc()
}

// SetMutationQueue records the mutation queue depth.
func (m *Metrics) SetMutationQueue(n int) {
	if m == nil {
		return
	}
	m.MutationQueue.Set(float64(n))
}

// AddInvalidations counts removed cache entries.
func (m *Metrics) AddInvalidations(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Invalidations.Add(float64(n))
}

// AddSnapshotWrites counts snapshot records by outcome.
func (m *Metrics) AddSnapshotWrites(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SnapshotWrites.WithLabelValues(outcome).Add(float64(n))
}
