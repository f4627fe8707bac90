// Package connection owns the lifecycle of the single transport connection.
//
// The Manager:
//   - opens the transport on demand and tracks Disconnected, Connecting,
//     Connected and Reconnecting
//   - reconnects with exponential backoff and jitter after a drop
//   - gives up after the policy's attempt budget, leaving a sticky error
//   - dispatches transport push events to a Handler from one goroutine, so
//     per-subscription delivery order matches the server's
//   - publishes state and link-quality changes to watchers
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/livesync/internal/broadcast"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/transport"
)

var (
	ErrAttemptsExhausted = errors.New("reconnection attempts exhausted")
	ErrNotStarted        = errors.New("connection manager not started")
)

// DefaultQualityInterval is how often link quality is re-evaluated.
const DefaultQualityInterval = 10 * time.Second

// Handler receives transport activity. Methods are called from the
// manager's event goroutine, except HandleState for transitions caused by
// Close or by giving up, which are called from the goroutine that caused
// them.
type Handler interface {
	HandleState(state State)
	HandlePush(ev transport.Event)
}

// Options configures a Manager.
type Options struct {
	Policy          Policy
	QualityInterval time.Duration
	Handler         Handler
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Metrics

	// Rand returns jitter samples in [0,1). Defaults to math/rand/v2.
	Rand func() float64

	// OnBackoff is called after each retry timer is armed.
	OnBackoff func(retry int, delay time.Duration)
}

// Manager drives one transport.Transport.
type Manager struct {
	transport transport.Transport
	policy    Policy
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	lastErr  error
	terminal bool
	closed   bool
	cycling  bool
	cycle    uint64
	opening  bool // Open returned, EventOpened not yet handled
	changed  chan struct{}

	quality     qualityMonitor
	lastQuality Quality

	states    *broadcast.Broadcaster[State]
	qualities *broadcast.Broadcaster[Quality]
}

// NewManager creates a Manager. The policy is validated here and never
// changes afterwards.
func NewManager(t transport.Transport, opts Options) (*Manager, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("reconnection policy: %w", err)
	}
	if opts.QualityInterval <= 0 {
		opts.QualityInterval = DefaultQualityInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	m := &Manager{
		transport: t,
		policy:    opts.Policy,
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		state:     Disconnected,
		changed:   make(chan struct{}),
		states:    broadcast.New[State](),
		qualities: broadcast.New[Quality](),
	}
	m.states.SetLatest(Disconnected)
	m.qualities.SetLatest(QualityUnknown)
	return m, nil
}

// Start launches the event and quality goroutines. It does not connect.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(2)
	go m.eventLoop()
	go m.qualityLoop()
}

// Close stops reconnecting, closes the transport and ends all watches.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := m.transport.Close()
	m.wg.Wait()

	m.setState(Disconnected, errs.ErrClientClosed, true)
	m.states.Close()
	m.qualities.Close()

	m.logger.Info("connection manager stopped")
	return err
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the most recent connection failure. After attempts are
// exhausted it stays set until Reset.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Terminal reports whether the manager gave up reconnecting.
func (m *Manager) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// Connect begins connecting in the background when Disconnected and not
// terminal. It never blocks.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCycleLocked(false)
}

// EnsureConnected connects if needed and blocks until Connected, until the
// attempt budget is spent, or until ctx ends.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch {
		case m.closed:
			m.mu.Unlock()
			return errs.ErrClientClosed
		case m.ctx == nil:
			m.mu.Unlock()
			return ErrNotStarted
		case m.state == Connected:
			m.mu.Unlock()
			return nil
		case m.terminal:
			err := m.lastErr
			m.mu.Unlock()
			return err
		}
		m.startCycleLocked(false)
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return errs.Timeout("ensure connected", ctx.Err())
		}
	}
}

// Reset clears a terminal state so the next Connect or EnsureConnected
// starts a fresh attempt cycle.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.terminal || m.closed {
		return
	}
	m.terminal = false
	m.lastErr = nil
	m.logger.Info("connection manager reset")
}

// WatchState streams state transitions, starting with the current state.
// The channel closes when ctx ends or the manager closes.
func (m *Manager) WatchState(ctx context.Context) <-chan State {
	return watch(ctx, m.states)
}

// WatchQuality streams quality changes, starting with the current bucket.
func (m *Manager) WatchQuality(ctx context.Context) <-chan Quality {
	return watch(ctx, m.qualities)
}

func watch[T any](ctx context.Context, b *broadcast.Broadcaster[T]) <-chan T {
	sink := b.Attach(16, true)
	context.AfterFunc(ctx, sink.Close)
	return sink.C()
}

// Quality returns the last computed quality bucket.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastQuality
}

// RecordLatency adds a request round-trip sample.
func (m *Manager) RecordLatency(d time.Duration) {
	m.quality.recordLatency(d)
}

// RecordOutcome adds a request outcome sample.
func (m *Manager) RecordOutcome(err error) {
	m.quality.recordOutcome(err != nil && errs.IsConnection(err))
}

// startCycleLocked launches the connect loop unless one is running or
// the state forbids it. Must be called with m.mu held.
func (m *Manager) startCycleLocked(reconnect bool) {
	if m.closed || m.terminal || m.cycling || m.ctx == nil {
		return
	}
	if m.state == Connected {
		return
	}
	m.cycling = true
	m.cycle++
	id := m.cycle
	next := Connecting
	if reconnect {
		next = Reconnecting
	}
	changes := m.transitionLocked(next, m.lastErr, false)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		changes()
		m.runCycle(id, reconnect)
	}()
}

// runCycle opens the transport until it succeeds or the policy is spent.
// The initial connect tries immediately; a reconnect waits first.
func (m *Manager) runCycle(id uint64, reconnect bool) {
	opened := false
	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.cycle != id {
			return
		}
		if opened && m.state != Connected && !m.closed {
			m.opening = true
			return
		}
		m.cycling = false
	}()

	retry := 0
	for failures := 0; ; failures++ {
		if reconnect || failures > 0 {
			delay := m.policy.Delay(retry, m.opts.Rand)
			retry++
			timer := m.clock.Timer(delay)
			if m.opts.OnBackoff != nil {
				m.opts.OnBackoff(retry-1, delay)
			}
			m.logger.Debug("waiting before connection attempt", "attempt", failures+1, "delay", delay)
			select {
			case <-m.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			m.metrics.IncReconnect()
		}

		err := m.transport.Open(m.ctx)
		if err == nil {
			opened = true
			return
		}
		if m.ctx.Err() != nil {
			return
		}

		m.quality.recordOutcome(true)
		m.logger.Warn("connection attempt failed", "attempt", failures+1, "error", err)

		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()

		if m.policy.Exhausted(failures + 1) {
			final := &errs.ConnectionError{
				Op:  "connect",
				Err: fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, failures+1, err),
			}
			m.logger.Error("giving up on connection", "attempts", failures+1, "error", err)
			m.mu.Lock()
			m.cycling = false
			changes := m.transitionLocked(Disconnected, final, true)
			m.mu.Unlock()
			changes()
			return
		}
	}
}

// eventLoop consumes transport events until the manager stops.
func (m *Manager) eventLoop() {
	defer m.wg.Done()

	events := m.transport.Events()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-events:
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventOpened:
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.cycling = false
		m.opening = false
		changes := m.transitionLocked(Connected, nil, false)
		m.mu.Unlock()
		changes()
		m.logger.Info("connected")

	case transport.EventClosed:
		m.mu.Lock()
		if m.opening && !m.closed {
			// lost before the open was reported
			m.opening = false
			m.cycling = false
			m.lastErr = ev.Err
			m.startCycleLocked(true)
			m.mu.Unlock()
			m.logger.Warn("connection lost while opening, reconnecting", "error", ev.Err)
			return
		}
		if m.state != Connected || m.closed {
			m.mu.Unlock()
			return
		}
		m.lastErr = ev.Err
		m.quality.recordDrop()
		m.startCycleLocked(true)
		m.mu.Unlock()
		m.logger.Warn("connection lost, reconnecting", "error", ev.Err)

	case transport.EventPushed, transport.EventPushError:
		if m.opts.Handler != nil {
			m.opts.Handler.HandlePush(ev)
		}
	}
}

// setState applies a transition from outside the event loop.
func (m *Manager) setState(s State, err error, terminal bool) {
	m.mu.Lock()
	changes := m.transitionLocked(s, err, terminal)
	m.mu.Unlock()
	changes()
}

// transitionLocked updates state under m.mu and returns the notifications
// to run once the lock is released.
func (m *Manager) transitionLocked(s State, err error, terminal bool) func() {
	prev := m.state
	m.state = s
	m.lastErr = err
	m.terminal = terminal
	if s == Connected {
		m.lastErr = nil
	}
	close(m.changed)
	m.changed = make(chan struct{})

	if prev == s {
		return func() {}
	}

	quality := m.quality.evaluate(s)
	qualityChanged := quality != m.lastQuality
	m.lastQuality = quality

	return func() {
		m.logger.Debug("connection state changed", "from", prev.String(), "to", s.String())
		m.metrics.SetConnectionState(int(s))
		m.states.Publish(s)
		if qualityChanged {
			m.metrics.SetQuality(int(quality))
			m.qualities.Publish(quality)
		}
		if m.opts.Handler != nil {
			m.opts.Handler.HandleState(s)
		}
	}
}

// qualityLoop re-evaluates link quality on every tick and publishes changes.
func (m *Manager) qualityLoop() {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.opts.QualityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			q := m.quality.tick(m.state)
			changed := q != m.lastQuality
			m.lastQuality = q
			m.mu.Unlock()

			if changed {
				m.logger.Info("connection quality changed", "quality", q.String())
				m.metrics.SetQuality(int(q))
				m.qualities.Publish(q)
			}
		}
	}
}
