// Package mutation executes writes one at a time in the order they were
// issued.
//
// Each Execute call takes a sequence number when it is enqueued. A single
// worker sends queued mutations in sequence order, so the server sees them in
// issuance order even when callers race. Optimistic updates are applied to
// local state before the mutation is queued and undone if it fails.
package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/dependency"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/queue"
	"github.com/rickgao/livesync/internal/transport"
)

// DefaultTimeout bounds a single mutation round trip.
const DefaultTimeout = 30 * time.Second

// State is the progress of one mutation.
type State int32

const (
	Queued State = iota
	Executing
	Committed
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Executing:
		return "executing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request describes one mutation. Args must already be encoded.
type Request struct {
	Function string
	Args     json.RawMessage

	// Optimistic runs synchronously before the mutation is queued. Writes
	// go through the journal so they can be undone.
	Optimistic func(j *Journal) error

	// Rollback runs exactly once if the mutation fails after Optimistic
	// ran, after the journal restored local state.
	Rollback func()
}

// Sender performs the network round trip for a mutation.
type Sender func(ctx context.Context, seq uint64, req Request) (json.RawMessage, error)

// Options configures a Pipeline.
type Options struct {
	Send  Sender
	Store LocalStore

	// Cache and Dependencies drive invalidation after a commit. Both may
	// be nil to disable it.
	Cache        *cache.Cache
	Dependencies *dependency.Registry

	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Stats counts mutations by outcome.
type Stats struct {
	Queued    int
	Committed uint64
	Failed    uint64
	Skipped   uint64
	LastSeq   uint64
}

type result struct {
	value json.RawMessage
	err   error
}

type pending struct {
	seq     uint64
	req     Request
	ctx     context.Context
	journal *Journal
	state   atomic.Int32
	done    chan result

	// aborted ends the worker's wait for a connection once the caller
	// skipped the mutation
	aborted context.Context
	abort   context.CancelFunc

	// guards Rollback so the worker and a cancelling caller cannot both
	// run it
	undo sync.Once
}

// claim moves the mutation from Queued to Executing. It is idempotent so a
// resend after an undelivered attempt claims again.
func (p *pending) claim() bool {
	return p.state.CompareAndSwap(int32(Queued), int32(Executing)) || p.state.Load() == int32(Executing)
}

func (p *pending) rollback() {
	p.undo.Do(func() {
		if p.journal != nil {
			p.journal.restore()
		}
		if p.req.Rollback != nil {
			p.req.Rollback()
		}
	})
}

// Pipeline is the sequenced mutation queue.
type Pipeline struct {
	send    Sender
	store   LocalStore
	cache   *cache.Cache
	deps    *dependency.Registry
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue *queue.GrowableBuffer[*pending]

	// enqueue serializes sequence assignment, optimistic apply and Send
	// so queue order equals sequence order
	enqueue sync.Mutex
	seq     uint64
	closed  bool

	committed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Pipeline and starts its worker.
func New(opts Options) (*Pipeline, error) {
	if opts.Send == nil {
		return nil, errors.New("sender is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		send:    opts.Send,
		store:   opts.Store,
		cache:   opts.Cache,
		deps:    opts.Dependencies,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		queue:   queue.NewGrowableBuffer[*pending](16),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Execute queues req and waits for its outcome. If ctx ends while req is
// still queued it is skipped and its optimistic writes are undone. If ctx
// ends after req was sent, Execute returns a TimeoutError but the mutation
// still completes in order.
func (p *Pipeline) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Timeout("mutation "+req.Function, err)
	}

	m := &pending{req: req, ctx: ctx, done: make(chan result, 1)}
	m.aborted, m.abort = context.WithCancel(context.Background())

	p.enqueue.Lock()
	if p.closed {
		p.enqueue.Unlock()
		return nil, errs.ErrClientClosed
	}
	if req.Optimistic != nil {
		if p.store == nil {
			p.enqueue.Unlock()
			return nil, errors.New("optimistic update needs a local store")
		}
		m.journal = newJournal(p.store)
		if err := req.Optimistic(m.journal); err != nil {
			m.journal.restore()
			p.enqueue.Unlock()
			return nil, fmt.Errorf("optimistic update for %s: %w", req.Function, err)
		}
	}
	p.seq++
	m.seq = p.seq
	p.queue.Send(m)
	depth := p.queue.Len()
	p.enqueue.Unlock()

	p.metrics.SetMutationQueue(depth)
	p.logger.Debug("mutation queued", "function", req.Function, "seq", m.seq)

	select {
	case r := <-m.done:
		return r.value, r.err
	case <-ctx.Done():
	}

	if m.state.CompareAndSwap(int32(Queued), int32(Skipped)) {
		m.abort()
		p.skipped.Add(1)
		m.rollback()
		p.logger.Debug("mutation cancelled before send", "function", req.Function, "seq", m.seq)
		return nil, errs.Timeout("mutation "+req.Function, ctx.Err())
	}
	// already sent; the worker finishes it and owns the rollback
	select {
	case r := <-m.done:
		return r.value, r.err
	default:
		return nil, errs.Timeout("mutation "+req.Function, ctx.Err())
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		m, ok, err := p.queue.ReceiveContext(p.ctx)
		if err != nil || !ok {
			return
		}
		p.metrics.SetMutationQueue(p.queue.Len())

		if m.state.Load() != int32(Queued) {
			continue
		}
		p.execute(m)
	}
}

func (p *Pipeline) execute(m *pending) {
	// the caller's cancellation does not abort a sent mutation; only the
	// per-mutation timeout and pipeline shutdown do. Until it is claimed
	// the caller may still skip it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), p.timeout)
	stop := context.AfterFunc(p.ctx, cancel)
	stopAbort := context.AfterFunc(m.aborted, cancel)
	defer func() {
		stop()
		stopAbort()
		cancel()
		m.abort()
	}()
	ctx = transport.WithClaim(ctx, m.claim)

	start := time.Now()
	value, err := p.send(ctx, m.seq, m.req)
	// an interceptor may answer without reaching the transport
	if !m.claim() {
		p.logger.Debug("mutation skipped while waiting to send", "function", m.req.Function, "seq", m.seq)
		return
	}
	if err != nil {
		err = errs.Timeout("mutation "+m.req.Function, err)
		m.state.Store(int32(Failed))
		p.failed.Add(1)
		m.rollback()
		p.logger.Warn("mutation failed",
			"function", m.req.Function,
			"seq", m.seq,
			"duration", time.Since(start),
			"error", err,
		)
		m.done <- result{err: err}
		return
	}

	m.state.Store(int32(Committed))
	p.committed.Add(1)
	p.invalidate(m.req.Function)
	p.logger.Debug("mutation committed", "function", m.req.Function, "seq", m.seq, "duration", time.Since(start))
	m.done <- result{value: value}
}

// invalidate drops cached one-shot query results registered as depending
// on function. Subscription-backed entries are pinned and left alone.
func (p *Pipeline) invalidate(function string) {
	if p.cache == nil || p.deps == nil {
		return
	}
	patterns := p.deps.MatchesFor(function)
	if len(patterns) == 0 {
		return
	}
	removed := p.cache.Invalidate(dependency.Matcher(patterns))
	if len(removed) > 0 {
		p.metrics.AddInvalidations(len(removed))
		p.logger.Debug("invalidated queries", "mutation", function, "keys", removed)
	}
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	p.enqueue.Lock()
	last := p.seq
	p.enqueue.Unlock()

	return Stats{
		Queued:    p.queue.Len(),
		Committed: p.committed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		LastSeq:   last,
	}
}

// Close rejects new mutations, fails every queued one with ErrClientClosed
// and stops the worker. A mutation already in flight is cancelled.
func (p *Pipeline) Close() error {
	p.enqueue.Lock()
	if p.closed {
		p.enqueue.Unlock()
		return nil
	}
	p.closed = true
	p.queue.Close()
	left := p.queue.DrainTo(0)
	p.enqueue.Unlock()

	for _, m := range left {
		if m.state.CompareAndSwap(int32(Queued), int32(Failed)) {
			p.failed.Add(1)
			m.rollback()
			m.done <- result{err: errs.ErrClientClosed}
		}
	}

	p.cancel()
	p.wg.Wait()
	p.metrics.SetMutationQueue(0)
	return nil
}
