package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/metrics"
	"github.com/rickgao/livesync/internal/queue"
)

// PersisterConfig controls batching.
type PersisterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultPersisterConfig returns the batching used when none is configured.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
		BufferSize:    4096,
	}
}

// PersisterStats counts writes.
type PersisterStats struct {
	Saved   int64
	Deleted int64
	Flushes int64
	Errors  int64
}

// Persister consumes cache changes and writes them to a Store. Changes to
// the same key within one batch collapse into the last one.
type Persister struct {
	cfg     PersisterConfig
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	input *queue.GrowableBuffer[cache.Change]

	batchMu sync.Mutex
	batch   map[string]cache.Change
	stats   PersisterStats

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	consumed chan struct{}
}

// PersisterOption configures a Persister.
type PersisterOption func(*Persister)

// WithPersisterLogger sets the logger.
func WithPersisterLogger(logger *slog.Logger) PersisterOption {
	return func(p *Persister) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPersisterMetrics records write outcomes.
func WithPersisterMetrics(m *metrics.Metrics) PersisterOption {
	return func(p *Persister) { p.metrics = m }
}

// WithPersisterClock replaces the flush ticker clock.
func WithPersisterClock(c clock.Clock) PersisterOption {
	return func(p *Persister) { p.clock = c }
}

// NewPersister creates a Persister writing to s.
func NewPersister(cfg PersisterConfig, s Store, opts ...PersisterOption) *Persister {
	def := DefaultPersisterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	p := &Persister{
		cfg:    cfg,
		store:  s,
		logger: slog.Default(),
		clock:  clock.New(),
		input:  queue.NewGrowableBuffer[cache.Change](cfg.BufferSize),
		batch:  make(map[string]cache.Change),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue records a change. It never blocks and is meant to be installed
// as the cache's OnChange hook.
func (p *Persister) Enqueue(c cache.Change) {
	p.input.Send(c)
}

// Start begins consuming changes.
func (p *Persister) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.consumed = make(chan struct{})
	ticker := p.clock.Ticker(p.cfg.FlushInterval)

	p.wg.Add(2)
	go p.consumeLoop()
	go p.flushLoop(ticker)

	p.logger.Info("snapshot persister started",
		"batch_size", p.cfg.BatchSize,
		"flush_interval", p.cfg.FlushInterval,
	)
	return nil
}

// Stop drains pending changes and writes them before returning, unless ctx
// ends first.
func (p *Persister) Stop(ctx context.Context) error {
	p.input.Close()
	if p.cancel == nil {
		return nil
	}
	p.logger.Info("stopping snapshot persister")

	var err error
	select {
	case <-p.consumed:
	case <-ctx.Done():
		p.logger.Warn("snapshot persister stop timed out")
		err = ctx.Err()
	}
	p.cancel()
	p.wg.Wait()

	if err != nil {
		return err
	}
	p.flush(ctx)
	p.logger.Info("snapshot persister stopped")
	return nil
}

// Stats returns current counters.
func (p *Persister) Stats() PersisterStats {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	return p.stats
}

func (p *Persister) consumeLoop() {
	defer p.wg.Done()
	defer close(p.consumed)

	for {
		c, ok, err := p.input.ReceiveContext(p.ctx)
		if err != nil || !ok {
			return
		}
		if p.add(c) {
			p.flush(p.ctx)
		}
	}
}

func (p *Persister) flushLoop(ticker *clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flush(p.ctx)
		}
	}
}

// add reports whether the batch reached its size limit.
func (p *Persister) add(c cache.Change) bool {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()
	p.batch[c.Entry.Key] = c
	return len(p.batch) >= p.cfg.BatchSize
}

func (p *Persister) flush(ctx context.Context) {
	p.batchMu.Lock()
	if len(p.batch) == 0 {
		p.batchMu.Unlock()
		return
	}
	batch := p.batch
	p.batch = make(map[string]cache.Change)
	p.batchMu.Unlock()

	var (
		saves   []Record
		deletes []string
	)
	for key, c := range batch {
		if c.Deleted {
			deletes = append(deletes, key)
		} else {
			saves = append(saves, FromEntry(c.Entry))
		}
	}

	start := time.Now()
	err := p.store.Save(ctx, saves)
	if err == nil {
		err = p.store.Delete(ctx, deletes)
	}
	if err != nil {
		p.logger.Error("snapshot write failed", "error", err, "count", len(batch))
		p.metrics.AddSnapshotWrites("error", len(batch))
		p.batchMu.Lock()
		p.stats.Errors++
		p.batchMu.Unlock()
		return
	}

	p.metrics.AddSnapshotWrites("ok", len(batch))
	p.batchMu.Lock()
	p.stats.Saved += int64(len(saves))
	p.stats.Deleted += int64(len(deletes))
	p.stats.Flushes++
	p.batchMu.Unlock()

	p.logger.Debug("flushed snapshot",
		"saved", len(saves),
		"deleted", len(deletes),
		"duration", time.Since(start),
	)
}
