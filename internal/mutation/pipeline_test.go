package mutation

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/dependency"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/transport"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]json.RawMessage)}
}

func (s *memStore) Get(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *memStore) Set(key string, value json.RawMessage) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

func (s *memStore) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}

// recorder is a Sender that logs sends and checks they never overlap.
// When ready is set, sends wait on it before writing, like a client
// waiting for its connection.
type recorder struct {
	mu       sync.Mutex
	sent     []string
	inflight atomic.Int32
	overlap  atomic.Bool
	ready    chan struct{}
	respond  func(ctx context.Context, req Request) (json.RawMessage, error)
}

func (r *recorder) send(ctx context.Context, _ uint64, req Request) (json.RawMessage, error) {
	if r.inflight.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.inflight.Add(-1)

	if r.ready != nil {
		select {
		case <-r.ready:
		case <-ctx.Done():
			return nil, errs.Timeout("connect", ctx.Err())
		}
	}
	if !transport.Claim(ctx) {
		return nil, errs.Timeout("send", context.Canceled)
	}

	r.mu.Lock()
	r.sent = append(r.sent, req.Function)
	r.mu.Unlock()

	if r.respond != nil {
		return r.respond(ctx, req)
	}
	return json.RawMessage(`"ok"`), nil
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newPipeline(t *testing.T, rec *recorder, mutate func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{Send: rec.send, Store: newMemStore()}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitSeq(t *testing.T, p *Pipeline, seq uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return p.Stats().LastSeq >= seq }, time.Second, time.Millisecond)
}

func TestSendOrderFollowsIssueOrder(t *testing.T) {
	rec := &recorder{respond: func(ctx context.Context, req Request) (json.RawMessage, error) {
		time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
		return json.RawMessage(`"` + req.Function + `"`), nil
	}}
	p := newPipeline(t, rec, nil)

	names := []string{"M1", "M2", "M3"}
	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.Execute(context.Background(), Request{Function: name})
			assert.NoError(t, err)
			results[i] = string(v)
		}()
		waitSeq(t, p, uint64(i+1))
	}
	wg.Wait()

	assert.Equal(t, names, rec.order())
	assert.False(t, rec.overlap.Load(), "mutations were sent concurrently")
	assert.Equal(t, []string{`"M1"`, `"M2"`, `"M3"`}, results)
	assert.Equal(t, uint64(3), p.Stats().Committed)
}

func TestManyConcurrentMutationsNeverOverlap(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, rec, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Execute(context.Background(), Request{Function: "inc"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, rec.order(), 50)
	assert.False(t, rec.overlap.Load())
	assert.Equal(t, uint64(50), p.Stats().LastSeq)
}

func TestFailedOptimisticMutationRollsBackOnce(t *testing.T) {
	serverErr := &errs.FunctionError{Function: "messages:send", Message: "rejected"}
	rec := &recorder{}
	store := newMemStore()
	store.Set("messages:list", json.RawMessage(`["a"]`))
	p := newPipeline(t, rec, func(o *Options) { o.Store = store })

	var rollbacks atomic.Int32
	var seenDuringFlight json.RawMessage
	rec.respond = func(context.Context, Request) (json.RawMessage, error) {
		seenDuringFlight, _ = store.Get("messages:list")
		return nil, serverErr
	}

	_, err := p.Execute(context.Background(), Request{
		Function: "messages:send",
		Optimistic: func(j *Journal) error {
			j.Set("messages:list", json.RawMessage(`["a","b"]`))
			j.Set("messages:list", json.RawMessage(`["a","b","c"]`))
			j.Set("drafts:get", json.RawMessage(`""`))
			return nil
		},
		Rollback: func() { rollbacks.Add(1) },
	})

	var fe *errs.FunctionError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, `["a","b","c"]`, string(seenDuringFlight))
	assert.Equal(t, int32(1), rollbacks.Load())

	v, ok := store.Get("messages:list")
	require.True(t, ok)
	assert.Equal(t, `["a"]`, string(v))
	_, ok = store.Get("drafts:get")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestOptimisticErrorNeverQueues(t *testing.T) {
	rec := &recorder{}
	store := newMemStore()
	p := newPipeline(t, rec, func(o *Options) { o.Store = store })

	_, err := p.Execute(context.Background(), Request{
		Function: "x",
		Optimistic: func(j *Journal) error {
			j.Set("k", json.RawMessage(`1`))
			return errors.New("bad input")
		},
	})
	require.Error(t, err)
	_, ok := store.Get("k")
	assert.False(t, ok)
	assert.Empty(t, rec.order())
	assert.Equal(t, uint64(0), p.Stats().LastSeq)
}

func TestSuccessInvalidatesDependentQueries(t *testing.T) {
	c, err := cache.New(cache.Options{})
	require.NoError(t, err)
	deps := dependency.NewRegistry()
	require.NoError(t, deps.Define("create", "list"))
	require.NoError(t, deps.Define("fail", "list"))

	c.Put("list", json.RawMessage(`[]`), cache.OriginQuery)
	c.Put("list({\"page\":2})", json.RawMessage(`[]`), cache.OriginQuery)
	c.Put("other", json.RawMessage(`1`), cache.OriginQuery)

	rec := &recorder{respond: func(_ context.Context, req Request) (json.RawMessage, error) {
		if req.Function == "fail" {
			return nil, &errs.FunctionError{Function: "fail", Message: "no"}
		}
		return json.RawMessage(`{}`), nil
	}}
	p := newPipeline(t, rec, func(o *Options) {
		o.Cache = c
		o.Dependencies = deps
	})

	_, err = p.Execute(context.Background(), Request{Function: "fail"})
	require.Error(t, err)
	_, ok := c.Get("list")
	assert.True(t, ok, "failed mutations do not invalidate")

	_, err = p.Execute(context.Background(), Request{Function: "create"})
	require.NoError(t, err)

	_, ok = c.Get("list")
	assert.False(t, ok)
	_, ok = c.Get("list({\"page\":2})")
	assert.False(t, ok)
	_, ok = c.Get("other")
	assert.True(t, ok)
}

func TestSubscriptionBackedEntriesSurviveInvalidation(t *testing.T) {
	c, err := cache.New(cache.Options{})
	require.NoError(t, err)
	deps := dependency.NewRegistry()
	require.NoError(t, deps.Define("create", "list"))

	c.Pin("list")
	c.Put("list", json.RawMessage(`[1]`), cache.OriginSubscription)

	p := newPipeline(t, &recorder{}, func(o *Options) {
		o.Cache = c
		o.Dependencies = deps
	})
	_, err = p.Execute(context.Background(), Request{Function: "create"})
	require.NoError(t, err)

	_, ok := c.Get("list")
	assert.True(t, ok)
}

// blocker holds the first mutation in flight until released.
func blocker() (*recorder, chan struct{}, chan struct{}) {
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	rec := &recorder{}
	rec.respond = func(ctx context.Context, req Request) (json.RawMessage, error) {
		started <- struct{}{}
		if req.Function == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return json.RawMessage(`"` + req.Function + `"`), nil
	}
	return rec, started, release
}

func TestCancelBeforeSendSkipsMutation(t *testing.T) {
	rec, started, release := blocker()
	store := newMemStore()
	p := newPipeline(t, rec, func(o *Options) { o.Store = store })

	slowDone := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), Request{Function: "slow"})
		slowDone <- err
	}()
	<-started

	var rollbacks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	queuedDone := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, Request{
			Function:   "queued",
			Optimistic: func(j *Journal) error { j.Set("k", json.RawMessage(`1`)); return nil },
			Rollback:   func() { rollbacks.Add(1) },
		})
		queuedDone <- err
	}()
	waitSeq(t, p, 2)
	_, ok := store.Get("k")
	require.True(t, ok)

	cancel()
	err := <-queuedDone
	var te *errs.TimeoutError
	assert.ErrorAs(t, err, &te)
	_, ok = store.Get("k")
	assert.False(t, ok)

	close(release)
	require.NoError(t, <-slowDone)

	_, err = p.Execute(context.Background(), Request{Function: "after"})
	require.NoError(t, err)

	assert.Equal(t, []string{"slow", "after"}, rec.order())
	assert.Equal(t, int32(1), rollbacks.Load())
	assert.Equal(t, uint64(1), p.Stats().Skipped)
}

func TestCancelWhileWaitingForConnectionRollsBack(t *testing.T) {
	rec := &recorder{ready: make(chan struct{})}
	store := newMemStore()
	p := newPipeline(t, rec, func(o *Options) { o.Store = store })

	var rollbacks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, Request{
			Function:   "messages:send",
			Optimistic: func(j *Journal) error { j.Set("k", json.RawMessage(`1`)); return nil },
			Rollback:   func() { rollbacks.Add(1) },
		})
		done <- err
	}()

	// the worker has picked it up and is waiting to send
	require.Eventually(t, func() bool { return rec.inflight.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	var te *errs.TimeoutError
	assert.ErrorAs(t, err, &te)
	_, ok := store.Get("k")
	assert.False(t, ok)

	close(rec.ready)
	_, err = p.Execute(context.Background(), Request{Function: "after"})
	require.NoError(t, err)

	assert.Equal(t, []string{"after"}, rec.order())
	assert.Equal(t, int32(1), rollbacks.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, uint64(0), stats.Failed)
	assert.Equal(t, uint64(1), stats.Committed)
}

func TestCancelInFlightKeepsOrder(t *testing.T) {
	rec, started, release := blocker()
	p := newPipeline(t, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	slowDone := make(chan error, 1)
	go func() {
		_, err := p.Execute(ctx, Request{Function: "slow"})
		slowDone <- err
	}()
	<-started

	nextDone := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), Request{Function: "next"})
		nextDone <- err
	}()
	waitSeq(t, p, 2)

	cancel()
	err := <-slowDone
	var te *errs.TimeoutError
	assert.ErrorAs(t, err, &te)

	select {
	case <-nextDone:
		t.Fatal("later mutation ran before the in-flight one finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-nextDone)
	assert.Equal(t, []string{"slow", "next"}, rec.order())
	assert.Equal(t, uint64(2), p.Stats().Committed)
}

func TestMutationTimeoutFreesQueue(t *testing.T) {
	rec, _, _ := blocker()
	p := newPipeline(t, rec, func(o *Options) { o.Timeout = 30 * time.Millisecond })

	_, err := p.Execute(context.Background(), Request{Function: "slow"})
	var te *errs.TimeoutError
	require.ErrorAs(t, err, &te)

	v, err := p.Execute(context.Background(), Request{Function: "fast"})
	require.NoError(t, err)
	assert.Equal(t, `"fast"`, string(v))
}

func TestCloseFailsQueuedMutations(t *testing.T) {
	rec, started, _ := blocker()
	p := newPipeline(t, rec, nil)

	slowDone := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), Request{Function: "slow"})
		slowDone <- err
	}()
	<-started

	var rollbacks atomic.Int32
	queuedDone := make(chan error, 1)
	go func() {
		_, err := p.Execute(context.Background(), Request{
			Function:   "queued",
			Optimistic: func(j *Journal) error { return nil },
			Rollback:   func() { rollbacks.Add(1) },
		})
		queuedDone <- err
	}()
	waitSeq(t, p, 2)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-queuedDone, errs.ErrClientClosed)
	assert.Error(t, <-slowDone)
	assert.Equal(t, int32(1), rollbacks.Load())

	_, err := p.Execute(context.Background(), Request{Function: "late"})
	assert.ErrorIs(t, err, errs.ErrClientClosed)
	assert.Equal(t, []string{"slow"}, rec.order())
}

func TestExecuteWithDoneContext(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Execute(ctx, Request{Function: "x"})
	var te *errs.TimeoutError
	assert.ErrorAs(t, err, &te)
	assert.Empty(t, rec.order())
}

func TestJournalRestoresFirstPriorValue(t *testing.T) {
	store := newMemStore()
	store.Set("a", json.RawMessage(`1`))

	j := newJournal(store)
	j.Set("a", json.RawMessage(`2`))
	j.Delete("a")
	j.Set("b", json.RawMessage(`3`))
	j.Delete("c")
	assert.Equal(t, []string{"a", "b", "c"}, j.Keys())

	j.restore()
	v, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, `1`, string(v))
	_, ok = store.Get("b")
	assert.False(t, ok)
	_, ok = store.Get("c")
	assert.False(t, ok)
	assert.Empty(t, j.Keys())
}

func TestNewRequiresSender(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
