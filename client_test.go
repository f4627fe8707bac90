package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/transport/transporttest"
)

type transportRequest = transporttest.Request

func testPolicy() ReconnectionPolicy {
	return ReconnectionPolicy{
		MaxAttempts: UnlimitedAttempts,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		Exponential: true,
	}
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *transporttest.Fake) {
	t.Helper()
	fake := transporttest.New()
	opts = append([]Option{WithReconnectionPolicy(testPolicy())}, opts...)
	c, err := New(fake, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Start(context.Background()))
	return c, fake
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// respond installs a handler answering by function path.
func respond(fake *transporttest.Fake, answers map[string]func(args json.RawMessage) (json.RawMessage, error)) {
	fake.SetHandler(func(_ context.Context, req transporttest.Request) (json.RawMessage, error) {
		if fn, ok := answers[req.Path]; ok {
			return fn(req.Args)
		}
		return json.RawMessage("null"), nil
	})
}

func constant(v string) func(json.RawMessage) (json.RawMessage, error) {
	return func(json.RawMessage) (json.RawMessage, error) { return json.RawMessage(v), nil }
}

func requestsFor(fake *transporttest.Fake, path string) []transporttest.Request {
	var out []transporttest.Request
	for _, r := range fake.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	_, err := New(transporttest.New(), WithReconnectionPolicy(ReconnectionPolicy{MaxAttempts: 0, BaseDelay: time.Second, MaxDelay: time.Second}))
	assert.Error(t, err)
}

func TestStartConnects(t *testing.T) {
	c, fake := newTestClient(t)

	require.NoError(t, c.EnsureConnected(testContext(t)))
	assert.Equal(t, Connected, c.ConnectionState())
	assert.Equal(t, 1, fake.OpenCalls())
	assert.NoError(t, c.LastError())
}

func TestOperationsBeforeStart(t *testing.T) {
	c, err := New(transporttest.New())
	require.NoError(t, err)
	defer c.Close()

	_, err = Query[int](c, "counter:get").Execute(testContext(t))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	policy := ReconnectionPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Exponential: true, Jitter: true}

	fake := transporttest.New()
	openErr := errors.New("connection refused")
	fake.SetOpenError(func(int) error { return openErr })

	c, err := New(fake,
		WithReconnectionPolicy(policy),
		WithBackoffHook(func(_ int, d time.Duration) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	err = c.EnsureConnected(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.ErrorIs(t, err, openErr)
	var ce *ConnectionError
	assert.ErrorAs(t, err, &ce)

	mu.Lock()
	require.Len(t, delays, 2)
	for k, d := range delays {
		nominal := policy.BaseDelay << k
		assert.GreaterOrEqual(t, d, nominal/2, "retry %d", k)
		assert.LessOrEqual(t, d, nominal*3/2, "retry %d", k)
	}
	mu.Unlock()

	assert.Equal(t, Disconnected, c.ConnectionState())
	assert.Equal(t, 3, fake.OpenCalls())

	start := time.Now()
	again := c.EnsureConnected(context.Background())
	assert.Equal(t, err, again)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 3, fake.OpenCalls())

	// operations fail with the same error instead of waiting
	_, qerr := Query[int](c, "counter:get").Execute(context.Background())
	assert.ErrorIs(t, qerr, ErrAttemptsExhausted)
}

func TestReconnectAfterGiveUp(t *testing.T) {
	fake := transporttest.New()
	fake.SetOpenError(func(attempt int) error {
		if attempt == 1 {
			return errors.New("down")
		}
		return nil
	})
	c, err := New(fake, WithReconnectionPolicy(ReconnectionPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))

	require.Error(t, c.EnsureConnected(testContext(t)))
	c.Reconnect()
	require.NoError(t, c.EnsureConnected(testContext(t)))
	assert.Equal(t, 2, fake.OpenCalls())
}

func TestConnectionStateChanges(t *testing.T) {
	c, fake := newTestClient(t)
	require.NoError(t, c.EnsureConnected(testContext(t)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := c.ConnectionStateChanges(ctx)
	assert.Equal(t, Connected, <-states)

	fake.Drop(errors.New("network reset"))

	var seen []ConnectionState
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-timeout:
			t.Fatalf("states seen: %v", seen)
		}
	}
	assert.Equal(t, []ConnectionState{Reconnecting, Connected}, seen)
}

func TestConnectionQualityChanges(t *testing.T) {
	c, _ := newTestClient(t, WithQualityInterval(10*time.Millisecond))
	ctx := testContext(t)
	require.NoError(t, c.EnsureConnected(ctx))

	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qualities := c.ConnectionQualityChanges(watchCtx)

	// one fast round trip is enough for a rating
	_, err := Action[json.RawMessage](c, "ping").Execute(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case q := <-qualities:
			return q == QualityExcellent
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, QualityExcellent, c.ConnectionQuality())
}

func TestUseMiddlewareSealsAfterFirstOperation(t *testing.T) {
	c, fake := newTestClient(t)

	var order []string
	trace := func(name string) Interceptor {
		return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
			order = append(order, name)
			return next(ctx, req)
		}
	}
	require.NoError(t, c.UseMiddleware(
		AuthInterceptor(TokenSourceFunc(func(context.Context) (string, error) { return "tok", nil }), AuthOptions{}),
		trace("outer"),
		trace("inner"),
	))

	_, err := Action[json.RawMessage](c, "email:send").Execute(testContext(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner"}, order)
	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer tok", reqs[0].Metadata["authorization"])

	assert.ErrorIs(t, c.UseMiddleware(trace("late")), ErrSealed)
}

func TestInterceptorCanShortCircuit(t *testing.T) {
	stub := func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if req.Kind == KindQuery {
			return &Response{Value: json.RawMessage(`99`)}, nil
		}
		return next(ctx, req)
	}
	c, fake := newTestClient(t, WithInterceptors(stub))

	n, err := Query[int](c, "counter:get").Execute(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 99, n)
	assert.Empty(t, fake.Requests())
}

func TestCloseRejectsOperations(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := testContext(t)

	stream, err := Observe[int](ctx, c, "counter:get", nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = Query[int](c, "counter:get").Execute(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = Mutate[int](c, "counter:inc").Execute(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = Observe[int](ctx, c, "counter:get", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Start(ctx), ErrClientClosed)

	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestSnapshotStore(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Save(context.Background(), []store.Record{
		{Key: "counter:get", Value: json.RawMessage(`7`), Origin: cache.OriginQuery, UpdatedAt: time.Now()},
	}))

	c, fake := newTestClient(t, WithStore(mem, PersisterConfig{BatchSize: 1, FlushInterval: time.Hour}))

	n, ok := GetCachedValue[int](c, "counter:get", nil)
	require.True(t, ok)
	assert.Equal(t, 7, n)

	respond(fake, map[string]func(json.RawMessage) (json.RawMessage, error){
		"counter:get": constant(`8`),
	})
	_, err := Query[int](c, "counter:get").Execute(testContext(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		recs, err := mem.Load(context.Background())
		return err == nil && len(recs) == 1 && string(recs[0].Value) == `8`
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Snapshot.Saved)
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _ := newTestClient(t, WithMetrics(reg))

	_, err := Action[json.RawMessage](c, "email:send").Execute(testContext(t))
	require.NoError(t, err)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["livesync_requests_total"], "gathered %v", names)

	_, err = New(transporttest.New(), WithMetrics(reg))
	assert.Error(t, err, "duplicate registration")
}

func TestStats(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := testContext(t)
	require.NoError(t, c.EnsureConnected(ctx))

	stream, err := Observe[int](ctx, c, "counter:get", nil)
	require.NoError(t, err)
	defer stream.Close()
	require.Eventually(t, func() bool { return len(fake.Active()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = Mutate[int](c, "counter:inc").Execute(ctx)
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, Connected, s.State)
	assert.Equal(t, 1, s.Subscriptions.Subscriptions)
	assert.Equal(t, 1, s.Subscriptions.Observers)
	assert.Equal(t, uint64(1), s.Mutations.Committed)
}
