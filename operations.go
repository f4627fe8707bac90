package livesync

import (
	"context"
	"encoding/json"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/canonical"
	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/middleware"
	"github.com/rickgao/livesync/internal/mutation"
	"github.com/rickgao/livesync/internal/transport"
)

// QueryBuilder prepares a one-shot query.
type QueryBuilder[T any] struct {
	c        *Client
	function string
	args     any
}

// Query starts a one-shot query of function returning T.
func Query[T any](c *Client, function string) *QueryBuilder[T] {
	return &QueryBuilder[T]{c: c, function: function}
}

// WithArgs sets the query arguments. Nil means no arguments.
func (b *QueryBuilder[T]) WithArgs(args any) *QueryBuilder[T] {
	b.args = args
	return b
}

// Execute runs the query and caches its result. Concurrent executions of
// the same function with equal arguments share one request. A caller whose
// ctx ends stops waiting. Once sent the shared request runs to completion;
// before that it is dropped when every caller has gone.
func (b *QueryBuilder[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	call, err := canonical.NewCall(b.c.serializer, b.function, b.args)
	if err != nil {
		return zero, err
	}

	raw, err := b.c.query(ctx, call)
	if err != nil {
		return zero, err
	}
	return decode[T](b.c.serializer, raw)
}

func (c *Client) query(ctx context.Context, call canonical.Call) (json.RawMessage, error) {
	f := c.joinQuery(call.Key)
	defer c.leaveQuery(f)

	ch := c.flight.DoChan(call.Key, func() (any, error) {
		// the request outlives a caller that gives up once it was sent;
		// until then it is dropped when every caller has left
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.requestTimeout)
		defer cancel()
		c.startQuery(f, cancel)
		defer c.finishQuery(f)
		shared = transport.WithClaim(shared, func() bool { return c.claimQuery(f) })

		value, err := c.invoke(shared, middleware.KindQuery, call.Function, call.Args)
		if err != nil {
			return nil, err
		}
		// a live subscription owns its key; its pushes are authoritative
		if !c.registry.Live(call.Key) {
			c.cache.Put(call.Key, value, cache.OriginQuery)
		}
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, errs.Timeout("query "+call.Function, ctx.Err())
	}
}

// queryFlight counts the callers waiting on one shared query.
type queryFlight struct {
	key     string
	waiters int
	sent    bool
	done    bool
	cancel  context.CancelFunc
}

func (c *Client) joinQuery(key string) *queryFlight {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		f = &queryFlight{key: key}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

// leaveQuery drops a caller. When the last one leaves before the request
// was written the request is cancelled and later callers start afresh.
func (c *Client) leaveQuery(f *queryFlight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 || f.sent || f.done || f.cancel == nil {
		return
	}
	c.abandonLocked(f)
}

func (c *Client) abandonLocked(f *queryFlight) {
	f.cancel()
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	c.flight.Forget(f.key)
	c.logger.Debug("query abandoned before send", "key", f.key)
}

func (c *Client) startQuery(f *queryFlight, cancel context.CancelFunc) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	// a caller that joined just as the previous request finished starts a
	// new one on the same record
	if f.done {
		f.done, f.sent = false, false
		if _, ok := c.flights[f.key]; !ok {
			c.flights[f.key] = f
		}
	}
	f.cancel = cancel
	if f.waiters == 0 {
		c.abandonLocked(f)
	}
}

func (c *Client) claimQuery(f *queryFlight) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if f.sent {
		return true
	}
	if f.waiters == 0 {
		return false
	}
	f.sent = true
	return true
}

func (c *Client) finishQuery(f *queryFlight) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	f.done = true
	f.cancel = nil
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
}

// MutationBuilder prepares a mutation.
type MutationBuilder[T any] struct {
	c          *Client
	function   string
	args       any
	optimistic func(*OptimisticStore) error
	rollback   func()
}

// Mutate starts a mutation of function returning T.
func Mutate[T any](c *Client, function string) *MutationBuilder[T] {
	return &MutationBuilder[T]{c: c, function: function}
}

// WithArgs sets the mutation arguments.
func (b *MutationBuilder[T]) WithArgs(args any) *MutationBuilder[T] {
	b.args = args
	return b
}

// Optimistic sets a local update applied before the mutation is queued.
// Observers of the keys it writes see the change at once. If the mutation
// fails the writes are undone.
func (b *MutationBuilder[T]) Optimistic(apply func(s *OptimisticStore) error) *MutationBuilder[T] {
	b.optimistic = apply
	return b
}

// WithRollback sets a function run once if the mutation fails, after the
// optimistic writes were undone.
func (b *MutationBuilder[T]) WithRollback(rollback func()) *MutationBuilder[T] {
	b.rollback = rollback
	return b
}

// Execute queues the mutation and waits for the result. Mutations are sent
// one at a time in the order Execute was called. On success every cached
// query registered as depending on this mutation is invalidated.
func (b *MutationBuilder[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	c := b.c
	call, err := canonical.NewCall(c.serializer, b.function, b.args)
	if err != nil {
		return zero, err
	}

	req := mutation.Request{Function: call.Function, Args: call.Args, Rollback: b.rollback}
	if apply := b.optimistic; apply != nil {
		req.Optimistic = func(j *mutation.Journal) error {
			return apply(&OptimisticStore{serializer: c.serializer, journal: j})
		}
	}

	raw, err := c.mutations.Execute(ctx, req)
	if err != nil {
		return zero, err
	}
	return decode[T](c.serializer, raw)
}

// ActionBuilder prepares an action. Actions are never cached and never
// invalidate anything.
type ActionBuilder[T any] struct {
	c        *Client
	function string
	args     any
}

// Action starts an action call of function returning T.
func Action[T any](c *Client, function string) *ActionBuilder[T] {
	return &ActionBuilder[T]{c: c, function: function}
}

// WithArgs sets the action arguments.
func (b *ActionBuilder[T]) WithArgs(args any) *ActionBuilder[T] {
	b.args = args
	return b
}

// Execute runs the action.
func (b *ActionBuilder[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	call, err := canonical.NewCall(b.c.serializer, b.function, b.args)
	if err != nil {
		return zero, err
	}
	raw, err := b.c.invoke(ctx, middleware.KindAction, call.Function, call.Args)
	if err != nil {
		return zero, err
	}
	return decode[T](b.c.serializer, raw)
}

// GetCachedValue returns the cached result of function with args. It never
// performs I/O and keeps answering from the last received values while
// disconnected.
func GetCachedValue[T any](c *Client, function string, args any) (T, bool) {
	var zero T
	call, err := canonical.NewCall(c.serializer, function, args)
	if err != nil {
		return zero, false
	}
	e, ok := c.cache.Get(call.Key)
	if !ok {
		return zero, false
	}
	v, err := decode[T](c.serializer, e.Value)
	if err != nil {
		c.logger.Warn("cached value does not decode", "key", call.Key, "error", err)
		return zero, false
	}
	return v, true
}

// OptimisticStore is the view of the cache given to optimistic updates.
// Every write is journaled so it can be undone.
type OptimisticStore struct {
	serializer canonical.Serializer
	journal    *mutation.Journal
}

// Get decodes the current value of function with args into target.
func (s *OptimisticStore) Get(function string, args, target any) (bool, error) {
	call, err := canonical.NewCall(s.serializer, function, args)
	if err != nil {
		return false, err
	}
	raw, ok := s.journal.Get(call.Key)
	if !ok {
		return false, nil
	}
	if err := s.serializer.Decode(raw, target); err != nil {
		return false, err
	}
	return true, nil
}

// Set replaces the value of function with args.
func (s *OptimisticStore) Set(function string, args, value any) error {
	call, err := canonical.NewCall(s.serializer, function, args)
	if err != nil {
		return err
	}
	raw, err := s.serializer.EncodeValue(value)
	if err != nil {
		return err
	}
	s.journal.Set(call.Key, raw)
	return nil
}

// Delete removes the value of function with args.
func (s *OptimisticStore) Delete(function string, args any) error {
	call, err := canonical.NewCall(s.serializer, function, args)
	if err != nil {
		return err
	}
	s.journal.Delete(call.Key)
	return nil
}

func decode[T any](s canonical.Serializer, raw json.RawMessage) (T, error) {
	var v T
	if err := s.Decode(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}
