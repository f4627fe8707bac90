// Package livesync is a client runtime for backends that serve live query
// results over one persistent connection.
//
// A Client keeps a local cache of query results, multiplexes any number of
// observers onto a single transport subscription per query, executes
// mutations strictly in the order they were issued, and invalidates cached
// reads that a successful mutation may have changed.
//
// # Usage
//
//	c, err := livesync.New(wstransport.New(cfg))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//
//	stream, err := livesync.Observe[[]Message](ctx, c, "messages:list", nil)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//
//	for {
//	    msgs, err := stream.Next(ctx)
//	    ...
//	}
//
// # Queries, mutations and actions
//
//	n, err := livesync.Query[int](c, "counter:get").Execute(ctx)
//
//	_, err = livesync.Mutate[struct{}](c, "messages:send").
//	    WithArgs(map[string]any{"text": "hi"}).
//	    Optimistic(func(s *livesync.OptimisticStore) error {
//	        return s.Set("messages:list", nil, append(current, pending))
//	    }).
//	    Execute(ctx)
//
// Queries are cached under their canonical key and identical concurrent
// queries share one request. Actions are never cached.
//
// # Connection state
//
// Connection failures are retried with backoff according to the
// ReconnectionPolicy. Operations wait for the connection instead of failing,
// until either their context ends or the policy gives up, at which point
// EnsureConnected and every operation return the last connection error.
package livesync
