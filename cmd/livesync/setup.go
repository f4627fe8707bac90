package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/rickgao/livesync"
	"github.com/rickgao/livesync/internal/config"
	"github.com/rickgao/livesync/internal/store"
	"github.com/rickgao/livesync/internal/transport/wstransport"
)

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func reconnectionPolicy(cc config.ConnectionConfig) livesync.ReconnectionPolicy {
	return livesync.ReconnectionPolicy{
		MaxAttempts: cc.MaxAttempts,
		BaseDelay:   cc.ReconnectBaseDelay,
		MaxDelay:    cc.ReconnectMaxDelay,
		Exponential: !cc.ConstantBackoff,
		Jitter:      !cc.NoJitter,
	}
}

func newTransport(cc config.ConnectionConfig, logger *slog.Logger) (*wstransport.Transport, error) {
	header := http.Header{}
	if cc.Token != "" {
		header.Set("Authorization", "Bearer "+cc.Token)
	}

	opts := []wstransport.Option{wstransport.WithLogger(logger)}
	if cc.HTTPURL != "" {
		r, err := wstransport.NewRequester(cc.HTTPURL,
			wstransport.WithHTTPTimeout(cc.RequestTimeout),
			wstransport.WithRetries(cc.RetryAttempts, cc.ReconnectBaseDelay),
			wstransport.WithRequesterLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wstransport.WithRequester(r))
	}

	return wstransport.New(wstransport.Config{
		URL:              cc.URL,
		Header:           header,
		HandshakeTimeout: cc.HandshakeTimeout,
		PingInterval:     cc.PingInterval,
		PingTimeout:      cc.PingTimeout,
		WriteTimeout:     cc.WriteTimeout,
		RequestTimeout:   cc.RequestTimeout,
	}, opts...), nil
}

// interceptors returns the configured chain, outermost first.
func interceptors(cc config.ConnectionConfig, logger *slog.Logger) []livesync.Interceptor {
	chain := []livesync.Interceptor{
		livesync.LoggingInterceptor(logger),
		livesync.RetryInterceptor(livesync.RetryPolicy{
			MaxAttempts: cc.RetryAttempts,
			BaseDelay:   cc.ReconnectBaseDelay,
			MaxDelay:    cc.ReconnectMaxDelay,
		}),
	}
	if cc.Token != "" {
		token := cc.Token
		chain = append(chain, livesync.AuthInterceptor(
			livesync.TokenSourceFunc(func(context.Context) (string, error) { return token, nil }),
			livesync.AuthOptions{},
		))
	}
	if cc.RateLimit > 0 {
		chain = append(chain, livesync.RateLimitInterceptor(rate.NewLimiter(rate.Limit(cc.RateLimit), cc.RateBurst)))
	}
	return chain
}

func clientOptions(cfg *config.Config, logger *slog.Logger) []livesync.Option {
	return []livesync.Option{
		livesync.WithLogger(logger),
		livesync.WithReconnectionPolicy(reconnectionPolicy(cfg.Connection)),
		livesync.WithQualityInterval(cfg.Connection.QualityInterval),
		livesync.WithRequestTimeout(cfg.Connection.RequestTimeout),
		livesync.WithMutationTimeout(cfg.Client.MutationTimeout),
		livesync.WithObserverBuffer(cfg.Client.ObserverBuffer),
		livesync.WithCacheSize(cfg.Client.CacheMaxEntries),
		livesync.WithInterceptors(interceptors(cfg.Connection, logger)...),
		livesync.WithBackoffHook(func(attempt int, delay time.Duration) {
			logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		}),
	}
}

// newClient wires a client from cfg. The returned registry is nil unless
// metrics are enabled.
func newClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*livesync.Client, *prometheus.Registry, error) {
	t, err := newTransport(cfg.Connection, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create transport: %w", err)
	}

	opts := clientOptions(cfg, logger)

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, livesync.WithMetrics(reg))
	}

	var snapshots *store.Postgres
	if cfg.Snapshot.Enabled {
		db := cfg.Snapshot.Database
		logger.Info("connecting to snapshot database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)
		pool, err := store.Connect(ctx, db)
		if err != nil {
			return nil, nil, err
		}
		snapshots = store.NewPostgres(pool, cfg.Snapshot.ClientID)
		if err := snapshots.EnsureSchema(ctx); err != nil {
			snapshots.Close()
			return nil, nil, err
		}
		opts = append(opts, livesync.WithStore(snapshots, livesync.PersisterConfig{
			BatchSize:     cfg.Snapshot.BatchSize,
			FlushInterval: cfg.Snapshot.FlushInterval,
			BufferSize:    cfg.Snapshot.BufferSize,
		}))
	}

	client, err := livesync.New(t, opts...)
	if err != nil {
		if snapshots != nil {
			snapshots.Close()
		}
		return nil, nil, err
	}
	return client, reg, nil
}
