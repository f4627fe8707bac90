package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/livesync"
	"github.com/rickgao/livesync/internal/config"
)

type statsSource interface {
	Stats() livesync.Stats
	LastError() error
}

// serveStatus runs the health and metrics server until ctx is done.
func serveStatus(ctx context.Context, cfg config.MetricsConfig, src statsSource, gatherer prometheus.Gatherer, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newStatusHandler(src, gatherer, cfg.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting status server", "port", cfg.Port, "metrics_path", cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown", "error", err)
	}
	return nil
}

type healthResponse struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	Quality       string `json:"quality"`
	LastError     string `json:"last_error,omitempty"`
	Subscriptions int    `json:"subscriptions"`
	Observers     int    `json:"observers"`
	Pending       int    `json:"pending_mutations"`
	CacheEntries  int    `json:"cache_entries"`
}

func newStatusHandler(src statsSource, gatherer prometheus.Gatherer, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s := src.Stats()
		health := healthResponse{
			Status:        "healthy",
			State:         s.State.String(),
			Quality:       s.Quality.String(),
			Subscriptions: s.Subscriptions.Subscriptions,
			Observers:     s.Subscriptions.Observers,
			Pending:       s.Mutations.Queued,
			CacheEntries:  s.Cache.Active + s.Cache.Inactive,
		}
		if err := src.LastError(); err != nil {
			health.LastError = err.Error()
		}
		switch s.State {
		case livesync.Connected:
		case livesync.Disconnected:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	if gatherer != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}
