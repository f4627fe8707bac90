package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := c.Connection.validate("connection"); err != nil {
		return err
	}

	if c.Client.MutationTimeout <= 0 {
		return errors.New("client.mutation_timeout must be > 0")
	}
	if c.Client.ObserverBuffer < 1 {
		return errors.New("client.observer_buffer must be >= 1")
	}
	if c.Client.CacheMaxEntries < 1 {
		return errors.New("client.cache_max_entries must be >= 1")
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.ClientID == "" {
			return errors.New("snapshot.client_id is required when snapshot is enabled")
		}
		if err := c.Snapshot.Database.validate("snapshot.database"); err != nil {
			return err
		}
		if c.Snapshot.BatchSize < 1 {
			return errors.New("snapshot.batch_size must be >= 1")
		}
		if c.Snapshot.BufferSize < 1 {
			return errors.New("snapshot.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func (cc *ConnectionConfig) validate(prefix string) error {
	if cc.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	u, err := url.Parse(cc.URL)
	if err != nil {
		return fmt.Errorf("%s.url: %w", prefix, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%s.url must use ws or wss, got %q", prefix, u.Scheme)
	}
	if cc.HTTPURL != "" {
		h, err := url.Parse(cc.HTTPURL)
		if err != nil {
			return fmt.Errorf("%s.http_url: %w", prefix, err)
		}
		if h.Scheme != "http" && h.Scheme != "https" {
			return fmt.Errorf("%s.http_url must use http or https, got %q", prefix, h.Scheme)
		}
	}

	if cc.MaxAttempts == 0 || cc.MaxAttempts < -1 {
		return fmt.Errorf("%s.max_attempts must be >= 1 or -1, got %d", prefix, cc.MaxAttempts)
	}
	if cc.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("%s.reconnect_base_delay must be > 0", prefix)
	}
	if cc.ReconnectMaxDelay < cc.ReconnectBaseDelay {
		return fmt.Errorf("%s.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			prefix, cc.ReconnectMaxDelay, cc.ReconnectBaseDelay)
	}
	if cc.PingTimeout <= cc.PingInterval {
		return fmt.Errorf("%s.ping_timeout (%v) must exceed ping_interval (%v)", prefix, cc.PingTimeout, cc.PingInterval)
	}
	if cc.RetryAttempts < 1 {
		return fmt.Errorf("%s.retry_attempts must be >= 1", prefix)
	}
	if cc.RateLimit < 0 {
		return fmt.Errorf("%s.rate_limit must be >= 0", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
