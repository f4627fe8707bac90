package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultMaxAttempts        = 10
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultQualityInterval    = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPingTimeout        = 45 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultRetryAttempts      = 3
	DefaultMutationTimeout    = 30 * time.Second
	DefaultObserverBuffer     = 64
	DefaultCacheMaxEntries    = 1024
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 2 * time.Second
	DefaultBufferSize         = 4096
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	conn := &c.Connection
	if conn.MaxAttempts == 0 {
		conn.MaxAttempts = DefaultMaxAttempts
	}
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.QualityInterval == 0 {
		conn.QualityInterval = DefaultQualityInterval
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conn.PingInterval == 0 {
		conn.PingInterval = DefaultPingInterval
	}
	if conn.PingTimeout == 0 {
		conn.PingTimeout = DefaultPingTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.RequestTimeout == 0 {
		conn.RequestTimeout = DefaultRequestTimeout
	}
	if conn.RetryAttempts == 0 {
		conn.RetryAttempts = DefaultRetryAttempts
	}
	if conn.RateLimit > 0 && conn.RateBurst == 0 {
		conn.RateBurst = 1
	}

	if c.Client.MutationTimeout == 0 {
		c.Client.MutationTimeout = DefaultMutationTimeout
	}
	if c.Client.ObserverBuffer == 0 {
		c.Client.ObserverBuffer = DefaultObserverBuffer
	}
	if c.Client.CacheMaxEntries == 0 {
		c.Client.CacheMaxEntries = DefaultCacheMaxEntries
	}

	applyDBDefaults(&c.Snapshot.Database)
	if c.Snapshot.BatchSize == 0 {
		c.Snapshot.BatchSize = DefaultBatchSize
	}
	if c.Snapshot.FlushInterval == 0 {
		c.Snapshot.FlushInterval = DefaultFlushInterval
	}
	if c.Snapshot.BufferSize == 0 {
		c.Snapshot.BufferSize = DefaultBufferSize
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
