// Package config loads the livesync YAML configuration.
//
// Files support ${VAR} environment variable interpolation. Load reads a
// file as-is, LoadWithDefaults fills unset fields, LoadAndValidate also
// checks the result.
package config

import "time"

// Config is the root configuration of a livesync client process.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Client     ClientConfig     `yaml:"client"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ConnectionConfig holds transport and reconnection settings.
type ConnectionConfig struct {
	URL     string `yaml:"url"`      // websocket endpoint (ws:// or wss://)
	HTTPURL string `yaml:"http_url"` // optional base URL for one-shot requests over HTTP
	Token   string `yaml:"token"`    // bearer token sent with every request

	// MaxAttempts is the number of failed opens before giving up; -1
	// retries forever.
	MaxAttempts        int           `yaml:"max_attempts"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ConstantBackoff    bool          `yaml:"constant_backoff"`
	NoJitter           bool          `yaml:"no_jitter"`

	QualityInterval  time.Duration `yaml:"quality_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`

	// RetryAttempts applies to queries and actions only.
	RetryAttempts int     `yaml:"retry_attempts"`
	RateLimit     float64 `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst     int     `yaml:"rate_burst"`
}

// ClientConfig holds in-process client settings.
type ClientConfig struct {
	MutationTimeout time.Duration `yaml:"mutation_timeout"`
	ObserverBuffer  int           `yaml:"observer_buffer"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`
}

// SnapshotConfig controls persistence of the query cache.
type SnapshotConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ClientID      string        `yaml:"client_id"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
