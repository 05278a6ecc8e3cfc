// Package config loads and validates the streamer's YAML configuration.
package config

import "time"

// StreamerConfig is the root configuration for a streamer instance.
type StreamerConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Exchanges  ExchangesConfig  `yaml:"exchanges"`
	Connection ConnectionConfig `yaml:"connection"`
	Writer     WriterConfig     `yaml:"writer"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ExchangesConfig holds the per-exchange sections. At least one exchange
// must be enabled.
type ExchangesConfig struct {
	Hyperliquid ExchangeConfig `yaml:"hyperliquid"`
	Lighter     ExchangeConfig `yaml:"lighter"`
}

// ExchangeConfig enables one exchange feed. Empty URLs mean the exchange
// adapter's mainnet defaults.
type ExchangeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StreamURL string `yaml:"stream_url"`
	APIURL    string `yaml:"api_url"`
}

// ConnectionConfig holds connection lifecycle timings, shared by every
// enabled exchange.
type ConnectionConfig struct {
	PingInterval       time.Duration `yaml:"ping_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	WatchdogTick       time.Duration `yaml:"watchdog_tick"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
	MapFetchRetries    int           `yaml:"map_fetch_retries"`
	MapFetchBackoff    time.Duration `yaml:"map_fetch_backoff"`
}

// WriterConfig holds batch writer settings. The writer needs the postgres
// section when enabled.
type WriterConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DatabaseConfig holds the Postgres connection for persisted updates.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
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

// NATSConfig holds the optional NATS fan-out sink.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig holds the health/metrics HTTP endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
