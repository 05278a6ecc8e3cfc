package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if !c.Exchanges.Hyperliquid.Enabled && !c.Exchanges.Lighter.Enabled {
		return errors.New("at least one exchange must be enabled")
	}

	if err := c.Connection.validate(); err != nil {
		return err
	}

	if c.Writer.BatchSize < 1 {
		return errors.New("writer.batch_size must be >= 1")
	}
	if c.Writer.BufferSize < 1 {
		return errors.New("writer.buffer_size must be >= 1")
	}
	if c.Writer.FlushInterval <= 0 {
		return errors.New("writer.flush_interval must be positive")
	}

	// The postgres section is only needed when updates are persisted.
	if c.Writer.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

func (cc *ConnectionConfig) validate() error {
	for name, d := range map[string]int64{
		"connection.ping_interval":        int64(cc.PingInterval),
		"connection.idle_timeout":         int64(cc.IdleTimeout),
		"connection.watchdog_tick":        int64(cc.WatchdogTick),
		"connection.reconnect_base_delay": int64(cc.ReconnectBaseDelay),
		"connection.reconnect_max_delay":  int64(cc.ReconnectMaxDelay),
		"connection.handshake_timeout":    int64(cc.HandshakeTimeout),
		"connection.write_timeout":        int64(cc.WriteTimeout),
		"connection.map_fetch_backoff":    int64(cc.MapFetchBackoff),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cc.IdleTimeout <= cc.WatchdogTick {
		return fmt.Errorf("connection.idle_timeout (%v) must exceed watchdog_tick (%v)",
			cc.IdleTimeout, cc.WatchdogTick)
	}
	if cc.ReconnectBaseDelay > cc.ReconnectMaxDelay {
		return fmt.Errorf("connection.reconnect_base_delay (%v) cannot exceed reconnect_max_delay (%v)",
			cc.ReconnectBaseDelay, cc.ReconnectMaxDelay)
	}
	if cc.BufferSize < 1 {
		return errors.New("connection.buffer_size must be >= 1")
	}
	if cc.MapFetchRetries < 1 {
		return errors.New("connection.map_fetch_retries must be >= 1")
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
