// Package publish implements the optional NATS fan-out sink. Every update
// is JSON-encoded and published to <prefix>.<exchange>.<symbol>, so
// downstream consumers can subscribe per exchange or per market.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rickgao/marketstream/internal/model"
)

// PublisherConfig holds NATS sink settings.
type PublisherConfig struct {
	URL           string
	SubjectPrefix string
	Name          string // client name, visible in NATS monitoring
}

// Publisher publishes market updates to NATS.
type Publisher struct {
	cfg    PublisherConfig
	logger *slog.Logger
	nc     *nats.Conn

	mu        sync.Mutex
	published int64
	errors    int64
}

// PublisherStats is a snapshot of publish counters.
type PublisherStats struct {
	Published int64
	Errors    int64
}

// Connect creates a Publisher connected to the configured server. The
// client reconnects on its own; publishes during an outage fail and are
// counted, not retried.
func Connect(cfg PublisherConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{cfg: cfg, logger: logger}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p.nc = nc

	logger.Info("nats publisher connected", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	return p, nil
}

// Publish sends one update. Failures are logged and counted; the stream
// must not stall on a slow or absent broker.
func (p *Publisher) Publish(update model.MarketUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		p.countError()
		p.logger.Error("encode update", "error", err)
		return
	}

	subject := subjectFor(p.cfg.SubjectPrefix, update)
	if err := p.nc.Publish(subject, data); err != nil {
		p.countError()
		p.logger.Warn("publish failed", "subject", subject, "error", err)
		return
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
}

// Stats returns current counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublisherStats{Published: p.published, Errors: p.errors}
}

// Close drains buffered messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

func (p *Publisher) countError() {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
}

// subjectFor builds the publish subject. Symbols never contain NATS
// token separators, but sanitize anyway so a hostile symbol cannot
// widen the subject.
func subjectFor(prefix string, update model.MarketUpdate) string {
	symbol := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(update.Symbol)
	return fmt.Sprintf("%s.%s.%s", prefix, update.Exchange, symbol)
}
