package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/model"
)

// Supervisor owns one exchange connection's full lifecycle.
type Supervisor struct {
	cfg     Config
	adapter Adapter
	out     chan<- model.MarketUpdate
	logger  *slog.Logger

	mu             sync.RWMutex
	state          State
	attempt        int
	sessionID      uuid.UUID
	marketMap      model.MarketMap
	updatesEmitted int64
	decodeFailures int64
	lastConnectAt  time.Time
}

// New creates a Supervisor for one exchange. Updates are sent on out, which
// may be shared by multiple supervisors; sends block under backpressure.
func New(cfg Config, adapter Adapter, out chan<- model.MarketUpdate, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		cfg:     cfg,
		adapter: adapter,
		out:     out,
		logger:  logger.With("exchange", adapter.Exchange()),
		state:   StateDisconnected,
	}
}

// Run drives the connection lifecycle until ctx is cancelled. Connection
// failures of every kind are retried with backoff and never returned; the
// only non-cancellation error is a failed market map fetch at startup.
func (s *Supervisor) Run(ctx context.Context) error {
	mm, err := s.fetchMarketMap(ctx)
	if err != nil {
		return fmt.Errorf("%s: fetch market map: %w", s.adapter.Exchange(), err)
	}

	s.mu.Lock()
	s.marketMap = mm
	s.mu.Unlock()

	payloads := s.adapter.SubscribePayloads(mm)

	backoff := s.cfg.ReconnectBaseDelay

	for {
		if ctx.Err() != nil {
			s.transition(StateDisconnected, "reason", "shutdown")
			return ctx.Err()
		}

		s.beginAttempt()

		client, err := s.connect(ctx, payloads)
		if err != nil {
			s.transition(StateReconnecting, "error", err, "backoff", backoff)
			if werr := s.wait(ctx, backoff); werr != nil {
				s.transition(StateDisconnected, "reason", "shutdown")
				return werr
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMaxDelay)
			continue
		}

		s.connected()
		backoff = s.cfg.ReconnectBaseDelay

		reason := s.session(ctx, client)
		client.Close()

		if ctx.Err() != nil {
			s.transition(StateDisconnected, "reason", "shutdown")
			return ctx.Err()
		}

		s.transition(StateReconnecting, "reason", reason, "backoff", backoff)
		if werr := s.wait(ctx, backoff); werr != nil {
			s.transition(StateDisconnected, "reason", "shutdown")
			return werr
		}
		backoff = nextBackoff(backoff, s.cfg.ReconnectMaxDelay)
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns a snapshot for health reporting.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Exchange:       s.adapter.Exchange(),
		State:          s.state,
		Attempt:        s.attempt,
		SessionID:      s.sessionID,
		UpdatesEmitted: s.updatesEmitted,
		DecodeFailures: s.decodeFailures,
		LastConnectAt:  s.lastConnectAt,
	}
}

// fetchMarketMap calls the adapter's fetch routine with bounded retries.
// An empty map is an error: without it no inbound message can be resolved.
func (s *Supervisor) fetchMarketMap(ctx context.Context) (model.MarketMap, error) {
	var lastErr error
	backoff := s.cfg.MapFetchBackoff

	for attempt := 1; attempt <= s.cfg.MapFetchRetries; attempt++ {
		if attempt > 1 {
			if err := s.wait(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMaxDelay)
		}

		mm, err := s.adapter.FetchMarketMap(ctx)
		if err == nil && len(mm) == 0 {
			err = ErrEmptyMarketMap
		}
		if err == nil {
			s.logger.Info("market map loaded", "markets", len(mm), "attempt", attempt)
			return mm, nil
		}

		lastErr = err
		s.logger.Warn("market map fetch failed",
			"attempt", attempt,
			"max_attempts", s.cfg.MapFetchRetries,
			"error", err,
		)
	}

	return nil, fmt.Errorf("after %d attempts: %w", s.cfg.MapFetchRetries, lastErr)
}

// beginAttempt enters StateConnecting and bumps the attempt counter.
func (s *Supervisor) beginAttempt() {
	s.mu.Lock()
	s.attempt++
	s.mu.Unlock()
	s.transition(StateConnecting)
}

// connected enters StateConnected, resets the attempt counter, and starts a
// new session ID so consumers can see the reconnect discontinuity.
func (s *Supervisor) connected() {
	s.mu.Lock()
	s.attempt = 1
	s.sessionID = uuid.New()
	s.lastConnectAt = time.Now()
	sid := s.sessionID
	s.mu.Unlock()
	s.transition(StateConnected, "session_id", sid)
}

// transition is the single authoritative state change point. Every reconnect
// trigger funnels through here, which is what prevents double-reconnects.
func (s *Supervisor) transition(to State, attrs ...any) {
	s.mu.Lock()
	from := s.state
	s.state = to
	attempt := s.attempt
	s.mu.Unlock()

	args := append([]any{"from", from, "to", to, "attempt", attempt}, attrs...)
	s.logger.Info("state transition", args...)
}

// connect dials the stream and sends the subscribe payloads. Handshake and
// subscribe-send failures are equivalent: both fail the attempt.
func (s *Supervisor) connect(ctx context.Context, payloads [][]byte) (connection.Client, error) {
	clientCfg := connection.ClientConfig{
		URL:              s.adapter.StreamURL(),
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WriteTimeout:     s.cfg.WriteTimeout,
		BufferSize:       s.cfg.BufferSize,
	}

	client := connection.NewClient(clientCfg, s.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	for _, payload := range payloads {
		if err := client.Send(payload); err != nil {
			client.Close()
			return nil, fmt.Errorf("send subscribe: %w", err)
		}
	}

	return client, nil
}

// session multiplexes the three event sources of a live connection: inbound
// frames, the keepalive ticker, and the watchdog ticker. It returns the
// reason the session ended; the caller decides what to do about it.
func (s *Supervisor) session(ctx context.Context, client connection.Client) error {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	watchdog := time.NewTicker(s.cfg.WatchdogTick)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-client.Errors():
			s.logger.Warn("transport error", "error", err)
			return fmt.Errorf("transport: %w", err)

		case msg, ok := <-client.Messages():
			if !ok {
				return connection.ErrStreamEnded
			}
			if err := s.handleFrame(ctx, msg); err != nil {
				return err
			}

		case <-ping.C:
			if err := client.Ping(); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return fmt.Errorf("ping: %w", err)
			}
			s.logger.Debug("ping sent")

		case <-watchdog.C:
			if idle := time.Since(client.LastActivity()); idle >= s.cfg.IdleTimeout {
				s.logger.Warn("idle timeout",
					"idle", idle,
					"timeout", s.cfg.IdleTimeout,
				)
				return fmt.Errorf("%w: idle %s", ErrIdleTimeout, idle.Truncate(time.Millisecond))
			}
		}
	}
}

// handleFrame decodes one frame and emits its updates. Decode failures are
// data-local: log a truncated preview and keep the connection. The only
// error returned is cancellation while blocked on the output channel.
func (s *Supervisor) handleFrame(ctx context.Context, msg connection.TimestampedMessage) error {
	s.mu.RLock()
	mm := s.marketMap
	sid := s.sessionID
	s.mu.RUnlock()

	updates, err := s.adapter.Decode(msg.Data, mm)
	if err != nil {
		s.mu.Lock()
		s.decodeFailures++
		s.mu.Unlock()

		s.logger.Warn("decode failed",
			"error", err,
			"preview", preview(msg.Data, s.cfg.PreviewBytes),
		)
		return nil
	}

	for i := range updates {
		updates[i].ReceivedAt = msg.ReceivedAt
		updates[i].SessionID = sid

		select {
		case s.out <- updates[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(updates) > 0 {
		s.mu.Lock()
		s.updatesEmitted += int64(len(updates))
		s.mu.Unlock()
	}

	return nil
}

// wait sleeps for d or until ctx is cancelled.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// preview truncates raw payload bytes for decode-failure logs.
func preview(data []byte, budget int) string {
	if len(data) <= budget {
		return string(data)
	}
	return string(data[:budget]) + "..."
}
