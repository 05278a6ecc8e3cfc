package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/model"
)

// Errors
var (
	ErrIdleTimeout    = errors.New("idle timeout (no inbound frames)")
	ErrEmptyMarketMap = errors.New("market map is empty")
)

// State is the connection lifecycle state. Transitions are strictly
// sequential; exactly one live transport exists while StateConnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name for logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Adapter supplies the exchange-specific capabilities the supervisor is
// written against. Adapters are immutable values; the supervisor never
// calls them concurrently with themselves.
type Adapter interface {
	// Exchange returns the source tag stamped on every update.
	Exchange() model.Exchange

	// StreamURL returns the WebSocket endpoint to dial.
	StreamURL() string

	// FetchMarketMap performs the one-time REST call that resolves
	// exchange-native market IDs to symbols. Called before the first
	// connection attempt; an error here is fatal for the exchange.
	FetchMarketMap(ctx context.Context) (model.MarketMap, error)

	// SubscribePayloads returns the subscribe frames to send after the
	// handshake, in order.
	SubscribePayloads(m model.MarketMap) [][]byte

	// Decode parses one inbound text frame into zero or more updates.
	// (nil, nil) marks an ignorable control/ack frame. A non-nil error is
	// data-local: the frame is logged and skipped, the connection stays up.
	// ReceivedAt and SessionID are stamped by the supervisor.
	Decode(data []byte, m model.MarketMap) ([]model.MarketUpdate, error)
}

// Config holds supervisor timing and retry settings.
type Config struct {
	PingInterval       time.Duration // Keepalive ping cadence while connected
	IdleTimeout        time.Duration // Max silence before forcing a reconnect
	WatchdogTick       time.Duration // Idle check cadence (shorter than IdleTimeout)
	ReconnectBaseDelay time.Duration // First backoff delay
	ReconnectMaxDelay  time.Duration // Backoff cap
	HandshakeTimeout   time.Duration // WebSocket dial deadline
	WriteTimeout       time.Duration // Write deadline for sends and pings
	BufferSize         int           // Transport message buffer size
	MapFetchRetries    int           // Bounded attempts for the market map fetch
	MapFetchBackoff    time.Duration // Delay between map fetch attempts
	PreviewBytes       int           // Truncation budget for decode-failure previews
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		PingInterval:       30 * time.Second,
		IdleTimeout:        60 * time.Second,
		WatchdogTick:       5 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       5 * time.Second,
		BufferSize:         1000,
		MapFetchRetries:    3,
		MapFetchBackoff:    1 * time.Second,
		PreviewBytes:       300,
	}
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Exchange       model.Exchange
	State          State
	Attempt        int
	SessionID      uuid.UUID
	UpdatesEmitted int64
	DecodeFailures int64
	LastConnectAt  time.Time
}
