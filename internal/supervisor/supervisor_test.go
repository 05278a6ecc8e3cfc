package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
)

// testAdapter is a minimal exchange adapter for driving the supervisor
// against mock servers.
type testAdapter struct {
	url      string
	payloads [][]byte
	mapFn    func(ctx context.Context) (model.MarketMap, error)
}

func (a *testAdapter) Exchange() model.Exchange { return "test" }
func (a *testAdapter) StreamURL() string        { return a.url }

func (a *testAdapter) FetchMarketMap(ctx context.Context) (model.MarketMap, error) {
	if a.mapFn != nil {
		return a.mapFn(ctx)
	}
	return model.MarketMap{1: "BTC-PERP"}, nil
}

func (a *testAdapter) SubscribePayloads(model.MarketMap) [][]byte {
	if a.payloads != nil {
		return a.payloads
	}
	return [][]byte{[]byte(`{"type":"subscribe","channel":"test"}`)}
}

func (a *testAdapter) Decode(data []byte, mm model.MarketMap) ([]model.MarketUpdate, error) {
	var frame struct {
		Type     string `json:"type"`
		MarketID int64  `json:"market_id"`
		Price    string `json:"price"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.Price == "" {
		// Control/ack frame: ignorable.
		return nil, nil
	}
	price, err := decimal.NewFromString(frame.Price)
	if err != nil {
		return nil, err
	}
	return []model.MarketUpdate{{
		Exchange:  "test",
		Symbol:    mm.SymbolOrUnknown(frame.MarketID),
		MarkPrice: price,
	}}, nil
}

// mockStreamServer upgrades connections and hands them to handler.
// Returns the server and a counter of accepted connections.
func mockStreamServer(t *testing.T, handler func(conn *websocket.Conn, n int)) (*httptest.Server, *atomic.Int64) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	var conns atomic.Int64

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, int(conns.Add(1)))
	}))

	return server, &conns
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// fastConfig returns timings suitable for tests.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	cfg.IdleTimeout = 400 * time.Millisecond
	cfg.WatchdogTick = 20 * time.Millisecond
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.MapFetchBackoff = 5 * time.Millisecond
	return cfg
}

func TestSupervisor_EmitsUpdatesAndSurvivesBadFrames(t *testing.T) {
	frames := []string{
		`{"market_id":1,"price":"42500.5"}`,
		`not json at all`,
		`{"type":"ack"}`,
		`{"market_id":7,"price":"3100.25"}`,
	}

	server, _ := mockStreamServer(t, func(conn *websocket.Conn, n int) {
		// Consume the subscribe frame first.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open.
		conn.ReadMessage()
	})
	defer server.Close()

	out := make(chan model.MarketUpdate, 16)
	sup := New(fastConfig(), &testAdapter{url: wsURL(server)}, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	var updates []model.MarketUpdate
	timeout := time.After(2 * time.Second)
	for len(updates) < 2 {
		select {
		case u := <-out:
			updates = append(updates, u)
		case <-timeout:
			t.Fatalf("timeout: got %d updates, want 2", len(updates))
		}
	}

	if updates[0].Symbol != "BTC-PERP" {
		t.Errorf("Symbol = %q, want BTC-PERP (resolved via market map)", updates[0].Symbol)
	}
	if updates[1].Symbol != "UNKNOWN_7" {
		t.Errorf("Symbol = %q, want UNKNOWN_7 fallback", updates[1].Symbol)
	}
	for i, u := range updates {
		if u.SessionID == uuid.Nil {
			t.Errorf("update %d: SessionID is nil", i)
		}
		if u.ReceivedAt.IsZero() {
			t.Errorf("update %d: ReceivedAt is zero", i)
		}
	}
	if updates[0].SessionID != updates[1].SessionID {
		t.Error("updates within one session should share a SessionID")
	}

	stats := sup.Stats()
	if stats.State != StateConnected {
		t.Errorf("State = %v, want connected (bad frames must not kill the connection)", stats.State)
	}
	if stats.DecodeFailures != 1 {
		t.Errorf("DecodeFailures = %d, want 1 (the ack frame is ignorable, not a failure)", stats.DecodeFailures)
	}
	if stats.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1 after a successful connection", stats.Attempt)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if sup.State() != StateDisconnected {
		t.Errorf("State after shutdown = %v, want disconnected", sup.State())
	}
}

func TestSupervisor_SendsSubscribePayload(t *testing.T) {
	got := make(chan []byte, 1)

	server, _ := mockStreamServer(t, func(conn *websocket.Conn, n int) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		got <- msg
		conn.ReadMessage()
	})
	defer server.Close()

	payload := []byte(`{"type":"subscribe","channel":"market_stats/all"}`)
	adapter := &testAdapter{url: wsURL(server), payloads: [][]byte{payload}}

	out := make(chan model.MarketUpdate, 1)
	sup := New(fastConfig(), adapter, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	select {
	case msg := <-got:
		if string(msg) != string(payload) {
			t.Errorf("subscribe payload = %q, want %q", msg, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscribe payload")
	}
}

func TestSupervisor_IdleTimeoutForcesReconnect(t *testing.T) {
	// Each connection delivers one frame then goes silent. The idle watchdog
	// must force exactly one reconnect per silent gap.
	server, conns := mockStreamServer(t, func(conn *websocket.Conn, n int) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"market_id":1,"price":"1.0"}`))
		// Silence: wait for the client to give up and disconnect.
		conn.ReadMessage()
	})
	defer server.Close()

	cfg := fastConfig()
	cfg.IdleTimeout = 150 * time.Millisecond
	cfg.PingInterval = time.Hour // Keep pings out of this test.

	out := make(chan model.MarketUpdate, 16)
	sup := New(cfg, &testAdapter{url: wsURL(server)}, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	var first, second model.MarketUpdate
	select {
	case first = <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first session's update")
	}
	select {
	case second = <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reconnect after idle timeout")
	}

	if first.SessionID == second.SessionID {
		t.Error("SessionID should change across a reconnect")
	}
	if n := conns.Load(); n < 2 {
		t.Errorf("connections = %d, want >= 2", n)
	}
}

func TestSupervisor_PingsWhileConnected(t *testing.T) {
	var pings atomic.Int64

	server, _ := mockStreamServer(t, func(conn *websocket.Conn, n int) {
		conn.SetPingHandler(func(string) error {
			pings.Add(1)
			return nil
		})
		// Ping handlers only run while a read is pending.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := fastConfig()
	cfg.IdleTimeout = time.Hour // Server never sends; disable the watchdog.
	cfg.PingInterval = 50 * time.Millisecond

	out := make(chan model.MarketUpdate, 1)
	sup := New(cfg, &testAdapter{url: wsURL(server)}, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	time.Sleep(300 * time.Millisecond)

	if n := pings.Load(); n < 3 {
		t.Errorf("pings received = %d, want >= 3", n)
	}
}

func TestSupervisor_DialFailureRetries(t *testing.T) {
	// Nothing listens here; every attempt must fail and be retried.
	adapter := &testAdapter{url: "ws://127.0.0.1:1"}

	cfg := fastConfig()
	out := make(chan model.MarketUpdate, 1)
	sup := New(cfg, adapter, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Let a few attempts accumulate.
	deadline := time.After(2 * time.Second)
	for sup.Stats().Attempt < 3 {
		select {
		case <-deadline:
			t.Fatalf("Attempt = %d, want >= 3", sup.Stats().Attempt)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if state := sup.State(); state == StateConnected {
		t.Errorf("State = %v, must never be connected", state)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestSupervisor_EmptyMarketMapIsFatal(t *testing.T) {
	var fetches atomic.Int64

	server, conns := mockStreamServer(t, func(conn *websocket.Conn, n int) {
		conn.ReadMessage()
	})
	defer server.Close()

	adapter := &testAdapter{
		url: wsURL(server),
		mapFn: func(context.Context) (model.MarketMap, error) {
			fetches.Add(1)
			return model.MarketMap{}, nil
		},
	}

	cfg := fastConfig()
	out := make(chan model.MarketUpdate, 1)
	sup := New(cfg, adapter, out, nil)

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrEmptyMarketMap) {
		t.Fatalf("Run returned %v, want ErrEmptyMarketMap", err)
	}
	if n := fetches.Load(); n != int64(cfg.MapFetchRetries) {
		t.Errorf("fetch attempts = %d, want %d", n, cfg.MapFetchRetries)
	}
	if n := conns.Load(); n != 0 {
		t.Errorf("connections = %d, want 0 (no dial without a market map)", n)
	}
}

func TestSupervisor_MapFetchRecoversWithinRetryBudget(t *testing.T) {
	var fetches atomic.Int64

	server, _ := mockStreamServer(t, func(conn *websocket.Conn, n int) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	adapter := &testAdapter{
		url: wsURL(server),
		mapFn: func(context.Context) (model.MarketMap, error) {
			if fetches.Add(1) < 2 {
				return nil, errors.New("transient")
			}
			return model.MarketMap{1: "BTC-PERP"}, nil
		},
	}

	out := make(chan model.MarketUpdate, 1)
	sup := New(fastConfig(), adapter, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.After(2 * time.Second)
	for sup.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatalf("never connected; fetches = %d, state = %v", fetches.Load(), sup.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if n := fetches.Load(); n != 2 {
		t.Errorf("fetch attempts = %d, want 2", n)
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		current, max, want time.Duration
	}{
		{1 * time.Second, 60 * time.Second, 2 * time.Second},
		{16 * time.Second, 60 * time.Second, 32 * time.Second},
		{32 * time.Second, 60 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := nextBackoff(tt.current, tt.max); got != tt.want {
			t.Errorf("nextBackoff(%v, %v) = %v, want %v", tt.current, tt.max, got, tt.want)
		}
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("x", 400)
	got := preview([]byte(long), 300)
	if len(got) != 303 {
		t.Errorf("preview length = %d, want 303 (300 + ellipsis)", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated preview should end with ellipsis")
	}

	short := `{"type":"ack"}`
	if got := preview([]byte(short), 300); got != short {
		t.Errorf("preview(%q) = %q, want unchanged", short, got)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
