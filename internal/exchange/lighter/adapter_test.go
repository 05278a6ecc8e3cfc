package lighter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rickgao/marketstream/internal/model"
)

func TestAdapter_FetchMarketMap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/funding-rates" {
			t.Errorf("path = %q, want /api/v1/funding-rates", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"code": 200,
			"funding_rates": [
				{"market_id": 0, "exchange": "lighter", "symbol": "ETH", "rate": 0.0001},
				{"market_id": 0, "exchange": "binance", "symbol": "ETH", "rate": 0.0002},
				{"market_id": 1, "exchange": "lighter", "symbol": "BTC", "rate": 0.0001}
			]
		}`))
	}))
	defer server.Close()

	adapter := NewWithEndpoints(DefaultStreamURL, server.URL, nil)

	mm, err := adapter.FetchMarketMap(context.Background())
	if err != nil {
		t.Fatalf("FetchMarketMap: %v", err)
	}
	if len(mm) != 2 {
		t.Errorf("map size = %d, want 2 (duplicate market IDs collapse)", len(mm))
	}
	if sym, _ := mm.Symbol(0); sym != "ETH" {
		t.Errorf("market 0 = %q, want ETH", sym)
	}
	if sym, _ := mm.Symbol(1); sym != "BTC" {
		t.Errorf("market 1 = %q, want BTC", sym)
	}
}

func TestAdapter_FetchMarketMapServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := NewWithEndpoints(DefaultStreamURL, server.URL, nil)

	if _, err := adapter.FetchMarketMap(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestAdapter_SubscribePayloads(t *testing.T) {
	adapter := New(nil)

	payloads := adapter.SubscribePayloads(model.MarketMap{1: "BTC"})
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(payloads))
	}

	var msg struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(payloads[0], &msg); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if msg.Type != "subscribe" || msg.Channel != "market_stats/all" {
		t.Errorf("payload = %s", payloads[0])
	}
}

func TestAdapter_DecodeStatsFrame(t *testing.T) {
	frame := []byte(`{
		"channel": "market_stats/all",
		"type": "update/market_stats",
		"stats": {
			"1": {
				"market_id": 1,
				"index_price": "64998.2",
				"mark_price": "65001.5",
				"open_interest": "1250000.00",
				"current_funding_rate": "0.0000125",
				"daily_quote_token_volume": 98765432.1
			}
		}
	}`)

	adapter := New(nil)
	mm := model.MarketMap{1: "BTC"}

	updates, err := adapter.Decode(frame, mm)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}

	u := updates[0]
	if u.Exchange != model.ExchangeLighter {
		t.Errorf("Exchange = %q, want %q", u.Exchange, model.ExchangeLighter)
	}
	if u.Symbol != "BTC" {
		t.Errorf("Symbol = %q, want BTC", u.Symbol)
	}
	if u.MarkPrice.String() != "65001.5" {
		t.Errorf("MarkPrice = %s, want 65001.5", u.MarkPrice)
	}
	if u.IndexPrice.String() != "64998.2" {
		t.Errorf("IndexPrice = %s, want 64998.2", u.IndexPrice)
	}
	if u.FundingRate.String() != "0.0000125" {
		t.Errorf("FundingRate = %s, want 0.0000125", u.FundingRate)
	}
	if u.OpenInterest.String() != "1250000" {
		t.Errorf("OpenInterest = %s, want 1250000", u.OpenInterest)
	}
}

func TestAdapter_DecodeSymbolKeyedFrame(t *testing.T) {
	// Some stats frames key entries by symbol instead of market ID.
	frame := []byte(`{
		"channel": "market_stats/all",
		"stats": {
			"BTC-PERP": {
				"mark_price": "65001.5",
				"current_funding_rate": "0.0000125"
			}
		}
	}`)

	adapter := New(nil)

	updates, err := adapter.Decode(frame, model.MarketMap{1: "BTC"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(updates))
	}
	if updates[0].Symbol != "BTC-PERP" {
		t.Errorf("Symbol = %q, want BTC-PERP (non-numeric key is the symbol)", updates[0].Symbol)
	}
	if updates[0].MarkPrice.String() != "65001.5" {
		t.Errorf("MarkPrice = %s, want 65001.5", updates[0].MarkPrice)
	}
	// Absent numeric fields parse as zero.
	if !updates[0].OpenInterest.IsZero() {
		t.Errorf("OpenInterest = %s, want 0", updates[0].OpenInterest)
	}
}

func TestAdapter_DecodeUnknownMarketFallsBack(t *testing.T) {
	frame := []byte(`{
		"channel": "market_stats/all",
		"stats": {
			"42": {
				"market_id": 42,
				"index_price": "1",
				"mark_price": "1",
				"open_interest": "0",
				"current_funding_rate": "0",
				"daily_quote_token_volume": 0
			}
		}
	}`)

	adapter := New(nil)

	updates, err := adapter.Decode(frame, model.MarketMap{1: "BTC"})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if updates[0].Symbol != "UNKNOWN_42" {
		t.Errorf("Symbol = %q, want UNKNOWN_42", updates[0].Symbol)
	}
}

func TestAdapter_DecodeIgnorableFrames(t *testing.T) {
	adapter := New(nil)
	mm := model.MarketMap{1: "BTC"}

	for _, frame := range []string{
		`{"type":"connected"}`,
		`{"type":"subscribed/market_stats/all","channel":"market_stats/all"}`,
		`{"channel":"market_stats/all","stats":{}}`,
	} {
		updates, err := adapter.Decode([]byte(frame), mm)
		if err != nil {
			t.Errorf("Decode(%s): unexpected error %v", frame, err)
		}
		if updates != nil {
			t.Errorf("Decode(%s) = %v, want nil (ignorable)", frame, updates)
		}
	}
}

func TestAdapter_DecodeErrors(t *testing.T) {
	adapter := New(nil)
	mm := model.MarketMap{1: "BTC"}

	for _, frame := range []string{
		`not json`,
		`{"channel":"market_stats/all","stats":{"1":{"market_id":1,"mark_price":"garbage","index_price":"1","open_interest":"0","current_funding_rate":"0"}}}`,
	} {
		if _, err := adapter.Decode([]byte(frame), mm); err == nil {
			t.Errorf("Decode(%s): expected error", frame)
		}
	}
}
