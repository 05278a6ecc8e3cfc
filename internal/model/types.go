package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange identifies the source venue of a market update.
type Exchange string

const (
	ExchangeHyperliquid Exchange = "hyperliquid"
	ExchangeLighter     Exchange = "lighter"
)

// MarketUpdate is the normalized, exchange-agnostic market-data event handed
// to downstream consumers. Immutable once constructed.
type MarketUpdate struct {
	Exchange Exchange `json:"exchange"` // Source venue
	Symbol   string   `json:"symbol"`   // Canonical symbol (e.g. "BTC-PERP")

	MarkPrice    decimal.Decimal `json:"mark_price"`    // Mark / oracle price
	IndexPrice   decimal.Decimal `json:"index_price"`   // Index price (zero if the venue omits it)
	FundingRate  decimal.Decimal `json:"funding_rate"`  // Current funding rate
	OpenInterest decimal.Decimal `json:"open_interest"` // Open interest in base units
	Volume24h    decimal.Decimal `json:"volume_24h"`    // 24h quote volume (zero if the venue omits it)

	ReceivedAt time.Time `json:"received_at"` // Local timestamp when the frame was read
	SessionID  uuid.UUID `json:"session_id"`  // Connection session that produced this update
}

// MarketMap resolves exchange-native market IDs to canonical symbols.
// Populated once per supervisor session from a REST call; read-only during
// decoding and only ever replaced wholesale, never mutated in place.
type MarketMap map[int64]string

// Symbol returns the canonical symbol for a market ID.
func (m MarketMap) Symbol(id int64) (string, bool) {
	sym, ok := m[id]
	return sym, ok
}

// SymbolOrUnknown resolves a market ID, falling back to a synthetic
// "UNKNOWN_<id>" symbol so an out-of-map market is visible downstream
// instead of silently dropped.
func (m MarketMap) SymbolOrUnknown(id int64) string {
	if sym, ok := m[id]; ok {
		return sym
	}
	return fmt.Sprintf("UNKNOWN_%d", id)
}
