// Package lighter streams perpetual market stats from the Lighter zk
// exchange. One subscription covers every market; inbound frames carry a
// batch of per-market stats keyed by market ID, which the REST funding
// rates endpoint resolves to symbols.
package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
)

const (
	// DefaultStreamURL is the mainnet WebSocket endpoint.
	DefaultStreamURL = "wss://mainnet.zklighter.elliot.ai/stream"

	// DefaultAPIURL is the mainnet REST base URL.
	DefaultAPIURL = "https://mainnet.zklighter.elliot.ai"

	fundingRatesPath = "/api/v1/funding-rates"
	statsChannel     = "market_stats/all"
)

// Adapter implements supervisor.Adapter for Lighter.
type Adapter struct {
	streamURL string
	http      *resty.Client
	logger    *slog.Logger
}

// New creates an adapter against the mainnet endpoints.
func New(logger *slog.Logger) *Adapter {
	return NewWithEndpoints(DefaultStreamURL, DefaultAPIURL, logger)
}

// NewWithEndpoints creates an adapter against explicit endpoints.
func NewWithEndpoints(streamURL, apiURL string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		streamURL: streamURL,
		http:      resty.New().SetBaseURL(apiURL).SetTimeout(10 * time.Second),
		logger:    logger.With("exchange", model.ExchangeLighter),
	}
}

func (a *Adapter) Exchange() model.Exchange { return model.ExchangeLighter }

func (a *Adapter) StreamURL() string { return a.streamURL }

// FetchMarketMap resolves market IDs to symbols via the funding rates
// endpoint. The response repeats a market ID once per external venue; the
// symbol is identical across rows so overwrites are harmless.
func (a *Adapter) FetchMarketMap(ctx context.Context) (model.MarketMap, error) {
	var resp struct {
		Code         int `json:"code"`
		FundingRates []struct {
			MarketID int64  `json:"market_id"`
			Exchange string `json:"exchange"`
			Symbol   string `json:"symbol"`
		} `json:"funding_rates"`
	}

	r, err := a.http.R().SetContext(ctx).SetResult(&resp).Get(fundingRatesPath)
	if err != nil {
		return nil, fmt.Errorf("get funding rates: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("get funding rates: %s", r.Status())
	}

	mm := make(model.MarketMap, len(resp.FundingRates))
	for _, fr := range resp.FundingRates {
		mm[fr.MarketID] = fr.Symbol
	}

	a.logger.Debug("market map fetched", "rows", len(resp.FundingRates), "markets", len(mm))
	return mm, nil
}

// SubscribePayloads returns the single all-markets subscription.
func (a *Adapter) SubscribePayloads(model.MarketMap) [][]byte {
	payload, _ := json.Marshal(map[string]string{
		"type":    "subscribe",
		"channel": statsChannel,
	})
	return [][]byte{payload}
}

type statsFrame struct {
	Channel string                `json:"channel"`
	Type    string                `json:"type"`
	Stats   map[string]marketStat `json:"stats"`
}

type marketStat struct {
	MarketID              int64   `json:"market_id"`
	IndexPrice            string  `json:"index_price"`
	MarkPrice             string  `json:"mark_price"`
	OpenInterest          string  `json:"open_interest"`
	CurrentFundingRate    string  `json:"current_funding_rate"`
	DailyQuoteTokenVolume float64 `json:"daily_quote_token_volume"`
}

// Decode parses one stats frame into updates. Connection acks and
// subscription confirmations carry no stats and are ignorable.
func (a *Adapter) Decode(data []byte, mm model.MarketMap) ([]model.MarketUpdate, error) {
	var frame statsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	if !strings.HasPrefix(frame.Channel, "market_stats") || len(frame.Stats) == 0 {
		return nil, nil
	}

	updates := make([]model.MarketUpdate, 0, len(frame.Stats))
	for key, stat := range frame.Stats {
		mark, err := dec(stat.MarkPrice)
		if err != nil {
			return nil, fmt.Errorf("market %s: mark_price %q: %w", key, stat.MarkPrice, err)
		}
		index, err := dec(stat.IndexPrice)
		if err != nil {
			return nil, fmt.Errorf("market %s: index_price %q: %w", key, stat.IndexPrice, err)
		}
		funding, err := dec(stat.CurrentFundingRate)
		if err != nil {
			return nil, fmt.Errorf("market %s: current_funding_rate %q: %w", key, stat.CurrentFundingRate, err)
		}
		oi, err := dec(stat.OpenInterest)
		if err != nil {
			return nil, fmt.Errorf("market %s: open_interest %q: %w", key, stat.OpenInterest, err)
		}

		updates = append(updates, model.MarketUpdate{
			Exchange:     model.ExchangeLighter,
			Symbol:       resolveSymbol(key, stat.MarketID, mm),
			MarkPrice:    mark,
			IndexPrice:   index,
			FundingRate:  funding,
			OpenInterest: oi,
			Volume24h:    decimal.NewFromFloat(stat.DailyQuoteTokenVolume),
		})
	}

	return updates, nil
}

// resolveSymbol maps one stats entry to its symbol. The feed keys entries
// by numeric market ID, which resolves through the market map; a
// non-numeric key is already a symbol.
func resolveSymbol(key string, marketID int64, mm model.MarketMap) string {
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return mm.SymbolOrUnknown(id)
	}
	if key != "" {
		return key
	}
	return mm.SymbolOrUnknown(marketID)
}

// dec parses a decimal field, treating absence as zero.
func dec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}
