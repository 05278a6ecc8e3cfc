// Package hyperliquid streams perpetual asset contexts from Hyperliquid.
// Unlike Lighter there is no all-markets channel: each coin needs its own
// activeAssetCtx subscription, so the coin universe is fetched up front
// from the info endpoint.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/model"
)

const (
	// DefaultStreamURL is the mainnet WebSocket endpoint.
	DefaultStreamURL = "wss://api.hyperliquid.xyz/ws"

	// DefaultAPIURL is the mainnet REST base URL.
	DefaultAPIURL = "https://api.hyperliquid.xyz"

	infoPath = "/info"

	assetCtxChannel = "activeAssetCtx"
)

// Adapter implements supervisor.Adapter for Hyperliquid.
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
		logger:    logger.With("exchange", model.ExchangeHyperliquid),
	}
}

func (a *Adapter) Exchange() model.Exchange { return model.ExchangeHyperliquid }

func (a *Adapter) StreamURL() string { return a.streamURL }

// FetchMarketMap fetches the perp universe from the info endpoint. The
// asset index within the universe array is the market ID.
func (a *Adapter) FetchMarketMap(ctx context.Context) (model.MarketMap, error) {
	var resp struct {
		Universe []struct {
			Name       string `json:"name"`
			IsDelisted bool   `json:"isDelisted"`
		} `json:"universe"`
	}

	r, err := a.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"type": "meta"}).
		SetResult(&resp).
		Post(infoPath)
	if err != nil {
		return nil, fmt.Errorf("post meta: %w", err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("post meta: %s", r.Status())
	}

	mm := make(model.MarketMap, len(resp.Universe))
	for i, asset := range resp.Universe {
		if asset.IsDelisted {
			continue
		}
		mm[int64(i)] = asset.Name
	}

	a.logger.Debug("universe fetched", "assets", len(resp.Universe), "active", len(mm))
	return mm, nil
}

// SubscribePayloads returns one activeAssetCtx subscription per coin, in
// sorted symbol order so reconnects subscribe deterministically.
func (a *Adapter) SubscribePayloads(mm model.MarketMap) [][]byte {
	coins := make([]string, 0, len(mm))
	for _, symbol := range mm {
		coins = append(coins, symbol)
	}
	sort.Strings(coins)

	payloads := make([][]byte, 0, len(coins))
	for _, coin := range coins {
		payload, _ := json.Marshal(map[string]any{
			"method": "subscribe",
			"subscription": map[string]string{
				"type": assetCtxChannel,
				"coin": coin,
			},
		})
		payloads = append(payloads, payload)
	}

	return payloads
}

type assetCtxFrame struct {
	Channel string `json:"channel"`
	Data    struct {
		Coin string `json:"coin"`
		Ctx  struct {
			Funding      string `json:"funding"`
			OpenInterest string `json:"openInterest"`
			DayNtlVlm    string `json:"dayNtlVlm"`
			OraclePx     string `json:"oraclePx"`
			MarkPx       string `json:"markPx"`
		} `json:"ctx"`
	} `json:"data"`
}

// Decode parses one activeAssetCtx frame into a single update. Frames on
// other channels (subscriptionResponse, pong) are ignorable.
func (a *Adapter) Decode(data []byte, _ model.MarketMap) ([]model.MarketUpdate, error) {
	var frame assetCtxFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	if frame.Channel != assetCtxChannel {
		return nil, nil
	}

	ctx := frame.Data.Ctx
	mark, err := dec(ctx.MarkPx)
	if err != nil {
		return nil, fmt.Errorf("coin %s: markPx %q: %w", frame.Data.Coin, ctx.MarkPx, err)
	}
	oracle, err := dec(ctx.OraclePx)
	if err != nil {
		return nil, fmt.Errorf("coin %s: oraclePx %q: %w", frame.Data.Coin, ctx.OraclePx, err)
	}
	funding, err := dec(ctx.Funding)
	if err != nil {
		return nil, fmt.Errorf("coin %s: funding %q: %w", frame.Data.Coin, ctx.Funding, err)
	}
	oi, err := dec(ctx.OpenInterest)
	if err != nil {
		return nil, fmt.Errorf("coin %s: openInterest %q: %w", frame.Data.Coin, ctx.OpenInterest, err)
	}
	volume, err := dec(ctx.DayNtlVlm)
	if err != nil {
		return nil, fmt.Errorf("coin %s: dayNtlVlm %q: %w", frame.Data.Coin, ctx.DayNtlVlm, err)
	}

	return []model.MarketUpdate{{
		Exchange:     model.ExchangeHyperliquid,
		Symbol:       frame.Data.Coin,
		MarkPrice:    mark,
		IndexPrice:   oracle,
		FundingRate:  funding,
		OpenInterest: oi,
		Volume24h:    volume,
	}}, nil
}

// dec parses a decimal field, treating absence as zero.
func dec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(s)
}
