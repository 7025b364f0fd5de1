// Package binance implements the exchange REST client and the combined
// websocket stream codec. REST calls carry a 10s deadline and up to 3
// retries with backoff; kline responses arrive as positional JSON arrays
// and are decoded field by field.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"crypto-screener/internal/market"
)

const (
	// DefaultBaseURL is the spot REST endpoint.
	DefaultBaseURL = "https://api.binance.com"
	// DefaultStreamURL is the spot websocket endpoint.
	DefaultStreamURL = "wss://stream.binance.com:9443"

	requestTimeout = 10 * time.Second
	retryCount     = 3
	retryWaitMin   = 500 * time.Millisecond
	retryWaitMax   = 5 * time.Second

	// MaxKlineLimit is the largest page the klines endpoint serves.
	MaxKlineLimit = 1000
)

// Client is the Binance spot REST client.
type Client struct {
	http   *resty.Client
	logger zerolog.Logger
}

// NewClient creates a REST client with retry and a fixed request
// deadline. An empty baseURL selects the production endpoint.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitMin).
		SetRetryMaxWaitTime(retryWaitMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})

	return &Client{
		http:   httpClient,
		logger: logger.With().Str("component", "BinanceClient").Logger(),
	}
}

// GetKlines fetches the most recent candlesticks for a symbol. A limit
// above the exchange page size walks backwards page by page until limit
// bars are collected or the symbol's history runs out.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval market.Interval, limit int) ([]market.Kline, error) {
	if limit <= MaxKlineLimit {
		return c.fetchKlines(ctx, symbol, interval, limit, 0)
	}

	out, err := c.fetchKlines(ctx, symbol, interval, MaxKlineLimit, 0)
	if err != nil {
		return nil, err
	}
	for len(out) > 0 && len(out) < limit {
		want := limit - len(out)
		if want > MaxKlineLimit {
			want = MaxKlineLimit
		}
		page, err := c.GetKlinesBefore(ctx, symbol, interval, out[0].OpenTime-1, want)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(page, out...)
		if len(page) < want {
			break
		}
	}
	return out, nil
}

// GetKlinesBefore fetches candlesticks that opened at or before endTime,
// for backfill paging.
func (c *Client) GetKlinesBefore(ctx context.Context, symbol string, interval market.Interval, endTime int64, limit int) ([]market.Kline, error) {
	return c.fetchKlines(ctx, symbol, interval, limit, endTime)
}

func (c *Client) fetchKlines(ctx context.Context, symbol string, interval market.Interval, limit int, endTime int64) ([]market.Kline, error) {
	if !interval.IsValid() {
		return nil, fmt.Errorf("%w: %q", market.ErrUnknownInterval, interval)
	}
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", string(interval)).
		SetQueryParam("limit", strconv.Itoa(limit))
	if endTime > 0 {
		req.SetQueryParam("endTime", strconv.FormatInt(endTime, 10))
	}

	resp, err := req.Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch klines %s %s: status %d: %s", symbol, interval, resp.StatusCode(), resp.String())
	}

	var raw [][]interface{}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("parse klines %s %s: %w", symbol, interval, err)
	}

	klines := make([]market.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 9 {
			return nil, fmt.Errorf("parse klines %s %s: short row (%d fields)", symbol, interval, len(row))
		}
		klines = append(klines, market.Kline{
			OpenTime:    asInt64(row[0]),
			Open:        parseFloat(row[1]),
			High:        parseFloat(row[2]),
			Low:         parseFloat(row[3]),
			Close:       parseFloat(row[4]),
			Volume:      parseFloat(row[5]),
			CloseTime:   asInt64(row[6]),
			QuoteVolume: parseFloat(row[7]),
			Trades:      asInt64(row[8]),
			IsFinal:     true,
		})
	}

	// The newest row may still be forming; it closes in the future.
	if n := len(klines); n > 0 && klines[n-1].CloseTime > time.Now().UnixMilli() {
		klines[n-1].IsFinal = false
	}
	return klines, nil
}

// ticker24 is the REST 24hr ticker wire shape; only the fields the
// screener filters on are decoded.
type ticker24 struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	CloseTime          int64   `json:"closeTime"`
}

// Get24hrTickers fetches rolling 24hr statistics for every symbol.
func (c *Client) Get24hrTickers(ctx context.Context) ([]market.Ticker, error) {
	var raw []ticker24
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/api/v3/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch tickers: status %d: %s", resp.StatusCode(), resp.String())
	}

	tickers := make([]market.Ticker, len(raw))
	for i, t := range raw {
		tickers[i] = market.Ticker{
			Symbol:             t.Symbol,
			LastPrice:          t.LastPrice,
			PriceChangePercent: t.PriceChangePercent,
			QuoteVolume:        t.QuoteVolume,
			EventTime:          t.CloseTime,
		}
	}
	return tickers, nil
}

// GetCurrentPrice fetches the latest trade price for one symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var result struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("fetch price %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("fetch price %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return result.Price, nil
}

// Ping checks REST connectivity, used by the fallback recovery probe.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/api/v3/ping")
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ping: status %d", resp.StatusCode())
	}
	return nil
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

func asInt64(val interface{}) int64 {
	switch v := val.(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
