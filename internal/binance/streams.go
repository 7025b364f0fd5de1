package binance

import (
	"encoding/json"
	"fmt"
	"strings"

	"crypto-screener/internal/market"
)

// TickerStream returns the 24hr ticker stream name for a symbol.
func TickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// KlineStream returns the kline stream name for a symbol and interval.
func KlineStream(symbol string, interval market.Interval) string {
	return strings.ToLower(symbol) + "@kline_" + string(interval)
}

// CombinedStreamURL builds the multiplex URL for a set of stream names.
func CombinedStreamURL(base string, streams []string) string {
	if base == "" {
		base = DefaultStreamURL
	}
	return base + "/stream?streams=" + strings.Join(streams, "/")
}

// KlineEvent is one kline update from the stream.
type KlineEvent struct {
	Symbol   string
	Interval market.Interval
	Kline    market.Kline
}

// StreamMessage is one decoded combined-stream frame. Exactly one of
// Kline and Ticker is set; both nil means an unrecognized stream, which
// callers skip.
type StreamMessage struct {
	Stream string
	Kline  *KlineEvent
	Ticker *market.Ticker
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Short tags are the websocket wire format; floats arrive as strings.
type wsKlineEvent struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime    int64   `json:"t"`
		CloseTime   int64   `json:"T"`
		Interval    string  `json:"i"`
		Open        float64 `json:"o,string"`
		Close       float64 `json:"c,string"`
		High        float64 `json:"h,string"`
		Low         float64 `json:"l,string"`
		Volume      float64 `json:"v,string"`
		Trades      int64   `json:"n"`
		IsFinal     bool    `json:"x"`
		QuoteVolume float64 `json:"q,string"`
	} `json:"k"`
}

type wsTickerEvent struct {
	EventTime          int64   `json:"E"`
	Symbol             string  `json:"s"`
	LastPrice          float64 `json:"c,string"`
	PriceChangePercent float64 `json:"P,string"`
	QuoteVolume        float64 `json:"q,string"`
}

// ParseCombinedMessage decodes one frame from a combined stream.
func ParseCombinedMessage(data []byte) (StreamMessage, error) {
	var env combinedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return StreamMessage{}, fmt.Errorf("parse stream envelope: %w", err)
	}
	if env.Stream == "" {
		return StreamMessage{}, fmt.Errorf("parse stream envelope: missing stream name")
	}

	msg := StreamMessage{Stream: env.Stream}
	switch {
	case strings.Contains(env.Stream, "@kline_"):
		ev, err := parseKlineEvent(env.Data)
		if err != nil {
			return StreamMessage{}, err
		}
		msg.Kline = ev
	case strings.HasSuffix(env.Stream, "@ticker"):
		tk, err := parseTickerEvent(env.Data)
		if err != nil {
			return StreamMessage{}, err
		}
		msg.Ticker = tk
	}
	return msg, nil
}

func parseKlineEvent(data []byte) (*KlineEvent, error) {
	var ev wsKlineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse kline event: %w", err)
	}
	interval, err := market.ParseInterval(ev.Kline.Interval)
	if err != nil {
		return nil, fmt.Errorf("parse kline event: %w", err)
	}
	return &KlineEvent{
		Symbol:   ev.Symbol,
		Interval: interval,
		Kline: market.Kline{
			OpenTime:    ev.Kline.OpenTime,
			Open:        ev.Kline.Open,
			High:        ev.Kline.High,
			Low:         ev.Kline.Low,
			Close:       ev.Kline.Close,
			Volume:      ev.Kline.Volume,
			CloseTime:   ev.Kline.CloseTime,
			QuoteVolume: ev.Kline.QuoteVolume,
			Trades:      ev.Kline.Trades,
			IsFinal:     ev.Kline.IsFinal,
		},
	}, nil
}

func parseTickerEvent(data []byte) (*market.Ticker, error) {
	var ev wsTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse ticker event: %w", err)
	}
	return &market.Ticker{
		Symbol:             ev.Symbol,
		LastPrice:          ev.LastPrice,
		PriceChangePercent: ev.PriceChangePercent,
		QuoteVolume:        ev.QuoteVolume,
		EventTime:          ev.EventTime,
	}, nil
}
