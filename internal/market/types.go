// Package market defines the exchange-independent domain types shared by
// every component: klines, tickers, and the fixed interval enumeration.
package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidKline is returned when a kline fails validation (negative
// volume, closeTime not after openTime, or a non-monotonic openTime
// against the series tail).
var ErrInvalidKline = errors.New("market: invalid kline")

// ErrUnknownInterval is returned when parsing an unsupported interval
// token.
var ErrUnknownInterval = errors.New("market: unknown interval")

// Interval is a kline timeframe.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Intervals lists every supported interval, shortest first.
func Intervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// ParseInterval validates a token against the supported enumeration.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownInterval, s)
	}
	return iv, nil
}

// IsValid reports whether the interval is one of the supported values.
func (i Interval) IsValid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the interval width.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Millis returns the interval width in milliseconds.
func (i Interval) Millis() int64 {
	return intervalDurations[i].Milliseconds()
}

// AlignOpenTime floors a millisecond timestamp to the interval boundary,
// which is the open time of the bar containing ts.
func (i Interval) AlignOpenTime(ts int64) int64 {
	w := i.Millis()
	if w == 0 {
		return ts
	}
	return ts - ts%w
}

// String implements fmt.Stringer.
func (i Interval) String() string {
	return string(i)
}

// Kline is one OHLCV bar. Times are milliseconds since epoch. IsFinal is
// true once the bar's interval has elapsed and its values are settled.
type Kline struct {
	OpenTime    int64   `json:"openTime"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	CloseTime   int64   `json:"closeTime"`
	QuoteVolume float64 `json:"quoteVolume"`
	Trades      int64   `json:"trades"`
	IsFinal     bool    `json:"isFinal"`
}

// Validate checks the bar's internal consistency. Monotonicity against a
// series tail is checked by the store, not here.
func (k Kline) Validate() error {
	if k.Volume < 0 {
		return fmt.Errorf("%w: negative volume %f", ErrInvalidKline, k.Volume)
	}
	if k.CloseTime <= k.OpenTime {
		return fmt.Errorf("%w: closeTime %d <= openTime %d", ErrInvalidKline, k.CloseTime, k.OpenTime)
	}
	return nil
}

// Ticker is the latest 24h rolling summary for a symbol. Only the newest
// ticker per symbol is ever retained.
type Ticker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice"`
	PriceChangePercent float64 `json:"priceChangePercent"`
	QuoteVolume        float64 `json:"quoteVolume"`
	EventTime          int64   `json:"eventTime"`
}
