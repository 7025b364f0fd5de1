// Package predicate evaluates trader filter code inside a yaegi
// interpreter. A predicate is a Go function body receiving `ctx *Context`
// and returning bool; it sees the indicator library, math, sort, and
// strings, and nothing else. Evaluations are bounded by a wall-clock
// budget and fully isolated: the interpreter works on cloned market data,
// so a predicate can never mutate the store.
package predicate

import (
	"crypto-screener/internal/indicators"
	"crypto-screener/internal/market"
)

// Context is the frozen view a predicate evaluates against.
type Context struct {
	Symbol     string
	Ticker     market.Ticker
	Timeframes map[string][]market.Kline
	HVN        []indicators.HVNNode
}

// Timeframe returns the klines for an interval name, or nil.
func (c *Context) Timeframe(interval string) []market.Kline {
	return c.Timeframes[interval]
}

// clone deep-copies the context so interpreted code gets its own data.
func (c *Context) clone() *Context {
	out := &Context{
		Symbol: c.Symbol,
		Ticker: c.Ticker,
	}
	if c.Timeframes != nil {
		out.Timeframes = make(map[string][]market.Kline, len(c.Timeframes))
		for interval, klines := range c.Timeframes {
			cp := make([]market.Kline, len(klines))
			copy(cp, klines)
			out.Timeframes[interval] = cp
		}
	}
	if c.HVN != nil {
		out.HVN = make([]indicators.HVNNode, len(c.HVN))
		copy(out.HVN, c.HVN)
	}
	return out
}
