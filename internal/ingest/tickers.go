// Package ingest feeds the kline store: REST bootstrap of the symbol
// universe, a single multiplex websocket for live tickers and klines,
// interval churn with a settle delay, and a rate-limited REST polling
// path for degraded operation.
package ingest

import (
	"sort"
	"sync"
	"time"

	"crypto-screener/internal/market"
)

type tickerEntry struct {
	ticker    market.Ticker
	updatedAt time.Time
}

// TickerTable retains the newest 24h ticker per symbol. It backs the
// scheduler's ticker lookups, the status API, and the stale-symbol
// sweep.
type TickerTable struct {
	mu      sync.RWMutex
	entries map[string]tickerEntry

	now func() time.Time
}

func NewTickerTable() *TickerTable {
	return &TickerTable{
		entries: make(map[string]tickerEntry),
		now:     time.Now,
	}
}

// Update stores the ticker, replacing any older one for the symbol.
func (t *TickerTable) Update(tk market.Ticker) {
	t.mu.Lock()
	t.entries[tk.Symbol] = tickerEntry{ticker: tk, updatedAt: t.now()}
	t.mu.Unlock()
}

// UpdateBatch applies a batcher flush in one lock acquisition.
func (t *TickerTable) UpdateBatch(batch map[string]market.Ticker) {
	if len(batch) == 0 {
		return
	}
	now := t.now()
	t.mu.Lock()
	for sym, tk := range batch {
		t.entries[sym] = tickerEntry{ticker: tk, updatedAt: now}
	}
	t.mu.Unlock()
}

// Ticker returns the newest ticker for the symbol.
func (t *TickerTable) Ticker(symbol string) (market.Ticker, bool) {
	t.mu.RLock()
	e, ok := t.entries[symbol]
	t.mu.RUnlock()
	return e.ticker, ok
}

// UpdatedAt returns when the symbol's ticker last changed.
func (t *TickerTable) UpdatedAt(symbol string) (time.Time, bool) {
	t.mu.RLock()
	e, ok := t.entries[symbol]
	t.mu.RUnlock()
	return e.updatedAt, ok
}

// Snapshot returns every retained ticker sorted by descending quote
// volume.
func (t *TickerTable) Snapshot() []market.Ticker {
	t.mu.RLock()
	out := make([]market.Ticker, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.ticker)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].QuoteVolume > out[j].QuoteVolume
	})
	return out
}

// ActiveSymbols returns symbols whose ticker changed at or after the
// cutoff.
func (t *TickerTable) ActiveSymbols(since time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for sym, e := range t.entries {
		if !e.updatedAt.Before(since) {
			out = append(out, sym)
		}
	}
	return out
}

// EvictStale removes symbols whose ticker is older than the threshold.
// Symbols protected by keep survive. Returns the number removed.
func (t *TickerTable) EvictStale(olderThan time.Time, keep func(symbol string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for sym, e := range t.entries {
		if keep != nil && keep(sym) {
			continue
		}
		if e.updatedAt.Before(olderThan) {
			delete(t.entries, sym)
			removed++
		}
	}
	return removed
}

func (t *TickerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
