package ingest

import (
	"testing"
	"time"

	"crypto-screener/internal/market"
)

func newTestTable() (*TickerTable, *time.Time) {
	cur := time.Unix(1_700_000_000, 0)
	t := NewTickerTable()
	t.now = func() time.Time { return cur }
	return t, &cur
}

func TestTickerTableNewestWins(t *testing.T) {
	table, _ := newTestTable()
	table.Update(market.Ticker{Symbol: "BTCUSDT", LastPrice: 100})
	table.Update(market.Ticker{Symbol: "BTCUSDT", LastPrice: 105})

	tk, ok := table.Ticker("BTCUSDT")
	if !ok || tk.LastPrice != 105 {
		t.Fatalf("ticker = %+v ok=%v, want last price 105", tk, ok)
	}
	if table.Len() != 1 {
		t.Fatalf("len = %d, want 1", table.Len())
	}
}

func TestTickerTableSnapshotSorted(t *testing.T) {
	table, _ := newTestTable()
	table.UpdateBatch(map[string]market.Ticker{
		"A": {Symbol: "A", QuoteVolume: 10},
		"B": {Symbol: "B", QuoteVolume: 30},
		"C": {Symbol: "C", QuoteVolume: 20},
	})

	snap := table.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	if snap[0].Symbol != "B" || snap[1].Symbol != "C" || snap[2].Symbol != "A" {
		t.Fatalf("snapshot order = %v", []string{snap[0].Symbol, snap[1].Symbol, snap[2].Symbol})
	}
}

func TestTickerTableEvictStale(t *testing.T) {
	table, cur := newTestTable()
	table.Update(market.Ticker{Symbol: "OLD"})
	table.Update(market.Ticker{Symbol: "KEPT"})

	*cur = cur.Add(10 * time.Minute)
	table.Update(market.Ticker{Symbol: "FRESH"})

	removed := table.EvictStale(cur.Add(-5*time.Minute), func(sym string) bool {
		return sym == "KEPT"
	})
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := table.Ticker("OLD"); ok {
		t.Fatal("OLD should be evicted")
	}
	if _, ok := table.Ticker("KEPT"); !ok {
		t.Fatal("KEPT should survive via keep predicate")
	}
	if _, ok := table.Ticker("FRESH"); !ok {
		t.Fatal("FRESH should survive by age")
	}
}

func TestTickerTableActiveSymbols(t *testing.T) {
	table, cur := newTestTable()
	table.Update(market.Ticker{Symbol: "OLD"})
	cutoff := cur.Add(time.Minute)
	*cur = cur.Add(2 * time.Minute)
	table.Update(market.Ticker{Symbol: "NEW"})

	active := table.ActiveSymbols(cutoff)
	if len(active) != 1 || active[0] != "NEW" {
		t.Fatalf("active = %v, want [NEW]", active)
	}
}
