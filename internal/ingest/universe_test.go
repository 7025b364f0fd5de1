package ingest

import (
	"testing"

	"crypto-screener/internal/market"
)

func tick(symbol string, quoteVolume float64) market.Ticker {
	return market.Ticker{Symbol: symbol, LastPrice: 1, QuoteVolume: quoteVolume}
}

func TestBuildUniverseFiltersQuoteAsset(t *testing.T) {
	got := BuildUniverse([]market.Ticker{
		tick("BTCUSDT", 100),
		tick("ETHBTC", 500),
		tick("ETHUSDT", 200),
		tick("USDT", 999), // no base
	}, UniverseConfig{})

	if len(got) != 2 {
		t.Fatalf("universe = %v, want 2 symbols", got)
	}
	if got[0] != "ETHUSDT" || got[1] != "BTCUSDT" {
		t.Fatalf("universe = %v, want volume-descending [ETHUSDT BTCUSDT]", got)
	}
}

func TestBuildUniverseExcludesStablecoinBases(t *testing.T) {
	got := BuildUniverse([]market.Ticker{
		tick("USDCUSDT", 9999),
		tick("FDUSDUSDT", 9999),
		tick("BTCUSDT", 10),
	}, UniverseConfig{})

	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("universe = %v, want [BTCUSDT]", got)
	}
}

func TestBuildUniverseExtraExcludes(t *testing.T) {
	got := BuildUniverse([]market.Ticker{
		tick("BTCUSDT", 100),
		tick("DOGEUSDT", 200),
	}, UniverseConfig{Exclude: []string{"doge"}})

	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("universe = %v, want [BTCUSDT]", got)
	}
}

func TestBuildUniverseCapAndMinVolume(t *testing.T) {
	in := []market.Ticker{
		tick("AUSDT", 500),
		tick("BUSDT", 400),
		tick("CUSDT", 300),
		tick("DUSDT", 5),
	}
	got := BuildUniverse(in, UniverseConfig{MaxSymbols: 2, MinQuoteVolume: 10})
	if len(got) != 2 || got[0] != "AUSDT" || got[1] != "BUSDT" {
		t.Fatalf("universe = %v, want [AUSDT BUSDT]", got)
	}
}

func TestBuildUniverseCustomQuote(t *testing.T) {
	got := BuildUniverse([]market.Ticker{
		tick("ETHBTC", 100),
		tick("ETHUSDT", 200),
	}, UniverseConfig{QuoteAsset: "BTC"})

	if len(got) != 1 || got[0] != "ETHBTC" {
		t.Fatalf("universe = %v, want [ETHBTC]", got)
	}
}
