package ingest

import (
	"sort"
	"strings"

	"crypto-screener/internal/market"
)

// DefaultQuoteAsset restricts the universe to one quote currency.
const DefaultQuoteAsset = "USDT"

// DefaultMaxSymbols caps the universe at the top pairs by quote volume.
const DefaultMaxSymbols = 200

// stablecoinBases are excluded: a stable-vs-stable pair never moves
// enough to screen.
var stablecoinBases = map[string]struct{}{
	"USDC":  {},
	"BUSD":  {},
	"TUSD":  {},
	"FDUSD": {},
	"USDP":  {},
	"DAI":   {},
	"EUR":   {},
	"AEUR":  {},
}

// UniverseConfig controls symbol selection at bootstrap.
type UniverseConfig struct {
	QuoteAsset     string
	MaxSymbols     int
	MinQuoteVolume float64
	Exclude        []string // extra base assets to skip
}

// BuildUniverse filters the exchange ticker list down to the allowed
// symbol set: quote-asset pairs minus stablecoin bases, ranked by quote
// volume, capped at MaxSymbols.
func BuildUniverse(tickers []market.Ticker, cfg UniverseConfig) []string {
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = DefaultQuoteAsset
	}
	maxSymbols := cfg.MaxSymbols
	if maxSymbols <= 0 {
		maxSymbols = DefaultMaxSymbols
	}

	extra := make(map[string]struct{}, len(cfg.Exclude))
	for _, base := range cfg.Exclude {
		extra[strings.ToUpper(base)] = struct{}{}
	}

	eligible := make([]market.Ticker, 0, len(tickers))
	for _, tk := range tickers {
		base, ok := splitQuote(tk.Symbol, quote)
		if !ok {
			continue
		}
		if _, blocked := stablecoinBases[base]; blocked {
			continue
		}
		if _, blocked := extra[base]; blocked {
			continue
		}
		if tk.QuoteVolume < cfg.MinQuoteVolume {
			continue
		}
		eligible = append(eligible, tk)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].QuoteVolume > eligible[j].QuoteVolume
	})
	if len(eligible) > maxSymbols {
		eligible = eligible[:maxSymbols]
	}

	symbols := make([]string, len(eligible))
	for i, tk := range eligible {
		symbols[i] = tk.Symbol
	}
	return symbols
}

// splitQuote returns the base asset when symbol trades against quote.
func splitQuote(symbol, quote string) (string, bool) {
	if !strings.HasSuffix(symbol, quote) || len(symbol) == len(quote) {
		return "", false
	}
	return symbol[:len(symbol)-len(quote)], true
}
