// One-shot historical scan. Seeds a kline snapshot over REST, replays
// trader predicates backward through it, and prints the matches.
// Nothing streams and nothing is persisted.
//
// Examples:
//
//	scan -lookback 200
//	scan -traders 7f3b… -symbols BTCUSDT,ETHUSDT
//	scan -code ./dip.go -interval 5m -json
//
// Exit codes: 0 scan completed, 1 configuration or trader selection
// failure, 2 market snapshot unavailable.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"crypto-screener/config"
	"crypto-screener/internal/binance"
	"crypto-screener/internal/events"
	"crypto-screener/internal/history"
	"crypto-screener/internal/ingest"
	"crypto-screener/internal/klines"
	"crypto-screener/internal/logging"
	"crypto-screener/internal/market"
	"crypto-screener/internal/predicate"
	"crypto-screener/internal/trader"
	"crypto-screener/internal/ws"
)

// warmupBars keeps indicator history available below the oldest
// walked bar.
const warmupBars = 250

var (
	cfgPath    = flag.String("config", "", "path to config file")
	traderIDs  = flag.String("traders", "", "comma-separated trader ids (default: every enabled trader)")
	codePath   = flag.String("code", "", "predicate source file to scan with instead of stored traders")
	intervalFl = flag.String("interval", "1m", "refresh interval for -code")
	symbolsFl  = flag.String("symbols", "", "comma-separated symbols (default: configured universe)")
	lookback   = flag.Int("lookback", history.DefaultLookback, "bars to walk backward per symbol")
	maxPerSym  = flag.Int("max-per-symbol", 0, "stop a symbol after this many matches (0 = no cap)")
	indicators = flag.Bool("indicators", false, "record indicator values on matches")
	jsonOut    = flag.Bool("json", false, "print results as JSON")
	timeout    = flag.Duration("timeout", 10*time.Minute, "overall deadline")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *lookback <= 0 {
		fmt.Fprintln(os.Stderr, "scan: -lookback must be positive")
		return 1
	}

	// Results own stdout.
	if cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	logger := logging.New(cfg.Logging)
	log := logging.Component(logger, "Scan")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runtime := predicate.NewRuntime()
	traders, err := selectTraders(ctx, cfg, runtime)
	if err != nil {
		log.Error().Err(err).Msg("trader selection failed")
		return 1
	}

	symbols := splitSymbols(*symbolsFl)
	limit := *lookback + warmupBars

	client := binance.NewClient(cfg.Binance.BaseURL, logger)
	store := klines.NewStore(klines.WithDefaultCapacity(limit))
	tickers := ingest.NewTickerTable()
	streams := ws.NewManager()
	defer streams.Shutdown()

	opts := []ingest.Option{
		ingest.WithUniverse(ingest.UniverseConfig{
			QuoteAsset:     cfg.Universe.QuoteAsset,
			MaxSymbols:     cfg.Universe.MaxSymbols,
			MinQuoteVolume: cfg.Universe.MinQuoteVolume,
			Exclude:        cfg.Universe.Exclude,
		}),
		ingest.WithHistoryLimit(limit),
	}
	if len(symbols) > 0 {
		opts = append(opts, ingest.WithSymbols(symbols))
	}
	ing := ingest.NewIngestor(client, store, streams, events.NewBus(nil), tickers, logger, opts...)
	defer ing.Stop()

	log.Info().
		Int("traders", len(traders)).
		Int("lookback", *lookback).
		Msg("loading market snapshot")
	if err := ing.Bootstrap(ctx, requiredIntervals(traders)); err != nil {
		log.Error().Err(err).Msg("snapshot load failed")
		return 2
	}

	scanner := history.NewScanner(store, runtime, logger)
	scan, err := scanner.Start(history.ScanConfig{
		Traders:             traders,
		Symbols:             symbols,
		LookbackBars:        *lookback,
		MaxSignalsPerSymbol: *maxPerSym,
		RecordIndicators:    *indicators,
	})
	if err != nil {
		log.Error().Err(err).Msg("scan start failed")
		return 1
	}
	go func() {
		select {
		case <-ctx.Done():
			scan.Cancel()
		case <-scan.Done():
		}
	}()

	for p := range scan.Progress() {
		log.Debug().
			Str("symbol", p.CurrentSymbol).
			Float64("pct", p.PercentComplete).
			Int("found", p.SignalsFound).
			Msg("scanning")
	}
	<-scan.Done()

	st := scan.Status()
	results := scan.Results()
	sort.Slice(results, func(i, j int) bool {
		if results[i].Symbol != results[j].Symbol {
			return results[i].Symbol < results[j].Symbol
		}
		return results[i].BarsAgo < results[j].BarsAgo
	})

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(struct {
			Status  history.Status             `json:"status"`
			Signals []history.HistoricalSignal `json:"signals"`
		}{st, results}); err != nil {
			log.Error().Err(err).Msg("encode failed")
			return 1
		}
	} else {
		printTable(traders, st, results)
	}

	if st.State == history.StateCancelled {
		log.Warn().Msg("scan did not finish before the deadline")
		return 1
	}
	return 0
}

func selectTraders(ctx context.Context, cfg *config.Config, rt *predicate.Runtime) ([]trader.Trader, error) {
	if *codePath != "" {
		src, err := os.ReadFile(*codePath)
		if err != nil {
			return nil, err
		}
		iv, err := market.ParseInterval(*intervalFl)
		if err != nil {
			return nil, err
		}
		if err := rt.Validate(string(src)); err != nil {
			return nil, fmt.Errorf("predicate rejected: %w", err)
		}
		name := strings.TrimSuffix(filepath.Base(*codePath), ".go")
		t := trader.New(name, trader.TraderFilter{
			Code:               string(src),
			RefreshInterval:    iv,
			RequiredTimeframes: []market.Interval{iv},
		})
		return []trader.Trader{t}, nil
	}

	store, closeStore, err := openTraderStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	if *traderIDs != "" {
		var out []trader.Trader
		for _, id := range strings.Split(*traderIDs, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			t, err := store.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("trader %s: %w", id, err)
			}
			out = append(out, t)
		}
		if len(out) == 0 {
			return nil, errors.New("no trader ids given")
		}
		return out, nil
	}

	list, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []trader.Trader
	for _, t := range list {
		if t.Enabled {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no enabled traders in the store")
	}
	return out, nil
}

func openTraderStore(ctx context.Context, cfg *config.Config) (trader.Store, func(), error) {
	switch cfg.Traders.Backend {
	case "memory":
		return trader.NewMemoryStore(), func() {}, nil
	case "file":
		st, err := trader.OpenFileStore(cfg.Traders.Dir)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Traders.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		st, err := trader.NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown trader backend %q", cfg.Traders.Backend)
}

func requiredIntervals(traders []trader.Trader) []market.Interval {
	seen := make(map[market.Interval]struct{})
	var out []market.Interval
	add := func(iv market.Interval) {
		if iv == "" {
			return
		}
		if _, ok := seen[iv]; ok {
			return
		}
		seen[iv] = struct{}{}
		out = append(out, iv)
	}
	for _, t := range traders {
		add(t.Filter.RefreshInterval)
		for _, iv := range t.Filter.RequiredTimeframes {
			add(iv)
		}
	}
	if len(out) == 0 {
		out = append(out, market.Interval1m)
	}
	return out
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printTable(traders []trader.Trader, st history.Status, results []history.HistoricalSignal) {
	names := make(map[string]string, len(traders))
	for _, t := range traders {
		names[t.ID] = t.Name
	}

	if len(results) == 0 {
		fmt.Printf("no matches across %d symbols\n", st.TotalSymbols)
		return
	}

	fmt.Printf("%-12s  %-24s  %12s  %8s  %-20s\n",
		"SYMBOL", "TRADER", "PRICE", "BARS AGO", "BAR OPEN (UTC)")
	fmt.Println(strings.Repeat("-", 84))
	for _, r := range results {
		name := names[r.TraderID]
		if name == "" {
			name = r.TraderID
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Printf("%-12s  %-24s  %12.4f  %8d  %-20s\n",
			r.Symbol, name, r.PriceAtSignal, r.BarsAgo,
			time.UnixMilli(r.BarOpenTime).UTC().Format("2006-01-02 15:04"))
	}

	fmt.Printf("\n%d signals across %d symbols", st.SignalsFound, st.TotalSymbols)
	if st.Overflow > 0 {
		fmt.Printf(", %d more past the cap", st.Overflow)
	}
	if st.EvalErrors > 0 {
		fmt.Printf(", %d predicate errors", st.EvalErrors)
	}
	fmt.Println()
}
