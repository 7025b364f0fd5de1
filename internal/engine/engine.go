// Package engine assembles the screening core. One Engine owns the
// market-data plane (exchange client, kline store, websocket streams,
// ingestion), the execution plane (predicate runtime, scheduler,
// signal manager, historical scanner), and the supporting subsystems
// (error monitor, fallback controller, cleanup supervisor,
// notifications). The API layer reaches everything through accessors
// here; nothing else holds cross-component references.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-screener/internal/binance"
	"crypto-screener/internal/cleanup"
	"crypto-screener/internal/errmon"
	"crypto-screener/internal/events"
	"crypto-screener/internal/fallback"
	"crypto-screener/internal/history"
	"crypto-screener/internal/ingest"
	"crypto-screener/internal/klines"
	"crypto-screener/internal/market"
	"crypto-screener/internal/notify"
	"crypto-screener/internal/predicate"
	"crypto-screener/internal/scheduler"
	"crypto-screener/internal/settings"
	"crypto-screener/internal/signals"
	"crypto-screener/internal/trader"
	"crypto-screener/internal/ws"
)

// ErrIngestFailed wraps a bootstrap or stream startup failure. The
// process maps it to its own exit code.
var ErrIngestFailed = errors.New("engine: market data startup failed")

var errNetworkElevated = errors.New("engine: network error rate still elevated")

// DefaultSnapshotInterval is how often the dedup history is persisted.
const DefaultSnapshotInterval = 5 * time.Minute

// Options carries everything the process layer decides: persistence
// backends, notification providers, endpoints. Zero values select
// production endpoints, an in-memory trader store, and no tier veto.
type Options struct {
	Logger zerolog.Logger

	// BaseURL and StreamURL point at the exchange. Ignored when
	// Exchange or Streams are set directly (tests inject fakes there).
	BaseURL   string
	StreamURL string
	Exchange  ingest.Exchange
	Streams   ingest.StreamDialer

	Universe  ingest.UniverseConfig
	Intervals []market.Interval

	TraderStore trader.Store
	TierPolicy  trader.TierPolicy
	Settings    *settings.Service
	RemoteFeed  signals.RemoteSignalFeed
	Notify      *notify.Manager

	HeapBudgetBytes  uint64
	SnapshotInterval time.Duration
}

// Engine is the assembled screening core.
type Engine struct {
	opts   Options
	logger zerolog.Logger

	errors   *errmon.Monitor
	degrade  *fallback.Controller
	exchange ingest.Exchange
	streams  ingest.StreamDialer
	wsman    *ws.Manager
	store    *klines.Store
	tickers  *ingest.TickerTable
	bus      *events.Bus
	runtime  *predicate.Runtime
	signals  *signals.Manager
	sched    *scheduler.Scheduler
	scanner  *history.Scanner
	ingestor *ingest.Ingestor
	cleaner  *cleanup.Supervisor
	traders  *trader.Notifier
	settings *settings.Service
	notify   *notify.Manager

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	nameMu sync.RWMutex
	names  map[string]string

	mu        sync.Mutex
	unsubs    []func()
	started   bool
	stopped   bool
	startedAt time.Time
}

type pinger interface {
	Ping(ctx context.Context) error
}

// New constructs the core. Settings reads happen here so store
// capacities reflect persisted preferences; an unreachable settings
// backend logs a warning and falls back to defaults.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if len(opts.Intervals) == 0 {
		opts.Intervals = []market.Interval{market.Interval1m}
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}

	e := &Engine{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "Engine").Logger(),
		settings: opts.Settings,
		notify:   opts.Notify,
		names:    make(map[string]string),
	}
	e.rootCtx, e.rootCancel = context.WithCancel(context.Background())

	e.errors = errmon.NewMonitor(opts.Logger)

	histCfg := settings.KlineHistoryConfig{
		ScreenerLimit: settings.DefaultScreenerLimit,
		AnalysisLimit: settings.DefaultAnalysisLimit,
	}
	if e.settings != nil {
		cfg, err := e.settings.KlineHistory(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("settings unavailable, using kline defaults")
		} else {
			histCfg = cfg
		}
	}

	e.exchange = opts.Exchange
	if e.exchange == nil {
		e.exchange = binance.NewClient(opts.BaseURL, opts.Logger)
	}

	e.degrade = fallback.NewController(e.probe, opts.Logger)

	e.streams = opts.Streams
	if e.streams == nil {
		e.wsman = ws.NewManager(ws.WithReporter(func(key string, err error) {
			e.errors.TrackError(errmon.CategoryWebsocket, err, errmon.SeverityMedium,
				map[string]any{"connection": key})
		}))
		e.streams = e.wsman
	}

	// Higher timeframes carry the analysis depth, not the full
	// screener window. 1440 daily bars would be four years of history.
	e.store = klines.NewStore(
		klines.WithDefaultCapacity(histCfg.ScreenerLimit),
		klines.WithIntervalCapacity(market.Interval4h, histCfg.AnalysisLimit),
		klines.WithIntervalCapacity(market.Interval1d, histCfg.AnalysisLimit),
	)
	e.tickers = ingest.NewTickerTable()

	e.bus = events.NewBus(func(symbol string, interval market.Interval, recovered interface{}) {
		e.errors.TrackMessage(errmon.CategoryRealtime, errmon.SeverityHigh,
			fmt.Sprintf("bus listener panic: %v", recovered),
			map[string]any{"symbol": symbol, "interval": interval.String()})
	})

	e.runtime = predicate.NewRuntime()

	e.signals = signals.NewManager(opts.Logger)
	if e.settings != nil {
		if th, err := e.settings.DedupeThreshold(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("settings unavailable, using dedupe default")
		} else {
			e.signals.SetDedupeThreshold(th)
		}
	}

	schedOpts := []scheduler.Option{
		scheduler.WithTickerSource(e.tickers),
		scheduler.WithValidator(e.runtime.Validate),
		scheduler.WithErrorMonitor(e.errors),
	}
	if opts.TierPolicy != nil {
		schedOpts = append(schedOpts, scheduler.WithTierPolicy(opts.TierPolicy))
	}
	e.sched = scheduler.NewScheduler(e.store, e.runtime, e.signals, opts.Logger, schedOpts...)

	e.scanner = history.NewScanner(e.store, e.runtime, opts.Logger)

	e.ingestor = ingest.NewIngestor(e.exchange, e.store, e.streams, e.bus, e.tickers, opts.Logger,
		ingest.WithUniverse(opts.Universe),
		ingest.WithStreamURL(opts.StreamURL),
		ingest.WithHistoryLimit(histCfg.ScreenerLimit),
		ingest.WithFallback(e.degrade),
		ingest.WithErrorMonitor(e.errors),
	)
	e.ingestor.OnTickers(e.onTickerBatch)

	e.cleaner = cleanup.NewSupervisor(e.tickers, e.store, e.signals, opts.Logger,
		cleanup.WithScanStore(e.scanner),
		cleanup.WithHeapBudget(opts.HeapBudgetBytes),
	)

	traderStore := opts.TraderStore
	if traderStore == nil {
		traderStore = trader.NewMemoryStore()
	}
	e.traders = trader.NewNotifier(traderStore)

	return e, nil
}

// Start loads traders, restores dedup history, runs the market-data
// bootstrap, and opens the stream. An ingestion failure is returned
// wrapped in ErrIngestFailed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return errors.New("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	list, err := e.traders.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: load traders: %w", err)
	}
	diff := e.sched.ApplyTraders(list)
	e.rememberNames(list)
	e.logger.Info().
		Int("traders", len(list)).
		Int("scheduled", diff.Added).
		Msg("traders loaded")

	if e.settings != nil {
		entries, err := e.settings.SignalHistory(ctx)
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Msg("signal history unavailable")
		case len(entries) > 0:
			byID := make(map[string]market.Interval, len(list))
			for _, t := range list {
				byID[t.ID] = t.Filter.RefreshInterval
			}
			restored := e.signals.RestoreDedup(entries, func(traderID string) (market.Interval, bool) {
				iv, ok := byID[traderID]
				return iv, ok
			})
			e.logger.Info().Int("restored", restored).Msg("dedup history restored")
		}

		if favs, err := e.settings.Favorites(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("favorites unavailable")
		} else if len(favs) > 0 {
			e.cleaner.SetSelected(favs)
		}
	}

	subs := []func(){
		e.bus.SubscribeAll(e.onBarClose),
		e.traders.Subscribe(e.onTradersChanged),
		e.signals.OnSignal(e.onNewSignal),
		e.errors.Subscribe(e.onCriticalAlert),
	}
	e.mu.Lock()
	e.unsubs = subs
	e.mu.Unlock()

	// Workers must be draining before bootstrap emits start the first
	// evaluation pass, or full shards would block the loaders.
	e.sched.Start()

	if err := e.ingestor.Bootstrap(ctx, e.requiredIntervals(list)); err != nil {
		return fmt.Errorf("%w: %v", ErrIngestFailed, err)
	}
	if err := e.ingestor.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrIngestFailed, err)
	}

	e.cleaner.Start()

	if e.opts.RemoteFeed != nil {
		e.signals.AttachRemoteFeed(e.rootCtx, e.opts.RemoteFeed)
	}
	if e.settings != nil {
		e.wg.Add(1)
		go e.snapshotLoop()
	}

	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()
	e.logger.Info().
		Int("symbols", len(e.ingestor.Universe())).
		Msg("engine started")
	return nil
}

// Stop tears the core down in reverse order and flushes the dedup
// snapshot. Safe to call more than once and after a failed Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	subs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	e.rootCancel()
	e.wg.Wait()

	for _, unsub := range subs {
		unsub()
	}
	if started {
		e.ingestor.Stop()
		e.sched.Stop()
		e.cleaner.Stop()
		e.flushDedup()
	}
	if e.wsman != nil {
		e.wsman.Shutdown()
	}
	e.degrade.Close()
	e.logger.Info().Msg("engine stopped")
}

// Status is the aggregate snapshot the status API serves.
type Status struct {
	StartedAt     time.Time         `json:"startedAt"`
	Mode          fallback.Mode     `json:"mode"`
	Stream        ws.Status         `json:"stream"`
	UniverseSize  int               `json:"universeSize"`
	Intervals     []market.Interval `json:"intervals"`
	Store         klines.Stats      `json:"store"`
	Signals       signals.Stats     `json:"signals"`
	Scheduler     scheduler.Stats   `json:"scheduler"`
	Errors        errmon.Stats      `json:"errors"`
	Cleanup       cleanup.Stats     `json:"cleanup"`
	FailureCounts map[string]int    `json:"failureCounts"`
	Notifiers     []string          `json:"notifiers,omitempty"`
}

// Status assembles the cross-component snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	st := Status{
		StartedAt:     startedAt,
		Mode:          e.degrade.Mode(),
		Stream:        ws.StatusDisconnected,
		UniverseSize:  len(e.ingestor.Universe()),
		Intervals:     e.ingestor.Intervals(),
		Store:         e.store.Stats(),
		Signals:       e.signals.Stats(),
		Scheduler:     e.sched.Stats(),
		Errors:        e.errors.Stats(),
		Cleanup:       e.cleaner.Stats(),
		FailureCounts: e.degrade.FailureCounts(),
	}
	if sp, ok := e.streams.(interface{ OverallStatus() ws.Status }); ok {
		st.Stream = sp.OverallStatus()
	}
	if e.notify != nil {
		st.Notifiers = e.notify.Providers()
	}
	return st
}

// Signals exposes the signal manager.
func (e *Engine) Signals() *signals.Manager { return e.signals }

// Traders exposes the notifying trader store.
func (e *Engine) Traders() *trader.Notifier { return e.traders }

// Scanner exposes the historical scan registry.
func (e *Engine) Scanner() *history.Scanner { return e.scanner }

// Store exposes the kline store.
func (e *Engine) Store() *klines.Store { return e.store }

// Tickers exposes the ticker table.
func (e *Engine) Tickers() *ingest.TickerTable { return e.tickers }

// Errors exposes the error monitor.
func (e *Engine) Errors() *errmon.Monitor { return e.errors }

// Runtime exposes the predicate runtime for validation at the API edge.
func (e *Engine) Runtime() *predicate.Runtime { return e.runtime }

// Cleanup exposes the sweep supervisor.
func (e *Engine) Cleanup() *cleanup.Supervisor { return e.cleaner }

// Changes exposes the changed-series set for push consumers.
func (e *Engine) Changes() *ingest.ChangeSet { return e.ingestor.Changes() }

// Settings exposes the settings service, nil when none is configured.
func (e *Engine) Settings() *settings.Service { return e.settings }

// Fallback exposes the degradation controller.
func (e *Engine) Fallback() *fallback.Controller { return e.degrade }

// Mode reports the current degradation mode.
func (e *Engine) Mode() fallback.Mode { return e.degrade.Mode() }

// OnTickers registers a sink for flushed ticker batches.
func (e *Engine) OnTickers(fn func(map[string]market.Ticker)) {
	e.ingestor.OnTickers(fn)
}

// TraderName resolves a trader id to its display name, falling back
// to the id itself.
func (e *Engine) TraderName(id string) string {
	e.nameMu.RLock()
	defer e.nameMu.RUnlock()
	if name, ok := e.names[id]; ok && name != "" {
		return name
	}
	return id
}

// probe is the recovery health check: the exchange must answer and the
// network error rate must have cooled down.
func (e *Engine) probe(ctx context.Context) error {
	if p, ok := e.exchange.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if !e.errors.ShouldRecover(errmon.CategoryNetwork) {
		return errNetworkElevated
	}
	return nil
}

func (e *Engine) onBarClose(symbol string, interval market.Interval) {
	e.signals.AdvanceBar(symbol, interval)
	if ivs := e.ingestor.Intervals(); len(ivs) > 0 && interval == ivs[0] {
		if last := e.store.LastNClosed(symbol, interval, 1); len(last) == 1 {
			e.signals.UpdatePrice(symbol, last[0].Close)
		}
	}
	e.sched.HandleClose(symbol, interval)
}

func (e *Engine) onTickerBatch(batch map[string]market.Ticker) {
	for symbol, tk := range batch {
		e.signals.UpdatePrice(symbol, tk.LastPrice)
	}
}

func (e *Engine) onTradersChanged(list []trader.Trader) {
	e.sched.ApplyTraders(list)
	e.rememberNames(list)
	e.ingestor.SetIntervals(e.requiredIntervals(list))
}

func (e *Engine) onNewSignal(sig signals.Signal) {
	if e.notify == nil {
		return
	}
	e.notify.SendSignal(sig, e.TraderName(sig.TraderID))
}

func (e *Engine) onCriticalAlert(ev errmon.Event) {
	if e.notify == nil || ev.Severity != errmon.SeverityCritical {
		return
	}
	e.notify.SendError(string(ev.Category), ev.Message)
}

// requiredIntervals is the baseline set plus every timeframe an
// enabled trader needs.
func (e *Engine) requiredIntervals(list []trader.Trader) []market.Interval {
	set := make(map[market.Interval]struct{}, len(e.opts.Intervals))
	for _, iv := range e.opts.Intervals {
		set[iv] = struct{}{}
	}
	for _, t := range list {
		if !t.Enabled {
			continue
		}
		for _, iv := range t.Timeframes() {
			set[iv] = struct{}{}
		}
	}
	out := make([]market.Interval, 0, len(set))
	for _, iv := range market.Intervals() {
		if _, ok := set[iv]; ok {
			out = append(out, iv)
		}
	}
	return out
}

func (e *Engine) rememberNames(list []trader.Trader) {
	names := make(map[string]string, len(list))
	for _, t := range list {
		names[t.ID] = t.Name
	}
	e.nameMu.Lock()
	e.names = names
	e.nameMu.Unlock()
}

func (e *Engine) snapshotLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			e.flushDedup()
		}
	}
}

func (e *Engine) flushDedup() {
	if e.settings == nil {
		return
	}
	snap := e.signals.SnapshotDedup(settings.MaxSignalHistoryEntries)
	if len(snap) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.settings.SetSignalHistory(ctx, snap); err != nil {
		e.logger.Warn().Err(err).Msg("dedup snapshot flush failed")
	}
}
