package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"crypto-screener/internal/binance"
	"crypto-screener/internal/errmon"
	"crypto-screener/internal/events"
	"crypto-screener/internal/fallback"
	"crypto-screener/internal/klines"
	"crypto-screener/internal/market"
	"crypto-screener/internal/ws"
)

const (
	// StreamKey names the single multiplex market-data connection.
	StreamKey = "market-data"

	// DefaultSettleDelay coalesces rapid interval-set churn before the
	// stream is reopened.
	DefaultSettleDelay = 300 * time.Millisecond

	// DefaultBootstrapWorkers bounds parallel REST kline fetches.
	DefaultBootstrapWorkers = 8

	// DefaultHistoryLimit is how many bars each series is seeded with.
	DefaultHistoryLimit = 1440

	// pollDepth is how many bars each degraded-mode fetch refreshes:
	// the newest closed bar plus the forming one.
	pollDepth = 2
)

// Exchange is the REST surface the ingestor consumes.
type Exchange interface {
	Get24hrTickers(ctx context.Context) ([]market.Ticker, error)
	GetKlines(ctx context.Context, symbol string, interval market.Interval, limit int) ([]market.Kline, error)
}

// StreamDialer is the websocket surface, satisfied by ws.Manager.
type StreamDialer interface {
	Connect(key, url string, handlers ws.Handlers, autoReconnect bool) error
	Disconnect(key string)
}

// Ingestor orchestrates bootstrap, live streaming, interval churn, and
// the degraded REST polling path. All market data enters the process
// through it.
type Ingestor struct {
	client  Exchange
	store   *klines.Store
	streams StreamDialer
	bus     *events.Bus
	tickers *TickerTable
	changes *ChangeSet
	batcher *events.Batcher[market.Ticker]
	degrade *fallback.Controller
	errors  *errmon.Monitor
	logger  zerolog.Logger

	universeCfg UniverseConfig
	explicit    []string
	streamBase  string
	settleDelay time.Duration
	workers     int
	limit       int
	pollRate    int

	rootCtx context.Context
	cancel  context.CancelFunc

	// Mode reactions run on their own goroutine: the fallback
	// controller delivers transitions synchronously from whichever
	// goroutine recorded the failure, which may be the polling loop
	// the reaction needs to stop.
	transitions chan fallback.Transition
	reactorDone chan struct{}

	sinkMu sync.RWMutex
	sinks  []func(map[string]market.Ticker)

	mu             sync.Mutex
	symbols        []string
	intervals      map[market.Interval]struct{}
	pendingAdds    map[market.Interval]struct{}
	mode           fallback.Mode
	started        bool
	stopped        bool
	settleTimer    *time.Timer
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
	recoveryCancel context.CancelFunc
	unsubscribe    func()
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithUniverse overrides symbol selection at bootstrap.
func WithUniverse(cfg UniverseConfig) Option {
	return func(in *Ingestor) { in.universeCfg = cfg }
}

// WithSymbols pins the universe to an explicit list, skipping the
// ticker-volume selection.
func WithSymbols(symbols []string) Option {
	return func(in *Ingestor) { in.explicit = symbols }
}

// WithStreamURL overrides the websocket endpoint.
func WithStreamURL(base string) Option {
	return func(in *Ingestor) { in.streamBase = base }
}

// WithSettleDelay overrides the churn coalescing window.
func WithSettleDelay(d time.Duration) Option {
	return func(in *Ingestor) {
		if d > 0 {
			in.settleDelay = d
		}
	}
}

// WithBootstrapWorkers bounds parallel bootstrap fetches.
func WithBootstrapWorkers(n int) Option {
	return func(in *Ingestor) {
		if n > 0 {
			in.workers = n
		}
	}
}

// WithHistoryLimit sets how many bars bootstrap seeds per series.
func WithHistoryLimit(n int) Option {
	return func(in *Ingestor) {
		if n > 0 {
			in.limit = n
		}
	}
}

// WithFallback wires ingestion into the degradation controller.
func WithFallback(ctrl *fallback.Controller) Option {
	return func(in *Ingestor) { in.degrade = ctrl }
}

// WithPollRate sets degraded-mode REST requests per second. The
// default of 1 keeps at least a second between exchange calls.
func WithPollRate(perSecond int) Option {
	return func(in *Ingestor) {
		if perSecond > 0 {
			in.pollRate = perSecond
		}
	}
}

// WithErrorMonitor wires ingest failures into error tracking.
func WithErrorMonitor(m *errmon.Monitor) Option {
	return func(in *Ingestor) { in.errors = m }
}

// NewIngestor assembles an Ingestor around its collaborators.
func NewIngestor(client Exchange, store *klines.Store, streams StreamDialer, bus *events.Bus, tickers *TickerTable, logger zerolog.Logger, opts ...Option) *Ingestor {
	in := &Ingestor{
		client:      client,
		store:       store,
		streams:     streams,
		bus:         bus,
		tickers:     tickers,
		logger:      logger.With().Str("component", "Ingestor").Logger(),
		settleDelay: DefaultSettleDelay,
		workers:     DefaultBootstrapWorkers,
		limit:       DefaultHistoryLimit,
		pollRate:    1,
		intervals:   make(map[market.Interval]struct{}),
		mode:        fallback.ModeNormal,
	}
	for _, opt := range opts {
		opt(in)
	}

	maxSymbols := in.universeCfg.MaxSymbols
	if maxSymbols <= 0 {
		maxSymbols = DefaultMaxSymbols
	}
	in.changes = NewChangeSet(maxSymbols * len(market.Intervals()))
	in.batcher = events.NewBatcher[market.Ticker](events.DefaultFlushInterval, events.DefaultMaxQueued, in.flushTickers)
	in.rootCtx, in.cancel = context.WithCancel(context.Background())
	in.transitions = make(chan fallback.Transition, 8)
	return in
}

// OnTickers registers a sink invoked with every flushed ticker batch,
// after the table is updated.
func (in *Ingestor) OnTickers(fn func(map[string]market.Ticker)) {
	in.sinkMu.Lock()
	in.sinks = append(in.sinks, fn)
	in.sinkMu.Unlock()
}

// Changes exposes the series change set for consumer sweeps.
func (in *Ingestor) Changes() *ChangeSet { return in.changes }

// Universe returns the bootstrapped symbol set.
func (in *Ingestor) Universe() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, len(in.symbols))
	copy(out, in.symbols)
	return out
}

// Intervals returns the active interval set, narrowest first.
func (in *Ingestor) Intervals() []market.Interval {
	in.mu.Lock()
	defer in.mu.Unlock()
	return sortedIntervals(in.intervals)
}

// Mode returns the current ingestion mode.
func (in *Ingestor) Mode() fallback.Mode {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mode
}

// Bootstrap builds the symbol universe from the exchange ticker list
// and seeds every (symbol, interval) series over bounded-parallel REST.
// Per-symbol fetch failures are logged and skipped; an empty universe
// or a fully failed load is an error.
func (in *Ingestor) Bootstrap(ctx context.Context, intervals []market.Interval) error {
	tks, err := in.client.Get24hrTickers(ctx)
	if err != nil {
		in.recordFailure(fallback.ServicePrimaryREST)
		in.trackError(errmon.CategoryNetwork, err, errmon.SeverityHigh, nil)
		return fmt.Errorf("bootstrap tickers: %w", err)
	}
	in.recordSuccess(fallback.ServicePrimaryREST)

	symbols := in.explicit
	if len(symbols) == 0 {
		symbols = BuildUniverse(tks, in.universeCfg)
	}
	if len(symbols) == 0 {
		return fmt.Errorf("bootstrap: no symbols pass the universe filter")
	}

	allowed := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		allowed[sym] = struct{}{}
	}
	batch := make(map[string]market.Ticker, len(symbols))
	for _, tk := range tks {
		if _, ok := allowed[tk.Symbol]; ok {
			batch[tk.Symbol] = tk
		}
	}
	in.tickers.UpdateBatch(batch)

	in.mu.Lock()
	in.symbols = symbols
	in.intervals = make(map[market.Interval]struct{}, len(intervals))
	for _, iv := range intervals {
		in.intervals[iv] = struct{}{}
	}
	in.mu.Unlock()

	in.logger.Info().
		Int("symbols", len(symbols)).
		Int("intervals", len(intervals)).
		Msg("universe selected")

	return in.loadHistory(ctx, symbols, intervals)
}

// loadHistory seeds klines for every (symbol, interval) pair over a
// bounded worker group. Individual failures never abort the batch.
func (in *Ingestor) loadHistory(ctx context.Context, symbols []string, intervals []market.Interval) error {
	if len(symbols) == 0 || len(intervals) == 0 {
		return nil
	}

	var loaded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)

	for _, sym := range symbols {
		for _, iv := range intervals {
			sym, iv := sym, iv
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				ks, err := in.client.GetKlines(gctx, sym, iv, in.limit)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failed.Add(1)
					in.recordFailure(fallback.ServicePrimaryREST)
					in.trackError(errmon.CategoryDataFetch, err, errmon.SeverityMedium,
						map[string]any{"symbol": sym, "interval": iv.String()})
					in.logger.Warn().Err(err).
						Str("symbol", sym).
						Str("interval", iv.String()).
						Msg("bootstrap fetch failed")
					return nil
				}
				in.recordSuccess(fallback.ServicePrimaryREST)
				if len(ks) == 0 {
					return nil
				}
				if err := in.store.BulkLoad(sym, iv, ks); err != nil {
					failed.Add(1)
					in.trackError(errmon.CategoryParsing, err, errmon.SeverityMedium,
						map[string]any{"symbol": sym, "interval": iv.String()})
					return nil
				}
				loaded.Add(1)
				in.changes.Mark(sym, iv)
				in.bus.Emit(sym, iv)
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("bootstrap interrupted: %w", err)
	}

	in.logger.Info().
		Int64("seriesLoaded", loaded.Load()).
		Int64("seriesFailed", failed.Load()).
		Msg("history loaded")

	if loaded.Load() == 0 && failed.Load() > 0 {
		return fmt.Errorf("bootstrap: all %d series loads failed", failed.Load())
	}
	return nil
}

// Start opens the live path for the bootstrapped universe. In degraded
// modes the polling loop starts instead of the stream.
func (in *Ingestor) Start() error {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return fmt.Errorf("ingest: already stopped")
	}
	if in.started {
		in.mu.Unlock()
		return nil
	}
	in.started = true
	if in.degrade != nil {
		in.mode = in.degrade.Mode()
		in.unsubscribe = in.degrade.AddListener(in.onTransition)
		in.reactorDone = make(chan struct{})
		go in.reactor(in.reactorDone)
	}
	mode := in.mode
	in.mu.Unlock()

	switch mode {
	case fallback.ModeNormal:
		in.openStream()
	case fallback.ModeDirectExchange:
		in.startPolling()
	}
	return nil
}

// Stop tears down the stream, the polling loop, and the ticker batcher.
func (in *Ingestor) Stop() {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return
	}
	in.stopped = true
	if in.settleTimer != nil {
		in.settleTimer.Stop()
		in.settleTimer = nil
	}
	unsub := in.unsubscribe
	in.unsubscribe = nil
	reactorDone := in.reactorDone
	in.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	in.cancelRecovery()
	in.cancel()
	if reactorDone != nil {
		<-reactorDone
	}
	in.stopPolling()
	in.streams.Disconnect(StreamKey)
	in.batcher.Dispose()
	in.logger.Info().Msg("ingestor stopped")
}

// SetIntervals replaces the active interval set. The stream reopens
// after the settle delay so rapid toggles collapse into one reconnect;
// only newly added intervals are backfilled.
func (in *Ingestor) SetIntervals(intervals []market.Interval) {
	next := make(map[market.Interval]struct{}, len(intervals))
	for _, iv := range intervals {
		next[iv] = struct{}{}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped {
		return
	}
	if intervalSetsEqual(in.intervals, next) {
		return
	}

	if in.pendingAdds == nil {
		in.pendingAdds = make(map[market.Interval]struct{})
	}
	for iv := range next {
		if _, had := in.intervals[iv]; !had {
			in.pendingAdds[iv] = struct{}{}
		}
	}
	in.intervals = next

	if in.settleTimer != nil {
		in.settleTimer.Stop()
	}
	in.settleTimer = time.AfterFunc(in.settleDelay, in.settleChurn)
}

// settleChurn runs once the churn window closes: backfill added
// intervals, then reopen the stream for the new set.
func (in *Ingestor) settleChurn() {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return
	}
	added := sortedIntervals(in.pendingAdds)
	in.pendingAdds = nil
	symbols := make([]string, len(in.symbols))
	copy(symbols, in.symbols)
	mode := in.mode
	started := in.started
	in.mu.Unlock()

	if len(added) > 0 {
		if err := in.loadHistory(in.rootCtx, symbols, added); err != nil {
			in.logger.Error().Err(err).Msg("churn backfill failed")
		}
	}
	if started && mode == fallback.ModeNormal {
		in.openStream()
	}
}

// openStream (re)connects the multiplex socket for the current sets.
// Connect replaces any previous connection under the same key. Degraded
// modes refuse the open, so a slow recovery backfill cannot resurrect
// the stream after a re-trip.
func (in *Ingestor) openStream() {
	in.mu.Lock()
	if in.stopped || in.mode != fallback.ModeNormal {
		in.mu.Unlock()
		return
	}
	symbols := make([]string, len(in.symbols))
	copy(symbols, in.symbols)
	intervals := sortedIntervals(in.intervals)
	in.mu.Unlock()

	if len(symbols) == 0 {
		in.logger.Warn().Msg("no universe; stream not opened")
		return
	}

	names := make([]string, 0, len(symbols)*(1+len(intervals)))
	for _, sym := range symbols {
		names = append(names, binance.TickerStream(sym))
		for _, iv := range intervals {
			names = append(names, binance.KlineStream(sym, iv))
		}
	}
	url := binance.CombinedStreamURL(in.streamBase, names)

	handlers := ws.Handlers{
		OnMessage: in.onStreamMessage,
		OnOpen: func() {
			in.recordSuccess(fallback.ServicePrimaryStream)
			in.logger.Info().Int("streams", len(names)).Msg("market stream connected")
		},
		OnClose: func(code int, reason string) {
			in.recordFailure(fallback.ServicePrimaryStream)
			in.logger.Warn().Int("code", code).Str("reason", reason).Msg("market stream closed")
		},
		OnError: func(err error) {
			in.recordFailure(fallback.ServicePrimaryStream)
		},
	}

	if err := in.streams.Connect(StreamKey, url, handlers, true); err != nil {
		in.logger.Error().Err(err).Msg("stream connect refused")
	}
}

func (in *Ingestor) onStreamMessage(data []byte) {
	msg, err := binance.ParseCombinedMessage(data)
	if err != nil {
		in.trackError(errmon.CategoryParsing, err, errmon.SeverityLow, nil)
		return
	}

	switch {
	case msg.Ticker != nil:
		in.batcher.Add(msg.Ticker.Symbol, *msg.Ticker)
	case msg.Kline != nil:
		in.applyKline(msg.Kline.Symbol, msg.Kline.Interval, msg.Kline.Kline)
	}
}

// applyKline routes one bar into the store and emits the close event.
func (in *Ingestor) applyKline(symbol string, interval market.Interval, k market.Kline) {
	res, err := in.store.UpdateKline(symbol, interval, k)
	if err != nil {
		in.trackError(errmon.CategoryParsing, err, errmon.SeverityMedium,
			map[string]any{"symbol": symbol, "interval": interval.String()})
		return
	}
	in.changes.Mark(symbol, interval)
	if res.WasClose {
		in.bus.Emit(symbol, interval)
	}
}

// flushTickers is the batcher sink: table first, then registered sinks.
func (in *Ingestor) flushTickers(batch map[string]market.Ticker) {
	in.tickers.UpdateBatch(batch)

	in.sinkMu.RLock()
	sinks := make([]func(map[string]market.Ticker), len(in.sinks))
	copy(sinks, in.sinks)
	in.sinkMu.RUnlock()
	for _, fn := range sinks {
		fn(batch)
	}
}

// onTransition queues a mode change for the reactor. Newest wins when
// the queue is full; stale intermediate modes are safe to lose.
func (in *Ingestor) onTransition(tr fallback.Transition) {
	for {
		select {
		case in.transitions <- tr:
			return
		default:
			select {
			case <-in.transitions:
			default:
			}
		}
	}
}

func (in *Ingestor) reactor(done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-in.rootCtx.Done():
			return
		case tr := <-in.transitions:
			in.applyTransition(tr)
		}
	}
}

// applyTransition switches the ingest path to match the fallback mode.
func (in *Ingestor) applyTransition(tr fallback.Transition) {
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return
	}
	in.mode = tr.Mode
	in.mu.Unlock()

	switch tr.Mode {
	case fallback.ModeNormal:
		in.stopPolling()
		in.cancelRecovery()
		ctx, cancel := context.WithCancel(in.rootCtx)
		in.mu.Lock()
		in.recoveryCancel = cancel
		symbols := make([]string, len(in.symbols))
		copy(symbols, in.symbols)
		intervals := sortedIntervals(in.intervals)
		in.mu.Unlock()
		// Heal whatever gap the degraded window left, then resume
		// streaming.
		go func() {
			defer cancel()
			if err := in.loadHistory(ctx, symbols, intervals); err != nil {
				in.logger.Error().Err(err).Msg("recovery backfill failed")
			}
			if ctx.Err() == nil {
				in.openStream()
			}
		}()
	case fallback.ModeDirectExchange:
		in.cancelRecovery()
		in.streams.Disconnect(StreamKey)
		in.startPolling()
	case fallback.ModeCachedOnly, fallback.ModeOffline:
		in.cancelRecovery()
		in.streams.Disconnect(StreamKey)
		in.stopPolling()
		in.logger.Warn().Str("mode", string(tr.Mode)).Msg("ingestion suspended")
	}
}

func (in *Ingestor) cancelRecovery() {
	in.mu.Lock()
	cancel := in.recoveryCancel
	in.recoveryCancel = nil
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (in *Ingestor) startPolling() {
	in.mu.Lock()
	if in.stopped || in.pollCancel != nil {
		in.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(in.rootCtx)
	done := make(chan struct{})
	in.pollCancel = cancel
	in.pollDone = done
	in.mu.Unlock()

	go in.pollLoop(ctx, done)
}

func (in *Ingestor) stopPolling() {
	in.mu.Lock()
	cancel := in.pollCancel
	done := in.pollDone
	in.pollCancel = nil
	in.pollDone = nil
	in.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// pollLoop is the DIRECT_EXCHANGE path: sweep tickers then every
// (symbol, interval) pair over REST, paced at one request per second.
func (in *Ingestor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	rl := ratelimit.New(in.pollRate)
	in.logger.Info().Msg("direct-exchange polling started")

	// Bars already applied this polling session, so overlapping
	// fetches do not fight the store's monotonic tail.
	applied := make(map[Key]int64)

	for ctx.Err() == nil {
		rl.Take()
		tks, err := in.client.Get24hrTickers(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			in.recordFailure(fallback.ServiceDirectPoll)
			in.trackError(errmon.CategoryNetwork, err, errmon.SeverityMedium, nil)
			continue
		}
		in.recordSuccess(fallback.ServiceDirectPoll)
		batch := make(map[string]market.Ticker, len(tks))
		in.mu.Lock()
		allowed := make(map[string]struct{}, len(in.symbols))
		for _, sym := range in.symbols {
			allowed[sym] = struct{}{}
		}
		symbols := make([]string, len(in.symbols))
		copy(symbols, in.symbols)
		intervals := sortedIntervals(in.intervals)
		in.mu.Unlock()
		for _, tk := range tks {
			if _, ok := allowed[tk.Symbol]; ok {
				batch[tk.Symbol] = tk
			}
		}
		in.flushTickers(batch)

		for _, sym := range symbols {
			for _, iv := range intervals {
				if ctx.Err() != nil {
					return
				}
				rl.Take()
				ks, err := in.client.GetKlines(ctx, sym, iv, pollDepth)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					in.recordFailure(fallback.ServiceDirectPoll)
					in.trackError(errmon.CategoryDataFetch, err, errmon.SeverityLow,
						map[string]any{"symbol": sym, "interval": iv.String()})
					continue
				}
				in.recordSuccess(fallback.ServiceDirectPoll)

				key := Key{Symbol: sym, Interval: iv}
				for _, k := range ks {
					if k.OpenTime < applied[key] {
						continue
					}
					res, err := in.store.UpdateKline(sym, iv, k)
					if err != nil {
						// Overlap with pre-degradation history; the
						// next sweep starts past it.
						in.logger.Debug().Err(err).
							Str("symbol", sym).
							Msg("poll update skipped")
						continue
					}
					applied[key] = k.OpenTime
					in.changes.Mark(sym, iv)
					if res.WasClose {
						in.bus.Emit(sym, iv)
					}
				}
			}
		}
	}
}

func (in *Ingestor) recordFailure(service string) {
	if in.degrade != nil {
		in.degrade.RecordFailure(service)
	}
}

func (in *Ingestor) recordSuccess(service string) {
	if in.degrade != nil {
		in.degrade.RecordSuccess(service)
	}
}

func (in *Ingestor) trackError(cat errmon.Category, err error, sev errmon.Severity, meta map[string]any) {
	if in.errors != nil {
		in.errors.TrackError(cat, err, sev, meta)
	}
}

func sortedIntervals(set map[market.Interval]struct{}) []market.Interval {
	out := make([]market.Interval, 0, len(set))
	for _, iv := range market.Intervals() {
		if _, ok := set[iv]; ok {
			out = append(out, iv)
		}
	}
	return out
}

func intervalSetsEqual(a, b map[market.Interval]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for iv := range a {
		if _, ok := b[iv]; !ok {
			return false
		}
	}
	return true
}
