// Package scheduler turns bar closes into predicate evaluations. It keeps
// the reconciled set of enabled traders indexed by refresh interval; every
// close event for (symbol, interval) fans out to the traders on that
// interval and runs their predicates on a sharded worker pool. Events for
// the same (symbol, interval) always land on the same shard, so they
// evaluate in arrival order; distinct keys run in parallel.
package scheduler

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"crypto-screener/internal/errmon"
	"crypto-screener/internal/klines"
	"crypto-screener/internal/market"
	"crypto-screener/internal/predicate"
	"crypto-screener/internal/signals"
	"crypto-screener/internal/trader"
)

const (
	// DefaultWarmupBars is the closed-bar depth every required timeframe
	// needs before a trader evaluates on a symbol.
	DefaultWarmupBars = 50
	// shardQueueDepth bounds each worker's backlog; a full shard applies
	// backpressure to the emitting close event instead of dropping.
	shardQueueDepth = 1024
)

// SignalSink receives submissions for matched predicates.
type SignalSink interface {
	Submit(cand signals.Candidate) (signals.Signal, bool)
}

// Evaluator runs predicate code against a frozen market context.
type Evaluator interface {
	Evaluate(ctx context.Context, code string, in *predicate.Context) predicate.Result
}

// TickerSource resolves the newest ticker for a symbol.
type TickerSource interface {
	Ticker(symbol string) (market.Ticker, bool)
}

// Diff summarizes one ApplyTraders reconciliation.
type Diff struct {
	Added   int
	Updated int
	Removed int
}

// Stats is the introspection snapshot.
type Stats struct {
	Traders   int   `json:"traders"`
	Evaluated int64 `json:"evaluated"`
	Matched   int64 `json:"matched"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

type entry struct {
	t      trader.Trader
	ctx    context.Context
	cancel context.CancelFunc
}

type task struct {
	ctx        context.Context
	t          trader.Trader
	symbol     string
	openTime   int64
	closePrice float64
}

// Scheduler owns the trader schedule and the evaluation pool.
type Scheduler struct {
	store    *klines.Store
	eval     Evaluator
	sink     SignalSink
	tickers  TickerSource
	policy   trader.TierPolicy
	validate func(code string) error
	errors   *errmon.Monitor
	logger   zerolog.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
	queues  []chan task
	wg      sync.WaitGroup

	mu         sync.RWMutex
	started    bool
	stopped    bool
	traders    map[string]*entry
	byInterval map[market.Interval][]string
	warmup     int

	evaluated  atomic.Int64
	matched    atomic.Int64
	skipped    atomic.Int64
	evalErrors atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers overrides the pool size (default runtime.NumCPU).
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queues = make([]chan task, n)
		}
	}
}

// WithWarmup overrides the minimum closed-bar depth.
func WithWarmup(bars int) Option {
	return func(s *Scheduler) {
		if bars > 0 {
			s.warmup = bars
		}
	}
}

// WithTickerSource attaches ticker lookups for predicate contexts.
func WithTickerSource(ts TickerSource) Option {
	return func(s *Scheduler) { s.tickers = ts }
}

// WithTierPolicy attaches a tier veto consulted on trader application.
func WithTierPolicy(p trader.TierPolicy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithValidator attaches a compile check applied on trader application;
// traders whose code fails it are skipped instead of scheduled.
func WithValidator(fn func(code string) error) Option {
	return func(s *Scheduler) { s.validate = fn }
}

// WithErrorMonitor routes predicate failures into the error sink.
func WithErrorMonitor(m *errmon.Monitor) Option {
	return func(s *Scheduler) { s.errors = m }
}

// NewScheduler creates a stopped scheduler. Call Start to launch the pool.
func NewScheduler(store *klines.Store, eval Evaluator, sink SignalSink, logger zerolog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:      store,
		eval:       eval,
		sink:       sink,
		rootCtx:    ctx,
		cancel:     cancel,
		queues:     make([]chan task, runtime.NumCPU()),
		traders:    make(map[string]*entry),
		byInterval: make(map[market.Interval][]string),
		warmup:     DefaultWarmupBars,
		logger:     logger.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.queues {
		s.queues[i] = make(chan task, shardQueueDepth)
	}
	return s
}

// Start launches the worker pool. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	for i := range s.queues {
		s.wg.Add(1)
		go s.worker(s.queues[i])
	}
	s.logger.Info().Int("workers", len(s.queues)).Msg("scheduler started")
}

// Stop cancels all in-flight evaluations and waits for the pool to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasStarted := s.started
	s.mu.Unlock()

	s.cancel()
	if wasStarted {
		s.wg.Wait()
	}
	s.logger.Info().Msg("scheduler stopped")
}

// ApplyTraders reconciles the schedule against the full trader list.
// Disabled, vetoed, and invalid traders leave the schedule; a changed
// filter cancels the old definition's in-flight evaluations. Applying
// never evaluates anything by itself.
func (s *Scheduler) ApplyTraders(list []trader.Trader) Diff {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]trader.Trader, len(list))
	for _, t := range list {
		if !t.Enabled {
			continue
		}
		if s.policy != nil && !s.policy.CanExecute(t) {
			s.logger.Debug().Str("trader", t.ID).Str("tier", string(t.AccessTier)).Msg("trader vetoed by tier policy")
			continue
		}
		if s.validate != nil {
			if err := s.validate(t.Filter.Code); err != nil {
				s.logger.Warn().Str("trader", t.ID).Err(err).Msg("trader predicate rejected")
				s.track(errmon.CategoryParsing, err, map[string]any{"trader_id": t.ID})
				continue
			}
		}
		next[t.ID] = t
	}

	var d Diff
	for id, e := range s.traders {
		if _, ok := next[id]; !ok {
			e.cancel()
			delete(s.traders, id)
			d.Removed++
		}
	}
	for id, t := range next {
		e, ok := s.traders[id]
		if !ok {
			ctx, cancel := context.WithCancel(s.rootCtx)
			s.traders[id] = &entry{t: t, ctx: ctx, cancel: cancel}
			d.Added++
			continue
		}
		if !e.t.Equal(t) {
			e.cancel()
			ctx, cancel := context.WithCancel(s.rootCtx)
			s.traders[id] = &entry{t: t, ctx: ctx, cancel: cancel}
			d.Updated++
		}
	}

	s.byInterval = make(map[market.Interval][]string)
	for id, e := range s.traders {
		iv := e.t.Filter.RefreshInterval
		s.byInterval[iv] = append(s.byInterval[iv], id)
	}

	if d.Added+d.Updated+d.Removed > 0 {
		s.logger.Info().
			Int("added", d.Added).
			Int("updated", d.Updated).
			Int("removed", d.Removed).
			Int("scheduled", len(s.traders)).
			Msg("trader schedule reconciled")
	}
	return d
}

// HandleClose dispatches evaluations for one close event. Wire it to the
// event bus; the call only snapshots and enqueues, evaluation happens on
// the pool.
func (s *Scheduler) HandleClose(symbol string, interval market.Interval) {
	s.mu.RLock()
	if !s.started || s.stopped {
		s.mu.RUnlock()
		return
	}
	ids := s.byInterval[interval]
	if len(ids) == 0 {
		s.mu.RUnlock()
		return
	}
	warmup := s.warmup
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.traders[id])
	}
	s.mu.RUnlock()

	last := s.store.LastNClosed(symbol, interval, 1)
	if len(last) == 0 {
		return
	}
	trigger := last[0]

	q := s.queues[s.shard(symbol, interval)]
	for _, e := range entries {
		if !s.warmedUp(symbol, e.t, warmup) {
			s.skipped.Add(1)
			continue
		}
		tk := task{
			ctx:        e.ctx,
			t:          e.t,
			symbol:     symbol,
			openTime:   trigger.OpenTime,
			closePrice: trigger.Close,
		}
		select {
		case q <- tk:
		case <-s.rootCtx.Done():
			return
		}
	}
}

// Stats returns pool counters and the scheduled trader count.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	traders := len(s.traders)
	s.mu.RUnlock()
	return Stats{
		Traders:   traders,
		Evaluated: s.evaluated.Load(),
		Matched:   s.matched.Load(),
		Skipped:   s.skipped.Load(),
		Errors:    s.evalErrors.Load(),
	}
}

func (s *Scheduler) worker(q chan task) {
	defer s.wg.Done()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case tk := <-q:
			s.execute(tk)
		}
	}
}

func (s *Scheduler) execute(tk task) {
	if tk.ctx.Err() != nil {
		return
	}
	in, ok := s.buildContext(tk)
	if !ok {
		s.skipped.Add(1)
		return
	}

	res := s.eval.Evaluate(tk.ctx, tk.t.Filter.Code, in)
	s.evaluated.Add(1)
	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) {
			return
		}
		s.evalErrors.Add(1)
		s.track(errmon.CategoryParsing, res.Err, map[string]any{
			"trader_id": tk.t.ID,
			"symbol":    tk.symbol,
		})
		return
	}
	if !res.Matched {
		return
	}

	s.matched.Add(1)
	s.sink.Submit(signals.Candidate{
		TraderID:        tk.t.ID,
		Symbol:          tk.symbol,
		RefreshInterval: tk.t.Filter.RefreshInterval,
		BarOpenTime:     tk.openTime,
		Price:           tk.closePrice,
		ChangePercent:   in.Ticker.PriceChangePercent,
		Volume:          in.Ticker.QuoteVolume,
	})
}

// buildContext freezes the market view as of the triggering bar: every
// timeframe truncated to open times at or before it.
func (s *Scheduler) buildContext(tk task) (*predicate.Context, bool) {
	tfs := tk.t.Timeframes()
	in := &predicate.Context{
		Symbol:     tk.symbol,
		Timeframes: make(map[string][]market.Kline, len(tfs)),
	}
	if s.tickers != nil {
		if t, ok := s.tickers.Ticker(tk.symbol); ok {
			in.Ticker = t
		}
	}
	for _, tf := range tfs {
		view, ok := s.store.Series(tk.symbol, tf)
		if !ok {
			return nil, false
		}
		bars := view.TruncateAt(tk.openTime).All()
		if len(bars) == 0 {
			return nil, false
		}
		in.Timeframes[string(tf)] = bars
	}
	return in, true
}

func (s *Scheduler) warmedUp(symbol string, t trader.Trader, warmup int) bool {
	for _, tf := range t.Timeframes() {
		if s.store.ClosedLen(symbol, tf) < warmup {
			return false
		}
	}
	return true
}

func (s *Scheduler) shard(symbol string, interval market.Interval) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	h.Write([]byte{'|'})
	h.Write([]byte(interval))
	return int(h.Sum32() % uint32(len(s.queues)))
}

func (s *Scheduler) track(category errmon.Category, err error, meta map[string]any) {
	if s.errors == nil {
		return
	}
	s.errors.TrackError(category, err, errmon.SeverityMedium, meta)
}
