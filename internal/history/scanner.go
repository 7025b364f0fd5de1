// Package history replays trader predicates over stored klines. A scan
// walks each symbol's primary series backward bar by bar, rebuilding the
// market view as it stood at that bar, and reports matches as replayed
// signals. Scans run detached with live progress; results stay queryable
// until evicted.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-screener/internal/indicators"
	"crypto-screener/internal/klines"
	"crypto-screener/internal/market"
	"crypto-screener/internal/predicate"
	"crypto-screener/internal/signals"
	"crypto-screener/internal/trader"
)

const (
	// DefaultWorkers is how many symbols scan in parallel.
	DefaultWorkers = 8
	// DefaultLookback is the bar depth when the config leaves it zero.
	DefaultLookback = 500
	// MaxSignals hard-bounds a scan's output; matches past it are
	// dropped and counted as overflow.
	MaxSignals = 1000

	progressDepth = 16
)

var (
	// ErrNoTraders is returned when a scan has nothing to evaluate.
	ErrNoTraders = errors.New("history: no traders to scan")
	// ErrNoSymbols is returned when the store holds no series.
	ErrNoSymbols = errors.New("history: no symbols to scan")
)

// Evaluator runs predicate code against a frozen market context.
type Evaluator interface {
	Evaluate(ctx context.Context, code string, in *predicate.Context) predicate.Result
}

// ScanConfig describes one scan request.
type ScanConfig struct {
	Traders             []trader.Trader
	Symbols             []string // empty = every symbol in the store
	LookbackBars        int
	MaxSignalsPerSymbol int // 0 = unbounded (global cap still applies)
	RecordIndicators    bool
}

// Progress is one progress report, emitted as symbols complete.
type Progress struct {
	SymbolIndex     int     `json:"symbolIndex"`
	TotalSymbols    int     `json:"totalSymbols"`
	CurrentSymbol   string  `json:"currentSymbol"`
	PercentComplete float64 `json:"percentComplete"`
	SignalsFound    int     `json:"signalsFound"`
}

// HistoricalSignal is a replayed detection.
type HistoricalSignal struct {
	signals.Signal
	BarsAgo  int  `json:"barsAgo"`
	Replayed bool `json:"replayed"`
}

// State is a scan's lifecycle phase.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Status is a point-in-time scan summary.
type Status struct {
	ID               string    `json:"id"`
	State            State     `json:"state"`
	StartedAt        time.Time `json:"startedAt"`
	CompletedAt      time.Time `json:"completedAt"`
	TotalSymbols     int       `json:"totalSymbols"`
	CompletedSymbols int       `json:"completedSymbols"`
	SignalsFound     int       `json:"signalsFound"`
	Overflow         int       `json:"overflow"`
	EvalErrors       int       `json:"evalErrors"`
}

// Scan is one running or finished replay.
type Scan struct {
	ID        string
	StartedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	progress chan Progress
	signalCh chan HistoricalSignal
	done     chan struct{}

	mu           sync.Mutex
	state        State
	completedAt  time.Time
	totalSymbols int
	completed    int
	results      []HistoricalSignal
	perSymbol    map[string]int
	overflow     int
	evalErrors   int
}

// Progress returns the progress stream; closed when the scan ends.
func (s *Scan) Progress() <-chan Progress { return s.progress }

// Signals returns the live result stream; closed when the scan ends. The
// channel is buffered to the output cap, so the scan never blocks on it.
func (s *Scan) Signals() <-chan HistoricalSignal { return s.signalCh }

// Done is closed when the scan finishes or is cancelled.
func (s *Scan) Done() <-chan struct{} { return s.done }

// Cancel stops the scan at the next bar boundary. Partial results stay
// available.
func (s *Scan) Cancel() { s.cancel() }

// Results returns a copy of everything found so far.
func (s *Scan) Results() []HistoricalSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoricalSignal, len(s.results))
	copy(out, s.results)
	return out
}

// Status summarizes the scan.
func (s *Scan) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:               s.ID,
		State:            s.state,
		StartedAt:        s.StartedAt,
		CompletedAt:      s.completedAt,
		TotalSymbols:     s.totalSymbols,
		CompletedSymbols: s.completed,
		SignalsFound:     len(s.results),
		Overflow:         s.overflow,
		EvalErrors:       s.evalErrors,
	}
}

// addSignal accepts sig under the global cap. It returns whether the
// signal was kept and the symbol's running match count.
func (s *Scan) addSignal(sig HistoricalSignal) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.perSymbol[sig.Symbol]++
	count := s.perSymbol[sig.Symbol]
	if len(s.results) >= MaxSignals {
		s.overflow++
		return false, count
	}
	s.results = append(s.results, sig)
	s.signalCh <- sig
	return true, count
}

func (s *Scan) noteError() {
	s.mu.Lock()
	s.evalErrors++
	s.mu.Unlock()
}

func (s *Scan) symbolDone(symbol string) {
	s.mu.Lock()
	s.completed++
	p := Progress{
		SymbolIndex:     s.completed,
		TotalSymbols:    s.totalSymbols,
		CurrentSymbol:   symbol,
		PercentComplete: float64(s.completed) / float64(s.totalSymbols) * 100,
		SignalsFound:    len(s.results),
	}
	s.mu.Unlock()

	// Drop the oldest report rather than block a slow consumer.
	for {
		select {
		case s.progress <- p:
			return
		default:
		}
		select {
		case <-s.progress:
		default:
		}
	}
}

func (s *Scan) finish() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.state = StateCancelled
	} else {
		s.state = StateCompleted
	}
	s.completedAt = time.Now().UTC()
	s.mu.Unlock()

	close(s.signalCh)
	close(s.progress)
	close(s.done)
}

// Scanner runs and tracks scans.
type Scanner struct {
	store   *klines.Store
	eval    Evaluator
	workers int
	logger  zerolog.Logger

	mu    sync.Mutex
	scans map[string]*Scan
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithWorkers overrides the symbol parallelism.
func WithWorkers(n int) Option {
	return func(sc *Scanner) {
		if n > 0 {
			sc.workers = n
		}
	}
}

// NewScanner creates a Scanner over the given store and evaluator.
func NewScanner(store *klines.Store, eval Evaluator, logger zerolog.Logger, opts ...Option) *Scanner {
	sc := &Scanner{
		store:   store,
		eval:    eval,
		workers: DefaultWorkers,
		scans:   make(map[string]*Scan),
		logger:  logger.With().Str("component", "history").Logger(),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Start launches a scan and returns immediately.
func (sc *Scanner) Start(cfg ScanConfig) (*Scan, error) {
	traders := make([]trader.Trader, 0, len(cfg.Traders))
	for _, t := range cfg.Traders {
		if t.Filter.Code != "" {
			traders = append(traders, t)
		}
	}
	if len(traders) == 0 {
		return nil, ErrNoTraders
	}

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = sc.store.Symbols()
		sort.Strings(symbols)
	}
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}
	if cfg.LookbackBars <= 0 {
		cfg.LookbackBars = DefaultLookback
	}

	ctx, cancel := context.WithCancel(context.Background())
	scan := &Scan{
		ID:           uuid.New().String(),
		StartedAt:    time.Now().UTC(),
		ctx:          ctx,
		cancel:       cancel,
		progress:     make(chan Progress, progressDepth),
		signalCh:     make(chan HistoricalSignal, MaxSignals),
		done:         make(chan struct{}),
		state:        StateRunning,
		totalSymbols: len(symbols),
		perSymbol:    make(map[string]int),
	}

	sc.mu.Lock()
	sc.scans[scan.ID] = scan
	sc.mu.Unlock()

	sc.logger.Info().
		Str("scan", scan.ID).
		Int("symbols", len(symbols)).
		Int("traders", len(traders)).
		Int("lookback", cfg.LookbackBars).
		Msg("scan started")

	go sc.run(scan, cfg, symbols, traders)
	return scan, nil
}

// Get returns a tracked scan.
func (sc *Scanner) Get(id string) (*Scan, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s, ok := sc.scans[id]
	return s, ok
}

// List returns every tracked scan's status, newest first.
func (sc *Scanner) List() []Status {
	sc.mu.Lock()
	scans := make([]*Scan, 0, len(sc.scans))
	for _, s := range sc.scans {
		scans = append(scans, s)
	}
	sc.mu.Unlock()

	out := make([]Status, 0, len(scans))
	for _, s := range scans {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Delete cancels a scan and forgets it.
func (sc *Scanner) Delete(id string) bool {
	sc.mu.Lock()
	s, ok := sc.scans[id]
	if ok {
		delete(sc.scans, id)
	}
	sc.mu.Unlock()

	if ok {
		s.Cancel()
	}
	return ok
}

// EvictCompleted forgets finished scans whose completion predates
// olderThan. Running scans are never evicted.
func (sc *Scanner) EvictCompleted(olderThan time.Time) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	n := 0
	for id, s := range sc.scans {
		st := s.Status()
		if st.State != StateRunning && st.CompletedAt.Before(olderThan) {
			delete(sc.scans, id)
			n++
		}
	}
	return n
}

func (sc *Scanner) run(scan *Scan, cfg ScanConfig, symbols []string, traders []trader.Trader) {
	g, ctx := errgroup.WithContext(scan.ctx)
	g.SetLimit(sc.workers)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sc.scanSymbol(ctx, scan, cfg, symbol, traders)
			if ctx.Err() == nil {
				scan.symbolDone(symbol)
			}
			return nil
		})
	}
	g.Wait()
	scan.finish()

	st := scan.Status()
	sc.logger.Info().
		Str("scan", scan.ID).
		Str("state", string(st.State)).
		Int("signals", st.SignalsFound).
		Int("overflow", st.Overflow).
		Msg("scan finished")
}

func (sc *Scanner) scanSymbol(ctx context.Context, scan *Scan, cfg ScanConfig, symbol string, traders []trader.Trader) {
	for _, tr := range traders {
		if ctx.Err() != nil {
			return
		}
		primary, ok := sc.store.Series(symbol, tr.Filter.RefreshInterval)
		if !ok {
			continue
		}
		closedBars := primary.Closed()
		n := len(closedBars)
		if n == 0 {
			continue
		}
		lookback := cfg.LookbackBars
		if lookback > n {
			lookback = n
		}

		views := make(map[market.Interval]klines.View)
		complete := true
		for _, tf := range tr.Timeframes() {
			v, ok := sc.store.Series(symbol, tf)
			if !ok {
				complete = false
				break
			}
			views[tf] = v
		}
		if !complete {
			continue
		}

		for i := 0; i < lookback; i++ {
			if ctx.Err() != nil {
				return
			}
			bar := closedBars[n-1-i]

			in := &predicate.Context{
				Symbol:     symbol,
				Timeframes: make(map[string][]market.Kline, len(views)),
			}
			usable := true
			for tf, v := range views {
				bars := v.TruncateAt(bar.OpenTime).All()
				if len(bars) == 0 {
					usable = false
					break
				}
				in.Timeframes[string(tf)] = bars
			}
			if !usable {
				continue
			}

			res := sc.eval.Evaluate(ctx, tr.Filter.Code, in)
			if res.Err != nil {
				if errors.Is(res.Err, context.Canceled) {
					return
				}
				scan.noteError()
				continue
			}
			if !res.Matched {
				continue
			}

			_, symbolCount := scan.addSignal(buildSignal(tr, symbol, bar, i, cfg.RecordIndicators, in))
			if cfg.MaxSignalsPerSymbol > 0 && symbolCount >= cfg.MaxSignalsPerSymbol {
				return
			}
		}
	}
}

func buildSignal(tr trader.Trader, symbol string, bar market.Kline, barsAgo int, record bool, in *predicate.Context) HistoricalSignal {
	sig := HistoricalSignal{
		Signal: signals.Signal{
			ID:             uuid.New().String(),
			TraderID:       tr.ID,
			Symbol:         symbol,
			DetectedAt:     time.UnixMilli(bar.CloseTime).UTC(),
			BarOpenTime:    bar.OpenTime,
			PriceAtSignal:  bar.Close,
			VolumeAtSignal: bar.Volume,
			LastPrice:      bar.Close,
			Count:          1,
			Status:         signals.StatusActive,
			Source:         signals.SourceLocal,
		},
		BarsAgo:  barsAgo,
		Replayed: true,
	}
	if record {
		primary := in.Timeframes[string(tr.Filter.RefreshInterval)]
		meta := make(map[string]float64, 4)
		if v, ok := indicators.CalculateRSI(primary, 14); ok {
			meta["rsi14"] = v
		}
		if v, ok := indicators.CalculateSMA(primary, 20); ok {
			meta["sma20"] = v
		}
		if v, ok := indicators.CalculateEMA(primary, 20); ok {
			meta["ema20"] = v
		}
		if v, ok := indicators.CalculateAverageVolume(primary, 20); ok {
			meta["avgVolume20"] = v
		}
		if len(meta) > 0 {
			sig.Meta = meta
		}
	}
	return sig
}
