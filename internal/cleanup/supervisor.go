// Package cleanup owns the periodic memory sweeps. One fast sweep
// evicts stale tickers, inactive kline series, aged dedup histories,
// and finished historical scans; a slower sweep ages out signals.
// Symbols in the active set are never evicted.
package cleanup

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultSweepInterval is the fast sweep cadence.
	DefaultSweepInterval = 30 * time.Second
	// DefaultSignalSweepInterval is the signal age-out cadence.
	DefaultSignalSweepInterval = 5 * time.Minute

	// DefaultStaleAge evicts tickers and series untouched this long.
	DefaultStaleAge = 5 * time.Minute
	// DefaultDedupAge drops dedup histories whose last bar is older.
	DefaultDedupAge = 24 * time.Hour
	// DefaultScanAge removes finished historical scans.
	DefaultScanAge = 4 * time.Hour
	// DefaultActiveSignalAge ages out live signals.
	DefaultActiveSignalAge = time.Hour
	// DefaultClosedSignalAge ages out closed signals.
	DefaultClosedSignalAge = 24 * time.Hour

	// DefaultTopSignalSymbols is how many recent signal symbols join
	// the active set.
	DefaultTopSignalSymbols = 20

	// heapPressureFraction of the heap budget triggers halved ages.
	heapPressureFraction = 0.70
)

// TickerStore is the ticker surface the supervisor sweeps.
type TickerStore interface {
	EvictStale(olderThan time.Time, keep func(symbol string) bool) int
	ActiveSymbols(since time.Time) []string
}

// SeriesStore is the kline surface the supervisor sweeps.
type SeriesStore interface {
	EvictInactive(olderThan time.Time, keep func(symbol string) bool) int
}

// SignalStore is the signal surface the supervisor sweeps.
type SignalStore interface {
	CleanupOldSignals(activeMaxAge, closedMaxAge time.Duration) int
	PruneDedup(olderThan time.Time) int
	TopSymbols(n int) []string
}

// ScanStore removes finished historical scans.
type ScanStore interface {
	EvictCompleted(olderThan time.Time) int
}

// SweepResult reports one fast sweep.
type SweepResult struct {
	TickersEvicted int  `json:"tickersEvicted"`
	SeriesEvicted  int  `json:"seriesEvicted"`
	DedupPruned    int  `json:"dedupPruned"`
	ScansEvicted   int  `json:"scansEvicted"`
	UnderPressure  bool `json:"underPressure"`
}

// Stats accumulates sweep activity for the status API.
type Stats struct {
	Sweeps         uint64    `json:"sweeps"`
	SignalSweeps   uint64    `json:"signalSweeps"`
	TickersEvicted int       `json:"tickersEvicted"`
	SeriesEvicted  int       `json:"seriesEvicted"`
	DedupPruned    int       `json:"dedupPruned"`
	ScansEvicted   int       `json:"scansEvicted"`
	SignalsRemoved int       `json:"signalsRemoved"`
	PressureCycles uint64    `json:"pressureCycles"`
	LastSweep      time.Time `json:"lastSweep"`
}

// Supervisor runs the sweeps on two tickers until stopped.
type Supervisor struct {
	tickers TickerStore
	series  SeriesStore
	signals SignalStore
	scans   ScanStore
	logger  zerolog.Logger

	sweepEvery  time.Duration
	signalEvery time.Duration
	staleAge    time.Duration
	dedupAge    time.Duration
	scanAge     time.Duration
	activeAge   time.Duration
	closedAge   time.Duration
	topN        int
	heapBudget  uint64

	readMem func(*runtime.MemStats)
	now     func() time.Time

	mu       sync.Mutex
	selected map[string]struct{}
	stats    Stats
	started  bool
	stopped  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithIntervals overrides the two sweep cadences.
func WithIntervals(sweep, signalSweep time.Duration) Option {
	return func(s *Supervisor) {
		if sweep > 0 {
			s.sweepEvery = sweep
		}
		if signalSweep > 0 {
			s.signalEvery = signalSweep
		}
	}
}

// WithStaleAge overrides the ticker/series inactivity threshold.
func WithStaleAge(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.staleAge = d
		}
	}
}

// WithSignalAges overrides the live and closed signal age-out.
func WithSignalAges(active, closed time.Duration) Option {
	return func(s *Supervisor) {
		if active > 0 {
			s.activeAge = active
		}
		if closed > 0 {
			s.closedAge = closed
		}
	}
}

// WithScanStore wires historical scan eviction into the sweep.
func WithScanStore(scans ScanStore) Option {
	return func(s *Supervisor) { s.scans = scans }
}

// WithHeapBudget arms the pressure check: heap use above 70% of budget
// halves every age threshold for that cycle. Zero disables it.
func WithHeapBudget(bytes uint64) Option {
	return func(s *Supervisor) { s.heapBudget = bytes }
}

// WithTopSymbols overrides how many recent signal symbols stay active.
func WithTopSymbols(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.topN = n
		}
	}
}

// NewSupervisor wires the sweeps around the stores.
func NewSupervisor(tickers TickerStore, series SeriesStore, signals SignalStore, logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		tickers:     tickers,
		series:      series,
		signals:     signals,
		logger:      logger.With().Str("component", "Cleanup").Logger(),
		sweepEvery:  DefaultSweepInterval,
		signalEvery: DefaultSignalSweepInterval,
		staleAge:    DefaultStaleAge,
		dedupAge:    DefaultDedupAge,
		scanAge:     DefaultScanAge,
		activeAge:   DefaultActiveSignalAge,
		closedAge:   DefaultClosedSignalAge,
		topN:        DefaultTopSignalSymbols,
		readMem:     runtime.ReadMemStats,
		now:         time.Now,
		selected:    make(map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loops. Safe to call once.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()
}

// Stop halts the loops and waits for an in-flight sweep to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// SetSelected replaces the explicitly protected symbol set (chart
// focus and favorites).
func (s *Supervisor) SetSelected(symbols []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		next[sym] = struct{}{}
	}
	s.mu.Lock()
	s.selected = next
	s.mu.Unlock()
}

// Selected returns the protected symbol set.
func (s *Supervisor) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.selected))
	for sym := range s.selected {
		out = append(out, sym)
	}
	return out
}

// Stats returns accumulated sweep counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Supervisor) run() {
	defer s.wg.Done()

	fast := time.NewTicker(s.sweepEvery)
	defer fast.Stop()
	slow := time.NewTicker(s.signalEvery)
	defer slow.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-fast.C:
			s.Sweep()
		case <-slow.C:
			s.SweepSignals()
		}
	}
}

// Sweep runs one fast cycle immediately.
func (s *Supervisor) Sweep() SweepResult {
	pressured := s.underPressure()
	staleAge, dedupAge, scanAge := s.staleAge, s.dedupAge, s.scanAge
	if pressured {
		staleAge /= 2
		dedupAge /= 2
		scanAge /= 2
	}

	now := s.now()
	active := s.activeSet(now.Add(-staleAge))
	keep := func(sym string) bool {
		_, ok := active[sym]
		return ok
	}

	res := SweepResult{UnderPressure: pressured}
	res.TickersEvicted = s.tickers.EvictStale(now.Add(-staleAge), keep)
	res.SeriesEvicted = s.series.EvictInactive(now.Add(-staleAge), keep)
	res.DedupPruned = s.signals.PruneDedup(now.Add(-dedupAge))
	if s.scans != nil {
		res.ScansEvicted = s.scans.EvictCompleted(now.Add(-scanAge))
	}

	s.mu.Lock()
	s.stats.Sweeps++
	s.stats.TickersEvicted += res.TickersEvicted
	s.stats.SeriesEvicted += res.SeriesEvicted
	s.stats.DedupPruned += res.DedupPruned
	s.stats.ScansEvicted += res.ScansEvicted
	s.stats.LastSweep = now
	if pressured {
		s.stats.PressureCycles++
	}
	s.mu.Unlock()

	if res.TickersEvicted+res.SeriesEvicted+res.DedupPruned+res.ScansEvicted > 0 || pressured {
		s.logger.Debug().
			Int("tickers", res.TickersEvicted).
			Int("series", res.SeriesEvicted).
			Int("dedup", res.DedupPruned).
			Int("scans", res.ScansEvicted).
			Bool("pressure", pressured).
			Msg("sweep")
	}
	return res
}

// SweepSignals runs one signal age-out cycle immediately.
func (s *Supervisor) SweepSignals() int {
	activeAge, closedAge := s.activeAge, s.closedAge
	if s.underPressure() {
		activeAge /= 2
		closedAge /= 2
	}

	removed := s.signals.CleanupOldSignals(activeAge, closedAge)

	s.mu.Lock()
	s.stats.SignalSweeps++
	s.stats.SignalsRemoved += removed
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("signals aged out")
	}
	return removed
}

// activeSet is the union of recently updated ticker symbols, the
// symbols of the most recent signals, and the explicit selection.
func (s *Supervisor) activeSet(recentSince time.Time) map[string]struct{} {
	set := make(map[string]struct{})
	for _, sym := range s.tickers.ActiveSymbols(recentSince) {
		set[sym] = struct{}{}
	}
	for _, sym := range s.signals.TopSymbols(s.topN) {
		set[sym] = struct{}{}
	}
	s.mu.Lock()
	for sym := range s.selected {
		set[sym] = struct{}{}
	}
	s.mu.Unlock()
	return set
}

func (s *Supervisor) underPressure() bool {
	if s.heapBudget == 0 {
		return false
	}
	var ms runtime.MemStats
	s.readMem(&ms)
	return float64(ms.HeapAlloc) > heapPressureFraction*float64(s.heapBudget)
}
