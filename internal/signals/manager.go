// Package signals owns detection results and their deduplication. A
// candidate only becomes a new Signal when enough bars have passed since
// the last one for the same (trader, symbol); inside the window the
// existing signal's count grows instead. Bar distance is measured in
// close events of the trader's refresh interval, never wall clock.
package signals

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-screener/internal/container"
	"crypto-screener/internal/market"
)

const (
	// DefaultDedupeThreshold is the bar distance below which a repeat
	// detection folds into the existing signal.
	DefaultDedupeThreshold = 50
	// DedupCapacity bounds the per-(trader, symbol) history.
	DedupCapacity = 1000
	// LogSize bounds the chronological emission log.
	LogSize = 100

	// DefaultActiveMaxAge is the sweep age for live signals.
	DefaultActiveMaxAge = time.Hour
	// DefaultClosedMaxAge is the sweep age for closed signals.
	DefaultClosedMaxAge = 24 * time.Hour
)

// Status is a signal's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Source distinguishes locally detected signals from remote-fed ones.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Signal is a materialized detection.
type Signal struct {
	ID                    string             `json:"id"`
	TraderID              string             `json:"traderId"`
	Symbol                string             `json:"symbol"`
	DetectedAt            time.Time          `json:"detectedAt"`
	BarOpenTime           int64              `json:"barOpenTime"`
	PriceAtSignal         float64            `json:"priceAtSignal"`
	ChangePercentAtSignal float64            `json:"changePercentAtSignal"`
	VolumeAtSignal        float64            `json:"volumeAtSignal"`
	LastPrice             float64            `json:"lastPrice"`
	Count                 int                `json:"count"`
	Status                Status             `json:"status"`
	Source                Source             `json:"source"`
	Meta                  map[string]float64 `json:"meta,omitempty"`
	ClosedAt              time.Time          `json:"closedAt"`
}

// Candidate is what the scheduler submits on a predicate match.
type Candidate struct {
	TraderID        string
	Symbol          string
	RefreshInterval market.Interval
	BarOpenTime     int64
	Price           float64
	ChangePercent   float64
	Volume          float64
	Meta            map[string]float64
}

// DedupEntry is the persisted form of one (trader, symbol) history line.
type DedupEntry struct {
	BarCount     int   `json:"barCount"`
	LastOpenTime int64 `json:"lastOpenTime"`
}

// Query filters List output.
type Query struct {
	Limit     int
	Offset    int
	TraderIDs []string
	Symbol    string
	Status    Status
	Source    Source
}

// Stats is the introspection snapshot for status endpoints.
type Stats struct {
	Active       int    `json:"active"`
	Closed       int    `json:"closed"`
	DedupTracked int    `json:"dedupTracked"`
	DedupEvicted uint64 `json:"dedupEvicted"`
	TotalEmitted int64  `json:"totalEmitted"`
}

// dedupState tracks the window per (trader, symbol). BarsSinceLast is
// anchored at the last new signal; increments inside the window do not
// reset it, so continuous matching still yields a fresh signal once the
// threshold passes.
type dedupState struct {
	refreshInterval market.Interval
	lastBarOpenTime int64
	barsSinceLast   int
	signalID        string
}

// Manager applies dedup and stores live and closed signals.
type Manager struct {
	mu        sync.RWMutex
	active    map[string]*Signal
	closed    map[string]*Signal
	dedup     *container.BoundedMap[string, *dedupState]
	lastPrice map[string]float64
	log       *container.CircularBuffer[Signal]
	listeners map[int]func(Signal)
	nextID    int
	threshold int
	emitted   int64

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDedupeThreshold overrides the dedup bar distance.
func WithDedupeThreshold(bars int) Option {
	return func(m *Manager) {
		if bars > 0 {
			m.threshold = bars
		}
	}
}

// NewManager creates an empty Manager.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		active:    make(map[string]*Signal),
		closed:    make(map[string]*Signal),
		dedup:     container.NewBoundedMap[string, *dedupState](DedupCapacity, container.EvictLRU),
		lastPrice: make(map[string]float64),
		log:       container.NewCircularBuffer[Signal](LogSize),
		listeners: make(map[int]func(Signal)),
		threshold: DefaultDedupeThreshold,
		now:       time.Now,
		logger:    logger.With().Str("component", "signals").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDedupeThreshold changes the window at runtime (settings updates).
func (m *Manager) SetDedupeThreshold(bars int) {
	if bars <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = bars
}

// DedupeThreshold returns the active window size in bars.
func (m *Manager) DedupeThreshold() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// Submit applies the dedup algorithm to one candidate. It returns the
// affected signal and whether it is newly created. Listeners fire only
// for new signals.
func (m *Manager) Submit(cand Candidate) (Signal, bool) {
	key := dedupKey(cand.TraderID, cand.Symbol)

	m.mu.Lock()
	now := m.now()

	state, ok := m.dedup.Get(key)
	if ok && state.barsSinceLast < m.threshold {
		state.lastBarOpenTime = cand.BarOpenTime
		if sig, live := m.active[state.signalID]; live {
			sig.Count++
			sig.LastPrice = cand.Price
			out := *sig
			m.mu.Unlock()
			return out, false
		}
		// The window is still open but its signal is gone (restart or
		// eviction): stay suppressed rather than re-alerting.
		m.mu.Unlock()
		return Signal{}, false
	}

	sig := &Signal{
		ID:                    uuid.New().String(),
		TraderID:              cand.TraderID,
		Symbol:                cand.Symbol,
		DetectedAt:            now,
		BarOpenTime:           cand.BarOpenTime,
		PriceAtSignal:         cand.Price,
		ChangePercentAtSignal: cand.ChangePercent,
		VolumeAtSignal:        cand.Volume,
		LastPrice:             cand.Price,
		Count:                 1,
		Status:                StatusActive,
		Source:                SourceLocal,
		Meta:                  cand.Meta,
	}
	m.active[sig.ID] = sig
	m.dedup.Set(key, &dedupState{
		refreshInterval: cand.RefreshInterval,
		lastBarOpenTime: cand.BarOpenTime,
		signalID:        sig.ID,
	})
	m.emitted++
	m.log.Push(*sig)

	out := *sig
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Info().
		Str("trader", cand.TraderID).
		Str("symbol", cand.Symbol).
		Float64("price", cand.Price).
		Msg("new signal")
	m.deliver(out, listeners)
	return out, true
}

// AdvanceBar counts one closed bar for every tracked (trader, symbol)
// history whose trader refreshes on interval. Bar counts never decrease.
func (m *Manager) AdvanceBar(symbol string, interval market.Interval) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dedup.Iterate(func(key string, state *dedupState) bool {
		if state.refreshInterval == interval && keySymbol(key) == symbol {
			state.barsSinceLast++
		}
		return true
	})
}

// UpdatePrice retags every active signal for symbol with the latest
// close and records it for CurrentPrice.
func (m *Manager) UpdatePrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPrice[symbol] = price
	for _, sig := range m.active {
		if sig.Symbol == symbol {
			sig.LastPrice = price
		}
	}
}

// CurrentPrice returns the last close observed for symbol.
func (m *Manager) CurrentPrice(symbol string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.lastPrice[symbol]
	return p, ok
}

// Close moves a live signal to the closed store. Closing is always
// explicit; no sweep closes signals on its own.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sig, ok := m.active[id]
	if !ok {
		return false
	}
	delete(m.active, id)
	sig.Status = StatusClosed
	sig.ClosedAt = m.now()
	m.closed[id] = sig
	return true
}

// Get returns one signal by id from either store.
func (m *Manager) Get(id string) (Signal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sig, ok := m.active[id]; ok {
		return *sig, true
	}
	if sig, ok := m.closed[id]; ok {
		return *sig, true
	}
	return Signal{}, false
}

// List returns signals matching q, newest first.
func (m *Manager) List(q Query) []Signal {
	m.mu.RLock()

	out := make([]Signal, 0, len(m.active)+len(m.closed))
	if q.Status != StatusClosed {
		for _, sig := range m.active {
			if matches(sig, q) {
				out = append(out, *sig)
			}
		}
	}
	if q.Status != StatusActive {
		for _, sig := range m.closed {
			if matches(sig, q) {
				out = append(out, *sig)
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []Signal{}
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Log returns the chronological emission log, oldest first, bounded to
// the last 100 emissions by construction.
func (m *Manager) Log() []Signal {
	return m.log.GetAll()
}

// OnSignal registers fn for new signals and returns an unsubscribe func.
func (m *Manager) OnSignal(fn func(Signal)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// CleanupOldSignals evicts live signals older than activeMaxAge and
// closed signals older than closedMaxAge. Returns how many were removed.
// The cleanup supervisor halves the ages under memory pressure.
func (m *Manager) CleanupOldSignals(activeMaxAge, closedMaxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, sig := range m.active {
		if now.Sub(sig.DetectedAt) > activeMaxAge {
			delete(m.active, id)
			removed++
		}
	}
	for id, sig := range m.closed {
		if now.Sub(sig.ClosedAt) > closedMaxAge {
			delete(m.closed, id)
			removed++
		}
	}
	return removed
}

// PruneDedup drops dedup histories whose last bar opened before the
// cutoff. Returns how many were removed.
func (m *Manager) PruneDedup(olderThan time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := olderThan.UnixMilli()
	var stale []string
	m.dedup.Iterate(func(key string, st *dedupState) bool {
		if st.lastBarOpenTime < cutoff {
			stale = append(stale, key)
		}
		return true
	})
	for _, key := range stale {
		m.dedup.Delete(key)
	}
	return len(stale)
}

// TopSymbols returns up to n distinct symbols ordered by most recent
// signal; the cleanup supervisor folds them into the active set.
func (m *Manager) TopSymbols(n int) []string {
	if n <= 0 {
		return nil
	}
	recent := m.List(Query{})
	seen := make(map[string]bool, n)
	out := make([]string, 0, n)
	for _, sig := range recent {
		if seen[sig.Symbol] {
			continue
		}
		seen[sig.Symbol] = true
		out = append(out, sig.Symbol)
		if len(out) == n {
			break
		}
	}
	return out
}

// SnapshotDedup exports up to max most-recent histories keyed
// "traderId:symbol" for persistence.
func (m *Manager) SnapshotDedup(max int) map[string]DedupEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		key   string
		state dedupState
	}
	all := make([]entry, 0, m.dedup.Len())
	m.dedup.Iterate(func(key string, state *dedupState) bool {
		all = append(all, entry{key, *state})
		return true
	})
	// Iterate walks oldest first; keep the newest tail.
	if max > 0 && len(all) > max {
		all = all[len(all)-max:]
	}

	out := make(map[string]DedupEntry, len(all))
	for _, e := range all {
		out[e.key] = DedupEntry{BarCount: e.state.barsSinceLast, LastOpenTime: e.state.lastBarOpenTime}
	}
	return out
}

// RestoreDedup seeds histories from a persisted snapshot so dedup
// suppression survives a restart. refreshFor resolves a trader's refresh
// interval; entries whose trader is gone are dropped. Restored entries
// carry no live signal reference, so matches inside their window stay
// suppressed.
func (m *Manager) RestoreDedup(entries map[string]DedupEntry, refreshFor func(traderID string) (market.Interval, bool)) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for key, e := range entries {
		interval, ok := refreshFor(keyTrader(key))
		if !ok {
			continue
		}
		m.dedup.Set(key, &dedupState{
			refreshInterval: interval,
			lastBarOpenTime: e.LastOpenTime,
			barsSinceLast:   e.BarCount,
		})
		restored++
	}
	return restored
}

// Stats returns counters for the status endpoint.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Active:       len(m.active),
		Closed:       len(m.closed),
		DedupTracked: m.dedup.Len(),
		DedupEvicted: m.dedup.Evictions(),
		TotalEmitted: m.emitted,
	}
}

func (m *Manager) snapshotListenersLocked() []func(Signal) {
	out := make([]func(Signal), 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func (m *Manager) deliver(sig Signal, listeners []func(Signal)) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn().Interface("panic", r).Msg("signal listener panicked")
				}
			}()
			fn(sig)
		}()
	}
}

func dedupKey(traderID, symbol string) string {
	return traderID + ":" + symbol
}

func keySymbol(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[i+1:]
		}
	}
	return key
}

func keyTrader(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

func matches(sig *Signal, q Query) bool {
	if q.Symbol != "" && sig.Symbol != q.Symbol {
		return false
	}
	if q.Source != "" && sig.Source != q.Source {
		return false
	}
	if len(q.TraderIDs) > 0 {
		found := false
		for _, id := range q.TraderIDs {
			if sig.TraderID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
