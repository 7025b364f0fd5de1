// Package klines owns all rolling kline history. The Store is the single
// source of truth for per-(symbol, interval) series; every other component
// reads through snapshots and never holds a mutable alias.
package klines

import (
	"fmt"
	"sync"
	"time"

	"crypto-screener/internal/market"
)

// DefaultCapacity bounds each series when no override is configured.
const DefaultCapacity = 1440

// UpdateResult reports what a kline update did to the series tail.
// WasClose is true when the update settled a bar: either the tail was
// replaced by its final form, or a newer bar arrived over a non-final
// tail (implicit close). OpenTime identifies the bar that closed, or the
// updated bar when nothing closed.
type UpdateResult struct {
	WasClose bool
	OpenTime int64
}

type seriesKey struct {
	symbol   string
	interval market.Interval
}

type series struct {
	mu         sync.RWMutex
	klines     []market.Kline
	capacity   int
	lastUpdate time.Time
}

// Store holds every kline series. The outer map lock is only taken to
// look up or create series; all bar-level work happens under the per-key
// series lock, so readers and writers on different keys never contend.
type Store struct {
	mu           sync.RWMutex
	series       map[seriesKey]*series
	defaultCap   int
	capOverrides map[market.Interval]int
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultCapacity overrides the process default series capacity.
func WithDefaultCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.defaultCap = n
		}
	}
}

// WithIntervalCapacity caps series of one interval, e.g. smaller bounds
// for higher timeframes.
func WithIntervalCapacity(interval market.Interval, n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capOverrides[interval] = n
		}
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		series:       make(map[seriesKey]*series),
		defaultCap:   DefaultCapacity,
		capOverrides: make(map[market.Interval]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) capacityFor(interval market.Interval) int {
	if n, ok := s.capOverrides[interval]; ok {
		return n
	}
	return s.defaultCap
}

func (s *Store) get(symbol string, interval market.Interval) (*series, bool) {
	s.mu.RLock()
	sr, ok := s.series[seriesKey{symbol, interval}]
	s.mu.RUnlock()
	return sr, ok
}

func (s *Store) getOrCreate(symbol string, interval market.Interval) *series {
	key := seriesKey{symbol, interval}

	s.mu.RLock()
	sr, ok := s.series[key]
	s.mu.RUnlock()
	if ok {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok = s.series[key]; ok {
		return sr
	}
	sr = &series{
		klines:   make([]market.Kline, 0, s.capacityFor(interval)),
		capacity: s.capacityFor(interval),
	}
	s.series[key] = sr
	return sr
}

// UpdateKline applies the tail-replace-or-append rule:
//   - same openTime as the tail: replace the tail in place (idempotent for
//     non-final duplicates, close event when the replacement is final)
//   - larger openTime: append; a non-final previous tail is settled as an
//     implicit close
//   - smaller openTime: rejected as non-monotonic
func (s *Store) UpdateKline(symbol string, interval market.Interval, k market.Kline) (UpdateResult, error) {
	if err := k.Validate(); err != nil {
		return UpdateResult{}, err
	}

	sr := s.getOrCreate(symbol, interval)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.lastUpdate = time.Now()

	n := len(sr.klines)
	if n == 0 {
		sr.klines = append(sr.klines, k)
		return UpdateResult{WasClose: k.IsFinal, OpenTime: k.OpenTime}, nil
	}

	tail := &sr.klines[n-1]
	switch {
	case k.OpenTime == tail.OpenTime:
		closed := k.IsFinal && !tail.IsFinal
		*tail = k
		return UpdateResult{WasClose: closed, OpenTime: k.OpenTime}, nil

	case k.OpenTime > tail.OpenTime:
		closedOpen := k.OpenTime
		wasClose := k.IsFinal
		if !tail.IsFinal {
			// The stream never sent the final form; settle it now.
			tail.IsFinal = true
			wasClose = true
			if !k.IsFinal {
				closedOpen = tail.OpenTime
			}
		}
		sr.klines = append(sr.klines, k)
		if len(sr.klines) > sr.capacity {
			copy(sr.klines, sr.klines[1:])
			sr.klines = sr.klines[:sr.capacity]
		}
		return UpdateResult{WasClose: wasClose, OpenTime: closedOpen}, nil

	default:
		return UpdateResult{}, fmt.Errorf("%w: openTime %d behind tail %d for %s %s",
			market.ErrInvalidKline, k.OpenTime, tail.OpenTime, symbol, interval)
	}
}

// BulkLoad replaces the series content, used by bootstrap. Bars must be
// strictly increasing in openTime; the slice is truncated to capacity by
// dropping the oldest.
func (s *Store) BulkLoad(symbol string, interval market.Interval, ks []market.Kline) error {
	for i := range ks {
		if err := ks[i].Validate(); err != nil {
			return err
		}
		if i > 0 && ks[i].OpenTime <= ks[i-1].OpenTime {
			return fmt.Errorf("%w: openTime not strictly increasing at index %d", market.ErrInvalidKline, i)
		}
	}

	sr := s.getOrCreate(symbol, interval)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if len(ks) > sr.capacity {
		ks = ks[len(ks)-sr.capacity:]
	}
	sr.klines = append(sr.klines[:0], ks...)
	sr.lastUpdate = time.Now()
	return nil
}

// Series returns a read-only snapshot of the series. The snapshot is a
// copy; later store writes are not visible through it.
func (s *Store) Series(symbol string, interval market.Interval) (View, bool) {
	sr, ok := s.get(symbol, interval)
	if !ok {
		return View{}, false
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if len(sr.klines) == 0 {
		return View{}, false
	}
	out := make([]market.Kline, len(sr.klines))
	copy(out, sr.klines)
	return View{klines: out}, true
}

// LastNClosed returns up to n of the most recent closed bars, oldest
// first, excluding any open tail.
func (s *Store) LastNClosed(symbol string, interval market.Interval, n int) []market.Kline {
	if n <= 0 {
		return nil
	}
	sr, ok := s.get(symbol, interval)
	if !ok {
		return nil
	}

	sr.mu.RLock()
	defer sr.mu.RUnlock()

	end := len(sr.klines)
	if end > 0 && !sr.klines[end-1].IsFinal {
		end--
	}
	if end == 0 {
		return nil
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]market.Kline, end-start)
	copy(out, sr.klines[start:end])
	return out
}

// ClosedLen returns the number of closed bars currently stored.
func (s *Store) ClosedLen(symbol string, interval market.Interval) int {
	sr, ok := s.get(symbol, interval)
	if !ok {
		return 0
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	n := len(sr.klines)
	if n > 0 && !sr.klines[n-1].IsFinal {
		n--
	}
	return n
}

// EvictInactive removes whole series whose last write is older than the
// threshold. Series whose symbol the keep predicate protects are skipped.
// Returns the number of series removed.
func (s *Store) EvictInactive(olderThan time.Time, keep func(symbol string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sr := range s.series {
		if keep != nil && keep(key.symbol) {
			continue
		}
		sr.mu.RLock()
		stale := sr.lastUpdate.Before(olderThan)
		sr.mu.RUnlock()
		if stale {
			delete(s.series, key)
			removed++
		}
	}
	return removed
}

// Remove drops one series if present.
func (s *Store) Remove(symbol string, interval market.Interval) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey{symbol, interval}
	if _, ok := s.series[key]; !ok {
		return false
	}
	delete(s.series, key)
	return true
}

// Symbols returns the distinct symbols with at least one series.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	out := make([]string, 0, len(s.series))
	for key := range s.series {
		if _, ok := seen[key.symbol]; ok {
			continue
		}
		seen[key.symbol] = struct{}{}
		out = append(out, key.symbol)
	}
	return out
}

// Stats summarizes store occupancy for the status API.
type Stats struct {
	Series      int            `json:"series"`
	TotalKlines int            `json:"totalKlines"`
	ByInterval  map[string]int `json:"byInterval"`
}

// Stats returns a point-in-time occupancy summary.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByInterval: make(map[string]int)}
	for key, sr := range s.series {
		sr.mu.RLock()
		n := len(sr.klines)
		sr.mu.RUnlock()
		st.Series++
		st.TotalKlines += n
		st.ByInterval[key.interval.String()] += n
	}
	return st
}
