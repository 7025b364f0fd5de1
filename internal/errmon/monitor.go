// Package errmon is the categorized error sink. Components classify
// failures instead of unwinding: every error lands here, gets
// deduplicated and rate-tracked, and the rest of the system reads the
// aggregate through Stats, subscriptions, and recovery advice.
package errmon

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crypto-screener/internal/container"
)

const (
	// HistorySize bounds the raw event log.
	HistorySize = 100
	// DedupWindow collapses identical category:message pairs.
	DedupWindow = 5 * time.Second
	// MaxMessageLen truncates stored messages.
	MaxMessageLen = 500

	// dedupIndexCap bounds the dedup lookup table; only entries inside
	// DedupWindow matter, LRU keeps the hot ones.
	dedupIndexCap = 512
	// statsRecent is how many events Stats carries inline.
	statsRecent = 10
)

// Category classifies where an error came from.
type Category string

const (
	CategoryNetwork   Category = "NETWORK"
	CategoryRealtime  Category = "REALTIME"
	CategoryDataFetch Category = "DATA_FETCH"
	CategoryCache     Category = "CACHE"
	CategoryWebsocket Category = "WEBSOCKET"
	CategoryParsing   Category = "PARSING"
	CategoryUnknown   Category = "UNKNOWN"
)

// Categories lists every known category.
func Categories() []Category {
	return []Category{
		CategoryNetwork, CategoryRealtime, CategoryDataFetch,
		CategoryCache, CategoryWebsocket, CategoryParsing, CategoryUnknown,
	}
}

// Severity grades an error's impact.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// secretKeyMarkers are stripped from metadata by case-insensitive
// substring match on the key.
var secretKeyMarkers = []string{"api key", "password", "token", "secret", "credential"}

// DefaultThresholds is the per-category events-per-minute budget before a
// CRITICAL alert is synthesized.
var DefaultThresholds = map[Category]int{
	CategoryNetwork:   30,
	CategoryRealtime:  30,
	CategoryDataFetch: 60,
	CategoryCache:     60,
	CategoryWebsocket: 30,
	CategoryParsing:   60,
	CategoryUnknown:   20,
}

// Event is one tracked error. Count grows when identical errors arrive
// inside the dedup window instead of a second record being stored.
type Event struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Count     int            `json:"count"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Synthetic bool           `json:"synthetic,omitempty"`
}

// MemoryStats approximates what the monitor itself retains.
type MemoryStats struct {
	ErrorHistorySize int   `json:"errorHistorySize"`
	ApproxBytes      int64 `json:"approxBytes"`
	DedupSaved       int64 `json:"dedupSaved"`
}

// Stats is the introspection snapshot.
type Stats struct {
	TotalErrors    int64              `json:"totalErrors"`
	ByCategory     map[Category]int64 `json:"byCategory"`
	BySeverity     map[Severity]int64 `json:"bySeverity"`
	RecentErrors   []Event            `json:"recentErrors"`
	CriticalAlerts int64              `json:"criticalAlerts"`
	ErrorRate      float64            `json:"errorRate"`
	Memory         MemoryStats        `json:"memory"`
}

// Monitor tracks, deduplicates, and rate-limits error events.
type Monitor struct {
	mu          sync.Mutex
	history     *container.CircularBuffer[*Event]
	dedup       *container.BoundedMap[string, *Event]
	thresholds  map[Category]int
	rates       map[Category]*minuteWindow
	overall     *minuteWindow
	breached    map[Category]bool
	subscribers map[int]func(Event)
	nextSubID   int

	total          int64
	byCategory     map[Category]int64
	bySeverity     map[Severity]int64
	criticalAlerts int64
	dedupSaved     int64
	approxBytes    int64

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThreshold overrides one category's per-minute budget. Zero or
// negative disables alerting for that category.
func WithThreshold(category Category, maxPerMinute int) Option {
	return func(m *Monitor) { m.thresholds[category] = maxPerMinute }
}

// NewMonitor creates a Monitor with the default thresholds.
func NewMonitor(logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		history:     container.NewCircularBuffer[*Event](HistorySize),
		dedup:       container.NewBoundedMap[string, *Event](dedupIndexCap, container.EvictLRU),
		thresholds:  make(map[Category]int, len(DefaultThresholds)),
		rates:       make(map[Category]*minuteWindow),
		overall:     &minuteWindow{},
		breached:    make(map[Category]bool),
		subscribers: make(map[int]func(Event)),
		byCategory:  make(map[Category]int64),
		bySeverity:  make(map[Severity]int64),
		now:         time.Now,
		logger:      logger.With().Str("component", "errmon").Logger(),
	}
	for c, n := range DefaultThresholds {
		m.thresholds[c] = n
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TrackError records err under category with the given severity. Metadata
// keys that look like credentials are stripped, messages are truncated.
// Never returns an error: the monitor is the place errors stop.
func (m *Monitor) TrackError(category Category, err error, severity Severity, meta map[string]any) {
	if err == nil {
		return
	}
	m.track(category, severity, err.Error(), meta, false)
}

// TrackMessage records a pre-formatted message the same way TrackError
// records an error.
func (m *Monitor) TrackMessage(category Category, severity Severity, message string, meta map[string]any) {
	if message == "" {
		return
	}
	m.track(category, severity, message, meta, false)
}

func (m *Monitor) track(category Category, severity Severity, message string, meta map[string]any, synthetic bool) {
	if !validCategory(category) {
		category = CategoryUnknown
	}
	message = truncate(message, MaxMessageLen)
	meta = sanitizeMetadata(meta)

	m.mu.Lock()
	now := m.now()

	m.total++
	m.byCategory[category]++
	m.bySeverity[severity]++
	m.overall.add(now)

	var deliver []Event
	key := string(category) + ":" + message

	if prev, ok := m.dedup.Get(key); ok && now.Sub(prev.LastSeen) <= DedupWindow && !synthetic {
		prev.Count++
		prev.LastSeen = now
		m.dedupSaved++
	} else {
		ev := &Event{
			ID:        uuid.New().String(),
			Category:  category,
			Severity:  severity,
			Message:   message,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
			Metadata:  meta,
			Synthetic: synthetic,
		}
		m.dedup.Set(key, ev)
		m.history.Push(ev)
		m.approxBytes = approximateBytes(m.history.GetAll())
		deliver = append(deliver, *ev)
	}

	if !synthetic {
		if alert, ok := m.checkThresholdLocked(category, now); ok {
			deliver = append(deliver, alert)
		}
	}

	subs := make([]func(Event), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	switch severity {
	case SeverityHigh, SeverityCritical:
		m.logger.Warn().Str("category", string(category)).Str("severity", string(severity)).Msg(message)
	default:
		m.logger.Debug().Str("category", string(category)).Str("severity", string(severity)).Msg(message)
	}

	for _, ev := range deliver {
		for _, fn := range subs {
			m.safeNotify(fn, ev)
		}
	}
}

// checkThresholdLocked updates the per-category rate and synthesizes one
// CRITICAL alert per breach episode. Re-arms when the rate falls back
// under the budget.
func (m *Monitor) checkThresholdLocked(category Category, now time.Time) (Event, bool) {
	w := m.rates[category]
	if w == nil {
		w = &minuteWindow{}
		m.rates[category] = w
	}
	count := w.add(now)

	max := m.thresholds[category]
	if max <= 0 {
		return Event{}, false
	}
	if count <= max {
		if count <= max/2 {
			m.breached[category] = false
		}
		return Event{}, false
	}
	if m.breached[category] {
		return Event{}, false
	}
	m.breached[category] = true
	m.criticalAlerts++

	alert := &Event{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  SeverityCritical,
		Message:   "error rate exceeded: " + string(category),
		Count:     count,
		FirstSeen: now,
		LastSeen:  now,
		Metadata:  map[string]any{"maxPerMinute": max, "observed": count},
		Synthetic: true,
	}
	m.history.Push(alert)
	return *alert, true
}

// ShouldRecover reports whether category is currently past its budget.
// The fallback controller polls this for NETWORK and REALTIME before
// scheduling recovery probes.
func (m *Monitor) ShouldRecover(category Category) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.rates[category]
	if w == nil {
		return false
	}
	max := m.thresholds[category]
	return max > 0 && w.count(m.now()) > max
}

// Subscribe registers fn for new events and synthesized alerts. Dedup
// increments do not re-deliver. Returns an unsubscribe func.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// RecentErrors returns up to n most recent events, newest last.
func (m *Monitor) RecentErrors(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyEvents(m.history.GetRecent(n))
}

// Stats returns the introspection snapshot.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCat := make(map[Category]int64, len(m.byCategory))
	for c, n := range m.byCategory {
		byCat[c] = n
	}
	bySev := make(map[Severity]int64, len(m.bySeverity))
	for s, n := range m.bySeverity {
		bySev[s] = n
	}

	return Stats{
		TotalErrors:    m.total,
		ByCategory:     byCat,
		BySeverity:     bySev,
		RecentErrors:   copyEvents(m.history.GetRecent(statsRecent)),
		CriticalAlerts: m.criticalAlerts,
		ErrorRate:      float64(m.overall.count(m.now())),
		Memory: MemoryStats{
			ErrorHistorySize: m.history.Len(),
			ApproxBytes:      m.approxBytes,
			DedupSaved:       m.dedupSaved,
		},
	}
}

func (m *Monitor) safeNotify(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn().Interface("panic", r).Msg("error subscriber panicked")
		}
	}()
	fn(ev)
}

func copyEvents(src []*Event) []Event {
	out := make([]Event, len(src))
	for i, ev := range src {
		out[i] = *ev
	}
	return out
}

func validCategory(c Category) bool {
	switch c {
	case CategoryNetwork, CategoryRealtime, CategoryDataFetch,
		CategoryCache, CategoryWebsocket, CategoryParsing, CategoryUnknown:
		return true
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// sanitizeMetadata drops keys that look like credentials and returns a
// copy; the caller's map is never retained.
func sanitizeMetadata(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		lower := strings.ToLower(k)
		skip := false
		for _, marker := range secretKeyMarkers {
			if strings.Contains(lower, marker) {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// approximateBytes estimates retained memory for the stored events.
func approximateBytes(events []*Event) int64 {
	const perEventOverhead = 160
	var total int64
	for _, ev := range events {
		total += perEventOverhead + int64(len(ev.Message)) + int64(len(ev.ID))
		for k := range ev.Metadata {
			total += int64(len(k)) + 16
		}
	}
	return total
}

// minuteWindow counts events in the trailing 60 seconds with one bucket
// per second, constant memory.
type minuteWindow struct {
	buckets [60]int
	seconds [60]int64
}

func (w *minuteWindow) add(now time.Time) int {
	sec := now.Unix()
	idx := int(sec % 60)
	if w.seconds[idx] != sec {
		w.seconds[idx] = sec
		w.buckets[idx] = 0
	}
	w.buckets[idx]++
	return w.countAt(sec)
}

func (w *minuteWindow) count(now time.Time) int {
	return w.countAt(now.Unix())
}

func (w *minuteWindow) countAt(sec int64) int {
	floor := sec - 59
	total := 0
	for i := 0; i < 60; i++ {
		if w.seconds[i] >= floor && w.seconds[i] <= sec {
			total += w.buckets[i]
		}
	}
	return total
}
