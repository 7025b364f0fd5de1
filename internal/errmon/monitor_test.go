package errmon

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"crypto-screener/internal/logging"
)

func newTestMonitor(opts ...Option) (*Monitor, *time.Time) {
	m := NewMonitor(logging.Nop(), opts...)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestTrackErrorRecords(t *testing.T) {
	m, _ := newTestMonitor()

	m.TrackError(CategoryNetwork, errors.New("dial tcp: connection refused"), SeverityMedium, nil)

	stats := m.Stats()
	if stats.TotalErrors != 1 {
		t.Fatalf("total = %d, want 1", stats.TotalErrors)
	}
	if stats.ByCategory[CategoryNetwork] != 1 {
		t.Errorf("NETWORK count = %d, want 1", stats.ByCategory[CategoryNetwork])
	}
	if stats.BySeverity[SeverityMedium] != 1 {
		t.Errorf("MEDIUM count = %d, want 1", stats.BySeverity[SeverityMedium])
	}
	if stats.Memory.ErrorHistorySize != 1 {
		t.Errorf("history size = %d, want 1", stats.Memory.ErrorHistorySize)
	}
}

func TestTrackErrorNilIgnored(t *testing.T) {
	m, _ := newTestMonitor()
	m.TrackError(CategoryNetwork, nil, SeverityLow, nil)
	if got := m.Stats().TotalErrors; got != 0 {
		t.Errorf("nil error tracked: total = %d", got)
	}
}

func TestUnknownCategoryCoerced(t *testing.T) {
	m, _ := newTestMonitor()
	m.TrackError(Category("BOGUS"), errors.New("x"), SeverityLow, nil)
	if got := m.Stats().ByCategory[CategoryUnknown]; got != 1 {
		t.Errorf("UNKNOWN count = %d, want 1", got)
	}
}

// TestDedupWindow verifies identical category:message pairs inside 5s
// collapse into one record with an incremented count.
func TestDedupWindow(t *testing.T) {
	m, now := newTestMonitor()
	err := errors.New("read timeout")

	for i := 0; i < 4; i++ {
		m.TrackError(CategoryNetwork, err, SeverityLow, nil)
		*now = now.Add(time.Second)
	}

	stats := m.Stats()
	if stats.Memory.ErrorHistorySize != 1 {
		t.Fatalf("history size = %d, want 1 deduplicated record", stats.Memory.ErrorHistorySize)
	}
	if stats.Memory.DedupSaved != 3 {
		t.Errorf("dedupSaved = %d, want 3", stats.Memory.DedupSaved)
	}
	recent := m.RecentErrors(1)
	if len(recent) != 1 || recent[0].Count != 4 {
		t.Fatalf("representative count = %+v, want Count=4", recent)
	}
	if stats.TotalErrors != 4 {
		t.Errorf("total = %d, want 4 (dedup does not hide arrivals)", stats.TotalErrors)
	}
}

func TestDedupWindowExpires(t *testing.T) {
	m, now := newTestMonitor()
	err := errors.New("read timeout")

	m.TrackError(CategoryNetwork, err, SeverityLow, nil)
	*now = now.Add(DedupWindow + time.Second)
	m.TrackError(CategoryNetwork, err, SeverityLow, nil)

	if got := m.Stats().Memory.ErrorHistorySize; got != 2 {
		t.Errorf("history size = %d, want 2 after window expiry", got)
	}
}

func TestDifferentCategoriesNotDeduplicated(t *testing.T) {
	m, _ := newTestMonitor()
	err := errors.New("same message")

	m.TrackError(CategoryNetwork, err, SeverityLow, nil)
	m.TrackError(CategoryCache, err, SeverityLow, nil)

	if got := m.Stats().Memory.ErrorHistorySize; got != 2 {
		t.Errorf("history size = %d, want 2 for distinct categories", got)
	}
}

// TestHistoryBound verifies the raw log never exceeds 100 events no
// matter how many distinct errors arrive.
func TestHistoryBound(t *testing.T) {
	m, now := newTestMonitor(WithThreshold(CategoryUnknown, 0))

	for i := 0; i < 10_000; i++ {
		m.TrackError(CategoryUnknown, fmt.Errorf("distinct error %d", i), SeverityLow, nil)
		if i%100 == 0 {
			*now = now.Add(time.Second)
		}
	}

	stats := m.Stats()
	if stats.Memory.ErrorHistorySize != HistorySize {
		t.Fatalf("history size = %d, want %d", stats.Memory.ErrorHistorySize, HistorySize)
	}
	if stats.TotalErrors != 10_000 {
		t.Errorf("total = %d, want 10000", stats.TotalErrors)
	}
	if stats.Memory.ApproxBytes > 10<<20 {
		t.Errorf("approx bytes = %d, want <= 10MiB", stats.Memory.ApproxBytes)
	}
}

func TestMessageTruncation(t *testing.T) {
	m, _ := newTestMonitor()
	long := make([]byte, 2*MaxMessageLen)
	for i := range long {
		long[i] = 'x'
	}

	m.TrackError(CategoryParsing, errors.New(string(long)), SeverityLow, nil)

	recent := m.RecentErrors(1)
	if len(recent) != 1 {
		t.Fatal("no event recorded")
	}
	if len(recent[0].Message) != MaxMessageLen {
		t.Errorf("message length = %d, want %d", len(recent[0].Message), MaxMessageLen)
	}
}

func TestMetadataSanitization(t *testing.T) {
	m, _ := newTestMonitor()

	m.TrackError(CategoryNetwork, errors.New("auth failed"), SeverityHigh, map[string]any{
		"endpoint":        "/api/v3/klines",
		"Binance-API Key": "abc",
		"userPassword":    "hunter2",
		"AccessToken":     "jwt",
		"clientSecret":    "s",
		"db_credentials":  "c",
		"retries":         3,
	})

	recent := m.RecentErrors(1)
	if len(recent) != 1 {
		t.Fatal("no event recorded")
	}
	meta := recent[0].Metadata
	if len(meta) != 2 {
		t.Fatalf("metadata = %v, want only endpoint and retries", meta)
	}
	if _, ok := meta["endpoint"]; !ok {
		t.Error("safe key endpoint stripped")
	}
	if _, ok := meta["retries"]; !ok {
		t.Error("safe key retries stripped")
	}
}

// TestThresholdAlert verifies exceeding maxPerMinute synthesizes exactly
// one CRITICAL alert per breach episode.
func TestThresholdAlert(t *testing.T) {
	m, _ := newTestMonitor(WithThreshold(CategoryNetwork, 5))

	var alerts []Event
	m.Subscribe(func(ev Event) {
		if ev.Synthetic {
			alerts = append(alerts, ev)
		}
	})

	for i := 0; i < 10; i++ {
		m.TrackError(CategoryNetwork, fmt.Errorf("net %d", i), SeverityLow, nil)
	}

	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want exactly 1", len(alerts))
	}
	if alerts[0].Severity != SeverityCritical {
		t.Errorf("alert severity = %s, want CRITICAL", alerts[0].Severity)
	}
	if alerts[0].Category != CategoryNetwork {
		t.Errorf("alert category = %s, want NETWORK", alerts[0].Category)
	}
	if m.Stats().CriticalAlerts != 1 {
		t.Errorf("criticalAlerts = %d, want 1", m.Stats().CriticalAlerts)
	}
}

func TestShouldRecover(t *testing.T) {
	m, now := newTestMonitor(WithThreshold(CategoryNetwork, 3))

	if m.ShouldRecover(CategoryNetwork) {
		t.Fatal("fresh monitor should not advise recovery")
	}

	for i := 0; i < 6; i++ {
		m.TrackError(CategoryNetwork, fmt.Errorf("net %d", i), SeverityLow, nil)
	}
	if !m.ShouldRecover(CategoryNetwork) {
		t.Fatal("breached category should advise recovery")
	}
	if m.ShouldRecover(CategoryCache) {
		t.Error("untouched category should not advise recovery")
	}

	*now = now.Add(2 * time.Minute)
	if m.ShouldRecover(CategoryNetwork) {
		t.Error("advice should clear once the window rolls past")
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	m, _ := newTestMonitor()

	var got []Event
	unsub := m.Subscribe(func(ev Event) { got = append(got, ev) })

	m.TrackError(CategoryCache, errors.New("a"), SeverityLow, nil)
	if len(got) != 1 {
		t.Fatalf("delivered = %d, want 1", len(got))
	}

	unsub()
	m.TrackError(CategoryCache, errors.New("b"), SeverityLow, nil)
	if len(got) != 1 {
		t.Errorf("delivered after unsubscribe = %d, want still 1", len(got))
	}
}

func TestDedupDoesNotRedeliver(t *testing.T) {
	m, _ := newTestMonitor()

	delivered := 0
	m.Subscribe(func(Event) { delivered++ })

	err := errors.New("same")
	m.TrackError(CategoryCache, err, SeverityLow, nil)
	m.TrackError(CategoryCache, err, SeverityLow, nil)
	m.TrackError(CategoryCache, err, SeverityLow, nil)

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 (increments are silent)", delivered)
	}
}

func TestSubscriberPanicContained(t *testing.T) {
	m, _ := newTestMonitor()

	m.Subscribe(func(Event) { panic("boom") })
	reached := false
	m.Subscribe(func(Event) { reached = true })

	m.TrackError(CategoryCache, errors.New("x"), SeverityLow, nil)
	if !reached {
		t.Error("panic in one subscriber starved the next")
	}
}

func TestErrorRate(t *testing.T) {
	m, now := newTestMonitor()

	for i := 0; i < 30; i++ {
		m.TrackError(CategoryDataFetch, fmt.Errorf("e%d", i), SeverityLow, nil)
	}
	if rate := m.Stats().ErrorRate; rate != 30 {
		t.Errorf("rate = %f, want 30", rate)
	}

	*now = now.Add(2 * time.Minute)
	if rate := m.Stats().ErrorRate; rate != 0 {
		t.Errorf("rate after window = %f, want 0", rate)
	}
}
