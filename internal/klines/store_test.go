package klines

import (
	"errors"
	"testing"
	"time"

	"crypto-screener/internal/market"
)

const minuteMs = int64(60_000)

func bar(openTime int64, close float64, final bool) market.Kline {
	return market.Kline{
		OpenTime:  openTime,
		Open:      close - 1,
		High:      close + 1,
		Low:       close - 2,
		Close:     close,
		Volume:    100,
		CloseTime: openTime + minuteMs - 1,
		IsFinal:   final,
	}
}

func minuteBars(start int64, n int) []market.Kline {
	out := make([]market.Kline, n)
	for i := 0; i < n; i++ {
		out[i] = bar(start+int64(i)*minuteMs, float64(100+i), true)
	}
	return out
}

// TestUpdateKlineTailReplace verifies same-openTime updates replace the
// tail and that re-applying a non-final bar is idempotent.
func TestUpdateKlineTailReplace(t *testing.T) {
	s := NewStore()

	k := bar(0, 100, false)
	if _, err := s.UpdateKline("BTCUSDT", market.Interval1m, k); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	k.Close = 101
	res, err := s.UpdateKline("BTCUSDT", market.Interval1m, k)
	if err != nil {
		t.Fatalf("tail replace failed: %v", err)
	}
	if res.WasClose {
		t.Error("non-final tail replace should not report a close")
	}

	res, err = s.UpdateKline("BTCUSDT", market.Interval1m, k)
	if err != nil {
		t.Fatalf("idempotent replace failed: %v", err)
	}
	if res.WasClose {
		t.Error("repeated non-final update should not report a close")
	}

	view, _ := s.Series("BTCUSDT", market.Interval1m)
	if view.Len() != 1 {
		t.Fatalf("series length = %d, want 1", view.Len())
	}
	if view.At(0).Close != 101 {
		t.Errorf("tail close = %f, want 101", view.At(0).Close)
	}
}

// TestUpdateKlineCloseOnFinal verifies the final form of a bar reports a
// close exactly once.
func TestUpdateKlineCloseOnFinal(t *testing.T) {
	s := NewStore()
	s.UpdateKline("BTCUSDT", market.Interval1m, bar(0, 100, false))

	res, err := s.UpdateKline("BTCUSDT", market.Interval1m, bar(0, 102, true))
	if err != nil {
		t.Fatalf("final update failed: %v", err)
	}
	if !res.WasClose {
		t.Error("final replacement should report a close")
	}
	if res.OpenTime != 0 {
		t.Errorf("close openTime = %d, want 0", res.OpenTime)
	}

	// Re-applying the already-final bar must not fire again.
	res, _ = s.UpdateKline("BTCUSDT", market.Interval1m, bar(0, 102, true))
	if res.WasClose {
		t.Error("duplicate final bar should not report a second close")
	}
}

// TestUpdateKlineImplicitClose verifies a newer bar over a non-final tail
// settles the tail and reports its close.
func TestUpdateKlineImplicitClose(t *testing.T) {
	s := NewStore()
	s.UpdateKline("ETHUSDT", market.Interval1m, bar(0, 100, false))

	res, err := s.UpdateKline("ETHUSDT", market.Interval1m, bar(minuteMs, 105, false))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if !res.WasClose {
		t.Error("append over non-final tail should report an implicit close")
	}
	if res.OpenTime != 0 {
		t.Errorf("implicit close openTime = %d, want 0 (the settled bar)", res.OpenTime)
	}

	view, _ := s.Series("ETHUSDT", market.Interval1m)
	if !view.At(0).IsFinal {
		t.Error("settled bar should be marked final")
	}
	if last, _ := view.Last(); last.IsFinal {
		t.Error("new tail should remain non-final")
	}
}

// TestUpdateKlineRejectsOld verifies non-monotonic arrivals fail with
// ErrInvalidKline and leave the series unchanged.
func TestUpdateKlineRejectsOld(t *testing.T) {
	s := NewStore()
	s.UpdateKline("BTCUSDT", market.Interval1m, bar(minuteMs, 100, true))

	_, err := s.UpdateKline("BTCUSDT", market.Interval1m, bar(0, 99, true))
	if !errors.Is(err, market.ErrInvalidKline) {
		t.Errorf("stale openTime = %v, want ErrInvalidKline", err)
	}

	view, _ := s.Series("BTCUSDT", market.Interval1m)
	if view.Len() != 1 {
		t.Errorf("series length = %d after rejected update, want 1", view.Len())
	}
}

// TestUpdateKlineCapacity verifies appends never grow a series beyond its
// capacity and the oldest bars are the ones dropped.
func TestUpdateKlineCapacity(t *testing.T) {
	s := NewStore(WithDefaultCapacity(5))

	for i := 0; i < 9; i++ {
		k := bar(int64(i)*minuteMs, float64(100+i), true)
		if _, err := s.UpdateKline("BTCUSDT", market.Interval1m, k); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}

	view, _ := s.Series("BTCUSDT", market.Interval1m)
	if view.Len() != 5 {
		t.Fatalf("series length = %d, want 5", view.Len())
	}
	if view.At(0).OpenTime != 4*minuteMs {
		t.Errorf("oldest openTime = %d, want %d", view.At(0).OpenTime, 4*minuteMs)
	}
	for i := 1; i < view.Len(); i++ {
		if view.At(i).OpenTime <= view.At(i-1).OpenTime {
			t.Fatal("openTime not strictly increasing after trim")
		}
	}
}

// TestBulkLoadRoundTrip verifies bulkLoad then LastNClosed returns exactly
// the last n closed bars.
func TestBulkLoadRoundTrip(t *testing.T) {
	s := NewStore()
	ks := minuteBars(0, 100)

	if err := s.BulkLoad("BTCUSDT", market.Interval1m, ks); err != nil {
		t.Fatalf("BulkLoad failed: %v", err)
	}

	got := s.LastNClosed("BTCUSDT", market.Interval1m, 10)
	if len(got) != 10 {
		t.Fatalf("LastNClosed returned %d bars, want 10", len(got))
	}
	for i := range got {
		want := ks[90+i]
		if got[i].OpenTime != want.OpenTime || got[i].Close != want.Close {
			t.Errorf("bar %d = {%d %f}, want {%d %f}",
				i, got[i].OpenTime, got[i].Close, want.OpenTime, want.Close)
		}
	}
}

// TestBulkLoadValidation verifies rejection of unsorted input and
// truncation to capacity.
func TestBulkLoadValidation(t *testing.T) {
	s := NewStore(WithDefaultCapacity(50))

	ks := minuteBars(0, 3)
	ks[2].OpenTime = ks[1].OpenTime
	ks[2].CloseTime = ks[2].OpenTime + minuteMs - 1
	if err := s.BulkLoad("BTCUSDT", market.Interval1m, ks); !errors.Is(err, market.ErrInvalidKline) {
		t.Errorf("duplicate openTime = %v, want ErrInvalidKline", err)
	}

	if err := s.BulkLoad("BTCUSDT", market.Interval1m, minuteBars(0, 80)); err != nil {
		t.Fatalf("BulkLoad failed: %v", err)
	}
	view, _ := s.Series("BTCUSDT", market.Interval1m)
	if view.Len() != 50 {
		t.Errorf("series length = %d, want capacity 50", view.Len())
	}
	if view.At(0).OpenTime != 30*minuteMs {
		t.Errorf("oldest openTime = %d, want %d (oldest dropped)", view.At(0).OpenTime, 30*minuteMs)
	}
}

// TestLastNClosedExcludesOpenTail verifies the open tail never appears in
// closed reads.
func TestLastNClosedExcludesOpenTail(t *testing.T) {
	s := NewStore()
	s.BulkLoad("BTCUSDT", market.Interval1m, minuteBars(0, 5))
	s.UpdateKline("BTCUSDT", market.Interval1m, bar(5*minuteMs, 200, false))

	got := s.LastNClosed("BTCUSDT", market.Interval1m, 10)
	if len(got) != 5 {
		t.Fatalf("LastNClosed returned %d bars, want 5", len(got))
	}
	for _, k := range got {
		if !k.IsFinal {
			t.Error("closed read should never contain a non-final bar")
		}
	}

	if n := s.ClosedLen("BTCUSDT", market.Interval1m); n != 5 {
		t.Errorf("ClosedLen = %d, want 5", n)
	}
}

// TestSeriesSnapshotIsolation verifies later writes do not leak into an
// already-taken view.
func TestSeriesSnapshotIsolation(t *testing.T) {
	s := NewStore()
	s.BulkLoad("BTCUSDT", market.Interval1m, minuteBars(0, 3))

	view, ok := s.Series("BTCUSDT", market.Interval1m)
	if !ok {
		t.Fatal("expected series")
	}

	s.UpdateKline("BTCUSDT", market.Interval1m, bar(3*minuteMs, 500, true))

	if view.Len() != 3 {
		t.Errorf("snapshot length = %d after store write, want 3", view.Len())
	}
	if last, _ := view.Last(); last.Close == 500 {
		t.Error("snapshot should not observe writes made after it was taken")
	}
}

// TestEvictInactive verifies stale series are removed and protected
// symbols are kept.
func TestEvictInactive(t *testing.T) {
	s := NewStore()
	s.BulkLoad("BTCUSDT", market.Interval1m, minuteBars(0, 3))
	s.BulkLoad("ETHUSDT", market.Interval1m, minuteBars(0, 3))
	s.BulkLoad("XRPUSDT", market.Interval5m, minuteBars(0, 3))

	// Everything was just written; a past threshold evicts nothing.
	if n := s.EvictInactive(time.Now().Add(-time.Minute), nil); n != 0 {
		t.Errorf("EvictInactive removed %d fresh series, want 0", n)
	}

	// A future threshold makes everything stale except protected symbols.
	n := s.EvictInactive(time.Now().Add(time.Minute), func(sym string) bool {
		return sym == "BTCUSDT"
	})
	if n != 2 {
		t.Errorf("EvictInactive removed %d series, want 2", n)
	}
	if _, ok := s.Series("BTCUSDT", market.Interval1m); !ok {
		t.Error("protected symbol should survive eviction")
	}
	if _, ok := s.Series("ETHUSDT", market.Interval1m); ok {
		t.Error("stale unprotected series should have been evicted")
	}
}

// TestViewTruncateAt verifies replay windows stop at the cutoff bar.
func TestViewTruncateAt(t *testing.T) {
	view := NewView(minuteBars(0, 10))

	cut := view.TruncateAt(4 * minuteMs)
	if cut.Len() != 5 {
		t.Fatalf("TruncateAt length = %d, want 5", cut.Len())
	}
	if last, _ := cut.Last(); last.OpenTime != 4*minuteMs {
		t.Errorf("truncated last openTime = %d, want %d", last.OpenTime, 4*minuteMs)
	}

	// Cutoff between bars keeps everything at or before it.
	cut = view.TruncateAt(4*minuteMs + 30_000)
	if cut.Len() != 5 {
		t.Errorf("mid-bar cutoff length = %d, want 5", cut.Len())
	}

	if view.TruncateAt(-1).Len() != 0 {
		t.Error("cutoff before first bar should produce an empty view")
	}
}

// TestViewSlice verifies index windows clamp to the snapshot bounds.
func TestViewSlice(t *testing.T) {
	view := NewView(minuteBars(0, 10))

	mid := view.Slice(2, 5)
	if mid.Len() != 3 {
		t.Fatalf("Slice(2,5) length = %d, want 3", mid.Len())
	}
	if mid.At(0).OpenTime != 2*minuteMs {
		t.Errorf("Slice(2,5) first openTime = %d, want %d", mid.At(0).OpenTime, 2*minuteMs)
	}

	if got := view.Slice(-3, 99).Len(); got != 10 {
		t.Errorf("out-of-range Slice length = %d, want 10 (clamped)", got)
	}
	if view.Slice(7, 7).Len() != 0 {
		t.Error("empty index window should produce an empty view")
	}
}

func BenchmarkUpdateKlineTailReplace(b *testing.B) {
	s := NewStore()
	k := bar(0, 100, false)
	s.UpdateKline("BTCUSDT", market.Interval1m, k)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k.Close = float64(i)
		s.UpdateKline("BTCUSDT", market.Interval1m, k)
	}
}
