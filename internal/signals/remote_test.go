package signals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeFeed struct {
	ch chan RemoteSignal
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan RemoteSignal, 8)}
}

func (f *fakeFeed) Signals() <-chan RemoteSignal { return f.ch }

func waitSignals(t *testing.T, ch <-chan Signal, n int) []Signal {
	t.Helper()
	out := make([]Signal, 0, n)
	for len(out) < n {
		select {
		case s := <-ch:
			out = append(out, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d signals", len(out), n)
		}
	}
	return out
}

func TestRemoteFeedInserts(t *testing.T) {
	m := NewManager(zerolog.Nop())
	got := make(chan Signal, 8)
	m.OnSignal(func(s Signal) { got <- s })

	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.AttachRemoteFeed(ctx, feed)

	feed.ch <- RemoteSignal{ID: "r1", TraderID: "t9", Symbol: "BTCUSDT", Price: 42000}
	sig := waitSignals(t, got, 1)[0]

	if sig.Source != SourceRemote {
		t.Fatalf("source = %s", sig.Source)
	}
	if sig.ID != "r1" || sig.TraderID != "t9" || sig.PriceAtSignal != 42000 {
		t.Fatalf("signal = %+v", sig)
	}
	if sig.DetectedAt.IsZero() {
		t.Fatal("missing DetectedAt not defaulted")
	}
}

func TestRemoteFeedSkipsDedup(t *testing.T) {
	m := NewManager(zerolog.Nop())
	got := make(chan Signal, 8)
	m.OnSignal(func(s Signal) { got <- s })

	// A local signal inside its window does not suppress remote inserts
	// for the same trader and symbol.
	m.Submit(cand("t1", "BTCUSDT", 1000, 100))
	waitSignals(t, got, 1)

	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.AttachRemoteFeed(ctx, feed)

	feed.ch <- RemoteSignal{ID: "r1", TraderID: "t1", Symbol: "BTCUSDT", Price: 101}
	waitSignals(t, got, 1)

	if n := len(m.List(Query{Symbol: "BTCUSDT"})); n != 2 {
		t.Fatalf("signals = %d, want 2", n)
	}
}

func TestRemoteFeedFoldsRepeatedID(t *testing.T) {
	m := NewManager(zerolog.Nop())
	got := make(chan Signal, 8)
	m.OnSignal(func(s Signal) { got <- s })

	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.AttachRemoteFeed(ctx, feed)

	feed.ch <- RemoteSignal{ID: "r1", TraderID: "t9", Symbol: "BTCUSDT", Price: 100}
	waitSignals(t, got, 1)
	feed.ch <- RemoteSignal{ID: "r1", TraderID: "t9", Symbol: "BTCUSDT", Price: 105}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sig, ok := m.Get("r1")
		if ok && sig.Count == 2 {
			if sig.LastPrice != 105 {
				t.Fatalf("last price = %v", sig.LastPrice)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("repeat never folded: %+v", sig)
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case s := <-got:
		t.Fatalf("repeat notified listeners: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRemoteFeedFilteredBySource(t *testing.T) {
	m := NewManager(zerolog.Nop())
	got := make(chan Signal, 8)
	m.OnSignal(func(s Signal) { got <- s })

	m.Submit(cand("t1", "ETHUSDT", 1000, 50))
	waitSignals(t, got, 1)

	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.AttachRemoteFeed(ctx, feed)
	feed.ch <- RemoteSignal{TraderID: "t9", Symbol: "BTCUSDT", Price: 100}
	waitSignals(t, got, 1)

	if got := m.List(Query{Source: SourceRemote}); len(got) != 1 || got[0].Symbol != "BTCUSDT" {
		t.Fatalf("remote filter = %+v", got)
	}
	if got := m.List(Query{Source: SourceLocal}); len(got) != 1 || got[0].Symbol != "ETHUSDT" {
		t.Fatalf("local filter = %+v", got)
	}
	if got := m.List(Query{}); len(got) != 2 {
		t.Fatalf("unfiltered = %d", len(got))
	}
}

func TestRemoteFeedIgnoresMalformed(t *testing.T) {
	m := NewManager(zerolog.Nop())

	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.AttachRemoteFeed(ctx, feed)

	feed.ch <- RemoteSignal{Symbol: "BTCUSDT"} // no trader
	feed.ch <- RemoteSignal{TraderID: "t9"}    // no symbol
	close(feed.ch)

	time.Sleep(20 * time.Millisecond)
	if n := len(m.List(Query{})); n != 0 {
		t.Fatalf("malformed signals inserted: %d", n)
	}
}

func TestRemoteFeedStopsOnCancel(t *testing.T) {
	m := NewManager(zerolog.Nop())

	feed := newFakeFeed()
	ctx, cancel := context.WithCancel(context.Background())
	m.AttachRemoteFeed(ctx, feed)
	cancel()

	// Give the consumer a moment to observe the cancellation, then
	// verify nothing drains the channel anymore.
	time.Sleep(20 * time.Millisecond)
	feed.ch <- RemoteSignal{TraderID: "t9", Symbol: "BTCUSDT", Price: 1}
	time.Sleep(20 * time.Millisecond)

	if n := len(m.List(Query{})); n != 0 {
		t.Fatalf("signal inserted after cancel: %d", n)
	}
}
