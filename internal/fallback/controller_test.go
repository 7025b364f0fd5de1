package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"crypto-screener/internal/logging"
)

func waitTransition(t *testing.T, ch <-chan Transition, want Mode) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		if tr.Mode != want {
			t.Fatalf("transition to %s, want %s", tr.Mode, want)
		}
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transition to %s", want)
		return Transition{}
	}
}

func TestDegradeAfterPrimaryFailures(t *testing.T) {
	c := NewController(nil, logging.Nop())
	defer c.Close()

	ch := make(chan Transition, 4)
	c.AddListener(func(tr Transition) { ch <- tr })

	c.RecordFailure(ServicePrimaryREST)
	c.RecordFailure(ServicePrimaryREST)
	if c.Mode() != ModeNormal {
		t.Fatal("two failures should not degrade")
	}
	c.RecordFailure(ServicePrimaryREST)

	tr := waitTransition(t, ch, ModeDirectExchange)
	if tr.Previous != ModeNormal {
		t.Errorf("previous = %s, want NORMAL", tr.Previous)
	}
	if tr.Reason == "" {
		t.Error("transition should carry a reason")
	}
	if len(tr.AffectedFeatures) == 0 {
		t.Error("degraded transition should list affected features")
	}
	if c.Mode() != ModeDirectExchange {
		t.Errorf("mode = %s, want DIRECT_EXCHANGE", c.Mode())
	}
}

func TestNonPrimaryFailuresDoNotDegrade(t *testing.T) {
	c := NewController(nil, logging.Nop())
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.RecordFailure("remote_feed")
	}
	if c.Mode() != ModeNormal {
		t.Errorf("mode = %s, want NORMAL for non-primary failures", c.Mode())
	}
}

// TestSuccessResetsConsecutive verifies the primary limit counts
// consecutive failures, not lifetime failures.
func TestSuccessResetsConsecutive(t *testing.T) {
	c := NewController(nil, logging.Nop())
	defer c.Close()

	c.RecordFailure(ServicePrimaryStream)
	c.RecordFailure(ServicePrimaryStream)
	c.RecordSuccess(ServicePrimaryStream)
	c.RecordFailure(ServicePrimaryStream)
	c.RecordFailure(ServicePrimaryStream)

	if c.Mode() != ModeNormal {
		t.Errorf("mode = %s, want NORMAL after reset", c.Mode())
	}
	if got := c.FailureCounts()[ServicePrimaryStream]; got != 2 {
		t.Errorf("counter = %d, want 2", got)
	}
}

func TestIsolateAfterNetworkFailures(t *testing.T) {
	c := NewController(nil, logging.Nop())
	defer c.Close()

	ch := make(chan Transition, 4)
	c.AddListener(func(tr Transition) { ch <- tr })

	for i := 0; i < DefaultPrimaryLimit; i++ {
		c.RecordFailure(ServicePrimaryREST)
	}
	waitTransition(t, ch, ModeDirectExchange)

	for i := 0; i < DefaultNetworkLimit-1; i++ {
		c.RecordFailure(ServiceDirectPoll)
	}
	if c.Mode() != ModeDirectExchange {
		t.Fatal("nine polling failures should not isolate yet")
	}
	c.RecordFailure(ServiceDirectPoll)

	tr := waitTransition(t, ch, ModeCachedOnly)
	if tr.Previous != ModeDirectExchange {
		t.Errorf("previous = %s, want DIRECT_EXCHANGE", tr.Previous)
	}
}

func TestProbeRecovers(t *testing.T) {
	probe := func(ctx context.Context) error { return nil }
	c := NewController(probe, logging.Nop(), WithProbeDelay(20*time.Millisecond))
	defer c.Close()

	ch := make(chan Transition, 4)
	c.AddListener(func(tr Transition) { ch <- tr })

	for i := 0; i < DefaultPrimaryLimit; i++ {
		c.RecordFailure(ServicePrimaryStream)
	}
	waitTransition(t, ch, ModeDirectExchange)
	waitTransition(t, ch, ModeNormal)

	if c.Mode() != ModeNormal {
		t.Fatalf("mode = %s, want NORMAL after successful probe", c.Mode())
	}
	for service, n := range c.FailureCounts() {
		if n != 0 {
			t.Errorf("counter %s = %d, want 0 after recovery", service, n)
		}
	}
}

func TestProbeRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	}
	c := NewController(probe, logging.Nop(), WithProbeDelay(10*time.Millisecond))
	defer c.Close()

	ch := make(chan Transition, 4)
	c.AddListener(func(tr Transition) { ch <- tr })

	for i := 0; i < DefaultPrimaryLimit; i++ {
		c.RecordFailure(ServicePrimaryStream)
	}
	waitTransition(t, ch, ModeDirectExchange)
	waitTransition(t, ch, ModeNormal)

	if got := calls.Load(); got != 3 {
		t.Errorf("probe calls = %d, want 3", got)
	}
}

func TestSetOffline(t *testing.T) {
	c := NewController(nil, logging.Nop())
	defer c.Close()

	ch := make(chan Transition, 2)
	c.AddListener(func(tr Transition) { ch <- tr })

	c.SetOffline("no route to host")
	tr := waitTransition(t, ch, ModeOffline)
	if tr.Reason != "no route to host" {
		t.Errorf("reason = %q", tr.Reason)
	}

	// Repeated calls are no-ops, not new transitions.
	c.SetOffline("still down")
	select {
	case tr := <-ch:
		t.Fatalf("unexpected transition %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOfflineRecoversThroughProbe(t *testing.T) {
	probe := func(ctx context.Context) error { return nil }
	c := NewController(probe, logging.Nop(), WithProbeDelay(10*time.Millisecond))
	defer c.Close()

	ch := make(chan Transition, 4)
	c.AddListener(func(tr Transition) { ch <- tr })

	c.SetOffline("interface down")
	waitTransition(t, ch, ModeOffline)
	waitTransition(t, ch, ModeNormal)
}

func TestListenerUnsubscribe(t *testing.T) {
	c := NewController(nil, logging.Nop())
	defer c.Close()

	got := make(chan Transition, 2)
	unsub := c.AddListener(func(tr Transition) { got <- tr })
	unsub()

	c.SetOffline("x")
	select {
	case tr := <-got:
		t.Fatalf("unsubscribed listener received %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsProbes(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}
	c := NewController(probe, logging.Nop(), WithProbeDelay(10*time.Millisecond))

	for i := 0; i < DefaultPrimaryLimit; i++ {
		c.RecordFailure(ServicePrimaryStream)
	}
	c.Close()

	before := calls.Load()
	time.Sleep(60 * time.Millisecond)
	if after := calls.Load(); after != before {
		t.Errorf("probes kept running after Close: %d -> %d", before, after)
	}
}

func TestListenerPanicContained(t *testing.T) {
	c := NewController(nil, logging.Nop())
	defer c.Close()

	c.AddListener(func(Transition) { panic("boom") })
	ch := make(chan Transition, 2)
	c.AddListener(func(tr Transition) { ch <- tr })

	c.SetOffline("x")
	waitTransition(t, ch, ModeOffline)
}
