package trader

import (
	"testing"

	"crypto-screener/internal/market"
)

func sampleFilter() TraderFilter {
	return TraderFilter{
		Code:               `rsi, ok := CalculateRSI(Timeframe("5m"), 14); return ok && rsi < 30`,
		RefreshInterval:    market.Interval5m,
		RequiredTimeframes: []market.Interval{market.Interval5m, market.Interval1h},
	}
}

func TestNewAssignsIdentity(t *testing.T) {
	tr := New("RSI Oversold", sampleFilter())

	if tr.ID == "" {
		t.Error("Should assign an id")
	}
	if !tr.Enabled {
		t.Error("New traders should start enabled")
	}
	if tr.AccessTier != TierFree {
		t.Errorf("Expected default tier FREE, got %s", tr.AccessTier)
	}
	if err := tr.Validate(); err != nil {
		t.Errorf("A fresh trader should validate: %v", err)
	}

	other := New("RSI Oversold", sampleFilter())
	if other.ID == tr.ID {
		t.Error("Ids should be unique")
	}
}

func TestValidateRejectsBadTraders(t *testing.T) {
	base := New("ok", sampleFilter())

	cases := map[string]func(*Trader){
		"missing id":        func(tr *Trader) { tr.ID = "" },
		"missing name":      func(tr *Trader) { tr.Name = "" },
		"empty predicate":   func(tr *Trader) { tr.Filter.Code = "" },
		"bad refresh":       func(tr *Trader) { tr.Filter.RefreshInterval = "7m" },
		"bad timeframe":     func(tr *Trader) { tr.Filter.RequiredTimeframes = []market.Interval{"2w"} },
	}
	for name, mutate := range cases {
		tr := base
		mutate(&tr)
		if err := tr.Validate(); err == nil {
			t.Errorf("Case %q should fail validation", name)
		}
	}
}

func TestTimeframesIncludeRefreshInterval(t *testing.T) {
	tr := New("x", TraderFilter{
		Code:               "return true",
		RefreshInterval:    market.Interval1m,
		RequiredTimeframes: []market.Interval{market.Interval1h, market.Interval1m},
	})

	tfs := tr.Timeframes()
	if len(tfs) != 2 {
		t.Fatalf("Expected deduplicated timeframes, got %v", tfs)
	}
	if tfs[0] != market.Interval1m {
		t.Errorf("Refresh interval should come first, got %v", tfs)
	}
}

func TestTierPolicy(t *testing.T) {
	proTrader := New("pro only", sampleFilter())
	proTrader.AccessTier = TierPro

	if (StaticTierPolicy{UserTier: TierFree}).CanExecute(proTrader) {
		t.Error("FREE should not execute a PRO trader")
	}
	if !(StaticTierPolicy{UserTier: TierPro}).CanExecute(proTrader) {
		t.Error("PRO should execute a PRO trader")
	}
	if !(StaticTierPolicy{UserTier: TierElite}).CanExecute(proTrader) {
		t.Error("ELITE should execute a PRO trader")
	}

	// Unknown tiers rank as anonymous.
	if (StaticTierPolicy{UserTier: Tier("PLATINUM")}).CanExecute(proTrader) {
		t.Error("Unknown tiers should rank lowest")
	}
}

func TestEqualIgnoresTimestamps(t *testing.T) {
	a := New("same", sampleFilter())
	b := a
	b.UpdatedAt = b.UpdatedAt.Add(1e9)

	if !a.Equal(b) {
		t.Error("Timestamps should not affect equality")
	}

	c := a
	c.Filter.Code = "return false"
	if a.Equal(c) {
		t.Error("A different predicate should not compare equal")
	}

	d := a
	d.Enabled = false
	if a.Equal(d) {
		t.Error("Enablement should affect equality")
	}
}
