// Package trader defines user-authored screening strategies and their
// persistence. A Trader couples a predicate (source code evaluated by the
// predicate runtime) with its cadence, required timeframes, and access
// tier.
package trader

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"crypto-screener/internal/market"
)

var (
	// ErrNotFound is returned when a trader id is unknown to a store.
	ErrNotFound = errors.New("trader not found")
	// ErrInvalidTrader is returned when a trader fails validation.
	ErrInvalidTrader = errors.New("invalid trader")
)

// Tier is a subscription level gating trader execution.
type Tier string

const (
	TierAnonymous Tier = "ANONYMOUS"
	TierFree      Tier = "FREE"
	TierPro       Tier = "PRO"
	TierElite     Tier = "ELITE"
)

var tierRank = map[Tier]int{
	TierAnonymous: 0,
	TierFree:      1,
	TierPro:       2,
	TierElite:     3,
}

// AtLeast reports whether t grants everything other grants. Unknown
// tiers rank as anonymous.
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// TierPolicy decides whether a trader may execute. The screener consumes
// it as an opaque collaborator; the scheduler skips vetoed traders.
type TierPolicy interface {
	CanExecute(t Trader) bool
}

// StaticTierPolicy grants every trader at or below a fixed user tier.
type StaticTierPolicy struct {
	UserTier Tier
}

func (p StaticTierPolicy) CanExecute(t Trader) bool {
	return p.UserTier.AtLeast(t.AccessTier)
}

// IndicatorConfig defines a chart-layer indicator attached to a trader.
// The core forwards it to consumers untouched.
type IndicatorConfig struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Panel  bool                   `json:"panel"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// TraderFilter contains the executable predicate and its metadata.
type TraderFilter struct {
	Code               string            `json:"code"`
	Description        []string          `json:"description,omitempty"`
	RefreshInterval    market.Interval   `json:"refreshInterval"`
	RequiredTimeframes []market.Interval `json:"requiredTimeframes"`
	Indicators         []IndicatorConfig `json:"indicators,omitempty"`
}

// Trader is the unit of user intent.
type Trader struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Enabled     bool         `json:"enabled"`
	AccessTier  Tier         `json:"access_tier"`
	Filter      TraderFilter `json:"filter"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// New creates an enabled trader with a fresh id and timestamps.
func New(name string, filter TraderFilter) Trader {
	now := time.Now().UTC()
	return Trader{
		ID:         uuid.New().String(),
		Name:       name,
		Enabled:    true,
		AccessTier: TierFree,
		Filter:     filter,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks the fields the scheduler and runtime depend on.
func (t Trader) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTrader)
	}
	if t.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTrader)
	}
	if t.Filter.Code == "" {
		return fmt.Errorf("%w: empty predicate", ErrInvalidTrader)
	}
	if !t.Filter.RefreshInterval.IsValid() {
		return fmt.Errorf("%w: refresh interval %q", ErrInvalidTrader, t.Filter.RefreshInterval)
	}
	for _, tf := range t.Filter.RequiredTimeframes {
		if !tf.IsValid() {
			return fmt.Errorf("%w: timeframe %q", ErrInvalidTrader, tf)
		}
	}
	return nil
}

// Timeframes returns the intervals the predicate reads, always including
// the refresh interval.
func (t Trader) Timeframes() []market.Interval {
	seen := map[market.Interval]bool{t.Filter.RefreshInterval: true}
	out := []market.Interval{t.Filter.RefreshInterval}
	for _, tf := range t.Filter.RequiredTimeframes {
		if !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	return out
}

// Equal reports whether two traders have the same observable behavior.
// Timestamps are ignored so a round-trip through storage compares equal.
func (t Trader) Equal(other Trader) bool {
	return t.ID == other.ID &&
		t.UserID == other.UserID &&
		t.Name == other.Name &&
		t.Description == other.Description &&
		t.Enabled == other.Enabled &&
		t.AccessTier == other.AccessTier &&
		reflect.DeepEqual(t.Filter, other.Filter)
}
