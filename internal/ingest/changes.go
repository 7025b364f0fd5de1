package ingest

import (
	"sync"

	"crypto-screener/internal/container"
	"crypto-screener/internal/market"
)

// Key identifies one (symbol, interval) series.
type Key struct {
	Symbol   string          `json:"symbol"`
	Interval market.Interval `json:"interval"`
}

// ChangeSet marks which series changed since the last consumer sweep.
// Marking is a single atomic bit flip, so the hot ingest path never
// allocates; consumers drain the set on their own cadence. Keys beyond
// the fixed capacity are silently ignored, matching the bitset's
// out-of-range contract.
type ChangeSet struct {
	mu    sync.RWMutex
	index map[Key]int
	keys  []Key
	bits  *container.BitSet
}

func NewChangeSet(capacity int) *ChangeSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChangeSet{
		index: make(map[Key]int, capacity),
		keys:  make([]Key, 0, capacity),
		bits:  container.NewBitSet(capacity),
	}
}

// Mark records that the series changed. First sight of a key claims the
// next bit; once capacity is exhausted new keys are dropped.
func (c *ChangeSet) Mark(symbol string, interval market.Interval) {
	key := Key{Symbol: symbol, Interval: interval}

	c.mu.RLock()
	i, ok := c.index[key]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if i, ok = c.index[key]; !ok {
			if len(c.keys) >= c.bits.Size() {
				c.mu.Unlock()
				return
			}
			i = len(c.keys)
			c.keys = append(c.keys, key)
			c.index[key] = i
		}
		c.mu.Unlock()
	}

	c.bits.Set(i)
}

// Drain returns every marked key and clears exactly those bits, so a
// mark racing the drain lands in the next sweep instead of vanishing.
func (c *ChangeSet) Drain() []Key {
	set := c.bits.SetIndices()
	if len(set) == 0 {
		return nil
	}

	c.mu.RLock()
	out := make([]Key, 0, len(set))
	for _, i := range set {
		if i < len(c.keys) {
			out = append(out, c.keys[i])
		}
		c.bits.Clear(i)
	}
	c.mu.RUnlock()
	return out
}

// Pending reports how many series are currently marked.
func (c *ChangeSet) Pending() int {
	return c.bits.Count()
}
