package container

import (
	"math/bits"
	"sync/atomic"
)

// BitSet is a fixed-width bit array manipulated with atomic word
// operations, so multiple goroutines can flip bits without locking.
// Ingestion uses one bit per (symbol, interval) key to mark "changed since
// the last consumer sweep" without allocating per update. Out-of-range
// indices are no-ops.
type BitSet struct {
	size  int
	words []uint32
}

// NewBitSet creates a bit set holding size bits, all clear.
func NewBitSet(size int) *BitSet {
	if size < 0 {
		size = 0
	}
	return &BitSet{
		size:  size,
		words: make([]uint32, (size+31)/32),
	}
}

// Set atomically sets bit i.
func (s *BitSet) Set(i int) {
	if i < 0 || i >= s.size {
		return
	}
	word := &s.words[i/32]
	mask := uint32(1) << uint(i%32)
	for {
		old := atomic.LoadUint32(word)
		if old&mask != 0 || atomic.CompareAndSwapUint32(word, old, old|mask) {
			return
		}
	}
}

// Clear atomically clears bit i.
func (s *BitSet) Clear(i int) {
	if i < 0 || i >= s.size {
		return
	}
	word := &s.words[i/32]
	mask := uint32(1) << uint(i%32)
	for {
		old := atomic.LoadUint32(word)
		if old&mask == 0 || atomic.CompareAndSwapUint32(word, old, old&^mask) {
			return
		}
	}
}

// IsSet reports whether bit i is set.
func (s *BitSet) IsSet(i int) bool {
	if i < 0 || i >= s.size {
		return false
	}
	return atomic.LoadUint32(&s.words[i/32])&(uint32(1)<<uint(i%32)) != 0
}

// ClearAll clears every bit.
func (s *BitSet) ClearAll() {
	for i := range s.words {
		atomic.StoreUint32(&s.words[i], 0)
	}
}

// SetIndices returns the indices of all set bits in ascending order.
// Concurrent flips may or may not be observed.
func (s *BitSet) SetIndices() []int {
	var out []int
	for w := range s.words {
		word := atomic.LoadUint32(&s.words[w])
		for word != 0 {
			bit := bits.TrailingZeros32(word)
			idx := w*32 + bit
			if idx < s.size {
				out = append(out, idx)
			}
			word &^= 1 << uint(bit)
		}
	}
	return out
}

// Count returns the number of set bits.
func (s *BitSet) Count() int {
	total := 0
	for w := range s.words {
		total += bits.OnesCount32(atomic.LoadUint32(&s.words[w]))
	}
	return total
}

// Size returns the fixed width in bits.
func (s *BitSet) Size() int {
	return s.size
}
