package events

import (
	"sync"
	"time"
)

const (
	// DefaultFlushInterval is how often pending values are handed to the
	// sink when nothing forces an earlier flush.
	DefaultFlushInterval = 150 * time.Millisecond
	// DefaultMaxQueued forces an immediate flush once this many distinct
	// keys are pending.
	DefaultMaxQueued = 1000
)

// Batcher coalesces per-key updates over a short window: the value most
// recently added for a key wins and intermediate values are never observed
// downstream. That is the right contract for tickers, where only the
// latest matters, and the wrong one for klines, which bypass the batcher
// entirely.
type Batcher[T any] struct {
	mu       sync.Mutex
	pending  map[string]T
	interval time.Duration
	maxQueue int
	sink     func(map[string]T)

	stopCh   chan struct{}
	wg       sync.WaitGroup
	disposed bool
}

// NewBatcher starts a Batcher flushing to sink. Zero interval or maxQueued
// select the defaults.
func NewBatcher[T any](interval time.Duration, maxQueued int, sink func(map[string]T)) *Batcher[T] {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueued
	}
	b := &Batcher[T]{
		pending:  make(map[string]T),
		interval: interval,
		maxQueue: maxQueued,
		sink:     sink,
		stopCh:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushLoop()
	return b
}

// Add stores or overwrites the pending value for key. Reaching the queue
// bound forces an immediate flush.
func (b *Batcher[T]) Add(key string, value T) {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.pending[key] = value
	full := len(b.pending) >= b.maxQueue
	b.mu.Unlock()

	if full {
		b.Flush()
	}
}

// Flush hands everything pending to the sink. The sink runs outside the
// lock with its own map snapshot.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = make(map[string]T)
	b.mu.Unlock()

	b.sink(batch)
}

// Pending reports how many keys await the next flush.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Dispose flushes outstanding values and stops the timer. Further Adds
// are dropped.
func (b *Batcher[T]) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
	b.Flush()
}

func (b *Batcher[T]) flushLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopCh:
			return
		}
	}
}
