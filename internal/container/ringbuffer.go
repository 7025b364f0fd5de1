package container

import "sync"

// CircularBuffer is a fixed-capacity FIFO ring. The backing slice is
// allocated once at construction; a push onto a full buffer overwrites the
// oldest element in place, so steady-state inserts do not allocate.
//
// Layout: oldest element lives at head, newest at (head+count-1)%cap.
// While count < cap the head stays at 0 and the buffer fills; once full,
// each push advances head past the overwritten slot.
type CircularBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int
	count int
}

// NewCircularBuffer creates a ring with the given capacity (minimum 1).
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &CircularBuffer[T]{items: make([]T, capacity)}
}

// Push appends v, silently dropping the oldest element when full. A nil
// value is rejected with ErrInvalidArg and the buffer is left unchanged.
func (b *CircularBuffer[T]) Push(v T) error {
	if any(v) == nil {
		return ErrInvalidArg
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	writeIdx := (b.head + b.count) % len(b.items)
	b.items[writeIdx] = v
	if b.count < len(b.items) {
		b.count++
	} else {
		b.head = (b.head + 1) % len(b.items)
	}
	return nil
}

// PeekOldest returns the oldest element without removing it.
func (b *CircularBuffer[T]) PeekOldest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.items[b.head], true
}

// PeekNewest returns the most recently pushed element.
func (b *CircularBuffer[T]) PeekNewest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.items[(b.head+b.count-1)%len(b.items)], true
}

// GetRecent returns up to n of the newest elements in chronological order
// (oldest of the n first). The result is a copy.
func (b *CircularBuffer[T]) GetRecent(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]T, n)
	start := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(b.head+start+i)%len(b.items)]
	}
	return out
}

// GetAll returns a copy of the buffer contents in chronological order.
func (b *CircularBuffer[T]) GetAll() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return nil
	}
	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// Len returns the number of stored elements.
func (b *CircularBuffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *CircularBuffer[T]) Cap() int {
	return len(b.items)
}

// Clear drops all elements but keeps the backing storage.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.count = 0
}
