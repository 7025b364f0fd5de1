// Package container provides the fixed-capacity collections shared by the
// market-data and signal pipelines: an ordered bounded map with pluggable
// eviction, a pre-allocated ring buffer, and an atomic bit set.
package container

import (
	"container/list"
	"errors"
	"sync"
)

// ErrInvalidArg is returned when a container rejects its input.
var ErrInvalidArg = errors.New("container: invalid argument")

// EvictionPolicy selects which entry a full BoundedMap removes before
// inserting a new one.
type EvictionPolicy int

const (
	// EvictLRU removes the least-recently accessed entry. Get and Set both
	// count as access.
	EvictLRU EvictionPolicy = iota
	// EvictFIFO removes the oldest inserted entry regardless of access.
	EvictFIFO
)

type mapEntry[K comparable, V any] struct {
	key   K
	value V
}

// BoundedMap is an ordered associative container with a hard capacity.
// When an insert would exceed capacity, exactly one entry is evicted first
// according to the configured policy. Size never exceeds capacity at any
// externally observable moment.
type BoundedMap[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	policy   EvictionPolicy
	order    *list.List // front = eviction candidate, back = most recent
	items    map[K]*list.Element
	evicted  uint64
}

// NewBoundedMap creates a BoundedMap with the given capacity and policy.
// Capacity must be at least 1.
func NewBoundedMap[K comparable, V any](capacity int, policy EvictionPolicy) *BoundedMap[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedMap[K, V]{
		capacity: capacity,
		policy:   policy,
		order:    list.New(),
		items:    make(map[K]*list.Element, capacity),
	}
}

// Set inserts or updates the value for key. On overflow the policy evicts
// exactly one entry before the insert.
func (m *BoundedMap[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		elem.Value.(*mapEntry[K, V]).value = value
		if m.policy == EvictLRU {
			m.order.MoveToBack(elem)
		}
		return
	}

	if m.order.Len() >= m.capacity {
		m.evictOldestLocked()
	}
	m.items[key] = m.order.PushBack(&mapEntry[K, V]{key: key, value: value})
}

// Get returns the value for key. Under LRU it refreshes the entry's
// recency.
func (m *BoundedMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if m.policy == EvictLRU {
		m.order.MoveToBack(elem)
	}
	return elem.Value.(*mapEntry[K, V]).value, true
}

// Peek returns the value for key without touching recency.
func (m *BoundedMap[K, V]) Peek(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return elem.Value.(*mapEntry[K, V]).value, true
}

// Delete removes key and reports whether it was present.
func (m *BoundedMap[K, V]) Delete(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return false
	}
	m.order.Remove(elem)
	delete(m.items, key)
	return true
}

// Len returns the number of stored entries.
func (m *BoundedMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Cap returns the configured capacity.
func (m *BoundedMap[K, V]) Cap() int {
	return m.capacity
}

// Evictions returns how many entries have been evicted by capacity
// pressure since construction.
func (m *BoundedMap[K, V]) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted
}

// Iterate walks entries oldest-first: access order under LRU, insertion
// order under FIFO. The walk stops when fn returns false. fn must not call
// back into the map.
func (m *BoundedMap[K, V]) Iterate(fn func(key K, value V) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*mapEntry[K, V])
		if !fn(entry.key, entry.value) {
			return
		}
	}
}

// Keys returns all keys oldest-first.
func (m *BoundedMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]K, 0, m.order.Len())
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*mapEntry[K, V]).key)
	}
	return keys
}

func (m *BoundedMap[K, V]) evictOldestLocked() {
	front := m.order.Front()
	if front == nil {
		return
	}
	m.order.Remove(front)
	delete(m.items, front.Value.(*mapEntry[K, V]).key)
	m.evicted++
}
