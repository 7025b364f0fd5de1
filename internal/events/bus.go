// Package events carries change notifications between the market-data
// plane and its consumers: a per-(symbol, interval) bus for kline updates
// and a coalescing batcher for high-frequency ticker traffic.
package events

import (
	"sync"

	"crypto-screener/internal/market"
)

// Listener receives a change notification for one (symbol, interval) key.
type Listener func(symbol string, interval market.Interval)

// PanicHandler is invoked with whatever a listener panicked with.
// Delivery to the remaining listeners continues regardless.
type PanicHandler func(symbol string, interval market.Interval, recovered interface{})

type busKey struct {
	symbol   string
	interval market.Interval
}

type subscriber struct {
	id int
	fn Listener
}

// Bus routes change events keyed by (symbol, interval). Listeners are
// invoked synchronously in subscription order, specific listeners before
// global ones, so a single emitter's events are observed in emit order.
// A panicking listener is isolated and reported; the rest still run.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	keyed   map[busKey][]subscriber
	global  []subscriber
	onPanic PanicHandler
}

// NewBus creates a Bus. onPanic may be nil.
func NewBus(onPanic PanicHandler) *Bus {
	return &Bus{
		keyed:   make(map[busKey][]subscriber),
		onPanic: onPanic,
	}
}

// Subscribe registers a listener for one (symbol, interval) key and
// returns its unsubscribe handle.
func (b *Bus) Subscribe(symbol string, interval market.Interval, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	key := busKey{symbol, interval}
	b.keyed[key] = append(b.keyed[key], subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.keyed[key]
		for i := range subs {
			if subs[i].id == id {
				b.keyed[key] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.keyed[key]) == 0 {
			delete(b.keyed, key)
		}
	}
}

// SubscribeAll registers a listener for every key and returns its
// unsubscribe handle.
func (b *Bus) SubscribeAll(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.global {
			if b.global[i].id == id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers the change to the key's listeners, then to global
// listeners. Delivery is synchronous: when Emit returns, every listener
// has observed the event.
func (b *Bus) Emit(symbol string, interval market.Interval) {
	b.mu.RLock()
	keyed := b.keyed[busKey{symbol, interval}]
	subs := make([]subscriber, 0, len(keyed)+len(b.global))
	subs = append(subs, keyed...)
	subs = append(subs, b.global...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub.fn, symbol, interval)
	}
}

func (b *Bus) invoke(fn Listener, symbol string, interval market.Interval) {
	defer func() {
		if r := recover(); r != nil && b.onPanic != nil {
			b.onPanic(symbol, interval, r)
		}
	}()
	fn(symbol, interval)
}

// ListenerCount reports currently registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.global)
	for _, subs := range b.keyed {
		n += len(subs)
	}
	return n
}
