package trader

import (
	"context"
	"sync"
)

// Notifier wraps a Store and fans out the full trader list to
// subscribers after every successful mutation. The scheduler subscribes
// here so store changes become ApplyTraders calls regardless of which
// backend persists them.
type Notifier struct {
	Store

	mu     sync.Mutex
	subs   map[int]func([]Trader)
	nextID int
}

// NewNotifier wraps store.
func NewNotifier(store Store) *Notifier {
	return &Notifier{
		Store: store,
		subs:  make(map[int]func([]Trader)),
	}
}

// Subscribe registers fn for change notifications and returns an
// unsubscribe func. fn receives the complete post-change list.
func (n *Notifier) Subscribe(fn func([]Trader)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Put stores t and notifies on success.
func (n *Notifier) Put(ctx context.Context, t Trader) error {
	if err := n.Store.Put(ctx, t); err != nil {
		return err
	}
	n.notify(ctx)
	return nil
}

// Delete removes id and notifies on success.
func (n *Notifier) Delete(ctx context.Context, id string) error {
	if err := n.Store.Delete(ctx, id); err != nil {
		return err
	}
	n.notify(ctx)
	return nil
}

func (n *Notifier) notify(ctx context.Context) {
	list, err := n.Store.List(ctx)
	if err != nil {
		return
	}

	n.mu.Lock()
	subs := make([]func([]Trader), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(list)
	}
}
