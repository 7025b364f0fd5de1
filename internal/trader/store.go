package trader

import (
	"context"
	"sort"
	"sync"
)

// Store persists traders. The screening core treats it as an opaque
// collaborator; implementations cover memory, JSON files, and Postgres.
type Store interface {
	List(ctx context.Context) ([]Trader, error)
	Get(ctx context.Context, id string) (Trader, error)
	Put(ctx context.Context, t Trader) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a Store backed by a map, used in tests and as the
// default when no persistence is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	traders map[string]Trader
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traders: make(map[string]Trader)}
}

func (s *MemoryStore) List(ctx context.Context) ([]Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Trader, 0, len(s.traders))
	for _, t := range s.traders {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Trader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.traders[id]
	if !ok {
		return Trader{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) Put(ctx context.Context, t Trader) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.traders[t.ID] = t
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.traders[id]; !ok {
		return ErrNotFound
	}
	delete(s.traders, id)
	return nil
}
