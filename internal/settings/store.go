// Package settings is the persisted key-value layer for runtime
// configuration: kline history limits, the dedup threshold, favorites,
// and the signal-history snapshot that lets dedup survive restarts.
// Values are JSON; backends are an in-memory map, a single JSON file
// with atomic rewrites, and Redis.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Keys the core reads and writes.
const (
	KeyKlineHistory    = "klineHistoryConfig"
	KeyDedupeThreshold = "signalDedupeThreshold"
	KeyFavorites       = "favorites"
	KeySignalHistory   = "signalHistory"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("settings: key not found")
	// ErrStoreUnavailable is returned when the backend cannot be reached.
	ErrStoreUnavailable = errors.New("settings: store unavailable")
)

// Store is a JSON-valued key-value backend.
type Store interface {
	// Get unmarshals the value for key into dest. ErrNotFound on miss.
	Get(ctx context.Context, key string, dest any) error
	// Set marshals value and stores it under key.
	Set(ctx context.Context, key string, value any) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys, sorted.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStore is the in-process backend used in tests and as the
// default when no persistence is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Get(_ context.Context, key string, dest any) error {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("settings: decode %s: %w", key, err)
	}
	return nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
