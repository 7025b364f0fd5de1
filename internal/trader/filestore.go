package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists each trader as trader_<id>.json in a directory.
// Writes go to a .tmp file first, then rename over the target, so a
// crash mid-save never leaves a corrupt record.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// OpenFileStore creates a store backed by the given directory.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trader dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, "trader_"+id+".json")
}

func (s *FileStore) List(ctx context.Context) ([]Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read trader dir: %w", err)
	}

	var traders []Trader
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "trader_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		t, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			// One corrupt record must not hide the rest.
			continue
		}
		traders = append(traders, t)
	}
	sort.Slice(traders, func(i, j int) bool { return traders[i].ID < traders[j].ID })
	return traders, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.read(s.path(id))
	if os.IsNotExist(err) {
		return Trader{}, ErrNotFound
	}
	return t, err
}

func (s *FileStore) Put(ctx context.Context, t Trader) error {
	if err := t.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trader: %w", err)
	}

	path := s.path(t.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write trader: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func (s *FileStore) read(path string) (Trader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Trader{}, err
	}
	var t Trader
	if err := json.Unmarshal(data, &t); err != nil {
		return Trader{}, fmt.Errorf("unmarshal trader: %w", err)
	}
	return t, nil
}
