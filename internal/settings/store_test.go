package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "limit", 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	var got int
	if err := s.Get(ctx, "limit", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestMemoryStoreMissingKey(t *testing.T) {
	s := NewMemoryStore()
	var v int
	err := s.Get(context.Background(), "absent", &v)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDeleteAndKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"b", "a", "c"} {
		if err := s.Set(ctx, k, k); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	if err := s.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Fatalf("keys = %v, want [a c]", keys)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.json")

	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, KeyDedupeThreshold, 75); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, KeyFavorites, []string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("set favorites: %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var threshold int
	if err := reopened.Get(ctx, KeyDedupeThreshold, &threshold); err != nil {
		t.Fatalf("get: %v", err)
	}
	if threshold != 75 {
		t.Fatalf("threshold = %d, want 75", threshold)
	}
	var favs []string
	if err := reopened.Get(ctx, KeyFavorites, &favs); err != nil {
		t.Fatalf("get favorites: %v", err)
	}
	if len(favs) != 2 || favs[0] != "BTCUSDT" {
		t.Fatalf("favorites = %v", favs)
	}
}

func TestFileStoreCreatesMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "settings.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(context.Background(), "k", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not written: %v", err)
	}
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("expected error for corrupt file")
	}
}

func TestFileStoreDeleteMissingIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Delete(context.Background(), "absent"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
