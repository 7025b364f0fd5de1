package trader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func storeCRUD(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	tr := New("crud", sampleFilter())
	if err := s.Put(ctx, tr); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(tr) {
		t.Errorf("Round-trip changed the trader:\n put %+v\n got %+v", tr, got)
	}

	tr.Name = "renamed"
	if err := s.Put(ctx, tr); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = s.Get(ctx, tr.ID)
	if got.Name != "renamed" {
		t.Errorf("Expected updated name, got %q", got.Name)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("Expected 1 trader, got %d", len(list))
	}

	if err := s.Delete(ctx, tr.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, tr.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, tr.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Double delete should report ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	storeCRUD(t, NewMemoryStore())
}

func TestFileStoreCRUD(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	storeCRUD(t, s)
}

func TestPutRejectsInvalidTrader(t *testing.T) {
	s := NewMemoryStore()
	bad := New("bad", sampleFilter())
	bad.Filter.Code = ""

	if err := s.Put(context.Background(), bad); !errors.Is(err, ErrInvalidTrader) {
		t.Errorf("Expected ErrInvalidTrader, got %v", err)
	}
}

func TestFileStoreSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}

	good := New("good", sampleFilter())
	if err := s.Put(context.Background(), good); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trader_broken.json"), []byte("{nope"), 0o600); err != nil {
		t.Fatalf("Failed to plant corrupt record: %v", err)
	}

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != good.ID {
		t.Errorf("Corrupt record should be skipped, got %d traders", len(list))
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := OpenFileStore(dir)
	if err := s.Put(context.Background(), New("x", sampleFilter())); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("Temp file left behind: %s", e.Name())
		}
	}
}
