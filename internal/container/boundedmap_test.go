package container

import (
	"fmt"
	"testing"
)

// TestBoundedMapCapacity verifies size never exceeds capacity and that
// distinct inserts beyond capacity evict exactly the overflow count.
func TestBoundedMapCapacity(t *testing.T) {
	m := NewBoundedMap[string, int](10, EvictLRU)

	for i := 0; i < 25; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
		if m.Len() > 10 {
			t.Fatalf("size %d exceeds capacity 10 after %d inserts", m.Len(), i+1)
		}
	}

	if m.Len() != 10 {
		t.Errorf("Len() = %d, want 10", m.Len())
	}
	if m.Evictions() != 15 {
		t.Errorf("Evictions() = %d, want 15", m.Evictions())
	}
}

// TestBoundedMapLRU verifies Get refreshes recency so the least recently
// accessed entry is the one evicted.
func TestBoundedMapLRU(t *testing.T) {
	m := NewBoundedMap[string, int](3, EvictLRU)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := m.Get("a"); !ok {
		t.Fatal("expected a to be present")
	}

	m.Set("d", 4)

	if _, ok := m.Get("b"); ok {
		t.Error("b should have been evicted as least recently used")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok := m.Get(k); !ok {
			t.Errorf("%s should still be present", k)
		}
	}
}

// TestBoundedMapFIFO verifies eviction follows insertion order regardless
// of access.
func TestBoundedMapFIFO(t *testing.T) {
	m := NewBoundedMap[string, int](3, EvictFIFO)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	// Access must not save "a" under FIFO.
	m.Get("a")
	m.Set("d", 4)

	if _, ok := m.Get("a"); ok {
		t.Error("a should have been evicted as oldest inserted")
	}

	keys := m.Keys()
	want := []string{"b", "c", "d"}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("Keys()[%d] = %s, want %s", i, keys[i], k)
		}
	}
}

// TestBoundedMapUpdateDoesNotEvict verifies updating an existing key never
// triggers eviction.
func TestBoundedMapUpdateDoesNotEvict(t *testing.T) {
	m := NewBoundedMap[string, int](2, EvictLRU)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 10)

	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
	if v, _ := m.Get("a"); v != 10 {
		t.Errorf("a = %d, want 10", v)
	}
	if m.Evictions() != 0 {
		t.Errorf("Evictions() = %d, want 0", m.Evictions())
	}
}

// TestBoundedMapSingleSlot verifies capacity 1 behaves as a one-entry
// cache.
func TestBoundedMapSingleSlot(t *testing.T) {
	m := NewBoundedMap[string, int](1, EvictLRU)
	m.Set("a", 1)
	m.Set("b", 2)

	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	if _, ok := m.Get("a"); ok {
		t.Error("a should have been displaced by b")
	}
	if v, ok := m.Get("b"); !ok || v != 2 {
		t.Errorf("b = %d (present %v), want 2", v, ok)
	}
}

// TestBoundedMapDelete verifies deletion frees a slot without counting as
// an eviction.
func TestBoundedMapDelete(t *testing.T) {
	m := NewBoundedMap[string, int](2, EvictFIFO)
	m.Set("a", 1)

	if !m.Delete("a") {
		t.Error("Delete should report true for present key")
	}
	if m.Delete("a") {
		t.Error("Delete should report false for absent key")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
	if m.Evictions() != 0 {
		t.Errorf("Evictions() = %d, want 0", m.Evictions())
	}
}

// TestBoundedMapIterateOrder verifies iteration yields oldest-first under
// both policies.
func TestBoundedMapIterateOrder(t *testing.T) {
	m := NewBoundedMap[string, int](4, EvictLRU)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)
	m.Get("a") // a becomes most recent

	var got []string
	m.Iterate(func(k string, _ int) bool {
		got = append(got, k)
		return true
	})

	want := []string{"b", "c", "a"}
	if len(got) != len(want) {
		t.Fatalf("iterated %d keys, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("iterate[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func BenchmarkBoundedMapSet(b *testing.B) {
	m := NewBoundedMap[int, int](1000, EvictLRU)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Set(i%2000, i)
	}
}
