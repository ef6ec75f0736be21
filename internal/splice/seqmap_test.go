package splice

import "testing"

func TestSeqMapInsertAndLookup(t *testing.T) {
	m := NewSeqMap()
	m.Insert(5, 100)
	v, ok := m.Lookup(5)
	if !ok || v != 100 {
		t.Fatalf("Lookup(5) = %d, %v; want 100, true", v, ok)
	}
	if _, ok := m.Lookup(6); ok {
		t.Fatalf("Lookup(6) should miss")
	}
}

// TestSeqMapEviction is scenario S6: force 101 distinct inserts and
// assert the map stays at 100 entries with the first eviction gone.
func TestSeqMapEviction(t *testing.T) {
	m := NewSeqMap()
	for i := uint32(0); i < 101; i++ {
		m.Insert(i, i*10)
	}
	if got := m.Len(); got != maxSeqMapEntries {
		t.Fatalf("Len() = %d, want %d", got, maxSeqMapEntries)
	}
	if _, ok := m.Lookup(0); ok {
		t.Fatalf("key 0 should have been evicted")
	}
	if v, ok := m.Lookup(100); !ok || v != 1000 {
		t.Fatalf("Lookup(100) = %d, %v; want 1000, true", v, ok)
	}
}

func TestSeqMapReinsertDoesNotDuplicateOrder(t *testing.T) {
	m := NewSeqMap()
	m.Insert(1, 10)
	m.Insert(1, 20)
	if got := m.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	v, _ := m.Lookup(1)
	if v != 20 {
		t.Fatalf("Lookup(1) = %d, want 20 (latest value)", v)
	}
}
