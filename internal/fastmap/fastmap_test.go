package fastmap

import (
	"math/rand"
	"testing"
)

func TestMapBasic(t *testing.T) {
	var m Map

	if _, ok := m.Get(1); ok {
		t.Error("expected miss on empty map")
	}

	m.Set(1, 100)
	m.Set(2, 200)
	if v, ok := m.Get(1); !ok || v != 100 {
		t.Errorf("Get(1) = %d, %v", v, ok)
	}
	if v, ok := m.Get(2); !ok || v != 200 {
		t.Errorf("Get(2) = %d, %v", v, ok)
	}
	if _, ok := m.Get(3); ok {
		t.Error("Get(3) should miss")
	}

	m.Set(1, 300)
	if v, _ := m.Get(1); v != 300 {
		t.Errorf("update failed, got %d", v)
	}
	if m.Len() != 2 {
		t.Errorf("expected len=2, got %d", m.Len())
	}

	m.Clear()
	if m.Len() != 0 {
		t.Error("Clear failed")
	}
	if _, ok := m.Get(1); ok {
		t.Error("Get after Clear should miss")
	}
}

func TestMapZeroKey(t *testing.T) {
	var m Map
	m.Set(0, 7)
	if v, ok := m.Get(0); !ok || v != 7 {
		t.Fatalf("key 0: got %d, %v", v, ok)
	}
}

func TestMapGrow(t *testing.T) {
	var m Map
	for i := uint32(0); i < 10000; i++ {
		m.Set(i, uint64(i)*3)
	}
	if m.Len() != 10000 {
		t.Fatalf("expected 10000 entries, got %d", m.Len())
	}
	for i := uint32(0); i < 10000; i++ {
		if v, ok := m.Get(i); !ok || v != uint64(i)*3 {
			t.Fatalf("Get(%d) = %d, %v", i, v, ok)
		}
	}
}

func TestMapDelete(t *testing.T) {
	var m Map
	for i := uint32(0); i < 64; i++ {
		m.Set(i, uint64(i))
	}
	for i := uint32(0); i < 64; i += 2 {
		if !m.Delete(i) {
			t.Fatalf("Delete(%d) reported missing", i)
		}
	}
	if m.Delete(0) {
		t.Fatal("second Delete(0) reported present")
	}
	if m.Len() != 32 {
		t.Fatalf("expected 32 entries, got %d", m.Len())
	}
	for i := uint32(0); i < 64; i++ {
		_, ok := m.Get(i)
		if ok != (i%2 == 1) {
			t.Fatalf("Get(%d) presence = %v", i, ok)
		}
	}
}

// Random inserts and deletes checked against the builtin map.
func TestMapRandomAgainstBuiltin(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var m Map
	ref := make(map[uint32]uint64)

	for i := 0; i < 50000; i++ {
		k := uint32(rng.Intn(2000))
		switch rng.Intn(3) {
		case 0, 1:
			v := rng.Uint64()
			m.Set(k, v)
			ref[k] = v
		case 2:
			_, want := ref[k]
			if got := m.Delete(k); got != want {
				t.Fatalf("op %d: Delete(%d) = %v, want %v", i, k, got, want)
			}
			delete(ref, k)
		}
	}

	if m.Len() != len(ref) {
		t.Fatalf("len mismatch: %d vs %d", m.Len(), len(ref))
	}
	for k, want := range ref {
		if got, ok := m.Get(k); !ok || got != want {
			t.Fatalf("Get(%d) = %d, %v; want %d", k, got, ok, want)
		}
	}
	seen := 0
	m.ForEach(func(k uint32, v uint64) {
		if ref[k] != v {
			t.Errorf("ForEach yielded %d=%d, want %d", k, v, ref[k])
		}
		seen++
	})
	if seen != len(ref) {
		t.Fatalf("ForEach visited %d entries, want %d", seen, len(ref))
	}
	if keys := m.Keys(nil); len(keys) != len(ref) {
		t.Fatalf("Keys returned %d, want %d", len(keys), len(ref))
	}
}

func BenchmarkMapSet(b *testing.B) {
	var m Map
	for i := 0; i < b.N; i++ {
		m.Set(uint32(i), uint64(i))
	}
}

func BenchmarkMapGet(b *testing.B) {
	var m Map
	for i := uint32(0); i < 1<<16; i++ {
		m.Set(i, uint64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Get(uint32(i) & (1<<16 - 1))
	}
}
