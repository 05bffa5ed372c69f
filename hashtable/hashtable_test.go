package hashtable

import (
	"sync"
	"testing"
)

func intHash(k int) uint32 { return uint32(k) }

func TestSetGetDel(t *testing.T) {
	ht := New[int, string](4, intHash)
	if _, ok := ht.Get(1); ok {
		t.Fatalf("expected miss on empty table")
	}
	if !ht.Set(1, "a") {
		t.Fatalf("expected fresh insert to succeed")
	}
	if ht.Set(1, "b") {
		t.Fatalf("expected duplicate insert to fail")
	}
	v, ok := ht.Get(1)
	if !ok || v != "a" {
		t.Fatalf("Get(1) = %q, %v; want \"a\", true", v, ok)
	}
	ht.Del(1)
	if _, ok := ht.Get(1); ok {
		t.Fatalf("expected miss after Del")
	}
}

func TestDelMissingPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic deleting a missing key")
		}
	}()
	ht := New[int, string](4, intHash)
	ht.Del(42)
}

func TestSizeAndElems(t *testing.T) {
	ht := New[int, int](8, intHash)
	for i := 0; i < 20; i++ {
		ht.Set(i, i*i)
	}
	if ht.Size() != 20 {
		t.Fatalf("Size() = %d, want 20", ht.Size())
	}
	seen := map[int]int{}
	for _, p := range ht.Elems() {
		seen[p.Key] = p.Value
	}
	for i := 0; i < 20; i++ {
		if seen[i] != i*i {
			t.Fatalf("Elems missing or wrong for key %d", i)
		}
	}
}

func TestConcurrentGetDuringSet(t *testing.T) {
	ht := New[int, int](16, intHash)
	const n = 500
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ht.Set(i, i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ht.Get(i) // may hit or miss depending on interleaving, must not race/panic
		}
	}()
	wg.Wait()
	if ht.Size() != n {
		t.Fatalf("Size() = %d, want %d", ht.Size(), n)
	}
}
