package mem

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	p := NewPhysmem(4)
	pa, ok := p.AllocFrame()
	if !ok {
		t.Fatalf("AllocFrame failed with frames available")
	}
	if got := p.Refcount(pa); got != 1 {
		t.Fatalf("Refcount() = %d, want 1", got)
	}
	if !p.Unref(pa) {
		t.Fatalf("Unref() = false, want true (last reference)")
	}
	if got := p.Refcount(pa); got != 0 {
		t.Fatalf("Refcount() after free = %d, want 0", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPhysmem(2)
	if _, ok := p.AllocFrame(); !ok {
		t.Fatalf("first AllocFrame should succeed")
	}
	if _, ok := p.AllocFrame(); !ok {
		t.Fatalf("second AllocFrame should succeed")
	}
	if _, ok := p.AllocFrame(); ok {
		t.Fatalf("third AllocFrame should fail: pool exhausted")
	}
	select {
	case <-p.OutOfMemory:
	default:
		t.Fatalf("expected OutOfMemory notification on exhaustion")
	}
}

func TestAllocZeroFrameIsZeroed(t *testing.T) {
	p := NewPhysmem(2)
	pa, ok := p.AllocFrame()
	if !ok {
		t.Fatalf("AllocFrame failed")
	}
	buf := p.Dmap(pa)
	for i := range buf {
		buf[i] = 0xAA
	}
	p.Unref(pa)

	z, ok := p.AllocZeroFrame()
	if !ok {
		t.Fatalf("AllocZeroFrame failed")
	}
	for i, b := range p.Dmap(z) {
		if b != 0 {
			t.Fatalf("AllocZeroFrame byte %d = %#x, want 0", i, b)
		}
	}
}

func TestRefUnrefSymmetric(t *testing.T) {
	p := NewPhysmem(2)
	pa, _ := p.AllocFrame()
	p.Ref(pa) // refcount now 2, simulating a COW-shared mapping
	if got := p.Refcount(pa); got != 2 {
		t.Fatalf("Refcount() = %d, want 2", got)
	}
	if p.Unref(pa) {
		t.Fatalf("Unref() = true on first of two references, want false")
	}
	if !p.Unref(pa) {
		t.Fatalf("Unref() = false on last reference, want true")
	}
}

func TestDoubleFreePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double-free")
		}
	}()
	p := NewPhysmem(1)
	pa, _ := p.AllocFrame()
	p.Unref(pa)
	p.FreeFrame(pa) // refcount already 0: this is a double free
}

func TestCopyFrameDuplicatesContents(t *testing.T) {
	p := NewPhysmem(3)
	src, _ := p.AllocFrame()
	copy(p.Dmap(src), []byte("hello"))

	dst, err := p.CopyFrame(src)
	if err != 0 {
		t.Fatalf("CopyFrame() err = %v", err)
	}
	if dst == src {
		t.Fatalf("CopyFrame() returned the same frame")
	}
	if string(p.Dmap(dst)[:5]) != "hello" {
		t.Fatalf("CopyFrame() did not duplicate contents")
	}
	p.Dmap(dst)[0] = 'H'
	if p.Dmap(src)[0] == 'H' {
		t.Fatalf("CopyFrame() shares storage with src, want independent copy")
	}
}
