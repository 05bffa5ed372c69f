package vm

import "testing"

func TestSbrkGrowAndShrink(t *testing.T) {
	as := newTestAS(t, 16, 4)

	cur, err := as.Sbrk(0x800000, 0)
	if err != 0 {
		t.Fatalf("Sbrk(query) err = %v", err)
	}
	base := cur

	grown, err := as.Sbrk(0x800000, base+2*page)
	if err != 0 {
		t.Fatalf("Sbrk(grow) err = %v", err)
	}
	if grown != base+2*page {
		t.Fatalf("Sbrk(grow) = %#x, want %#x", grown, base+2*page)
	}

	if err := as.CopyOut(base+page+4, []byte{1, 2, 3}); err != 0 {
		t.Fatalf("CopyOut() into grown heap err = %v", err)
	}

	shrunk, err := as.Sbrk(0x800000, base+page)
	if err != 0 {
		t.Fatalf("Sbrk(shrink) err = %v", err)
	}
	if shrunk != base+page {
		t.Fatalf("Sbrk(shrink) = %#x, want %#x", shrunk, base+page)
	}
}

func TestSbrkRejectsBelowBase(t *testing.T) {
	as := newTestAS(t, 16, 4)
	base, err := as.Sbrk(0x800000, 0)
	if err != 0 {
		t.Fatalf("Sbrk(query) err = %v", err)
	}
	if _, err := as.Sbrk(0x800000, base-page); err == 0 {
		t.Fatalf("Sbrk() below base succeeded, want EINVAL")
	}
}
