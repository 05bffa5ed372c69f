// Package mem implements the physical frame allocator and the high-half
// direct map (HHDM), adapted from biscuit's mem package (mem.go, dmap.go).
// biscuit's HHDM maps real physical RAM at a fixed virtual offset backed by
// the boot loader's memory map; gokern is a host-side model of the same
// contract, so physical frames are backed by a Go slice
// instead of real DRAM, and Dmap returns a direct slice view instead of a
// pointer arithmetic computation -- every other operation (ref counting,
// double-free detection, zero semantics) is unchanged.
package mem

import (
	"sync"
	"sync/atomic"

	"gokern/defs"
)

// PGSHIFT/PGSIZE/PGOFFSET/PGMASK describe the fixed 4 KiB page geometry.
const (
	PGSHIFT       = 12
	PGSIZE        = 1 << PGSHIFT
	PGOFFSET Pa_t = 0xfff
	PGMASK   Pa_t = ^PGOFFSET
)

// Page table entry flag bits, unchanged in meaning from biscuit's mem
// package: present, writable, user, huge, plus the two software bits the
// VMM uses to track copy-on-write state (writable cleared while the VMA
// permits writes means the entry is COW-pending).
const (
	PTE_P      Pa_t = 1 << 0
	PTE_W      Pa_t = 1 << 1
	PTE_U      Pa_t = 1 << 2
	PTE_PS     Pa_t = 1 << 7 // huge page
	PTE_COW    Pa_t = 1 << 9 // software bit: page is COW-pending
	PTE_WASCOW Pa_t = 1 << 10
	PTE_ADDR   Pa_t = PGMASK
)

// Pa_t is a physical frame address -- in this simulation, an index into
// Physmem's frame table shifted left by PGSHIFT, so that masking with
// PGMASK/PTE_ADDR behaves exactly as it would against a real physical
// address.
type Pa_t uintptr

// Pg_t is one physical page's worth of bytes.
type Pg_t [PGSIZE]byte

// Pmap_t is a page-table page: 512 64-bit entries, each either a child
// table's Pa_t (with flags) or a leaf mapping.
type Pmap_t [512]Pa_t

func pg2pgn(p Pa_t) uint32 { return uint32(p >> PGSHIFT) }

type physpg_t struct {
	refcnt int32
	free   bool
}

// Physmem_t manages all simulated physical memory. The zero value is not
// usable; construct with NewPhysmem.
type Physmem_t struct {
	mu       sync.Mutex
	pages    [][]byte // backing storage, one PGSIZE slice per frame
	pgs      []physpg_t
	freelist []uint32

	// OutOfMemory is notified (non-blocking best effort) whenever a frame
	// request fails, adapted from biscuit's oommsg package: a single
	// channel any waiter can select on to learn the allocator is under
	// pressure.
	OutOfMemory chan struct{}
}

// NewPhysmem creates a frame allocator with nframes 4 KiB frames.
func NewPhysmem(nframes int) *Physmem_t {
	p := &Physmem_t{
		pages:       make([][]byte, nframes),
		pgs:         make([]physpg_t, nframes),
		freelist:    make([]uint32, 0, nframes),
		OutOfMemory: make(chan struct{}, 1),
	}
	for i := nframes - 1; i >= 0; i-- {
		p.pages[i] = make([]byte, PGSIZE)
		p.pgs[i].free = true
		p.freelist = append(p.freelist, uint32(i))
	}
	return p
}

func idxToPa(idx uint32) Pa_t { return Pa_t(idx) << PGSHIFT }
func paToIdx(p Pa_t) uint32   { return uint32(p >> PGSHIFT) }

// AllocFrame returns a fresh frame with refcount 1, or ok=false if none
// remain. Contents are undefined -- callers that need a zeroed frame use
// AllocZeroFrame.
func (p *Physmem_t) AllocFrame() (Pa_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.freelist) == 0 {
		p.notifyOOM()
		return 0, false
	}
	idx := p.freelist[len(p.freelist)-1]
	p.freelist = p.freelist[:len(p.freelist)-1]
	p.pgs[idx].refcnt = 1
	p.pgs[idx].free = false
	return idxToPa(idx), true
}

// AllocZeroFrame returns a freshly zeroed frame with refcount 1.
func (p *Physmem_t) AllocZeroFrame() (Pa_t, bool) {
	pa, ok := p.AllocFrame()
	if !ok {
		return 0, false
	}
	buf := p.pages[paToIdx(pa)]
	for i := range buf {
		buf[i] = 0
	}
	return pa, true
}

func (p *Physmem_t) notifyOOM() {
	select {
	case p.OutOfMemory <- struct{}{}:
	default:
	}
}

// FreeFrame returns a frame to the free list. Double-free is a bug and
// panics.
func (p *Physmem_t) FreeFrame(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := paToIdx(pa)
	if p.pgs[idx].refcnt != 0 {
		panic("free_frame: refcount not zero")
	}
	if p.pgs[idx].free {
		panic("free_frame: double free")
	}
	p.pgs[idx].free = true
	p.freelist = append(p.freelist, idx)
}

// FreeFrameForce returns a structural frame (a page-table page) to the
// free list regardless of its refcount, used when tearing down
// intermediate page tables: those frames are owned outright by the VMM,
// never shared, and never go through Ref/Unref.
func (p *Physmem_t) FreeFrameForce(pa Pa_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := paToIdx(pa)
	if p.pgs[idx].free {
		panic("free_frame: double free")
	}
	p.pgs[idx].refcnt = 0
	p.pgs[idx].free = true
	p.freelist = append(p.freelist, idx)
}

// Ref increments a frame's reference count. It is O(1) and must be
// symmetric with Unref across COW fork/unmap.
func (p *Physmem_t) Ref(pa Pa_t) {
	idx := paToIdx(pa)
	c := atomic.AddInt32(&p.pgs[idx].refcnt, 1)
	if c <= 1 {
		panic("ref on a free frame")
	}
}

// Unref decrements a frame's reference count, freeing the frame and
// returning true when the count reaches zero.
func (p *Physmem_t) Unref(pa Pa_t) bool {
	idx := paToIdx(pa)
	c := atomic.AddInt32(&p.pgs[idx].refcnt, -1)
	if c < 0 {
		panic("unref on a free frame")
	}
	if c == 0 {
		p.FreeFrame(pa)
		return true
	}
	return false
}

// Refcount returns the current reference count of a frame. Zero means
// free.
func (p *Physmem_t) Refcount(pa Pa_t) int {
	idx := paToIdx(pa)
	return int(atomic.LoadInt32(&p.pgs[idx].refcnt))
}

// TotalFrames returns the number of 4 KiB frames this allocator manages.
func (p *Physmem_t) TotalFrames() int { return len(p.pages) }

// FreeFrames returns the number of frames currently on the free list, for
// monitoring/accounting use; the ENOMEM paths above are driven by this
// same count hitting zero.
func (p *Physmem_t) FreeFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freelist)
}

// Dmap returns the HHDM view of a physical frame: a direct []byte slice a
// caller may read or write through, standing in for "every physical frame
// accessible at a fixed virtual offset".
func (p *Physmem_t) Dmap(pa Pa_t) []byte {
	return p.pages[paToIdx(pa)]
}

// CopyFrame duplicates the contents of src into a freshly allocated frame,
// used by the COW write-fault path.
func (p *Physmem_t) CopyFrame(src Pa_t) (Pa_t, defs.Err_t) {
	dst, ok := p.AllocFrame()
	if !ok {
		return 0, -defs.ENOMEM
	}
	copy(p.Dmap(dst), p.Dmap(src))
	return dst, 0
}
