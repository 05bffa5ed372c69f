// as.go implements the address-space lifecycle: map/unmap, demand paging,
// copy-on-write, fork, and destroy. The control flow follows biscuit's
// Sys_pgfault/Page_insert/Page_remove/Uvmfree, generalized from biscuit's
// single global Vm_t-per-process model to an explicit AddrSpace value
// with its own physical-frame allocator handle.
package vm

import (
	"sync"
	"sync/atomic"

	"gokern/defs"
	"gokern/mem"
)

// AddrSpace is identified by the physical address of its top-level page
// table root. It is shared by every task in one thread-group.
type AddrSpace struct {
	mu      sync.Mutex
	Phys    *mem.Physmem_t
	Root    mem.Pa_t
	Regions *Regions

	// refcount tracks how many tasks (thread-group members) share this
	// address space; the kernel root is exempt (implicit, never freed).
	refcount int32

	// brk is this address space's heap region state, lazily installed by
	// Sbrk (brk.go); nil until the first brk/sbrk call.
	brk *brkState
}

// Lock/Unlock serialize VMA and page-table mutation (biscuit's Lock_pmap
// convention).
func (as *AddrSpace) Lock()   { as.mu.Lock() }
func (as *AddrSpace) Unlock() { as.mu.Unlock() }

// NewUserAddrSpace allocates a fresh user address space sharing the
// kernel's upper half, with refcount 1.
func NewUserAddrSpace(phys *mem.Physmem_t, kernelRoot mem.Pa_t, maxVMAs int) (*AddrSpace, defs.Err_t) {
	root, err := NewUserRoot(phys, kernelRoot)
	if err != 0 {
		return nil, err
	}
	return &AddrSpace{Phys: phys, Root: root, Regions: NewRegions(maxVMAs), refcount: 1}, 0
}

// Ref/Unref implement the thread-group sharing rule: the last thread in
// the group frees the shared address space. Unref returns true
// when this was the last reference, at which point the caller must call
// Destroy.
func (as *AddrSpace) Ref() { atomic.AddInt32(&as.refcount, 1) }
func (as *AddrSpace) Unref() bool {
	return atomic.AddInt32(&as.refcount, -1) == 0
}

// Map installs phys at virt with the given PTE flag bits. Flags should
// include PTE_U|PTE_W as
// appropriate; PTE_P is added automatically.
func (as *AddrSpace) Map(virt uintptr, phys mem.Pa_t, flags mem.Pa_t) defs.Err_t {
	pte, err := Walk(as.Phys, as.Root, virt, true, true)
	if err != 0 {
		return err
	}
	as.Phys.Ref(phys)
	if *pte&mem.PTE_P != 0 {
		old := *pte & mem.PTE_ADDR
		as.Phys.Unref(old)
	}
	*pte = phys | flags | mem.PTE_P
	return 0
}

// Unmap clears the leaf entry for virt, dropping the frame's reference.
// The real kernel also issues a single-page TLB invalidation here; this
// simulation has no TLB, so that step is a no-op (see design note on
// Tlbshoot below).
func (as *AddrSpace) Unmap(virt uintptr) {
	pte := Lookup(as.Phys, as.Root, virt)
	if pte == nil || *pte&mem.PTE_P == 0 {
		return
	}
	frame := *pte & mem.PTE_ADDR
	*pte = 0
	as.Phys.Unref(frame)
}

// Tlbshoot is a placeholder for the per-page TLB invalidation a real
// kernel issues after every Map/Unmap/COW resolution. This host-side
// model has no TLB, so it only exists to keep call sites reading the way
// the real control flow does; a bare-metal build would replace it with
// the shootdown IPI (biscuit's Tlbshoot).
func (as *AddrSpace) Tlbshoot(uintptr) {}

// PageFault resolves a page fault at fa for the given access
// (write/userMode): the demand-paging and COW decision tree, in the shape
// of biscuit's Sys_pgfault.
func (as *AddrSpace) PageFault(fa uintptr, write, userMode bool) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.pageFaultLocked(fa, write, userMode)
}

// pageFaultLocked is PageFault with as's lock already held, for the
// copy_in/copy_out family, which resolves faults from inside its own
// locked copy loop (userbuf.go).
func (as *AddrSpace) pageFaultLocked(fa uintptr, write, userMode bool) defs.Err_t {
	vma, ok := as.Regions.Lookup(fa)
	if !ok {
		return -defs.EFAULT
	}
	if write && !vma.writable() {
		return -defs.EFAULT
	}
	if !userMode {
		panic("kernel page fault")
	}

	pte, err := Walk(as.Phys, as.Root, fa, true, true)
	if err != 0 {
		return err
	}

	present := *pte&mem.PTE_P != 0
	cow := *pte&mem.PTE_COW != 0

	if write && present && !cow {
		// two threads simultaneously faulted on the same page
		return 0
	}
	if !write && present {
		return 0
	}

	if write && cow {
		return as.resolveCOW(fa, pte)
	}
	if present {
		panic("present non-cow pte should not fault again")
	}
	return as.resolveAbsent(fa, vma, pte, write)
}

// resolveCOW implements the copy-on-write rule: if the frame's refcount
// is >1, copy; if it is exactly 1, just re-mark writable in place.
func (as *AddrSpace) resolveCOW(fa uintptr, pte *mem.Pa_t) defs.Err_t {
	old := *pte & mem.PTE_ADDR
	if as.Phys.Refcount(old) > 1 {
		newpg, err := as.Phys.CopyFrame(old)
		if err != 0 {
			return err
		}
		as.Phys.Unref(old)
		flags := (*pte &^ mem.PTE_ADDR &^ mem.PTE_COW) | mem.PTE_W
		*pte = newpg | flags
	} else {
		*pte = (*pte &^ mem.PTE_COW) | mem.PTE_W
	}
	as.Tlbshoot(fa)
	return 0
}

// resolveAbsent implements the demand-paging rule: allocate a fresh
// zeroed frame (anonymous) or pull the page from the VMA's file source,
// map it with VMA-derived flags.
func (as *AddrSpace) resolveAbsent(fa uintptr, vma *VMA, pte *mem.Pa_t, write bool) defs.Err_t {
	var frame mem.Pa_t
	switch vma.Backing {
	case BackAnon, BackStack:
		pg, ok := as.Phys.AllocZeroFrame()
		if !ok {
			return -defs.ENOMEM
		}
		frame = pg
	case BackFile:
		data, err := vma.Source.ReadPage(int64(fa - vma.Start))
		if err != 0 {
			return err
		}
		pg, ok := as.Phys.AllocFrame()
		if !ok {
			return -defs.ENOMEM
		}
		copy(as.Phys.Dmap(pg), data)
		frame = pg
	default:
		panic("unknown backing")
	}
	flags := mem.PTE_U
	if vma.writable() {
		flags |= mem.PTE_W
	}
	*pte = frame | flags | mem.PTE_P
	as.Tlbshoot(fa)
	return 0
}

// Fork clones this address space's lower half under copy-on-write: for
// every present leaf, clear writable in both parent and child entries,
// install the same physical frame in the child, increment its ref count.
// The upper half is shared by construction (NewUserRoot already copied
// the canonical kernel root).
func (as *AddrSpace) Fork(kernelRoot mem.Pa_t, maxVMAs int) (*AddrSpace, defs.Err_t) {
	as.Lock()
	defer as.Unlock()

	childRoot, err := NewUserRoot(as.Phys, kernelRoot)
	if err != 0 {
		return nil, err
	}
	if err := as.cowCloneInto(childRoot); err != 0 {
		as.destroyLowerHalf(childRoot)
		as.Phys.FreeFrameForce(childRoot)
		return nil, err
	}
	child := &AddrSpace{Phys: as.Phys, Root: childRoot, Regions: cloneRegions(as.Regions, maxVMAs), refcount: 1}
	return child, 0
}

func cloneRegions(r *Regions, max int) *Regions {
	nr := NewRegions(max)
	for _, v := range r.list {
		cp := *v
		nr.list = append(nr.list, &cp)
	}
	return nr
}

// cowCloneInto walks the parent's lower half (index4 0..255) and builds
// the matching COW subtree under childRoot. On failure partway through,
// whatever child subtrees were already built are left in place for the
// caller to tear down via destroyLowerHalf -- childRoot's own upper-half
// entries are never touched here or there, since they alias the shared
// kernel tables.
func (as *AddrSpace) cowCloneInto(childRoot mem.Pa_t) defs.Err_t {
	ppm := pmapOf(as.Phys.Dmap(as.Root))
	cpm := pmapOf(as.Phys.Dmap(childRoot))
	for i := 0; i < KernelIndexStart; i++ {
		if ppm[i]&mem.PTE_P == 0 {
			continue
		}
		childSub, err := as.cloneLevel(ppm[i]&mem.PTE_ADDR, PageLevels-1)
		if err != 0 {
			return err
		}
		flags := mem.PTE_P | mem.PTE_W | mem.PTE_U
		cpm[i] = childSub | flags
	}
	return 0
}

// cloneLevel recursively clones one page-table level. At level 1 (the
// leaf level) entries are converted to COW: writable cleared in both
// copies, frame refcount incremented. level mirrors destroyLevel's
// convention: this table's own entries are leaves when level == 1.
func (as *AddrSpace) cloneLevel(parentTable mem.Pa_t, level int) (mem.Pa_t, defs.Err_t) {
	childTable, ok := as.Phys.AllocZeroFrame()
	if !ok {
		return 0, -defs.ENOMEM
	}
	ppm := pmapOf(as.Phys.Dmap(parentTable))
	cpm := pmapOf(as.Phys.Dmap(childTable))
	for i := 0; i < EntriesPerLevel; i++ {
		pe := ppm[i]
		if pe&mem.PTE_P == 0 {
			continue
		}
		if level == 1 {
			frame := pe & mem.PTE_ADDR
			newpe := (pe &^ mem.PTE_W) | mem.PTE_COW
			ppm[i] = newpe
			cpm[i] = newpe
			as.Phys.Ref(frame)
			continue
		}
		childSub, err := as.cloneLevel(pe&mem.PTE_ADDR, level-1)
		if err != 0 {
			as.destroyLevel(childTable, level)
			return 0, err
		}
		flags := mem.PTE_P | mem.PTE_W | mem.PTE_U
		cpm[i] = childSub | flags
	}
	return childTable, 0
}

// destroyLowerHalf unrefs/frees every subtree reachable from a PML4's
// lower-half entries, without touching the root frame itself or its
// shared upper half -- the piece Destroy() and Fork()'s abort path both
// need.
func (as *AddrSpace) destroyLowerHalf(root mem.Pa_t) {
	pm := pmapOf(as.Phys.Dmap(root))
	for i := 0; i < KernelIndexStart; i++ {
		if pm[i]&mem.PTE_P == 0 {
			continue
		}
		as.destroyLevel(pm[i]&mem.PTE_ADDR, PageLevels-1)
	}
}

// Destroy tears down the lower half of the address space: unref every
// leaf frame, free intermediate tables bottom-up, free the root. The
// shared upper half is left untouched.
func (as *AddrSpace) Destroy() {
	as.Lock()
	defer as.Unlock()
	as.destroyLowerHalf(as.Root)
	as.Phys.FreeFrameForce(as.Root)
	as.Regions.Clear()
}

func (as *AddrSpace) destroyLevel(table mem.Pa_t, level int) {
	pm := pmapOf(as.Phys.Dmap(table))
	for i := 0; i < EntriesPerLevel; i++ {
		if pm[i]&mem.PTE_P == 0 {
			continue
		}
		if level == 1 {
			as.Phys.Unref(pm[i] & mem.PTE_ADDR)
		} else {
			as.destroyLevel(pm[i]&mem.PTE_ADDR, level-1)
		}
	}
	as.Phys.FreeFrameForce(table)
}
