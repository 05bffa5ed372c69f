// brk.go backs the brk syscall (the mmap/munmap handlers use Regions'
// Insert/Remove/Unused placement search directly), adding the one
// syscall-level operation Regions didn't already cover: a single growable
// anonymous heap region per address space.
package vm

import (
	"gokern/defs"
	"gokern/mem"
	"gokern/util"
)

// brkState is lazily installed the first time Brk/Sbrk is called for an
// address space; a task that never calls brk never pays for it.
type brkState struct {
	base, cur uintptr
	vma       *VMA
}

// Sbrk grows or shrinks the heap VMA to end at newbrk, creating the heap
// region on first use starting at hint. Passing newbrk == 0 just queries
// the current break. Returns the resulting break address.
func (as *AddrSpace) Sbrk(hint, newbrk uintptr) (uintptr, defs.Err_t) {
	as.Lock()
	defer as.Unlock()

	if as.brk == nil {
		base := as.Regions.Unused(hint, mem.PGSIZE)
		v := &VMA{Start: base, End: base + mem.PGSIZE, Read: true, Write: true, Backing: BackAnon}
		if err := as.Regions.Insert(v); err != 0 {
			return 0, err
		}
		as.brk = &brkState{base: base, cur: base, vma: v}
	}
	if newbrk == 0 {
		return as.brk.cur, 0
	}

	if newbrk < as.brk.base {
		return 0, -defs.EINVAL
	}
	v := as.brk.vma
	end := newbrk
	if end < v.Start+mem.PGSIZE {
		end = v.Start + mem.PGSIZE // keep at least one page reserved
	}
	if end < v.End {
		// Only pages wholly past the new break are released; the page
		// containing the break stays mapped.
		for va := roundUpPage(end); va < v.End; va += mem.PGSIZE {
			as.Unmap(va)
		}
	}
	v.End = end
	as.brk.cur = newbrk
	return as.brk.cur, 0
}

func roundUpPage(v uintptr) uintptr { return util.Roundup(v, uintptr(mem.PGSIZE)) }
