// Package vm implements a 4-level page table with demand paging and
// copy-on-write fork, in the shape of biscuit's vm.Vm_t. The pmap walk is
// written against the same PTE bit layout biscuit's mem package defines
// (mem.PTE_P/PTE_W/PTE_U/PTE_ADDR) and the usage its
// Page_insert/Page_remove/Sys_pgfault show.
package vm

import (
	"unsafe"

	"gokern/defs"
	"gokern/mem"
)

// 48-bit canonical addressing. Index4 in [0,255] addresses the
// lower (user) half; [256,511] the upper (kernel) half, since sign
// extension of a canonical address makes the two ranges fall out exactly
// that way from the raw index-4 bits.
const (
	PageLevels       = 4
	EntriesPerLevel  = 512
	KernelIndexStart = 256
)

func pmapOf(buf []byte) *mem.Pmap_t {
	return (*mem.Pmap_t)(unsafe.Pointer(&buf[0]))
}

func levelIndex(va uintptr, level int) uintptr {
	shift := uint(12 + 9*(level-1))
	return (va >> shift) & 0x1ff
}

// Walk returns a pointer to the leaf PTE for va within the page table
// rooted at root, allocating intermediate tables from phys when create is
// true. Intermediate levels always carry present|writable, and add the
// user bit when userVisible is set, i.e. whenever the caller is walking
// a lower-half (user) mapping.
func Walk(phys *mem.Physmem_t, root mem.Pa_t, va uintptr, create, userVisible bool) (*mem.Pa_t, defs.Err_t) {
	cur := root
	for level := PageLevels; level > 1; level-- {
		idx := levelIndex(va, level)
		pm := pmapOf(phys.Dmap(cur))
		entry := &pm[idx]
		if *entry&mem.PTE_P == 0 {
			if !create {
				return nil, -defs.ENOMEM
			}
			npa, ok := phys.AllocZeroFrame()
			if !ok {
				return nil, -defs.ENOMEM
			}
			flags := mem.PTE_P | mem.PTE_W
			if userVisible {
				flags |= mem.PTE_U
			}
			*entry = npa | flags
		}
		cur = *entry & mem.PTE_ADDR
	}
	idx := levelIndex(va, 1)
	pm := pmapOf(phys.Dmap(cur))
	return &pm[idx], 0
}

// Lookup returns the leaf PTE for va without creating intermediate tables,
// or nil if any level along the path is absent.
func Lookup(phys *mem.Physmem_t, root mem.Pa_t, va uintptr) *mem.Pa_t {
	pte, err := Walk(phys, root, va, false, true)
	if err != 0 {
		return nil
	}
	return pte
}

// NewRoot allocates a fresh zeroed PML4 frame.
func NewRoot(phys *mem.Physmem_t) (mem.Pa_t, defs.Err_t) {
	r, ok := phys.AllocZeroFrame()
	if !ok {
		return 0, -defs.ENOMEM
	}
	return r, 0
}

// NewUserRoot allocates a user PML4 whose upper half (indices
// KernelIndexStart..511) is a byte-for-byte copy of the canonical kernel
// root's top-level entries: every address space shares the kernel half
// identically.
func NewUserRoot(phys *mem.Physmem_t, kernelRoot mem.Pa_t) (mem.Pa_t, defs.Err_t) {
	root, err := NewRoot(phys)
	if err != 0 {
		return 0, err
	}
	kpm := pmapOf(phys.Dmap(kernelRoot))
	upm := pmapOf(phys.Dmap(root))
	for i := KernelIndexStart; i < EntriesPerLevel; i++ {
		upm[i] = kpm[i]
	}
	return root, 0
}
