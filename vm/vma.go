// vma.go models the virtual memory area list: half-open ranges
// [start, end) of user virtual addresses, non-overlapping and sorted
// within one address space, in the shape of biscuit's Vmregion_t
// (Lookup/insert/empty/Clear).
package vm

import (
	"sort"

	"gokern/defs"
	"gokern/mem"
)

// Backing names what fills a VMA's pages on first fault.
type Backing int

const (
	BackAnon  Backing = iota // zero-filled, private
	BackFile                 // demand-paged from a file source
	BackStack                // anonymous, grows down (still a plain VANON fault path)
)

// VMA describes one virtual memory area.
type VMA struct {
	Start, End        uintptr // half-open [Start, End)
	Read, Write, Exec bool
	Backing           Backing
	Source            FileSource // only meaningful when Backing == BackFile
}

// FileSource supplies pages for a file-backed VMA. ReadPage must return
// exactly PGSIZE bytes for the page containing
// offset off.
type FileSource interface {
	ReadPage(off int64) ([]byte, defs.Err_t)
}

func (v *VMA) contains(va uintptr) bool { return va >= v.Start && va < v.End }

func (v *VMA) writable() bool { return v.Write }

// Regions is the sorted, non-overlapping VMA list for one address space.
type Regions struct {
	list []*VMA
	max  int
}

// NewRegions creates an empty region list bounded to max VMAs.
func NewRegions(max int) *Regions {
	return &Regions{max: max}
}

// Lookup returns the VMA containing va, if any.
func (r *Regions) Lookup(va uintptr) (*VMA, bool) {
	i := sort.Search(len(r.list), func(i int) bool { return r.list[i].End > va })
	if i < len(r.list) && r.list[i].contains(va) {
		return r.list[i], true
	}
	return nil, false
}

// Insert adds a VMA, maintaining sort order and the non-overlap invariant
// . It returns EINVAL if the new VMA would overlap an existing
// one or ENOMEM if the region table is full.
func (r *Regions) Insert(v *VMA) defs.Err_t {
	if len(r.list) >= r.max {
		return -defs.ENOMEM
	}
	i := sort.Search(len(r.list), func(i int) bool { return r.list[i].Start >= v.Start })
	if i > 0 && r.list[i-1].End > v.Start {
		return -defs.EINVAL
	}
	if i < len(r.list) && v.End > r.list[i].Start {
		return -defs.EINVAL
	}
	r.list = append(r.list, nil)
	copy(r.list[i+1:], r.list[i:])
	r.list[i] = v
	return 0
}

// Remove deletes the VMA starting exactly at start, if any.
func (r *Regions) Remove(start uintptr) {
	for i, v := range r.list {
		if v.Start == start {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return
		}
	}
}

// Clear empties the region list (called from address-space teardown).
func (r *Regions) Clear() {
	r.list = nil
}

// Unused finds the lowest address >= hint, >= USERMIN, with at least
// length free bytes not covered by any existing VMA -- the placement
// search mmap() uses.
func (r *Regions) Unused(hint uintptr, length uintptr) uintptr {
	cur := hint
	if cur < USERMIN {
		cur = USERMIN
	}
	for _, v := range r.list {
		if cur+length <= v.Start {
			return cur
		}
		if cur < v.End {
			cur = v.End
		}
	}
	return cur
}

// USERMIN is the lowest mappable user virtual address, kept away from the
// zero page the way biscuit reserves low addresses to catch null
// dereferences.
const USERMIN uintptr = mem.PGSIZE
