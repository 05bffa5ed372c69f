// userbuf.go implements user-pointer validation and the
// CopyIn/CopyOut/CopyStringIn family, adapted from biscuit's
// Userdmap8_inner/Userwriten/Userstr. biscuit resolves faults lazily
// inside the copy loop itself; gokern keeps that behavior (a copy into an
// unmapped-but-valid VMA demand-pages as it goes) but drives it through
// the explicit page-fault entry point instead of an inlined fault
// handler.
package vm

import (
	"gokern/defs"
	"gokern/mem"
	"gokern/ustr"
)

// USERMAX is the exclusive upper bound of the canonical lower (user) half;
// the highest user address is USERMAX-1.
const USERMAX uintptr = 1 << 47

// IsUser rejects ranges that wrap around uintptr's range or cross from
// the user half into the kernel half.
func IsUser(addr uintptr, size int) bool {
	if size < 0 {
		return false
	}
	end := addr + uintptr(size)
	if end < addr { // wrapped
		return false
	}
	if addr < USERMIN || end > USERMAX {
		return false
	}
	return true
}

// bytesAt returns a slice view of the single page containing va, faulting
// it in (for write access) if necessary. off is the index of va within the
// returned slice.
func (as *AddrSpace) bytesAt(va uintptr, write bool) ([]byte, int, defs.Err_t) {
	pte, err := Walk(as.Phys, as.Root, va, true, true)
	if err != 0 {
		return nil, 0, err
	}
	present := *pte&mem.PTE_P != 0
	cow := *pte&mem.PTE_COW != 0
	needFault := !present || (write && cow)
	if needFault {
		if err := as.pageFaultLocked(va, write, true); err != 0 {
			return nil, 0, err
		}
		pte, err = Walk(as.Phys, as.Root, va, false, true)
		if err != 0 {
			return nil, 0, err
		}
	}
	frame := *pte & mem.PTE_ADDR
	off := int(va & (mem.PGSIZE - 1))
	return as.Phys.Dmap(frame), off, 0
}

// CopyIn copies dst's length worth of bytes from user address uva into
// dst. It never partially succeeds in a way the caller cannot detect: any
// error return means dst's full contents are not to be trusted.
func (as *AddrSpace) CopyIn(uva uintptr, dst []byte) defs.Err_t {
	if !IsUser(uva, len(dst)) {
		return -defs.EFAULT
	}
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt < len(dst) {
		src, off, err := as.bytesAt(uva+uintptr(cnt), false)
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src[off:])
		cnt += n
	}
	return 0
}

// CopyOut copies all of src into user memory starting at uva.
func (as *AddrSpace) CopyOut(uva uintptr, src []byte) defs.Err_t {
	if !IsUser(uva, len(src)) {
		return -defs.EFAULT
	}
	as.Lock()
	defer as.Unlock()
	cnt := 0
	for cnt < len(src) {
		dst, off, err := as.bytesAt(uva+uintptr(cnt), true)
		if err != 0 {
			return err
		}
		n := copy(dst[off:], src[cnt:])
		cnt += n
	}
	return 0
}

// CopyStringIn copies a NUL-terminated string from user space, up to
// lenmax bytes, returning ENAMETOOLONG if no NUL is found in time. The
// result is an immutable ustr.Ustr; the NUL is not included.
func (as *AddrSpace) CopyStringIn(uva uintptr, lenmax int) (ustr.Ustr, defs.Err_t) {
	if lenmax < 0 {
		return nil, -defs.EINVAL
	}
	as.Lock()
	defer as.Unlock()
	var out ustr.Ustr
	i := uintptr(0)
	for {
		if !IsUser(uva+i, 1) {
			return nil, -defs.EFAULT
		}
		src, off, err := as.bytesAt(uva+i, false)
		if err != 0 {
			return nil, err
		}
		chunk := src[off:]
		if rem := lenmax - len(out); len(chunk) > rem {
			chunk = chunk[:rem]
		}
		for j, c := range chunk {
			if c == 0 {
				out = append(out, chunk[:j]...)
				return out, 0
			}
		}
		out = append(out, chunk...)
		i += uintptr(len(chunk))
		if len(out) >= lenmax {
			return nil, -defs.ENAMETOOLONG
		}
	}
}
