// Package kfd implements the per-task file descriptor table, adapted from
// biscuit's fd.Fd_t and the fdtable handling in its proc_new/fork path.
// A Table_t is shared by every task in one thread-group.
package kfd

import (
	"sync"

	"gokern/defs"
	"gokern/fdops"
)

// Permission bits, unchanged from biscuit's fd package.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fd_t represents one open file descriptor.
type Fd_t struct {
	Fops  fdops.Fdops_i
	Perms int
}

// Copy duplicates an open file descriptor by reopening its underlying
// operations, returning the fresh descriptor or the reopen error.
func (f *Fd_t) Copy() (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// Table_t is the fd table shared by a thread-group.
type Table_t struct {
	sync.Mutex
	fds     []*Fd_t
	fdstart int // lowest fd number not reserved for stdio
}

// NewTable allocates an empty table sized n, with fds 0-2 reserved for
// stdio (fdstart = 3), as biscuit's proc_new does.
func NewTable(n int) *Table_t {
	return &Table_t{fds: make([]*Fd_t, n), fdstart: 3}
}

// Install places fd into the first unused slot at or after fdstart,
// returning the slot number or EMFILE-equivalent ENOMEM if the table is
// full.
func (t *Table_t) Install(fd *Fd_t) (int, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	for i := t.fdstart; i < len(t.fds); i++ {
		if t.fds[i] == nil {
			t.fds[i] = fd
			return i, 0
		}
	}
	return 0, -defs.ENOMEM
}

// Get returns the fd at index i, or nil if unset or out of range.
func (t *Table_t) Get(i int) *Fd_t {
	t.Lock()
	defer t.Unlock()
	if i < 0 || i >= len(t.fds) {
		return nil
	}
	return t.fds[i]
}

// Close removes and closes the fd at index i.
func (t *Table_t) Close(i int) defs.Err_t {
	t.Lock()
	fd := t.fds[safeIdx(i, len(t.fds))]
	if i < 0 || i >= len(t.fds) || fd == nil {
		t.Unlock()
		return -defs.EINVAL
	}
	t.fds[i] = nil
	t.Unlock()
	return fd.Fops.Close()
}

func safeIdx(i, n int) int {
	if i < 0 || i >= n {
		return 0
	}
	return i
}

// CloneInto duplicates every live fd from t into a fresh table, used by
// fork. Descriptors whose fops support Reopen get an
// independent clone; stateful descriptors that refuse it (sockets,
// anonymous files) are shared outright, which is what fork does to an
// open file description anyway.
func (t *Table_t) CloneInto() (*Table_t, defs.Err_t) {
	t.Lock()
	defer t.Unlock()
	nt := NewTable(len(t.fds))
	nt.fdstart = t.fdstart
	for i, fd := range t.fds {
		if fd == nil {
			continue
		}
		nfd, err := fd.Copy()
		if err == -defs.ENOSYS {
			nfd = fd
		} else if err != 0 {
			continue
		}
		nt.fds[i] = nfd
	}
	return nt, 0
}
