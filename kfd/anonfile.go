// anonfile.go backs the open/read/write/close syscalls. gokern carries no
// VFS/ext2 directory tree, so this gives open() a real, if minimal,
// target: an in-memory byte buffer addressed by name, in the same spirit
// as biscuit's self-contained Fdops_i implementations (devfs, pipes) --
// its own lock, not a disk-backed inode.
package kfd

import (
	"io"
	"sync"

	"gokern/defs"
)

// anonStore is the shared, ref-counted backing buffer for one anonymous
// file. Multiple AnonFile handles (every Open of the same path) share one
// store, exactly as multiple fd-table entries pointing at the same open
// file description share one underlying file in POSIX.
type anonStore struct {
	mu   sync.Mutex
	data []byte
	refs int
}

// AnonFileTable names anonymous files by a caller-chosen key (the path
// string open() was given), so two opens of the same path see the same
// bytes -- the one piece of "directory" behavior this minimal model needs.
type AnonFileTable struct {
	mu    sync.Mutex
	files map[string]*anonStore
}

// NewAnonFileTable creates an empty namespace of anonymous files.
func NewAnonFileTable() *AnonFileTable {
	return &AnonFileTable{files: make(map[string]*anonStore)}
}

// Open returns a fresh AnonFile handle on path, creating its backing store
// on first use. Every handle has its own read/write offset; the bytes
// underneath are shared.
func (tbl *AnonFileTable) Open(path string) *AnonFile {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	st, ok := tbl.files[path]
	if !ok {
		st = &anonStore{}
		tbl.files[path] = st
	}
	st.refs++
	return &AnonFile{tbl: tbl, path: path, store: st}
}

// AnonFile implements fdops.Fdops_i over one anonStore. off is this
// handle's private read/write cursor.
type AnonFile struct {
	tbl   *AnonFileTable
	path  string
	store *anonStore
	off   int
}

// Read implements fdops.Fdops_i.
func (a *AnonFile) Read(dst []uint8) (int, defs.Err_t) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if a.off >= len(a.store.data) {
		return 0, 0
	}
	n := copy(dst, a.store.data[a.off:])
	a.off += n
	return n, 0
}

// Write implements fdops.Fdops_i, extending the backing buffer as needed.
func (a *AnonFile) Write(src []uint8) (int, defs.Err_t) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	end := a.off + len(src)
	if end > len(a.store.data) {
		grown := make([]byte, end)
		copy(grown, a.store.data)
		a.store.data = grown
	}
	n := copy(a.store.data[a.off:end], src)
	a.off += n
	return n, 0
}

// Close drops this handle's reference to the backing store. The store
// itself (and its bytes) survives until the last handle closes, matching
// POSIX unlink-after-close-keeps-data semantics closely enough for a
// namespace with no unlink.
func (a *AnonFile) Close() defs.Err_t {
	a.tbl.mu.Lock()
	a.store.refs--
	if a.store.refs <= 0 {
		delete(a.tbl.files, a.path)
	}
	a.tbl.mu.Unlock()
	return 0
}

// Reopen refuses to duplicate an anonymous file descriptor: Fd_t.Copy's
// shallow struct copy leaves the clone pointing at this same *AnonFile, so
// there is no independent offset to hand back (the same limitation the
// socket adapter's Reopen documents for stateful descriptors).
func (a *AnonFile) Reopen() defs.Err_t { return -defs.ENOSYS }

// Ioctl is not meaningful on a plain anonymous file.
func (a *AnonFile) Ioctl(uintptr, []uint8) defs.Err_t { return -defs.ENOSYS }

// ReadAt implements io.ReaderAt over the file's current bytes, letting
// execve (ksys.Execve) treat an already-written anonymous file as the
// loadable image proc.Scheduler.Exec expects, without a real VFS inode.
func (a *AnonFile) ReadAt(p []byte, off int64) (int, error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	if off < 0 || off >= int64(len(a.store.data)) {
		return 0, io.EOF
	}
	n := copy(p, a.store.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
