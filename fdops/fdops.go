// Package fdops defines the operations table every open file descriptor
// implements, adapted from biscuit's fdops.Fdops_i. gokern's syscall
// surface only needs the read/write/close/reopen subset plus ioctl (for
// the PTY termios requests); the many VFS-specific operations biscuit's
// interface carries (Fbn, Mmapi, Accept, ...) have no caller here.
package fdops

import "gokern/defs"

// Fdops_i is implemented via a pointer receiver: an Fdops_i value is
// always a reference, never copied.
type Fdops_i interface {
	Read(dst []uint8) (int, defs.Err_t)
	Write(src []uint8) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t
	// Ioctl services the termios subset of ioctl; req is one of the
	// golang.org/x/sys/unix TCGETS/TCSETS request numbers.
	Ioctl(req uintptr, arg []uint8) defs.Err_t
}
