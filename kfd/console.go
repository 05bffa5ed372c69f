// Console implements fdops.Fdops_i over the real controlling terminal:
// the usual term.MakeRaw/IoctlGetTermios/IoctlSetTermios sequence,
// wrapped as an Fdops_i so gokern's fd table can hold a console
// descriptor exactly the way it holds a socket or pipe descriptor. This
// backs the termios subset of the ioctl syscall.
package kfd

import (
	"bufio"
	"errors"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"gokern/defs"
)

// ErrNoTTY names the not-a-terminal condition as a Go error value.
// NewConsole itself reports that condition as -defs.ENOTBLK and never
// returns ErrNoTTY.
var ErrNoTTY = errors.New("kfd: console: not a tty")

// Console is the console fdops implementation: a raw-mode terminal driven
// through a buffered reader, backed by the process's real stdin/stdout.
type Console struct {
	fd    int
	in    *bufio.Reader
	out   io.Writer
	saved *term.State
	raw   bool
}

// NewConsole puts fd's terminal into raw mode (the kernel's interrupt
// model drives a PTY a byte at a time, not line-buffered) and
// returns a Console wrapping it. Callers must call Close to restore the
// terminal.
func NewConsole(in *os.File, out io.Writer) (*Console, defs.Err_t) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, -defs.ENOTBLK
	}
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, -defs.EIO
	}
	return &Console{fd: fd, in: bufio.NewReader(in), out: out, saved: saved, raw: true}, 0
}

// Read implements fdops.Fdops_i: reads up to len(dst) bytes typed at the
// console.
func (c *Console) Read(dst []uint8) (int, defs.Err_t) {
	n, err := c.in.Read(dst)
	if err != nil && err != io.EOF {
		return n, -defs.EIO
	}
	return n, 0
}

// Write implements fdops.Fdops_i: writes src to the console.
func (c *Console) Write(src []uint8) (int, defs.Err_t) {
	n, err := c.out.Write(src)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}

// Close restores the terminal's saved state, undoing NewConsole's raw
// mode switch.
func (c *Console) Close() defs.Err_t {
	if !c.raw {
		return 0
	}
	c.raw = false
	if err := term.Restore(c.fd, c.saved); err != nil {
		return -defs.EIO
	}
	return 0
}

// Reopen is a no-op: the console fd is not refcounted beyond the table
// entry itself, since there is only ever one controlling terminal.
func (c *Console) Reopen() defs.Err_t { return 0 }

// Ioctl services the TCGETS/TCSETS termios requests, marshaling
// unix.Termios to/from arg as raw struct bytes -- arg must be
// at least unsafe.Sizeof(unix.Termios{}) bytes, the same contract a real
// ioctl(2) caller observes for these request numbers.
func (c *Console) Ioctl(req uintptr, arg []uint8) defs.Err_t {
	switch req {
	case getTermiosIoctl:
		t, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
		if err != nil {
			return -defs.EINVAL
		}
		n := int(unsafe.Sizeof(*t))
		if len(arg) < n {
			return -defs.EFAULT
		}
		src := unsafe.Slice((*byte)(unsafe.Pointer(t)), n)
		copy(arg, src)
		return 0
	case setTermiosIoctl:
		var t unix.Termios
		n := int(unsafe.Sizeof(t))
		if len(arg) < n {
			return -defs.EFAULT
		}
		dst := unsafe.Slice((*byte)(unsafe.Pointer(&t)), n)
		copy(dst, arg)
		if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, &t); err != nil {
			return -defs.EINVAL
		}
		return 0
	default:
		return -defs.EINVAL
	}
}
