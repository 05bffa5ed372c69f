package inet

import "gokern/defs"

// Fd adapts a Socket to fdops.Fdops_i (gokern/fdops), letting the syscall
// table of ksys install a socket into a task's fd table the same way a
// console or pipe descriptor is installed -- the socket API is reached
// only through the syscall boundary's fd numbers. Read/Write are
// Recv/Send; Ioctl is not meaningful for a socket and returns ENOSYS.
type Fd struct {
	Sock *Socket
}

// NewFd wraps sock as an fdops.Fdops_i-compatible descriptor.
func NewFd(sock *Socket) *Fd { return &Fd{Sock: sock} }

func (f *Fd) Read(dst []uint8) (int, defs.Err_t)  { return f.Sock.Recv(dst) }
func (f *Fd) Write(src []uint8) (int, defs.Err_t) { return f.Sock.Send(src) }
func (f *Fd) Close() defs.Err_t                   { return f.Sock.Close() }

// Reopen refuses to duplicate a socket descriptor: dup semantics don't
// make sense for connection-oriented state, the same stance biscuit's
// fd.Fd_t.Fops implementations for pipes/sockets take.
func (f *Fd) Reopen() defs.Err_t { return -defs.ENOSYS }

func (f *Fd) Ioctl(req uintptr, arg []uint8) defs.Err_t { return -defs.ENOSYS }
