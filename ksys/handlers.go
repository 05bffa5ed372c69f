package ksys

import (
	"gokern/defs"
	"gokern/inet"
	"gokern/kfd"
	"gokern/mem"
	"gokern/proc"
	"gokern/util"
	"gokern/vm"
)

// maxIOChunk bounds one read/write/send/recv/ioctl's staging buffer, the
// same role MAXPHYS-style caps play in a real kernel's copyin/copyout path:
// protects the host process from a user-supplied length that would
// otherwise drive an unbounded allocation.
const maxIOChunk = 1 << 20

// socketOf type-asserts fd's backing fdops down to the socket adapter, or
// reports EBADF/EINVAL if fd doesn't name a socket descriptor.
func socketOf(t *proc.Task, fd int) (*inet.Socket, defs.Err_t) {
	entry := t.Fds.Get(fd)
	if entry == nil {
		return nil, -defs.EBADF
	}
	sfd, ok := entry.Fops.(*inet.Fd)
	if !ok {
		return nil, -defs.EINVAL
	}
	return sfd.Sock, 0
}

func ipFromArg(v uintptr) inet.IPv4 {
	return inet.IPv4{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Exit implements exit(code).
func (k *Kernel) Exit(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	k.Sched.Exit(t, int(args[0]))
	return 0, 0
}

// Wait implements wait(), blocking for any child.
func (k *Kernel) Wait(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	pid, code, err := k.Sched.Wait(t)
	if err != 0 {
		return 0, err
	}
	if args[0] != 0 {
		if err := t.AS.CopyOut(args[0], encodeWaitStatus(pid, code)); err != 0 {
			return 0, err
		}
	}
	return uintptr(pid), 0
}

// Waitpid implements waitpid(pid), blocking for one specific child.
func (k *Kernel) Waitpid(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	target := defs.Pid_t(int(args[0]))
	pid, code, err := k.Sched.Waitpid(t, target)
	if err != 0 {
		return 0, err
	}
	if args[1] != 0 {
		if err := t.AS.CopyOut(args[1], encodeWaitStatus(pid, code)); err != 0 {
			return 0, err
		}
	}
	return uintptr(pid), 0
}

func encodeWaitStatus(pid defs.Pid_t, code int) []byte {
	return []byte{byte(pid), byte(pid >> 8), byte(code), byte(code >> 8)}
}

// Kill implements kill(tid, sig): args[0] is the target task id, args[1]
// the signal number.
func (k *Kernel) Kill(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	target, ok := k.Sched.Lookup(defs.Tid_t(int(args[0])))
	if !ok {
		return 0, -defs.ESRCH
	}
	return 0, k.Sched.SignalSend(target, defs.Signal_t(args[1]))
}

// SignalAction implements signal_action(sig, disposition): args[1] must
// be one of proc's SigDisposition constants. A real sigaction also
// installs a user handler address and constructs a sigreturn trampoline
// frame on delivery; no wire format for marshaling a handler address
// through a register file exists here, so this handler covers the three
// non-handler dispositions and leaves DispHandler to direct
// Task.SetDisposition calls from whatever builds the trampoline.
func (k *Kernel) SignalAction(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	sig := defs.Signal_t(args[0])
	disp := proc.SigDisposition(int(args[1]))
	if disp == proc.DispHandler {
		return 0, -defs.EINVAL
	}
	return 0, t.SetDisposition(sig, disp, nil)
}

// Sigprocmask implements sigprocmask(how, set, oldset): the new mask is
// passed directly in args[1] (not as a user sigset_t pointer, the same
// simplification SignalAction makes for handler addresses); if args[2] is
// nonzero it is a user address the previous mask is copied out to.
func (k *Kernel) Sigprocmask(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	old, err := t.Sigprocmask(proc.SigmaskHow(int(args[0])), uint64(args[1]))
	if err != 0 {
		return 0, err
	}
	if args[2] != 0 {
		buf := make([]byte, 8)
		for i := range buf {
			buf[i] = byte(old >> (8 * i))
		}
		if err := t.AS.CopyOut(args[2], buf); err != 0 {
			return 0, err
		}
	}
	return uintptr(old), 0
}

// Mmap implements mmap(hint, length, prot): creates a fresh anonymous VMA
// at the first fit >= hint and returns its base address. There is no VFS,
// so file-backed mmap does not exist here.
func (k *Kernel) Mmap(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	hint, length, prot := args[0], args[1], args[2]
	if length == 0 {
		return 0, -defs.EINVAL
	}
	length = roundUp(length)

	t.AS.Lock()
	base := t.AS.Regions.Unused(hint, length)
	v := &vm.VMA{
		Start: base, End: base + length,
		Read: prot&0x1 != 0, Write: prot&0x2 != 0, Exec: prot&0x4 != 0,
		Backing: vm.BackAnon,
	}
	err := t.AS.Regions.Insert(v)
	t.AS.Unlock()
	if err != 0 {
		return 0, err
	}
	return base, 0
}

func roundUp(n uintptr) uintptr {
	return util.Roundup(n, uintptr(mem.PGSIZE))
}

// Munmap implements munmap(addr, length): removes the VMA starting
// exactly at addr and unmaps its pages. There is no partial-VMA-split
// path, so a munmap must name a whole VMA's start.
func (k *Kernel) Munmap(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	addr, length := args[0], args[1]
	t.AS.Lock()
	v, ok := t.AS.Regions.Lookup(addr)
	if !ok || v.Start != addr {
		t.AS.Unlock()
		return 0, -defs.EINVAL
	}
	t.AS.Regions.Remove(addr)
	for va := addr; va < addr+length; va += mem.PGSIZE {
		t.AS.Unmap(va)
	}
	t.AS.Unlock()
	return 0, 0
}

// Brk implements brk(newbrk); args[0] is a placement hint used only the
// first time a task's heap is installed.
func (k *Kernel) Brk(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	v, err := t.AS.Sbrk(args[0], args[1])
	return v, err
}

// Open implements open(pathptr, pathlen): reads the path string from user
// memory and installs an AnonFile descriptor for it -- with no VFS/ext2
// directory tree, the anonymous-file namespace is the minimal target that
// still makes open/read/write/close real operations.
func (k *Kernel) Open(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	path, err := t.AS.CopyStringIn(args[0], int(args[1]))
	if err != 0 {
		return 0, err
	}
	file := k.Files.Open(string(path))
	fd, ferr := t.Fds.Install(&kfd.Fd_t{Fops: file, Perms: kfd.FD_READ | kfd.FD_WRITE})
	if ferr != 0 {
		file.Close()
		return 0, ferr
	}
	return uintptr(fd), 0
}

// Read implements read(fd, bufptr, n).
func (k *Kernel) Read(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	entry := t.Fds.Get(int(args[0]))
	if entry == nil {
		return 0, -defs.EBADF
	}
	n := clampIOLen(args[2])
	buf := make([]byte, n)
	got, err := entry.Fops.Read(buf)
	if err != 0 {
		return 0, err
	}
	if got > 0 {
		if err := t.AS.CopyOut(args[1], buf[:got]); err != 0 {
			return 0, err
		}
	}
	return uintptr(got), 0
}

// Write implements write(fd, bufptr, n).
func (k *Kernel) Write(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	entry := t.Fds.Get(int(args[0]))
	if entry == nil {
		return 0, -defs.EBADF
	}
	n := clampIOLen(args[2])
	buf := make([]byte, n)
	if err := t.AS.CopyIn(args[1], buf); err != 0 {
		return 0, err
	}
	put, err := entry.Fops.Write(buf)
	return uintptr(put), err
}

func clampIOLen(n uintptr) uintptr {
	return util.Min(n, uintptr(maxIOChunk))
}

// Close implements close(fd).
func (k *Kernel) Close(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	return 0, t.Fds.Close(int(args[0]))
}

// Socket implements socket(type): args[0] 0 = stream, 1 = datagram.
func (k *Kernel) Socket(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	typ := inet.SockStream
	if args[0] == 1 {
		typ = inet.SockDatagram
	}
	sock, serr := k.Stack.Create(typ)
	if serr != 0 {
		return 0, serr
	}
	fd, err := t.Fds.Install(&kfd.Fd_t{Fops: inet.NewFd(sock), Perms: kfd.FD_READ | kfd.FD_WRITE})
	if err != 0 {
		sock.Close()
		return 0, err
	}
	return uintptr(fd), 0
}

// Bind implements bind(fd, ip, port).
func (k *Kernel) Bind(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	sock, err := socketOf(t, int(args[0]))
	if err != 0 {
		return 0, err
	}
	return 0, sock.Bind(ipFromArg(args[1]), uint16(args[2]))
}

// Listen implements listen(fd, backlog).
func (k *Kernel) Listen(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	sock, err := socketOf(t, int(args[0]))
	if err != 0 {
		return 0, err
	}
	return 0, sock.Listen(int(args[1]))
}

// Accept implements accept(fd): blocks, then installs the accepted
// connection as a new descriptor and returns its fd number.
func (k *Kernel) Accept(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	sock, err := socketOf(t, int(args[0]))
	if err != 0 {
		return 0, err
	}
	child, aerr := sock.Accept()
	if aerr != 0 {
		return 0, aerr
	}
	fd, ferr := t.Fds.Install(&kfd.Fd_t{Fops: inet.NewFd(child), Perms: kfd.FD_READ | kfd.FD_WRITE})
	if ferr != 0 {
		return 0, ferr
	}
	return uintptr(fd), 0
}

// Connect implements connect(fd, ip, port): blocks until Established.
func (k *Kernel) Connect(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	sock, err := socketOf(t, int(args[0]))
	if err != 0 {
		return 0, err
	}
	return 0, sock.Connect(ipFromArg(args[1]), uint16(args[2]))
}

// Send implements send(fd, bufptr, n).
func (k *Kernel) Send(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	sock, err := socketOf(t, int(args[0]))
	if err != 0 {
		return 0, err
	}
	n := clampIOLen(args[2])
	buf := make([]byte, n)
	if err := t.AS.CopyIn(args[1], buf); err != 0 {
		return 0, err
	}
	sent, serr := sock.Send(buf)
	return uintptr(sent), serr
}

// Recv implements recv(fd, bufptr, n): blocks until data or EOF.
func (k *Kernel) Recv(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	sock, err := socketOf(t, int(args[0]))
	if err != 0 {
		return 0, err
	}
	n := clampIOLen(args[2])
	buf := make([]byte, n)
	got, rerr := sock.Recv(buf)
	if rerr != 0 {
		return 0, rerr
	}
	if got > 0 {
		if err := t.AS.CopyOut(args[1], buf[:got]); err != 0 {
			return 0, err
		}
	}
	return uintptr(got), 0
}

// Ioctl implements ioctl(fd, req, argptr, arglen), the PTY termios
// subset: stages arglen bytes from user memory, invokes the
// descriptor's Ioctl, then copies the (possibly rewritten, for a get-style
// request) buffer back out -- covers both directions generically since
// fdops.Fdops_i.Ioctl itself doesn't distinguish get from set.
func (k *Kernel) Ioctl(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	entry := t.Fds.Get(int(args[0]))
	if entry == nil {
		return 0, -defs.EBADF
	}
	n := clampIOLen(args[3])
	buf := make([]byte, n)
	if n > 0 {
		if err := t.AS.CopyIn(args[2], buf); err != 0 {
			return 0, err
		}
	}
	if err := entry.Fops.Ioctl(args[1], buf); err != 0 {
		return 0, err
	}
	if n > 0 {
		if err := t.AS.CopyOut(args[2], buf); err != 0 {
			return 0, err
		}
	}
	return 0, 0
}

// Sleep implements sleep(ticks).
func (k *Kernel) Sleep(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	k.Sched.Sleep(t, uint64(args[0]))
	return 0, 0
}

// Yield implements the yield syscall table entry; vector 64
// (trap.VecYield) reaches the scheduler directly, but yield is also part
// of the syscall ABI, so this gives it a table slot too.
func (k *Kernel) Yield(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	k.Sched.Yield(t)
	return 0, 0
}

// Execve implements execve(pathptr, pathlen): loads the ELF image
// previously written to an anonymous file at that path into t's own
// address space. Full argv/envp marshaling through six syscall registers
// has no defined wire layout here (the same judgment call SignalAction
// makes for handler addresses), so this passes an empty argv/envp; a
// future on-wire convention can extend args without changing
// proc.Scheduler.Exec itself.
func (k *Kernel) Execve(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) {
	path, err := t.AS.CopyStringIn(args[0], int(args[1]))
	if err != 0 {
		return 0, err
	}
	file := k.Files.Open(string(path))
	defer file.Close()
	return 0, k.Sched.Exec(t, file, nil, nil)
}
