// Package ksys wires the kernel's syscall ABI to the already-built
// subsystems: proc.Scheduler, the per-task vm.AddrSpace, kfd.Table_t,
// and inet.Stack. Each handler is a thin marshaling shim -- copy
// arguments in, call the owning subsystem, copy results out -- behind
// trap.Dispatcher's SyscallFunc contract.
//
// fork/create_thread are a deliberate exception: trap.SyscallFunc's shape
// is func(*proc.Task, [6]uintptr) (uintptr, Err_t), and a forked child's
// continuation is a Go closure, not six uintptr-sized arguments -- there is
// no way to marshal "the code the child runs next" through a register
// file. proc.Scheduler.Fork and .CreateThread stay exposed as direct Go
// APIs, called by whatever constructs a task's entry closure, rather than
// being forced into this table.
package ksys

import (
	"gokern/inet"
	"gokern/kfd"
	"gokern/ksyslimit"
	"gokern/proc"
	"gokern/trap"
)

// Numbers assigns small integers to the syscall set (exit through
// execve). The ordering is this kernel's own, not any particular host
// ABI's numbering.
const (
	SysExit = iota + 1
	SysWait
	SysWaitpid
	SysKill
	SysSignalAction
	SysSigprocmask
	SysMmap
	SysMunmap
	SysBrk
	SysOpen
	SysRead
	SysWrite
	SysClose
	SysSocket
	SysBind
	SysListen
	SysAccept
	SysConnect
	SysSend
	SysRecv
	SysIoctl
	SysSleep
	SysYield
	SysExecve
)

// Kernel bundles the subsystems every handler in this table dispatches
// into. One Kernel backs one simulated machine, mirroring trap.Dispatcher's
// "one Dispatcher serves the whole simulated machine" convention.
type Kernel struct {
	Sched  *proc.Scheduler
	Stack  *inet.Stack
	Limits *ksyslimit.Limits_t
	Files  *kfd.AnonFileTable
}

// NewKernel builds the syscall-handler bundle over the given subsystems.
func NewKernel(sched *proc.Scheduler, stack *inet.Stack, limits *ksyslimit.Limits_t) *Kernel {
	return &Kernel{Sched: sched, Stack: stack, Limits: limits, Files: kfd.NewAnonFileTable()}
}

// Register installs every handler this package implements into d's syscall
// table, keyed by the Sys* numbers above.
func (k *Kernel) Register(d *trap.Dispatcher) {
	d.RegisterSyscall(SysExit, k.Exit)
	d.RegisterSyscall(SysWait, k.Wait)
	d.RegisterSyscall(SysWaitpid, k.Waitpid)
	d.RegisterSyscall(SysKill, k.Kill)
	d.RegisterSyscall(SysSignalAction, k.SignalAction)
	d.RegisterSyscall(SysSigprocmask, k.Sigprocmask)
	d.RegisterSyscall(SysMmap, k.Mmap)
	d.RegisterSyscall(SysMunmap, k.Munmap)
	d.RegisterSyscall(SysBrk, k.Brk)
	d.RegisterSyscall(SysOpen, k.Open)
	d.RegisterSyscall(SysRead, k.Read)
	d.RegisterSyscall(SysWrite, k.Write)
	d.RegisterSyscall(SysClose, k.Close)
	d.RegisterSyscall(SysSocket, k.Socket)
	d.RegisterSyscall(SysBind, k.Bind)
	d.RegisterSyscall(SysListen, k.Listen)
	d.RegisterSyscall(SysAccept, k.Accept)
	d.RegisterSyscall(SysConnect, k.Connect)
	d.RegisterSyscall(SysSend, k.Send)
	d.RegisterSyscall(SysRecv, k.Recv)
	d.RegisterSyscall(SysIoctl, k.Ioctl)
	d.RegisterSyscall(SysSleep, k.Sleep)
	d.RegisterSyscall(SysYield, k.Yield)
	d.RegisterSyscall(SysExecve, k.Execve)
}
