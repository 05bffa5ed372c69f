// Package proc implements the task scheduler: task table, round-robin run
// queue, switch protocol, fork/exec/exit/wait, threads, sleep, and signal
// delivery. biscuit drives this with a forked Go runtime's own
// goroutine-like green threads (runtime.Gptr/Setgptr); gokern instead
// models each task as a genuine goroutine and the switch protocol as an
// explicit token handoff between them (see sched.go's design note) --
// the saved frame stays an opaque value the scheduler never interprets.
package proc

import (
	"sync"

	"gokern/defs"
	"gokern/kaccnt"
	"gokern/kfd"
	"gokern/ksync"
	"gokern/vm"
)

// State names the task lifecycle: Ready and Running alternate via the
// scheduler; Running becomes Sleeping via timed wait and Blocked via
// resource wait; any state becomes Terminated via exit; a Terminated task
// returns to Unused via reap.
type State int

const (
	Unused State = iota
	Ready
	Running
	Sleeping
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "?"
	}
}

// SigDisposition names how a pending signal is handled at syscall-return
// time.
type SigDisposition int

const (
	DispDefaultIgnore SigDisposition = iota
	DispDefaultTerminate
	DispDefaultCore // treated as terminate: no core-dump machinery here
	DispHandler
)

const numSignals = 32

// Frame stands in for the real saved register frame (general-purpose
// registers, rip/cs/rflags/rsp/ss, segment selectors). Since gokern
// models a task's execution as a live goroutine rather than a parked
// kernel stack, nothing in the switch protocol actually needs to
// interpret this value -- it exists so the trap dispatcher and panic path
// have somewhere to stash a notion of "where were we" for fatal dumps;
// the scheduler only ever handles it as an opaque pointer.
type Frame struct {
	Rip  uintptr
	Note string
}

// SignalHandler is a user-installed handler (the DispHandler
// disposition). Args mirror what a sigreturn trampoline would otherwise
// encode: the signal number and the frame interrupted to deliver it.
type SignalHandler func(sig defs.Signal_t, interrupted *Frame)

// Task is one task-table slot.
type Task struct {
	Id       defs.Tid_t
	Name     string
	Pid      defs.Pid_t // thread-group id
	ParentId defs.Pid_t

	mu          sync.Mutex
	State       State
	AS          *vm.AddrSpace
	Fds         *kfd.Table_t
	ExitCode    int
	Pending     uint64 // bit i set => signal i+1 pending
	Blocked     uint64 // bit i set => signal i+1 blocked (sigprocmask)
	Disposition [numSignals]SigDisposition
	Handlers    [numSignals]SignalHandler
	WakeupTick  uint64
	Frame       *Frame
	Accnt       *kaccnt.Accnt_t

	// ClearTidAddr/ClearTidSpace implement create_thread's clear_tid_at_exit
	// option: on exit, zero is written there and a futex waiter
	// slot (if any) is notified.
	ClearTidAddr  uintptr
	ClearTidSpace *vm.AddrSpace

	sched         *Scheduler
	entry         func(*Task)
	resume        chan struct{}
	waiters       []chan struct{} // closed on Terminated, for wait/waitpid
	parkedOn      *ksync.WaiterSlot
	interruptible bool
	isThread      bool // reaped by its own exit, not by a parent's wait
}

func (t *Task) lock()   { t.mu.Lock() }
func (t *Task) unlock() { t.mu.Unlock() }

// GetState returns the task's current lifecycle state.
func (t *Task) GetState() State {
	t.lock()
	defer t.unlock()
	return t.State
}

// SignalPending reports whether sig is set in the pending mask.
func (t *Task) SignalPending(sig defs.Signal_t) bool {
	t.lock()
	defer t.unlock()
	return t.Pending&(1<<(sig-1)) != 0
}

// HasAnyPending reports whether any signal is pending.
func (t *Task) HasAnyPending() bool {
	t.lock()
	defer t.unlock()
	return t.Pending != 0
}

func (t *Task) setPending(sig defs.Signal_t) {
	t.lock()
	t.Pending |= 1 << (sig - 1)
	t.unlock()
}

func (t *Task) clearPending(sig defs.Signal_t) {
	t.lock()
	t.Pending &^= 1 << (sig - 1)
	t.unlock()
}

// SigmaskHow mirrors sigprocmask(2)'s how argument, following POSIX's
// SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK shape.
type SigmaskHow int

const (
	SigBlock SigmaskHow = iota
	SigUnblock
	SigSetmask
)

// Sigprocmask applies how to set against the task's blocked-signal mask and
// returns the mask that was in effect before the call, matching
// sigprocmask(2)'s oldset semantics. SIGKILL and SIGSTOP can never be
// blocked (POSIX), mirroring SetDisposition's restriction on them.
func (t *Task) Sigprocmask(how SigmaskHow, set uint64) (old uint64, err defs.Err_t) {
	unblockable := uint64(1)<<(defs.SIGKILL-1) | uint64(1)<<(defs.SIGSTOP-1)
	set &^= unblockable

	t.lock()
	defer t.unlock()
	old = t.Blocked
	switch how {
	case SigBlock:
		t.Blocked |= set
	case SigUnblock:
		t.Blocked &^= set
	case SigSetmask:
		t.Blocked = set
	default:
		return old, -defs.EINVAL
	}
	return old, 0
}

// blockedLocked reports whether sig is currently blocked, without
// taking t's lock a second time (callers already hold it or don't need to).
func (t *Task) blockedLocked(sig defs.Signal_t) bool {
	return t.Blocked&(1<<(sig-1)) != 0
}

// SetDisposition installs how sig is handled at syscall-return time.
// SIGKILL and SIGSTOP may not be caught or ignored.
func (t *Task) SetDisposition(sig defs.Signal_t, d SigDisposition, h SignalHandler) defs.Err_t {
	if sig == defs.SIGKILL || sig == defs.SIGSTOP {
		return -defs.EINVAL
	}
	t.lock()
	defer t.unlock()
	t.Disposition[sig-1] = d
	t.Handlers[sig-1] = h
	return 0
}
