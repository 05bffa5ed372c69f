// Package trap implements the interrupt dispatch core: the 256-vector
// layout, the demux rules for timer/yield/syscall/page-fault/
// other-exception/IRQ vectors, and the dispatcher's return contract. The
// IRQ-vs-exception split and the one-shot-notifier-then-EOI IRQ handling
// follow biscuit's trapstub.
//
// biscuit's trapstub runs on a real per-CPU interrupt stack and hands off
// to goroutines parked on runtime.IRQsched; gokern has no real CPU to
// interrupt, so the dispatcher is called directly by whatever part of the
// simulation stands in for hardware (a test driving a page fault, a mock
// NIC delivering a packet, a ticker goroutine calling the timer vector).
package trap

import (
	"fmt"
	"time"

	"gokern/defs"
	"gokern/klog"
	"gokern/kpanic"
	"gokern/kstat"
	"gokern/ksync"
	"gokern/proc"
)

// Vector numbers: 0-31 CPU exceptions, 32-47 hardware IRQs, 64 yield,
// 128 syscall, 255 spurious.
const (
	VecExceptionsStart = 0
	VecExceptionsEnd   = 31
	VecPageFault       = 14
	VecIRQStart        = 32
	VecTimer           = 32
	VecIRQEnd          = 47
	VecYield           = 64
	VecSyscall         = 128
	VecSpurious        = 255
)

// SyscallFunc is one entry in the syscall table, keyed by the number in
// the designated argument register.
type SyscallFunc func(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t)

// EOI issues an end-of-interrupt for vector (LAPIC or legacy PIC);
// callers supply whatever their simulated interrupt controller needs.
type EOI func(vector int)

// Dispatcher is the trap/interrupt core. One Dispatcher serves the whole
// simulated machine (one logical CPU).
type Dispatcher struct {
	Sched    *proc.Scheduler
	Syscalls map[uintptr]SyscallFunc
	Stats    *kstat.Counters
	irqSlots map[int]*ksync.WaiterSlot
	eoi      EOI
}

// NewDispatcher constructs a dispatcher with an empty syscall table and no
// registered IRQ notifiers.
func NewDispatcher(sched *proc.Scheduler, eoi EOI) *Dispatcher {
	return &Dispatcher{
		Sched:    sched,
		Syscalls: make(map[uintptr]SyscallFunc),
		Stats:    &kstat.Counters{},
		irqSlots: make(map[int]*ksync.WaiterSlot),
		eoi:      eoi,
	}
}

// RegisterSyscall installs fn as the handler for syscall number n.
func (d *Dispatcher) RegisterSyscall(n uintptr, fn SyscallFunc) {
	d.Syscalls[n] = fn
}

// RegisterIRQ installs slot as vector's one-shot waiter notifier: an IRQ
// on that vector wakes the notifier and then issues EOI. A disk/NIC
// driver parks its servicing task on slot (for example with
// proc.Scheduler.ParkOn), and Dispatcher.DeliverIRQ wakes it.
func (d *Dispatcher) RegisterIRQ(vector int, slot *ksync.WaiterSlot) {
	d.irqSlots[vector] = slot
}

// DeliverIRQ simulates a hardware IRQ firing on vector: wakes the
// registered notifier, if any, then issues EOI.
func (d *Dispatcher) DeliverIRQ(vector int) {
	d.Stats.IRQ(vector)
	if slot, ok := d.irqSlots[vector]; ok {
		slot.Wake()
	}
	if d.eoi != nil {
		d.eoi(vector)
	}
}

// Timer simulates the periodic timer interrupt (vector 32, ~100 Hz):
// bump the tick counter, wake due sleepers, EOI, then reschedule -- the
// currently-running task t gives up the CPU, possibly getting it right
// back if it's the only Ready task.
func (d *Dispatcher) Timer(t *proc.Task) {
	d.Stats.Ticks.Inc()
	d.Stats.IRQ(VecTimer)
	d.Sched.Tick()
	if d.eoi != nil {
		d.eoi(VecTimer)
	}
	d.Sched.Yield(t)
}

// Yield simulates the yield vector (64): unconditional reschedule.
func (d *Dispatcher) Yield(t *proc.Task) {
	d.Sched.Yield(t)
}

// Syscall simulates the syscall vector (128): dispatch to the syscall
// table, then apply any pending signals before the notional return to
// user mode (the deliver-at-syscall-return model). Time spent in
// the handler is charged to the task's system-time counter.
func (d *Dispatcher) Syscall(t *proc.Task, num uintptr, args [6]uintptr) (uintptr, defs.Err_t) {
	d.Stats.IRQ(VecSyscall)
	fn, ok := d.Syscalls[num]
	if !ok {
		d.Sched.ApplyPendingSignals(t, t.Frame)
		return 0, -defs.ENOSYS
	}
	start := time.Now()
	ret, err := fn(t, args)
	t.Accnt.Systadd(time.Since(start).Nanoseconds())
	d.Sched.ApplyPendingSignals(t, t.Frame)
	return ret, err
}

// PageFault simulates vector 14: resolve through the VMM; on
// failure, user-mode faults terminate the task (modeled as SIGSEGV
// delivery), kernel-mode faults panic.
func (d *Dispatcher) PageFault(t *proc.Task, addr uintptr, write, userMode bool) {
	err := t.AS.PageFault(addr, write, userMode)
	if err == 0 {
		return
	}
	if !userMode {
		panic("page fault in kernel mode")
	}
	d.Sched.SignalSend(t, defs.SIGSEGV)
}

// Exception simulates one of vectors 0-31 other than the page fault:
// user-mode faults terminate the task with a signal, kernel-mode faults
// panic.
func (d *Dispatcher) Exception(t *proc.Task, vector int, sig defs.Signal_t, userMode bool) {
	if !userMode {
		panic("exception in kernel mode")
	}
	d.Sched.SignalSend(t, sig)
}

// Spurious simulates vector 255: EOI only, no other effect.
func (d *Dispatcher) Spurious() {
	d.Stats.IRQ(VecSpurious)
	if d.eoi != nil {
		d.eoi(VecSpurious)
	}
}

// Guard runs fn, converting a kernel panic into the fatal-inconsistency
// path: the register frame, call chain, and kernel log ring are
// dumped into the log, then the panic is re-raised so the harness above
// (bare metal would halt; a test recovers) decides what to do with the
// dead machine. This is the "recovered only at the top of the simulated
// trap dispatcher" point -- every entry into kernel code from the outside
// (a syscall issued by a harness, a simulated fault) can be wrapped in it.
func (d *Dispatcher) Guard(t *proc.Task, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			var frame *proc.Frame
			if t != nil {
				frame = t.Frame
			}
			rep := kpanic.Dump(fmt.Sprint(r), frame, nil, klog.Default)
			klog.Default.Printf("%s", rep.String())
			panic(r)
		}
	}()
	fn()
}
