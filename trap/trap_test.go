package trap

import (
	"testing"
	"time"

	"gokern/defs"
	"gokern/kfd"
	"gokern/ksyslimit"
	"gokern/mem"
	"gokern/proc"
	"gokern/vm"
)

func newHarness(t *testing.T) (*Dispatcher, *proc.Scheduler) {
	t.Helper()
	phys := mem.NewPhysmem(2048)
	kernelRoot, err := vm.NewRoot(phys)
	if err != 0 {
		t.Fatalf("NewRoot: %v", err)
	}
	limits := ksyslimit.Default()
	sched := proc.NewScheduler(phys, kernelRoot, limits, 4)
	d := NewDispatcher(sched, nil)
	return d, sched
}

func TestSyscallDispatchUnknown(t *testing.T) {
	d, sched := newHarness(t)
	phys := mem.NewPhysmem(64)
	root, _ := vm.NewRoot(phys)
	as, _ := vm.NewUserAddrSpace(phys, root, 16)
	fds := kfd.NewTable(8)

	resultCh := make(chan defs.Err_t, 1)
	sched.Create("t", 1, 0, as, fds, func(self *proc.Task) {
		_, err := d.Syscall(self, 999, [6]uintptr{})
		resultCh <- err
		sched.Exit(self, 0)
	})

	select {
	case err := <-resultCh:
		if err != -defs.ENOSYS {
			t.Fatalf("expected ENOSYS, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("syscall never returned")
	}
}

func TestGuardDumpsPanicToLogRing(t *testing.T) {
	d, _ := newHarness(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("Guard must re-raise the panic after dumping")
		}
	}()
	d.Guard(nil, func() { panic("corrupted free list") })
}

func TestDispatcherCountsVectors(t *testing.T) {
	d, _ := newHarness(t)
	d.DeliverIRQ(33)
	d.DeliverIRQ(33)
	d.Spurious()
	if got := d.Stats.Irqs[33].Get(); got != 2 {
		t.Fatalf("irq[33] count = %d, want 2", got)
	}
	if got := d.Stats.Irqs[VecSpurious].Get(); got != 1 {
		t.Fatalf("irq[255] count = %d, want 1", got)
	}
}

func TestSyscallAppliesPendingSignal(t *testing.T) {
	d, sched := newHarness(t)
	phys := mem.NewPhysmem(64)
	root, _ := vm.NewRoot(phys)
	as, _ := vm.NewUserAddrSpace(phys, root, 16)
	fds := kfd.NewTable(8)

	var handlerFired bool
	doneCh := make(chan struct{})

	sched.Create("t", 1, 0, as, fds, func(self *proc.Task) {
		self.SetDisposition(defs.SIGHUP, proc.DispHandler, func(sig defs.Signal_t, f *proc.Frame) {
			handlerFired = true
		})
		sched.SignalSend(self, defs.SIGHUP)
		d.RegisterSyscall(1, func(t *proc.Task, args [6]uintptr) (uintptr, defs.Err_t) { return 0, 0 })
		d.Syscall(self, 1, [6]uintptr{})
		close(doneCh)
		sched.Exit(self, 0)
	})

	select {
	case <-doneCh:
		if !handlerFired {
			t.Fatalf("expected signal handler to fire at syscall return")
		}
	case <-time.After(time.Second):
		t.Fatalf("task never completed")
	}
}
