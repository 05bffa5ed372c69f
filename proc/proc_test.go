package proc

import (
	"testing"
	"time"

	"gokern/defs"
	"gokern/kfd"
	"gokern/ksync"
	"gokern/ksyslimit"
	"gokern/mem"
	"gokern/vm"
)

func newTestScheduler(t *testing.T) (*Scheduler, *vm.AddrSpace, *kfd.Table_t) {
	t.Helper()
	phys := mem.NewPhysmem(4096)
	kernelRoot, err := vm.NewRoot(phys)
	if err != 0 {
		t.Fatalf("NewRoot: %v", err)
	}
	limits := ksyslimit.Default()
	as, err := vm.NewUserAddrSpace(phys, kernelRoot, limits.MaxVMAs)
	if err != 0 {
		t.Fatalf("NewUserAddrSpace: %v", err)
	}
	fds := kfd.NewTable(16)
	s := NewScheduler(phys, kernelRoot, limits, 4)
	return s, as, fds
}

func TestRoundRobinFairness(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	as.Ref() // shared by all three test tasks below

	const rounds = 12
	order := make(chan defs.Tid_t, rounds*3)
	started := make(chan struct{})
	done := make(chan struct{})

	spawn := func(n int) {
		s.Create("t", defs.Pid_t(n), 0, as, fds, func(self *Task) {
			<-started
			for i := 0; i < rounds; i++ {
				order <- self.Id
				s.Yield(self)
			}
			done <- struct{}{}
		})
	}
	spawn(1)
	spawn(2)
	spawn(3)
	close(started)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("task did not complete in time")
		}
	}
	close(order)

	counts := map[defs.Tid_t]int{}
	for id := range order {
		counts[id]++
	}
	for id, c := range counts {
		if c != rounds {
			t.Fatalf("task %d ran %d times, want %d", id, c, rounds)
		}
	}
}

func TestSleepWakesOnDeadline(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	woke := make(chan uint64, 1)

	task, errc := s.Create("sleeper", 1, 0, as, fds, func(self *Task) {
		before := s.Ticks()
		s.Sleep(self, 3)
		woke <- s.Ticks() - before
	})
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}
	_ = task

	time.Sleep(10 * time.Millisecond) // let the task reach Sleep()
	for i := 0; i < 3; i++ {
		s.Tick()
	}

	select {
	case elapsed := <-woke:
		if elapsed < 3 {
			t.Fatalf("woke after %d ticks, want >= 3", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatalf("sleeper never woke")
	}
}

func TestParkOnAndWake(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	slot := ksync.NewWaiterSlot()
	resultCh := make(chan string, 1)

	task, errc := s.Create("waiter", 1, 0, as, fds, func(self *Task) {
		s.ParkOn(self, slot, true)
		resultCh <- "woken"
	})
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}

	for !slot.Occupied() {
		time.Sleep(time.Millisecond)
	}
	if task.GetState() != Blocked {
		t.Fatalf("expected task Blocked, got %v", task.GetState())
	}
	slot.Wake()

	select {
	case r := <-resultCh:
		if r != "woken" {
			t.Fatalf("unexpected result %q", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("task never resumed after Wake")
	}
}

func TestSignalInterruptsBlockedTask(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	slot := ksync.NewWaiterSlot()
	resultCh := make(chan bool, 1)

	task, errc := s.Create("waiter", 1, 0, as, fds, func(self *Task) {
		s.ParkOn(self, slot, true)
		resultCh <- self.SignalPending(defs.SIGINT)
	})
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}

	for !slot.Occupied() {
		time.Sleep(time.Millisecond)
	}
	s.SignalSend(task, defs.SIGINT)

	select {
	case pending := <-resultCh:
		if !pending {
			t.Fatalf("expected SIGINT still marked pending for syscall-return delivery")
		}
	case <-time.After(time.Second):
		t.Fatalf("signal_send did not unblock the parked task")
	}
}

// TestThreadClearTidFutex covers create_thread's clear_tid_at_exit option:
// the joiner writes the thread's tid into a user word and futex-waits on
// it; the exiting thread zeroes the word and notifies, releasing the join.
func TestThreadClearTidFutex(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	joined := make(chan struct{})

	tidVA := uintptr(0x40000)
	if err := as.Regions.Insert(&vm.VMA{Start: tidVA, End: tidVA + mem.PGSIZE, Read: true, Write: true, Backing: vm.BackAnon}); err != 0 {
		t.Fatalf("Insert: %v", err)
	}

	_, errc := s.Create("main", 1, 0, as, fds, func(self *Task) {
		thr, terr := s.CreateThread(self, func(child *Task) {
			s.Exit(child, 0)
		}, tidVA)
		if terr != 0 {
			t.Errorf("CreateThread: %v", terr)
			close(joined)
			return
		}
		if err := self.AS.CopyOut(tidVA, []byte{byte(thr.Id), 0, 0, 0}); err != 0 {
			t.Errorf("CopyOut(tid word): %v", err)
			close(joined)
			return
		}
		if err := s.FutexWait(self, tidVA, uint32(thr.Id)); err != 0 {
			t.Errorf("FutexWait: %v", err)
		}
		var word [4]byte
		self.AS.CopyIn(tidVA, word[:])
		if word != [4]byte{} {
			t.Errorf("tid word = %v after thread exit, want zeroed", word)
		}
		close(joined)
	})
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatalf("join via clear_tid futex never completed")
	}
}

func TestForkExitWait(t *testing.T) {
	s, as, fds := newTestScheduler(t)

	parentDone := make(chan struct{})
	var gotPid defs.Pid_t
	var gotCode int

	_, errc := s.Create("parent", 1, 0, as, fds, func(parent *Task) {
		childPid, ferr := s.Fork(parent, func(child *Task) {
			s.Exit(child, 42)
		})
		if ferr != 0 {
			t.Errorf("Fork: %v", ferr)
			close(parentDone)
			return
		}
		pid, code, werr := s.Wait(parent)
		if werr != 0 {
			t.Errorf("Wait: %v", werr)
		}
		gotPid, gotCode = pid, code
		_ = childPid
		close(parentDone)
	})
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}

	select {
	case <-parentDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("parent never finished waiting")
	}
	if gotCode != 42 {
		t.Fatalf("exit code = %d, want 42", gotCode)
	}
	if gotPid == 0 {
		t.Fatalf("expected a nonzero child pid")
	}
}
