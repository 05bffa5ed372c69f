package proc

import (
	"testing"
	"time"

	"gokern/defs"
)

// TestSigprocmaskBlocksDelivery backs sigprocmask's contract: a blocked
// signal stays pending (not dropped) until unblocked, at which point the
// next delivery point clears it.
func TestSigprocmaskBlocksDelivery(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	masked := make(chan struct{})
	proceed := make(chan struct{})
	finished := make(chan struct{})

	task, errc := s.Create("t", 1, 0, as, fds, func(self *Task) {
		if _, err := self.Sigprocmask(SigBlock, 1<<(defs.SIGTERM-1)); err != 0 {
			t.Errorf("Sigprocmask: %v", err)
		}
		close(masked)
		<-proceed
		close(finished)
	})
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}

	select {
	case <-masked:
	case <-time.After(time.Second):
		t.Fatalf("task never installed its signal mask")
	}

	s.SignalSend(task, defs.SIGTERM)
	if terminated := s.ApplyPendingSignals(task, nil); terminated {
		t.Fatalf("blocked SIGTERM should not terminate the task")
	}
	if !task.SignalPending(defs.SIGTERM) {
		t.Fatalf("blocked signal should remain pending, not be dropped")
	}

	if _, err := task.Sigprocmask(SigUnblock, 1<<(defs.SIGTERM-1)); err != 0 {
		t.Fatalf("Sigprocmask(unblock): %v", err)
	}
	s.ApplyPendingSignals(task, nil)
	if task.SignalPending(defs.SIGTERM) {
		t.Fatalf("SIGTERM should be delivered (and cleared) once unblocked")
	}

	close(proceed)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("task never finished")
	}
}

func TestSigprocmaskCannotBlockSigkill(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	done := make(chan struct{})
	task, errc := s.Create("t", 1, 0, as, fds, func(self *Task) { close(done) })
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}
	<-done
	if _, err := task.Sigprocmask(SigBlock, 1<<(defs.SIGKILL-1)); err != 0 {
		t.Fatalf("Sigprocmask: %v", err)
	}
	if task.blockedLocked(defs.SIGKILL) {
		t.Fatalf("SIGKILL must never be maskable")
	}
}

func TestSigprocmaskSetAndReportsOld(t *testing.T) {
	s, as, fds := newTestScheduler(t)
	done := make(chan struct{})
	task, errc := s.Create("t", 1, 0, as, fds, func(self *Task) { close(done) })
	if errc != 0 {
		t.Fatalf("Create: %v", errc)
	}
	<-done
	if _, err := task.Sigprocmask(SigBlock, 1<<(defs.SIGTERM-1)); err != 0 {
		t.Fatalf("Sigprocmask: %v", err)
	}
	old, err := task.Sigprocmask(SigSetmask, 1<<(defs.SIGHUP-1))
	if err != 0 {
		t.Fatalf("Sigprocmask(setmask): %v", err)
	}
	if old != 1<<(defs.SIGTERM-1) {
		t.Fatalf("old mask = %#x, want previous SIGTERM-only mask", old)
	}
}
