package proc

import "gokern/defs"

// SignalSend implements signal_send(pid, sig): ORs a bit into
// the target's pending mask, then, if the target is Blocked on a
// signal-interruptible resource, force-wakes it so the block returns
// early (EINTR) instead of waiting for the resource itself.
func (s *Scheduler) SignalSend(target *Task, sig defs.Signal_t) defs.Err_t {
	target.setPending(sig)

	target.lock()
	blocked := target.State == Blocked && target.interruptible
	slot := target.parkedOn
	target.unlock()

	if blocked && slot != nil {
		slot.Wake()
	}
	return 0
}

// ApplyPendingSignals walks t's pending mask and applies each signal's
// disposition (the deliver-at-syscall-return model), to be called
// by the trap dispatcher immediately before returning to user mode.
// SIGKILL and SIGSTOP are never caught or ignored: SIGKILL always
// terminates, SIGSTOP (modeled here as terminate too, since this core has
// no job-control state machine) likewise. Returns true if the task was
// terminated as a result.
func (s *Scheduler) ApplyPendingSignals(t *Task, interrupted *Frame) bool {
	for sig := defs.Signal_t(1); int(sig) <= numSignals; sig++ {
		if !t.SignalPending(sig) {
			continue
		}
		if sig != defs.SIGKILL && sig != defs.SIGSTOP {
			t.lock()
			blocked := t.blockedLocked(sig)
			t.unlock()
			if blocked {
				continue // stays pending until unblocked
			}
		}
		t.clearPending(sig)

		if sig == defs.SIGKILL || sig == defs.SIGSTOP {
			s.Exit(t, int(sig)|0x80)
			return true
		}

		t.lock()
		disp := t.Disposition[sig-1]
		handler := t.Handlers[sig-1]
		t.unlock()

		switch disp {
		case DispDefaultIgnore:
			// no-op
		case DispDefaultTerminate, DispDefaultCore:
			s.Exit(t, int(sig)|0x80)
			return true
		case DispHandler:
			if handler != nil {
				handler(sig, interrupted)
			}
		}
	}
	return false
}
