package proc

import (
	"sort"
	"sync"

	"gokern/defs"
	"gokern/kaccnt"
	"gokern/kfd"
	"gokern/ksync"
	"gokern/ksyslimit"
	"gokern/mem"
	"gokern/vm"
)

// Scheduler holds the task table and the single run queue: one run queue
// per logical CPU (gokern models one), round-robin among Ready tasks.
//
// Design note -- the switch protocol. biscuit's switch protocol saves the
// outgoing task's rsp, marks it Ready, and returns the next task's saved
// rsp for the common ISR tail to resume from. Here every task is a real
// goroutine; "returning a saved rsp" is modeled as sending on the chosen
// task's resume channel, and "the current task's registers are already on
// its stack" is modeled by that goroutine being parked on its own resume
// channel (or on a ksync primitive, for resource waits). At most one
// task's entry code is ever actually advancing between two handoffs --
// current tracks which one, exactly standing in for "the CPU is currently
// running task N" on gokern's single logical CPU.
type Scheduler struct {
	mu        sync.Mutex
	tasks     map[defs.Tid_t]*Task
	ready     []defs.Tid_t
	nextId    defs.Tid_t
	nextPid   defs.Pid_t
	ticks     uint64
	quantum   uint64
	current   defs.Tid_t // 0 = CPU idle
	sleepCond *sync.Cond
	children  map[defs.Pid_t][]*Task
	futexes   map[futexKey]*ksync.WaiterSlot

	Phys       *mem.Physmem_t
	KernelRoot mem.Pa_t
	Limits     *ksyslimit.Limits_t
}

// NewScheduler constructs an empty scheduler. quantum is the number of
// CheckPreempt calls a task may make before being yielded involuntarily,
// modeling the ~100 Hz timer preemption at the granularity
// this simulation can actually drive (see CheckPreempt).
func NewScheduler(phys *mem.Physmem_t, kernelRoot mem.Pa_t, limits *ksyslimit.Limits_t, quantum uint64) *Scheduler {
	s := &Scheduler{
		tasks:      make(map[defs.Tid_t]*Task),
		quantum:    quantum,
		Phys:       phys,
		KernelRoot: kernelRoot,
		Limits:     limits,
	}
	s.sleepCond = sync.NewCond(&s.mu)
	return s
}

func (s *Scheduler) popReadyLocked() *Task {
	if len(s.ready) == 0 {
		return nil
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	return s.tasks[id]
}

// grantNext dispatches the next Ready task, or marks the CPU idle if none
// remain.
func (s *Scheduler) grantNext() {
	s.mu.Lock()
	next := s.popReadyLocked()
	if next == nil {
		s.current = 0
		s.mu.Unlock()
		return
	}
	next.lock()
	next.State = Running
	next.unlock()
	s.current = next.Id
	s.mu.Unlock()
	next.resume <- struct{}{}
}

// selfRejoin is called by a task's own goroutine after a blocking wait
// (sleep, resource park) has been satisfied, to rejoin the round-robin
// rotation. If the CPU is idle it takes over directly; otherwise it
// enqueues and waits its turn.
func (s *Scheduler) selfRejoin(t *Task) {
	s.mu.Lock()
	if s.current == 0 {
		t.lock()
		t.State = Running
		t.unlock()
		s.current = t.Id
		s.mu.Unlock()
		return
	}
	t.lock()
	t.State = Ready
	t.unlock()
	s.ready = append(s.ready, t.Id)
	s.mu.Unlock()
	<-t.resume
}

// Create allocates a new task, flags it
// Ready, and starts its goroutine. The task does not begin executing entry
// until the scheduler actually dispatches it.
func (s *Scheduler) Create(name string, pid, parent defs.Pid_t, as *vm.AddrSpace, fds *kfd.Table_t, entry func(*Task)) (*Task, defs.Err_t) {
	s.mu.Lock()
	if len(s.tasks) >= s.Limits.MaxTasks {
		s.mu.Unlock()
		return nil, -defs.ENOMEM
	}
	s.nextId++
	id := s.nextId
	t := &Task{
		Id:       id,
		Name:     name,
		Pid:      pid,
		ParentId: parent,
		State:    Ready,
		AS:       as,
		Fds:      fds,
		Accnt:    &kaccnt.Accnt_t{},
		sched:    s,
		entry:    entry,
		resume:   make(chan struct{}),
	}
	s.tasks[id] = t
	s.ready = append(s.ready, id)
	idle := s.current == 0
	s.mu.Unlock()

	go s.runTask(t)
	// If the CPU was idle (no task has ever been dispatched, or the last
	// one blocked/slept/exited), kick the new task onto it immediately --
	// otherwise it simply joins the ready queue and waits its turn behind
	// whichever task is currently running, per round-robin order.
	if idle {
		s.grantNext()
	}
	return t, 0
}

func (s *Scheduler) runTask(t *Task) {
	<-t.resume
	t.entry(t)
	// entry returning without calling Exit is treated as exit(0), matching
	// the convention that a task body is expected to call Exit itself for
	// any other status.
	if t.GetState() != Terminated {
		s.Exit(t, 0)
	}
}

// Yield implements the yield vector (64): the task gives
// up the CPU unconditionally and rejoins the back of the ready queue.
func (s *Scheduler) Yield(t *Task) {
	s.mu.Lock()
	t.lock()
	t.State = Ready
	t.unlock()
	s.ready = append(s.ready, t.Id)
	s.mu.Unlock()
	s.grantNext()
	<-t.resume
}

// CheckPreempt is the explicit checkpoint a task body calls at natural
// loop boundaries to stand in for the timer interrupt's forced
// preemption. A real build preempts at any instruction via
// the APIC timer; a goroutine cannot be stopped from outside at an
// arbitrary point, so gokern advances the virtual clock and yields once a
// quantum's worth of checkpoints have elapsed. Tasks that want accurate
// round-robin fairness under test should call this every loop iteration.
func (s *Scheduler) CheckPreempt(t *Task) {
	s.Tick()
	s.mu.Lock()
	due := s.ticks%s.quantum == 0
	s.mu.Unlock()
	if due {
		s.Yield(t)
	}
}

// Tick advances the virtual clock by one and wakes any sleeper whose
// deadline has passed, the timer vector's bookkeeping half.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	s.ticks++
	s.sleepCond.Broadcast()
	s.mu.Unlock()
}

// Ticks returns the current virtual tick count.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Sleep implements sleep_ticks(n): park until Ticks() >=
// wakeup deadline, then rejoin the ready queue.
func (s *Scheduler) Sleep(t *Task, ticks uint64) {
	s.mu.Lock()
	t.lock()
	t.State = Sleeping
	t.WakeupTick = s.ticks + ticks
	t.unlock()
	s.mu.Unlock()
	s.grantNext()

	s.mu.Lock()
	for s.ticks < t.WakeupTick && t.GetState() == Sleeping {
		s.sleepCond.Wait()
	}
	s.mu.Unlock()
	s.selfRejoin(t)
}

// ParkOn blocks t on slot, the waiter-slot protocol: park writes self,
// sets state Blocked, yields; wake reads, clears, and sets the waiter
// Ready. The state transition to Blocked happens, and the CPU is handed
// to another task, before the real wait begins -- state transition
// precedes yield.
//
// interruptible marks this wait as one SignalSend may cut short: a signal
// to a task blocked on an interruptible resource unblocks it. Waits on
// resources with no well-defined EINTR return
// (e.g. the run queue itself never calls ParkOn) should pass false.
func (s *Scheduler) ParkOn(t *Task, slot *ksync.WaiterSlot, interruptible bool) {
	t.lock()
	t.State = Blocked
	t.parkedOn = slot
	t.interruptible = interruptible
	t.unlock()
	slot.Mark(t.Id)
	s.grantNext()
	slot.WaitParked(t.Id)
	t.lock()
	t.parkedOn = nil
	t.unlock()
	s.selfRejoin(t)
}

// TaskCount returns the number of live task-table slots, for the stat
// gauges (kstat.Counters.Tasks).
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tasks returns a snapshot of every live task, ordered by id.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// Lookup returns the task for tid, if any.
func (s *Scheduler) Lookup(tid defs.Tid_t) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tid]
	return t, ok
}

// Exit implements exit(code): marks Terminated, unblocks any
// waiting parent, and (if this is the CPU's current task) yields.
func (s *Scheduler) Exit(t *Task, code int) {
	t.lock()
	if t.State == Terminated {
		t.unlock()
		return
	}
	t.State = Terminated
	t.ExitCode = code
	waiters := t.waiters
	t.waiters = nil
	t.unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if t.ClearTidSpace != nil && t.ClearTidAddr != 0 {
		var zero [8]byte
		t.ClearTidSpace.CopyOut(t.ClearTidAddr, zero[:])
		s.FutexWake(t.ClearTidSpace, t.ClearTidAddr)
	}

	// Threads have no parent waiting to reap them: the exiting thread
	// returns its own slot and drops its address-space reference here,
	// with the last thread in the group freeing the shared space.
	if t.isThread {
		if t.AS.Unref() {
			t.AS.Destroy()
		}
		s.mu.Lock()
		delete(s.tasks, t.Id)
		s.mu.Unlock()
	}

	s.mu.Lock()
	wasCurrent := s.current == t.Id
	s.mu.Unlock()
	if wasCurrent {
		s.grantNext()
	}
}
