// Package ksync implements the kernel's synchronization primitives:
// spinlocks, counting semaphores, mutexes, bounded mailboxes, and waiter
// slots. biscuit builds these on a forked Go runtime's own scheduler
// primitives (runtime.Gptr/IRQwake/Condflush), which a stock-runtime
// binary cannot reach, so gokern implements the same FIFO-fair,
// wake-before-park-safe semantics directly on sync.Mutex/sync.Cond, the way
// biscuit's own non-runtime-internal packages (circbuf, accnt) guard their
// state with a plain sync.Mutex.
package ksync

import (
	"sync"

	"gokern/defs"
)

// Spinlock_t guards short critical sections. Kernel code is
// non-preemptible while a spinlock is held; in this model there is no
// real interrupt-disable to perform, so the lock itself is the only
// enforcement; callers still follow the convention of not blocking while
// holding one.
type Spinlock_t struct {
	mu sync.Mutex
}

func (l *Spinlock_t) Lock()   { l.mu.Lock() }
func (l *Spinlock_t) Unlock() { l.mu.Unlock() }

// TryLock attempts to acquire the lock without blocking.
func (l *Spinlock_t) TryLock() bool { return l.mu.TryLock() }

// Semaphore is a counting semaphore with a FIFO waiter queue: Wait
// decrements or blocks the caller in arrival order, Post increments and
// wakes the head waiter if any.
type Semaphore struct {
	mu    sync.Mutex
	count int
	fifo  []chan struct{}
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

// Wait decrements the semaphore, blocking the caller if it is already zero.
func (s *Semaphore) Wait() {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.fifo = append(s.fifo, ch)
	s.mu.Unlock()
	<-ch
}

// TryWait decrements the semaphore only if it would not block.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
		return true
	}
	return false
}

// Post increments the semaphore, waking the longest-waiting blocked caller
// if any (FIFO order).
func (s *Semaphore) Post() {
	s.mu.Lock()
	if len(s.fifo) > 0 {
		ch := s.fifo[0]
		s.fifo = s.fifo[1:]
		s.mu.Unlock()
		close(ch)
		return
	}
	s.count++
	s.mu.Unlock()
}

// Mutex_t is a binary semaphore with the owning task recorded for
// debugging only.
type Mutex_t struct {
	sem   *Semaphore
	mu    sync.Mutex
	owner defs.Tid_t
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex_t {
	return &Mutex_t{sem: NewSemaphore(1)}
}

// Lock acquires the mutex, recording tid as the owner once held.
func (m *Mutex_t) Lock(tid defs.Tid_t) {
	m.sem.Wait()
	m.mu.Lock()
	m.owner = tid
	m.mu.Unlock()
}

// Unlock releases the mutex. tid is checked against the recorded owner only
// as a debugging aid; mismatches panic rather than silently corrupting
// state.
func (m *Mutex_t) Unlock(tid defs.Tid_t) {
	m.mu.Lock()
	if m.owner != tid {
		m.mu.Unlock()
		panic("mutex: unlock by non-owner")
	}
	m.owner = 0
	m.mu.Unlock()
	m.sem.Post()
}

// Owner returns the tid currently recorded as holding the mutex, or 0.
func (m *Mutex_t) Owner() defs.Tid_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// Mailbox is a fixed-capacity ring of opaque pointers, guarded by a
// spinlock plus two semaphores (notEmpty, notFull). Post blocks on a full
// mailbox; TryPost returns without blocking.
type Mailbox struct {
	lock              Spinlock_t
	buf               []interface{}
	head, tail, count int
	notEmpty, notFull *Semaphore
}

// NewMailbox creates a mailbox with the given fixed capacity.
func NewMailbox(capacity int) *Mailbox {
	return &Mailbox{
		buf:      make([]interface{}, capacity),
		notEmpty: NewSemaphore(0),
		notFull:  NewSemaphore(capacity),
	}
}

func (mb *Mailbox) push(v interface{}) {
	mb.lock.Lock()
	mb.buf[mb.tail] = v
	mb.tail = (mb.tail + 1) % len(mb.buf)
	mb.count++
	mb.lock.Unlock()
}

func (mb *Mailbox) pop() interface{} {
	mb.lock.Lock()
	v := mb.buf[mb.head]
	mb.buf[mb.head] = nil
	mb.head = (mb.head + 1) % len(mb.buf)
	mb.count--
	mb.lock.Unlock()
	return v
}

// Post enqueues v, blocking the caller if the mailbox is full.
func (mb *Mailbox) Post(v interface{}) {
	mb.notFull.Wait()
	mb.push(v)
	mb.notEmpty.Post()
}

// TryPost enqueues v without blocking, returning false if the mailbox is
// full.
func (mb *Mailbox) TryPost(v interface{}) bool {
	if !mb.notFull.TryWait() {
		return false
	}
	mb.push(v)
	mb.notEmpty.Post()
	return true
}

// Fetch dequeues the oldest posted value, blocking the caller if the
// mailbox is empty.
func (mb *Mailbox) Fetch() interface{} {
	mb.notEmpty.Wait()
	v := mb.pop()
	mb.notFull.Post()
	return v
}

// TryFetch dequeues without blocking, returning ok=false if empty.
func (mb *Mailbox) TryFetch() (interface{}, bool) {
	if !mb.notEmpty.TryWait() {
		return nil, false
	}
	v := mb.pop()
	mb.notFull.Post()
	return v, true
}

// WaiterSlot is a single-entry parking spot on a blockable resource: park
// writes the caller's id and blocks, wake reads, clears, and releases the
// parked task. Park blocks the calling goroutine directly, standing in
// for the run-queue transition a bare-metal build would perform instead.
//
// A wake that happens-before a park of the same waiter leaves the slot
// already cleared, so the park returns without blocking -- but only once
// a park for that tid is registered. A Wake with nobody parked is simply
// a no-op, matching the one-pending-waiter model used throughout the
// kernel (ARP resolution, socket rx/connect/accept).
type WaiterSlot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	waiter defs.Tid_t
}

// NewWaiterSlot returns an empty waiter slot.
func NewWaiterSlot() *WaiterSlot {
	s := &WaiterSlot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Occupied reports whether some task is currently parked here.
func (s *WaiterSlot) Occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiter != 0
}

// Mark records tid as the slot's waiter without blocking the caller. Used
// by schedulers that drive the actual suspension themselves (task state
// transition plus run-queue handoff) and only need this slot's bookkeeping.
func (s *WaiterSlot) Mark(tid defs.Tid_t) {
	s.mu.Lock()
	s.waiter = tid
	s.mu.Unlock()
}

// WaitParked blocks until the slot's waiter is no longer tid, i.e. until
// some Wake() call clears it. Pair with Mark for callers that need the
// setup and the wait to happen at different points (between the two, a
// scheduler can safely hand the CPU to another task).
func (s *WaiterSlot) WaitParked(tid defs.Tid_t) {
	s.mu.Lock()
	for s.waiter == tid {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Park records tid as the slot's waiter and blocks until Wake clears it --
// the combination of Mark and WaitParked, for standalone callers that have
// no scheduler handoff to perform in between.
func (s *WaiterSlot) Park(tid defs.Tid_t) {
	s.Mark(tid)
	s.WaitParked(tid)
}

// Clear deregisters the slot's waiter without waking anyone. Used by a
// would-be parker that registered itself with Mark and then found, under
// the resource's own lock, that the condition it was about to wait for
// already holds -- the park is abandoned and the slot must not be left
// pointing at a task that never blocked.
func (s *WaiterSlot) Clear() {
	s.mu.Lock()
	s.waiter = 0
	s.mu.Unlock()
}

// Wake clears the slot and releases its parked task, if any, returning the
// woken tid and true. If no task is parked, Wake is a no-op.
func (s *WaiterSlot) Wake() (defs.Tid_t, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter == 0 {
		return 0, false
	}
	w := s.waiter
	s.waiter = 0
	s.cond.Broadcast()
	return w, true
}
