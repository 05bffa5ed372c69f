// Package ksyslimit tracks system-wide resource limits, adapted from
// biscuit's limits.Syslimit_t. gokern has no boot-time probing of physical
// memory, so the defaults are simply sized for a hobbyist single-CPU
// simulation rather than derived from detected RAM.
package ksyslimit

import "sync/atomic"

// Limits_t bounds the size of every fixed-capacity table the kernel core
// owns. It is constructed once at boot and handed by reference to every
// subsystem's Init -- never read from the environment; initialization is
// explicit and sequenced at boot.
type Limits_t struct {
	MaxTasks       int // task table slots
	MaxSockets     int // socket table slots
	MaxArpEntries  int // ARP cache slots
	MaxVMAs        int // VMAs per address space
	TCPWindow      int // advertised TCP receive window, bytes
	RXRingBytes    int // per-socket RX ring capacity
	AcceptBacklog  int // default listen() backlog cap
	JournalMaxBlks int // max dirty metadata blocks per transaction

	// Sockets counts live sockets; enforced atomically against MaxSockets.
	sockets int32
}

// Default returns the limits used by gokern's own tests and cmd tools.
func Default() *Limits_t {
	return &Limits_t{
		MaxTasks:       256,
		MaxSockets:     128,
		MaxArpEntries:  64,
		MaxVMAs:        256,
		TCPWindow:      16 * 1024,
		RXRingBytes:    8 * 1024,
		AcceptBacklog:  16,
		JournalMaxBlks: 256,
	}
}

// SocketReserve reserves one socket slot, returning false if the system-wide
// socket limit has been reached.
func (l *Limits_t) SocketReserve() bool {
	for {
		cur := atomic.LoadInt32(&l.sockets)
		if int(cur) >= l.MaxSockets {
			return false
		}
		if atomic.CompareAndSwapInt32(&l.sockets, cur, cur+1) {
			return true
		}
	}
}

// SocketRelease gives back a socket slot reserved by SocketReserve.
func (l *Limits_t) SocketRelease() {
	atomic.AddInt32(&l.sockets, -1)
}

// SocketsInUse reports how many socket slots are currently reserved, for
// the stat gauges (kstat.Counters.Sockets).
func (l *Limits_t) SocketsInUse() int {
	return int(atomic.LoadInt32(&l.sockets))
}
