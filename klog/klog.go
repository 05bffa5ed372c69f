// Package klog is the kernel's in-memory log ring, in the spirit of
// biscuit's boot console and bprof_t debug-dump conventions: a
// fixed-capacity buffer that every subsystem writes formatted lines into,
// dumped verbatim by the fatal panic path.
package klog

import (
	"fmt"
	"sync"

	"gokern/circbuf"
)

// Ring is a line-oriented wrapper around a circbuf.Circbuf_t. Lines longer
// than the ring keep only their last Cap() bytes, and Printf discards the
// oldest buffered bytes to make room for a new line (a bare circbuf write
// would instead drop the new bytes once full) -- this is a debug log, not
// a durable store.
type Ring struct {
	mu  sync.Mutex
	buf *circbuf.Circbuf_t
}

// NewRing allocates a log ring of the given byte capacity.
func NewRing(capBytes int) *Ring {
	return &Ring{buf: circbuf.New(capBytes)}
}

// Printf formats and appends a line to the ring, evicting the oldest bytes
// if the ring is full, mirroring a real boot console's "scroll" behavior.
func (r *Ring) Printf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := []byte(line)
	if len(b) > r.buf.Cap() {
		b = b[len(b)-r.buf.Cap():]
	}
	for r.buf.Left() < len(b) {
		var discard [64]uint8
		n := r.buf.Read(discard[:])
		if n == 0 {
			break
		}
	}
	r.buf.Write(b)
}

// Dump returns the entire ring's contents as a string, used by the fatal
// panic path to print the kernel log alongside the register frame.
func (r *Ring) Dump() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.buf.Used())
	r.buf.Peek(out)
	return string(out)
}

// Default is the single kernel-wide log ring. kpanic.Fatal and
// trap.Dispatcher.Guard write their fatal reports to it directly, and
// tests and small cmd tools can reach for it without constructing their
// own boot sequence.
var Default = NewRing(64 * 1024)
