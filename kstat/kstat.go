// Package kstat accumulates kernel-wide counters (tick count, per-vector
// IRQ counts, task/socket table occupancy), adapted from biscuit's
// stats.Counter_t and stats.Stats2String. biscuit's counters are compiled
// out entirely unless a `Stats`/`Timing` build constant is true and
// otherwise print with bare strconv formatting; gokern's counters are
// always live (a host-side model has no boot-image code-size budget) and
// Dump formats them with golang.org/x/text/message so large counts group
// thousands the way a debug console's human-facing dump should.
package kstat

import (
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Counter_t is a statistical counter, incremented with atomic adds.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Add adds delta to the counter.
func (c *Counter_t) Add(delta int64) { atomic.AddInt64((*int64)(c), delta) }

// Get reads the counter's current value.
func (c *Counter_t) Get() int64 { return atomic.LoadInt64((*int64)(c)) }

// Counters is the kernel-wide stat block: one tick counter, one counter
// per interrupt vector, and occupancy gauges for the task and socket
// tables.
type Counters struct {
	Ticks   Counter_t
	Irqs    [256]Counter_t
	Tasks   Counter_t // live task table slots
	Sockets Counter_t // live socket table slots
}

// IRQ increments the counter for vector. Out-of-range vectors are
// ignored rather than panicking -- a bad vector number in an interrupt
// path must not take the machine down over bookkeeping.
func (c *Counters) IRQ(vector int) {
	if vector >= 0 && vector < len(c.Irqs) {
		c.Irqs[vector].Inc()
	}
}

// Dump formats the counters as a human-readable report, grouped by
// thousands via x/text/message. The struct's shape is fixed, so a direct
// field list replaces biscuit's Stats2String reflection walk.
func (c *Counters) Dump() string {
	p := message.NewPrinter(language.English)
	var b strings.Builder
	b.WriteString(p.Sprintf("ticks: %d\n", c.Ticks.Get()))
	b.WriteString(p.Sprintf("tasks: %d\n", c.Tasks.Get()))
	b.WriteString(p.Sprintf("sockets: %d\n", c.Sockets.Get()))

	type vc struct {
		vec int
		n   int64
	}
	var active []vc
	for v := range c.Irqs {
		if n := c.Irqs[v].Get(); n != 0 {
			active = append(active, vc{v, n})
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].vec < active[j].vec })
	for _, e := range active {
		b.WriteString(p.Sprintf("irq[%d]: %d\n", e.vec, e.n))
	}
	return b.String()
}
