package kstat

import (
	"strings"
	"testing"
)

func TestCounterIncAdd(t *testing.T) {
	var c Counter_t
	c.Inc()
	c.Add(41)
	if got := c.Get(); got != 42 {
		t.Fatalf("Get() = %d, want 42", got)
	}
}

func TestIRQBounds(t *testing.T) {
	var c Counters
	c.IRQ(32)
	c.IRQ(-1)
	c.IRQ(9999)
	if got := c.Irqs[32].Get(); got != 1 {
		t.Fatalf("Irqs[32] = %d, want 1", got)
	}
}

func TestDumpFormatsAndGroupsThousands(t *testing.T) {
	var c Counters
	c.Ticks.Add(1234567)
	c.Tasks.Add(3)
	c.IRQ(32)
	c.IRQ(14)
	out := c.Dump()
	if !strings.Contains(out, "1,234,567") {
		t.Fatalf("Dump() = %q, want grouped tick count", out)
	}
	if !strings.Contains(out, "irq[14]: 1") || !strings.Contains(out, "irq[32]: 1") {
		t.Fatalf("Dump() = %q, want both irq lines in vector order", out)
	}
	if strings.Index(out, "irq[14]") > strings.Index(out, "irq[32]") {
		t.Fatalf("Dump() = %q, want irq lines sorted by vector", out)
	}
}
