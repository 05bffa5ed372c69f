package kfd

import (
	"os"
	"testing"
)

// TestNewConsoleRequiresTTY exercises the non-terminal path: test runners
// rarely attach a real controlling terminal to stdin, so NewConsole should
// reliably report that here rather than block or panic.
func TestNewConsoleRequiresTTY(t *testing.T) {
	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Skipf("no /dev/null to test against: %v", err)
	}
	defer f.Close()

	_, kerr := NewConsole(f, os.Stdout)
	if kerr == 0 {
		t.Fatalf("NewConsole(%s) succeeded, want a not-a-tty error", os.DevNull)
	}
}
