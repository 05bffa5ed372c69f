// Package kpanic implements the kernel's fatal-inconsistency path: a
// kernel-mode panic or unrecoverable exception dumps the saved frame, the
// kernel log ring, and (when instruction bytes are available) a
// disassembly around the faulting instruction, then halts.
//
// Modeled on biscuit's caller.Callerdump, which walks
// runtime.Caller/runtime.Callers to print an ancestor chain in lieu of a
// real register-frame unwind -- gokern has no real CPU state to unwind
// either, so Dump uses the same runtime.Callers idiom for the "where were
// we" portion of the report, and adds the klog ring dump and an x86
// disassembly of the bytes around the faulting rip.
package kpanic

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"gokern/klog"
	"gokern/proc"
)

// Report is the fully formatted fatal-inconsistency dump.
type Report struct {
	Reason    string
	GoCallers string
	LogRing   string
	Disasm    string
	Frame     *proc.Frame
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "KERNEL PANIC: %s\n", r.Reason)
	if r.Frame != nil {
		fmt.Fprintf(&b, "saved frame: rip=%#x note=%q\n", r.Frame.Rip, r.Frame.Note)
	}
	if r.Disasm != "" {
		fmt.Fprintf(&b, "disassembly at rip:\n%s\n", r.Disasm)
	}
	fmt.Fprintf(&b, "Go call chain:\n%s\n", r.GoCallers)
	fmt.Fprintf(&b, "log ring:\n%s\n", r.LogRing)
	return b.String()
}

// DisasmAt disassembles up to maxInsns x86-64 instructions starting at the
// beginning of code, returning a formatted listing. Used when the saved
// frame's instruction bytes were captured (e.g. by a page-fault handler
// that snapshotted the faulting page) -- if code is empty, returns "".
func DisasmAt(code []byte, rip uintptr, maxInsns int) string {
	if len(code) == 0 {
		return ""
	}
	var b strings.Builder
	off := 0
	for i := 0; i < maxInsns && off < len(code); i++ {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			fmt.Fprintf(&b, "  %#x: <bad instruction: %v>\n", rip+uintptr(off), err)
			break
		}
		fmt.Fprintf(&b, "  %#x: %s\n", rip+uintptr(off), x86asm.GNUSyntax(inst, uint64(rip+uintptr(off)), nil))
		off += inst.Len
	}
	return b.String()
}

// Dump builds a fatal-inconsistency Report. It is meant to be called from
// a recover() at the top of the trap dispatcher: internal invariant
// violations panic, and the dispatcher is the one place that converts
// them into this report instead of letting them unwind further.
func Dump(reason string, frame *proc.Frame, code []byte, ring *klog.Ring) *Report {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		fr, more := frames.Next()
		fmt.Fprintf(&b, "%s (%s:%d)\n", fr.Function, fr.File, fr.Line)
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}

	var rip uintptr
	if frame != nil {
		rip = frame.Rip
	}

	r := &Report{
		Reason:    reason,
		GoCallers: b.String(),
		Disasm:    DisasmAt(code, rip, 8),
		Frame:     frame,
	}
	if ring != nil {
		r.LogRing = ring.Dump()
	}
	return r
}

// Fatal is the entry point a recovered panic calls: it builds and logs a
// Report, then halts the simulation by blocking forever, standing in for
// a bare-metal `for {}` after a triple-fault-avoiding panic screen.
func Fatal(reason string, frame *proc.Frame, code []byte) {
	r := Dump(reason, frame, code, klog.Default)
	klog.Default.Printf("%s", r.String())
	select {}
}
