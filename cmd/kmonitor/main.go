// Program kmonitor is a host-side interactive front end onto one running
// gokern machine: it boots the scheduler, address-space, network stack
// and syscall table, then drives a raw-mode terminal REPL (term.MakeRaw +
// term.NewTerminal line-editing over the real controlling terminal) for
// inspecting and exercising this kernel's own subsystems.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"gokern/defs"
	"gokern/inet"
	"gokern/kaccnt"
	"gokern/kfd"
	"gokern/ksys"
	"gokern/ksyslimit"
	"gokern/mem"
	"gokern/proc"
	"gokern/trap"
	"gokern/vm"
)

type quietDriver struct{ mac inet.MAC }

func (d quietDriver) Send([]byte) defs.Err_t { return 0 }
func (d quietDriver) MACAddress() inet.MAC   { return d.mac }

// machine bundles everything one kmonitor session drives.
type machine struct {
	phys   *mem.Physmem_t
	kroot  mem.Pa_t
	limits *ksyslimit.Limits_t
	sched  *proc.Scheduler
	stack  *inet.Stack
	kernel *ksys.Kernel
	disp   *trap.Dispatcher
	fds    *kfd.Table_t
}

func newMachine(frames int) *machine {
	phys := mem.NewPhysmem(frames)
	kroot, err := vm.NewRoot(phys)
	if err != 0 {
		panic(fmt.Sprintf("newMachine: NewRoot: %v", err))
	}
	limits := ksyslimit.Default()
	sched := proc.NewScheduler(phys, kroot, limits, 5)
	stack := inet.NewStack(quietDriver{mac: inet.MAC{2, 0, 0, 0, 0, 1}},
		inet.IPv4{10, 0, 0, 1}, inet.IPv4{255, 255, 255, 0}, inet.IPv4{10, 0, 0, 1}, limits, nil)
	kernel := ksys.NewKernel(sched, stack, limits)
	disp := trap.NewDispatcher(sched, func(int) {})
	kernel.Register(disp)
	// The ~100 Hz timer tick: wakes sleepers and advances the virtual
	// clock while the REPL is idle.
	go func() {
		for range time.Tick(10 * time.Millisecond) {
			sched.Tick()
		}
	}()
	return &machine{
		phys: phys, kroot: kroot, limits: limits,
		sched: sched, stack: stack, kernel: kernel, disp: disp,
		fds: kfd.NewTable(32),
	}
}

func (m *machine) newAddrSpace() *vm.AddrSpace {
	as, err := vm.NewUserAddrSpace(m.phys, m.kroot, m.limits.MaxVMAs)
	if err != 0 {
		panic(fmt.Sprintf("newAddrSpace: %v", err))
	}
	return as
}

func main() {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		runHeadless(newMachine(4096))
		return
	}

	fd := int(os.Stdin.Fd())
	saved, rerr := term.MakeRaw(fd)
	if rerr != nil {
		fmt.Fprintln(os.Stderr, "kmonitor:", rerr)
		os.Exit(1)
	}
	defer term.Restore(fd, saved)

	repl := term.NewTerminal(os.Stdin, "gokern> ")
	m := newMachine(4096)
	for {
		line, err := repl.ReadLine()
		if err != nil {
			return
		}
		if !dispatch(repl, m, line) {
			return
		}
	}
}

// runHeadless drives the same command loop over plain stdin/stdout, for
// sessions without a controlling terminal (CI, pipes).
func runHeadless(m *machine) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			for _, line := range strings.Split(string(buf[:n]), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if !dispatchPlain(m, line) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func dispatch(out *term.Terminal, m *machine, line string) bool {
	reply := runCommand(m, line)
	if reply != "" {
		fmt.Fprintln(out, reply)
	}
	return line != "quit" && line != "exit"
}

func dispatchPlain(m *machine, line string) bool {
	reply := runCommand(m, line)
	if reply != "" {
		fmt.Println(reply)
	}
	return line != "quit" && line != "exit"
}

// runCommand implements the REPL's small verb set: help, stat, prof, ps,
// spawn, tick, kill, mem, sock, and quit/exit. Each verb exercises a real subsystem rather than
// printing canned output.
func runCommand(m *machine, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "help":
		return "commands: ps | spawn <name> | tick <n> | kill <tid> <sig> | mem | sock | stat | prof [file] | quit"
	case "stat":
		return statReport(m)
	case "prof":
		out := "gokern.pprof"
		if len(fields) > 1 {
			out = fields[1]
		}
		return profReport(m, out)
	case "ps":
		return psReport(m)
	case "spawn":
		if len(fields) < 2 {
			return "usage: spawn <name>"
		}
		return spawnTask(m, fields[1])
	case "tick":
		if len(fields) < 2 {
			return "usage: tick <n>"
		}
		return advanceClock(m, fields[1])
	case "kill":
		if len(fields) < 3 {
			return "usage: kill <tid> <sig>"
		}
		return killTask(m, fields[1], fields[2])
	case "mem":
		return memReport(m)
	case "sock":
		return sockDemo(m)
	case "quit", "exit":
		return "bye"
	default:
		return "unknown command (try: help)"
	}
}

func psReport(m *machine) string {
	var b strings.Builder
	b.WriteString("tid  state\n")
	for _, task := range m.sched.Tasks() {
		fmt.Fprintf(&b, "%-4d %s\n", task.Id, task.GetState())
	}
	return strings.TrimRight(b.String(), "\n")
}

func spawnTask(m *machine, name string) string {
	as := m.newAddrSpace()
	as.Ref()
	task, err := m.sched.Create(name, defs.Pid_t(len(name)), 0, as, m.fds, func(self *proc.Task) {
		m.sched.Sleep(self, 1)
	})
	if err != 0 {
		return fmt.Sprintf("spawn failed: %v", err)
	}
	return fmt.Sprintf("spawned tid %d", task.Id)
}

// advanceClock drives n extra timer ticks by hand, on top of the
// background 100 Hz ticker -- handy headless, where wall-clock pacing is
// just a wait.
func advanceClock(m *machine, nArg string) string {
	n, err := strconv.Atoi(nArg)
	if err != nil || n < 0 {
		return "bad tick count"
	}
	for i := 0; i < n; i++ {
		m.sched.Tick()
	}
	return fmt.Sprintf("ticks now %d", m.sched.Ticks())
}

func killTask(m *machine, tidArg, sigArg string) string {
	tid, err := strconv.Atoi(tidArg)
	if err != nil {
		return "bad tid"
	}
	sig, err := strconv.Atoi(sigArg)
	if err != nil {
		return "bad signal"
	}
	task, ok := m.sched.Lookup(defs.Tid_t(tid))
	if !ok {
		return "no such task"
	}
	if err := m.sched.SignalSend(task, defs.Signal_t(sig)); err != 0 {
		return fmt.Sprintf("kill failed: %v", err)
	}
	return "ok"
}

func statReport(m *machine) string {
	st := m.disp.Stats
	st.Ticks.Add(int64(m.sched.Ticks()) - st.Ticks.Get())
	st.Tasks.Add(int64(m.sched.TaskCount()) - st.Tasks.Get())
	st.Sockets.Add(int64(m.limits.SocketsInUse()) - st.Sockets.Get())
	return strings.TrimRight(st.Dump(), "\n")
}

// profReport serializes every live task's CPU accounting into a pprof
// profile at path, openable with `go tool pprof`.
func profReport(m *machine, path string) string {
	var samples []kaccnt.Sample
	for _, task := range m.sched.Tasks() {
		samples = append(samples, kaccnt.Sample{Tid: task.Id, Name: task.Name, Acc: task.Accnt})
	}
	p, err := kaccnt.WriteProfile(samples)
	if err != 0 {
		return "no tasks to profile"
	}
	f, ferr := os.Create(path)
	if ferr != nil {
		return fmt.Sprintf("prof failed: %v", ferr)
	}
	defer f.Close()
	if werr := p.Write(f); werr != nil {
		return fmt.Sprintf("prof failed: %v", werr)
	}
	return fmt.Sprintf("wrote %s (%d tasks)", path, len(samples))
}

func memReport(m *machine) string {
	total := m.phys.TotalFrames()
	free := m.phys.FreeFrames()
	return fmt.Sprintf("frames: %d/%d free (%d used)", free, total, total-free)
}

func sockDemo(m *machine) string {
	sock, err := m.stack.Create(inet.SockStream)
	if err != 0 {
		return fmt.Sprintf("create failed: %v", err)
	}
	if err := sock.Bind(inet.IPv4{10, 0, 0, 1}, 9000); err != 0 {
		return fmt.Sprintf("bind failed: %v", err)
	}
	if err := sock.Listen(4); err != 0 {
		return fmt.Sprintf("listen failed: %v", err)
	}
	return "listening on 10.0.0.1:9000"
}
