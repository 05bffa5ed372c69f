package proc

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"gokern/defs"
	"gokern/ksync"
	"gokern/util"
	"gokern/vm"
)

// Fork clones the address space under COW,
// clones the fd table, and creates the child Ready. childEntry receives
// the child's own *Task and must arrange for its first return value
// (whatever stands in for "the syscall return slot") to read zero, while
// the caller of Fork receives the child's Pid as parent's return value --
// exactly "child returns zero ... parent returns the child's id".
func (s *Scheduler) Fork(parent *Task, childEntry func(*Task)) (defs.Pid_t, defs.Err_t) {
	childAS, err := parent.AS.Fork(s.KernelRoot, s.Limits.MaxVMAs)
	if err != 0 {
		return 0, err
	}
	childFds, err := parent.Fds.CloneInto()
	if err != 0 {
		childAS.Destroy()
		return 0, err
	}

	s.mu.Lock()
	s.nextPid++
	childPid := s.nextPid
	s.mu.Unlock()

	child, err := s.Create(parent.Name, childPid, parent.Pid, childAS, childFds, childEntry)
	if err != 0 {
		childAS.Destroy()
		return 0, err
	}
	return child.Pid, s.registerChild(parent, child)
}

// CreateThread starts a new task sharing the creator's address space, fd
// table, and thread-group id.
func (s *Scheduler) CreateThread(creator *Task, entry func(*Task), clearTidAddr uintptr) (*Task, defs.Err_t) {
	creator.AS.Ref()
	t, err := s.Create(creator.Name, creator.Pid, creator.ParentId, creator.AS, creator.Fds, entry)
	if err != 0 {
		creator.AS.Unref()
		return nil, err
	}
	t.isThread = true
	if clearTidAddr != 0 {
		t.ClearTidAddr = clearTidAddr
		t.ClearTidSpace = creator.AS
	}
	return t, 0
}

// futexKey names one futex word: an address within one address space.
type futexKey struct {
	as   *vm.AddrSpace
	addr uintptr
}

func (s *Scheduler) futexSlot(as *vm.AddrSpace, addr uintptr) *ksync.WaiterSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.futexes == nil {
		s.futexes = make(map[futexKey]*ksync.WaiterSlot)
	}
	k := futexKey{as: as, addr: addr}
	slot, ok := s.futexes[k]
	if !ok {
		slot = ksync.NewWaiterSlot()
		s.futexes[k] = slot
	}
	return slot
}

// FutexWait blocks t until the 32-bit word at addr no longer holds val.
// After each FutexWake it returns EINTR if a signal is pending, and
// otherwise re-reads the word and parks again while it still holds val --
// the join half of create_thread's
// clear_tid_at_exit: a joiner waits on the tid word, and the
// exiting thread's zero-write-plus-notify releases it. The slot is marked
// before the word is re-read, so a wake racing the park is never lost.
func (s *Scheduler) FutexWait(t *Task, addr uintptr, val uint32) defs.Err_t {
	slot := s.futexSlot(t.AS, addr)
	var word [4]byte
	for {
		slot.Mark(t.Id)
		if err := t.AS.CopyIn(addr, word[:]); err != 0 {
			slot.Clear()
			return err
		}
		if binary.LittleEndian.Uint32(word[:]) != val {
			slot.Clear()
			return 0
		}
		t.lock()
		t.State = Blocked
		t.parkedOn = slot
		t.interruptible = true
		t.unlock()
		s.grantNext()
		slot.WaitParked(t.Id)
		t.lock()
		t.parkedOn = nil
		t.unlock()
		s.selfRejoin(t)
		if t.HasAnyPending() {
			return -defs.EINTR
		}
	}
}

// FutexWake releases the waiter parked on addr's futex word, if any.
func (s *Scheduler) FutexWake(as *vm.AddrSpace, addr uintptr) {
	s.futexSlot(as, addr).Wake()
}

func (s *Scheduler) registerChild(parent, child *Task) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.children == nil {
		s.children = make(map[defs.Pid_t][]*Task)
	}
	s.children[parent.Pid] = append(s.children[parent.Pid], child)
	return 0
}

// Wait implements wait(): block until any child of parent is Terminated,
// reap it, and return its pid and exit code.
func (s *Scheduler) Wait(parent *Task) (defs.Pid_t, int, defs.Err_t) {
	return s.Waitpid(parent, 0)
}

// Waitpid implements waitpid(pid): pid == 0 matches any child.
func (s *Scheduler) Waitpid(parent *Task, pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	for {
		s.mu.Lock()
		kids := s.children[parent.Pid]
		var match *Task
		var idx int
		for i, k := range kids {
			if pid != 0 && k.Pid != pid {
				continue
			}
			if k.GetState() == Terminated {
				match = k
				idx = i
				break
			}
		}
		if match == nil && len(kids) == 0 {
			s.mu.Unlock()
			return 0, 0, -defs.ECHILD
		}
		if match != nil {
			s.children[parent.Pid] = append(kids[:idx], kids[idx+1:]...)
			s.mu.Unlock()
			s.reap(match)
			return match.Pid, match.ExitCode, 0
		}
		ch := make(chan struct{})
		for _, k := range kids {
			k.lock()
			if k.State != Terminated {
				k.waiters = append(k.waiters, ch)
			}
			k.unlock()
		}
		s.mu.Unlock()
		s.ParkOnChan(parent, ch)
	}
}

// ParkOnChan blocks the calling task until ch is closed, using the same
// handoff discipline as ParkOn but for a plain channel rather than a
// ksync.WaiterSlot (wait/waitpid has no single-slot resource to park on,
// since a parent may have several children outstanding at once).
func (s *Scheduler) ParkOnChan(t *Task, ch chan struct{}) {
	t.lock()
	t.State = Blocked
	t.unlock()
	s.grantNext()
	<-ch
	s.selfRejoin(t)
}

func (s *Scheduler) reap(t *Task) {
	if t.AS.Unref() {
		t.AS.Destroy()
	}
	s.mu.Lock()
	delete(s.tasks, t.Id)
	s.mu.Unlock()
}

// ELF loading for Exec. debug/elf is the standard-library parser biscuit
// itself reaches for in its build tooling, so Exec follows that precedent
// rather than hand-rolling one.
const userStackTop = vm.USERMAX - vm.USERMIN

// execImage describes the loaded program: its entry point and the set of
// p_type == PT_LOAD segments to demand-page in as file-backed VMAs.
type execImage struct {
	entry    uintptr
	segments []elfSegment
}

type elfSegment struct {
	vaddr      uintptr
	memsz      uint64
	filesz     uint64
	data       []byte
	writable   bool
	executable bool
}

func loadELF(image io.ReaderAt) (*execImage, defs.Err_t) {
	f, err := elf.NewFile(image)
	if err != nil {
		return nil, -defs.EINVAL
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		return nil, -defs.EINVAL
	}
	img := &execImage{entry: uintptr(f.Entry)}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, rerr := prog.ReadAt(data, 0); rerr != nil && rerr != io.EOF {
			return nil, -defs.EIO
		}
		img.segments = append(img.segments, elfSegment{
			vaddr:      uintptr(prog.Vaddr),
			memsz:      prog.Memsz,
			filesz:     prog.Filesz,
			data:       data,
			writable:   prog.Flags&elf.PF_W != 0,
			executable: prog.Flags&elf.PF_X != 0,
		})
	}
	return img, 0
}

type segmentSource struct {
	seg elfSegment
}

func (ss *segmentSource) ReadPage(off int64) ([]byte, defs.Err_t) {
	buf := make([]byte, vmPGSIZE)
	off &^= vmPGSIZE - 1
	if uint64(off) < ss.seg.filesz {
		copy(buf, ss.seg.data[off:])
	}
	return buf, 0
}

const vmPGSIZE = 4096

// Exec implements exec(): tears down the caller's user VMAs, loads a fresh
// image into a brand-new address space, builds an initial stack with
// argv/envp, and mutates the caller's saved frame so the next return to
// user mode enters the new program.
func (s *Scheduler) Exec(t *Task, image io.ReaderAt, argv, envp []string) defs.Err_t {
	img, err := loadELF(image)
	if err != 0 {
		return err
	}

	newAS, err := vm.NewUserAddrSpace(s.Phys, s.KernelRoot, s.Limits.MaxVMAs)
	if err != 0 {
		return err
	}

	for _, seg := range img.segments {
		v := &vm.VMA{
			Start:   seg.vaddr &^ (vm.USERMIN - 1),
			End:     roundUpPage(seg.vaddr + uintptr(seg.memsz)),
			Read:    true,
			Write:   seg.writable,
			Exec:    seg.executable,
			Backing: vm.BackFile,
			Source:  &segmentSource{seg: seg},
		}
		if ierr := newAS.Regions.Insert(v); ierr != 0 {
			newAS.Destroy()
			return ierr
		}
	}

	stackEnd := userStackTop
	stackStart := stackEnd - 64*vmPGSIZE
	if ierr := newAS.Regions.Insert(&vm.VMA{Start: stackStart, End: stackEnd, Read: true, Write: true, Backing: vm.BackStack}); ierr != 0 {
		newAS.Destroy()
		return ierr
	}

	sp := stackEnd - 4096
	if cerr := buildInitialStack(newAS, sp, argv, envp); cerr != 0 {
		newAS.Destroy()
		return cerr
	}

	if t.AS.Unref() {
		t.AS.Destroy()
	}
	t.AS = newAS
	t.Frame = &Frame{Rip: img.entry, Note: "exec entry"}
	return 0
}

func roundUpPage(v uintptr) uintptr {
	return util.Roundup(v, uintptr(vmPGSIZE))
}

// buildInitialStack writes argc/argv/envp onto the new stack the way a
// freshly exec'd process expects to find them, encoded as a flat blob of
// NUL-terminated strings followed by their pointers -- enough structure
// for a user-mode _start to walk, without modeling auxv.
func buildInitialStack(as *vm.AddrSpace, sp uintptr, argv, envp []string) defs.Err_t {
	all := append(append([]string{}, argv...), envp...)
	var blob []byte
	offsets := make([]int, len(all))
	for i, a := range all {
		offsets[i] = len(blob)
		blob = append(blob, a...)
		blob = append(blob, 0)
	}
	base := sp - uintptr(len(blob))
	base &^= 0xf
	if cerr := as.CopyOut(base, blob); cerr != 0 {
		return cerr
	}

	hdr := make([]byte, 8*(2+len(all)+1))
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(len(argv)))
	for i, off := range offsets {
		binary.LittleEndian.PutUint64(hdr[8+8*i:16+8*i], uint64(base)+uint64(off))
	}
	hdrBase := base - uintptr(len(hdr))
	hdrBase &^= 0xf
	return as.CopyOut(hdrBase, hdr)
}
