// Package testtarget provides an in-memory reference implementation of
// gdbstub.Target: a fixed register file, a byte-addressable memory array and
// a trivial single-thread, single-breakpoint execution model. It backs both
// the demo CLI and the gdbstub test suite, playing the role the reference
// codebase's dbg.ProgramDebugInfo/PCMap combination played for the teacher's
// pseudo-PC debugger, adapted into a real gdbstub.Target.
package testtarget

import (
	"sync"

	"github.com/sysprogs/gdbstub/internal/gdbstub"
)

// registerCount and registerSize model a small 32-bit, 8-register
// architecture: enough to exercise every register-related RSP command
// without needing a real instruction set.
const (
	registerCount = 8
	registerSize  = 4
	pcIndex       = 7

	memorySize = 1 << 16

	threadID = 1
)

// Target is a deterministic, in-process debuggee: "executing" an
// instruction always advances the program counter by one word and either
// continues to the next breakpoint (ResumeAndWait) or stops after a single
// step (Step). It exists to give the dispatcher and server something real
// to drive in tests and in the demo CLI, not to model any actual
// instruction set.
type Target struct {
	mu sync.Mutex

	regs   [registerCount]uint32
	memory [memorySize]byte

	breakpoints map[uint64]struct{}

	lastStop gdbstub.StopRecord

	breakRequested bool

	flash *flashProgrammer
}

// New creates a Target with zeroed registers and memory.
func New() *Target {
	t := &Target{
		breakpoints: make(map[uint64]struct{}),
	}

	t.flash = newFlashProgrammer()

	t.lastStop = gdbstub.StopRecord{
		Reason:       gdbstub.StopSignalReceived,
		ThreadID:     threadID,
		SignalNumber: 5,
	}

	return t
}

// WriteMemory seeds the debuggee's memory image, e.g. to load a program
// image before a session starts.
func (t *Target) WriteMemory(addr uint64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	copy(t.memory[addr:], data)
}

// SetMemoryRegions replaces the table served by qXfer:memory-map, without
// disturbing any in-flight session (§11.2 config hot-reload). The FLASH
// programmer's Erase/Write/Commit do not consult this table.
func (t *Target) SetMemoryRegions(regions []gdbstub.MemoryRegion) {
	t.flash.setMemoryRegions(regions)
}

func (t *Target) RegisterList() gdbstub.PlatformRegisterList {
	list := make(gdbstub.PlatformRegisterList, registerCount)

	for i := 0; i < registerCount; i++ {
		name := "r" + string(rune('0'+i))
		if i == pcIndex {
			name = "pc"
		}

		list[i] = gdbstub.PlatformRegister{Name: name, Index: i, SizeBits: registerSize * 8}
	}

	return list
}

func (t *Target) LastStopRecord() (gdbstub.StopRecord, gdbstub.GDBStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastStop, gdbstub.StatusSuccess
}

func (t *Target) DynamicLibraries() ([]gdbstub.DynamicLibraryRecord, gdbstub.GDBStatus) {
	return []gdbstub.DynamicLibraryRecord{
		{FullPath: "/demo/firmware.elf", LoadAddress: 0},
	}, gdbstub.StatusSuccess
}

func (t *Target) ThreadList() ([]gdbstub.ThreadRecord, gdbstub.GDBStatus) {
	return []gdbstub.ThreadRecord{
		{ThreadID: threadID, Name: "main"},
	}, gdbstub.StatusSuccess
}

func (t *Target) FlashProgrammer() gdbstub.FlashProgrammer {
	return t.flash
}

// ResumeAndWait runs until the program counter lands on an installed
// breakpoint (simulated by advancing the PC one word at a time, up to a
// bound, so a test never actually blocks forever on a target with no
// breakpoints set).
func (t *Target) ResumeAndWait(threadID int) gdbstub.GDBStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.breakRequested {
		t.breakRequested = false
		t.lastStop = gdbstub.StopRecord{Reason: gdbstub.StopSignalReceived, ThreadID: threadID, SignalNumber: 2}

		return gdbstub.StatusSuccess
	}

	const maxSteps = 1 << 20

	for i := 0; i < maxSteps; i++ {
		t.regs[pcIndex] += uint32(registerSize)

		if _, hit := t.breakpoints[uint64(t.regs[pcIndex])]; hit {
			break
		}
	}

	t.lastStop = gdbstub.StopRecord{Reason: gdbstub.StopSignalReceived, ThreadID: threadID, SignalNumber: 5}

	return gdbstub.StatusSuccess
}

func (t *Target) Step(threadID int) gdbstub.GDBStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.regs[pcIndex] += uint32(registerSize)
	t.lastStop = gdbstub.StopRecord{Reason: gdbstub.StopSignalReceived, ThreadID: threadID, SignalNumber: 5}

	return gdbstub.StatusSuccess
}

func (t *Target) SendBreakInRequestAsync() {
	t.mu.Lock()
	t.breakRequested = true
	t.mu.Unlock()
}

func (t *Target) Terminate() gdbstub.GDBStatus {
	t.mu.Lock()
	t.lastStop = gdbstub.StopRecord{Reason: gdbstub.StopProcessExited, ExitCode: 0}
	t.mu.Unlock()

	return gdbstub.StatusSuccess
}

func (t *Target) CloseSessionSafely() gdbstub.GDBStatus { return gdbstub.StatusSuccess }

// SetThreadModeForNextCont is a no-op: this Target has a single thread, so
// per-thread continuation modes never need a restore.
func (t *Target) SetThreadModeForNextCont(threadID int, mode gdbstub.ContinuationMode, cookie int64) (bool, int64, gdbstub.GDBStatus) {
	return false, 0, gdbstub.StatusSuccess
}

func (t *Target) ReadFrameRelatedRegisters(threadID int, regs []gdbstub.RegisterValue) gdbstub.GDBStatus {
	return t.ReadTargetRegisters(threadID, regs)
}

func (t *Target) ReadTargetRegisters(threadID int, regs []gdbstub.RegisterValue) gdbstub.GDBStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range regs {
		if i >= registerCount {
			regs[i].Valid = false
			continue
		}

		regs[i].SizeInBytes = registerSize
		regs[i].Valid = true
		putLE32(regs[i].Bytes[:registerSize], t.regs[i])
	}

	return gdbstub.StatusSuccess
}

func (t *Target) WriteTargetRegisters(threadID int, regs []gdbstub.RegisterValue) gdbstub.GDBStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, v := range regs {
		if i >= registerCount || !v.Valid {
			continue
		}

		t.regs[i] = getLE32(v.Bytes[:registerSize])
	}

	return gdbstub.StatusSuccess
}

func (t *Target) ReadTargetMemory(addr uint64, buf []byte) (int, gdbstub.GDBStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if addr >= memorySize {
		return 0, gdbstub.StatusUnknownError
	}

	n := copy(buf, t.memory[addr:])

	return n, gdbstub.StatusSuccess
}

func (t *Target) WriteTargetMemory(addr uint64, data []byte) gdbstub.GDBStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	if addr+uint64(len(data)) > memorySize {
		return gdbstub.StatusUnknownError
	}

	copy(t.memory[addr:], data)

	return gdbstub.StatusSuccess
}

func (t *Target) CreateBreakpoint(kind gdbstub.BreakpointKind, addr uint64, breakpointKind int) (int64, gdbstub.GDBStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.breakpoints[addr] = struct{}{}

	return int64(addr), gdbstub.StatusSuccess
}

func (t *Target) RemoveBreakpoint(kind gdbstub.BreakpointKind, addr uint64, cookie int64) gdbstub.GDBStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.breakpoints, addr)

	return gdbstub.StatusSuccess
}

func (t *Target) ExecuteRemoteCommand(cmd []byte) ([]byte, gdbstub.GDBStatus) {
	return []byte("ok: " + string(cmd)), gdbstub.StatusSuccess
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
