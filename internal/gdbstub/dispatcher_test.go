package gdbstub

import "testing"

// fakeTarget is a hand-rolled, minimal Target double for dispatcher-level
// unit tests; it exists alongside testtarget.Target (used for full
// server/integration tests) so these tests stay independent of that
// package's simulated execution model.
type fakeTarget struct {
	regs  []uint32
	mem   map[uint64]byte
	stop  StopRecord
	libs  []DynamicLibraryRecord
	thrds []ThreadRecord

	lastWrittenRegs []RegisterValue
	resumeCalls     int
	stepCalls       int
	breakpoints     map[uint64]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		regs:        []uint32{0, 0, 0, 0},
		mem:         make(map[uint64]byte),
		stop:        StopRecord{Reason: StopSignalReceived, SignalNumber: 5, ThreadID: 1},
		thrds:       []ThreadRecord{{ThreadID: 1, Name: "main"}},
		breakpoints: make(map[uint64]bool),
	}
}

func (f *fakeTarget) RegisterList() PlatformRegisterList {
	list := make(PlatformRegisterList, len(f.regs))
	for i := range list {
		list[i] = PlatformRegister{Name: "r", Index: i, SizeBits: 32}
	}

	return list
}

func (f *fakeTarget) LastStopRecord() (StopRecord, GDBStatus) { return f.stop, StatusSuccess }

func (f *fakeTarget) DynamicLibraries() ([]DynamicLibraryRecord, GDBStatus) {
	return f.libs, StatusSuccess
}

func (f *fakeTarget) ThreadList() ([]ThreadRecord, GDBStatus) { return f.thrds, StatusSuccess }

func (f *fakeTarget) FlashProgrammer() FlashProgrammer { return nil }

func (f *fakeTarget) ResumeAndWait(threadID int) GDBStatus {
	f.resumeCalls++

	return StatusSuccess
}

func (f *fakeTarget) Step(threadID int) GDBStatus {
	f.stepCalls++

	return StatusSuccess
}

func (f *fakeTarget) SendBreakInRequestAsync() {}
func (f *fakeTarget) Terminate() GDBStatus     { return StatusSuccess }
func (f *fakeTarget) CloseSessionSafely() GDBStatus { return StatusSuccess }

func (f *fakeTarget) SetThreadModeForNextCont(threadID int, mode ContinuationMode, cookie int64) (bool, int64, GDBStatus) {
	return false, 0, StatusSuccess
}

func (f *fakeTarget) ReadFrameRelatedRegisters(threadID int, regs []RegisterValue) GDBStatus {
	return f.ReadTargetRegisters(threadID, regs)
}

func (f *fakeTarget) ReadTargetRegisters(threadID int, regs []RegisterValue) GDBStatus {
	for i := range regs {
		if i >= len(f.regs) {
			regs[i].Valid = false
			continue
		}

		regs[i].Valid = true
		regs[i].SizeInBytes = 4
		v := f.regs[i]
		regs[i].Bytes[0] = byte(v)
		regs[i].Bytes[1] = byte(v >> 8)
		regs[i].Bytes[2] = byte(v >> 16)
		regs[i].Bytes[3] = byte(v >> 24)
	}

	return StatusSuccess
}

func (f *fakeTarget) WriteTargetRegisters(threadID int, regs []RegisterValue) GDBStatus {
	f.lastWrittenRegs = regs

	for i, v := range regs {
		if !v.Valid || i >= len(f.regs) {
			continue
		}

		f.regs[i] = uint32(v.Bytes[0]) | uint32(v.Bytes[1])<<8 | uint32(v.Bytes[2])<<16 | uint32(v.Bytes[3])<<24
	}

	return StatusSuccess
}

func (f *fakeTarget) ReadTargetMemory(addr uint64, buf []byte) (int, GDBStatus) {
	for i := range buf {
		buf[i] = f.mem[addr+uint64(i)]
	}

	return len(buf), StatusSuccess
}

func (f *fakeTarget) WriteTargetMemory(addr uint64, data []byte) GDBStatus {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}

	return StatusSuccess
}

func (f *fakeTarget) CreateBreakpoint(kind BreakpointKind, addr uint64, breakpointKind int) (int64, GDBStatus) {
	f.breakpoints[addr] = true

	return int64(addr), StatusSuccess
}

func (f *fakeTarget) RemoveBreakpoint(kind BreakpointKind, addr uint64, cookie int64) GDBStatus {
	delete(f.breakpoints, addr)

	return StatusSuccess
}

func (f *fakeTarget) ExecuteRemoteCommand(cmd []byte) ([]byte, GDBStatus) {
	return append([]byte("echo:"), cmd...), StatusSuccess
}

func TestDispatcherQSupportedAdvertisesNoAckMode(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	const want = "PacketSize=1000;QStartNoAckMode+;qXfer:libraries:read+;qXfer:memory-map:read+;qXfer:threads:read+"

	reply := d.HandleRequest([]byte("qSupported:multiprocess+"))
	if reply != want {
		t.Fatalf("got %q want %q", reply, want)
	}
}

func TestDispatcherReadWriteMemoryRoundTrip(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	if reply := d.HandleRequest([]byte("M1000,4:deadbeef")); reply != "OK" {
		t.Fatalf("write failed: %s", reply)
	}

	reply := d.HandleRequest([]byte("m1000,4"))
	if reply != "deadbeef" {
		t.Fatalf("got %q want %q", reply, "deadbeef")
	}
}

func TestDispatcherXZeroLengthIsProbeNotWrite(t *testing.T) {
	target := newFakeTarget()
	d := NewDispatcher(target)

	reply := d.HandleRequest([]byte("X1000,0:"))
	if reply != "OK" {
		t.Fatalf("got %q want OK", reply)
	}

	if _, written := target.mem[0x1000]; written {
		t.Fatal("X addr,0: must not call WriteTargetMemory")
	}
}

func TestDispatcherWriteRegistersRejectsByteCountMismatch(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	// 4 registers * 4 bytes = 16 bytes = 32 hex chars expected; supply fewer.
	reply := d.HandleRequest([]byte("Gdeadbeef"))
	if reply != "EINVAL" {
		t.Fatalf("got %q want EINVAL", reply)
	}
}

func TestDispatcherHThenGUsesSelectedThread(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	if reply := d.HandleRequest([]byte("Hg1")); reply != "OK" {
		t.Fatalf("H failed: %s", reply)
	}

	if got := d.threadIDForOp('g'); got != 1 {
		t.Fatalf("got %d want 1", got)
	}
}

func TestDispatcherHFallsBackToLastReportedStopThreadOnZero(t *testing.T) {
	d := NewDispatcher(newFakeTarget())
	d.lastReportedStopThread = 7

	d.HandleRequest([]byte("Hc0"))

	if got := d.threadIDForOp('c'); got != 7 {
		t.Fatalf("got %d want 7 (fallback to last reported stop thread)", got)
	}
}

func TestDispatcherContinueInvalidatesThreadSelection(t *testing.T) {
	d := NewDispatcher(newFakeTarget())
	d.threadForContOp = 3
	d.threadForRegOp = 3

	d.HandleRequest([]byte("c"))

	if d.threadForContOp != 0 || d.threadForRegOp != 0 {
		t.Fatal("resume must invalidate both thread selections before calling the Target")
	}
}

func TestDispatcherBreakpointInsertIsIdempotent(t *testing.T) {
	target := newFakeTarget()
	d := NewDispatcher(target)

	first := d.HandleRequest([]byte("Z0,1000,1"))
	second := d.HandleRequest([]byte("Z0,1000,1"))

	if first != "OK" || second != "OK" {
		t.Fatalf("got %q, %q want OK, OK", first, second)
	}

	if len(target.breakpoints) != 1 {
		t.Fatalf("expected exactly one breakpoint, got %d", len(target.breakpoints))
	}
}

func TestDispatcherQRcmdHexRoundTrip(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	// "hi" hex-encoded is "6869"
	reply := d.HandleRequest([]byte("qRcmd,6869"))

	decoded, ok := decodeHex(reply)
	if !ok {
		t.Fatalf("reply %q is not valid hex", reply)
	}

	if string(decoded) != "echo:hi" {
		t.Fatalf("got %q want %q", decoded, "echo:hi")
	}
}

func TestDispatcherQCRCComputesOverMemory(t *testing.T) {
	target := newFakeTarget()
	target.mem[0] = 'a'
	target.mem[1] = 'b'
	target.mem[2] = 'c'

	d := NewDispatcher(target)

	reply := d.HandleRequest([]byte("qCRC:0,3"))
	if len(reply) != 9 || reply[0] != 'C' {
		t.Fatalf("unexpected qCRC reply shape: %q", reply)
	}
}
