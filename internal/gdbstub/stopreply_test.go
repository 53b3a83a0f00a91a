package gdbstub

import "testing"

func TestStopReplyEncodesSignalWithThreadSuffix(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	rec := StopRecord{Reason: StopSignalReceived, SignalNumber: 5, ThreadID: 1}

	reply := d.stopReply(rec, true)
	if !containsSubstring(reply, "T05") {
		t.Fatalf("got %q want it to start with T05", reply)
	}

	if !containsSubstring(reply, "thread:1;") {
		t.Fatalf("got %q want a thread:1; suffix", reply)
	}

	if d.lastReportedStopThread != 1 {
		t.Fatalf("updateLastThread=true must update lastReportedStopThread, got %d", d.lastReportedStopThread)
	}
}

func TestStopReplyProcessExitedOmitsThreadSuffix(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	rec := StopRecord{Reason: StopProcessExited, ExitCode: 7}

	reply := d.stopReply(rec, true)
	if reply != "W07" {
		t.Fatalf("got %q want W07", reply)
	}
}

func TestStopReplyProcessExitedWithProcessID(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	rec := StopRecord{Reason: StopProcessExited, ExitCode: 0, ProcessID: 0x2a}

	reply := d.stopReply(rec, true)
	if reply != "W00;process:2a" {
		t.Fatalf("got %q want W00;process:2a", reply)
	}
}

func TestStopReplyLibraryEventAnnotatesLibrary(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	rec := StopRecord{Reason: StopLibraryEvent, ThreadID: 1}

	reply := d.stopReply(rec, true)
	if !containsSubstring(reply, "library:;") {
		t.Fatalf("got %q want a library:; marker", reply)
	}
}

func TestStopReplyFalseUpdateLastThreadLeavesStateUnchanged(t *testing.T) {
	d := NewDispatcher(newFakeTarget())
	d.lastReportedStopThread = 9

	d.stopReply(StopRecord{Reason: StopSignalReceived, ThreadID: 1}, false)

	if d.lastReportedStopThread != 9 {
		t.Fatalf("updateLastThread=false must not change lastReportedStopThread, got %d", d.lastReportedStopThread)
	}
}

func TestQueryStopReasonReflectsLastStopRecord(t *testing.T) {
	target := newFakeTarget()
	target.stop = StopRecord{Reason: StopSignalReceived, SignalNumber: 11, ThreadID: 1}

	d := NewDispatcher(target)

	reply := d.HandleRequest([]byte("?"))
	if !containsSubstring(reply, "T0b") {
		t.Fatalf("got %q want it to encode signal 11 (0x0b)", reply)
	}
}

func TestHandleHSelectsThreadForRegisterOps(t *testing.T) {
	target := newFakeTarget()
	target.thrds = []ThreadRecord{{ThreadID: 1, Name: "main"}, {ThreadID: 2, Name: "worker"}}

	d := NewDispatcher(target)

	if reply := d.HandleRequest([]byte("Hg2")); reply != "OK" {
		t.Fatalf("got %q want OK", reply)
	}

	if got := d.threadIDForOp('g'); got != 2 {
		t.Fatalf("got %d want 2", got)
	}
}

func TestHandleHRejectsDeadThread(t *testing.T) {
	target := newFakeTarget()
	target.thrds = []ThreadRecord{{ThreadID: 1, Name: "main"}}

	d := NewDispatcher(target)

	reply := d.HandleRequest([]byte("Hg99"))
	if reply == "OK" {
		t.Fatal("selecting a thread id absent from ThreadList must not succeed")
	}
}

func TestHandleHRejectsMalformedArgs(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	if reply := d.HandleRequest([]byte("H")); reply != "EINVAL" {
		t.Fatalf("got %q want EINVAL", reply)
	}
}

func TestHandleQCReportsLastReportedStopThread(t *testing.T) {
	d := NewDispatcher(newFakeTarget())
	d.lastReportedStopThread = 3

	if reply := d.HandleRequest([]byte("qC")); reply != "QC3" {
		t.Fatalf("got %q want QC3", reply)
	}
}

func TestQfThreadInfoThenQsThreadInfoEmitsOnceThenL(t *testing.T) {
	target := newFakeTarget()
	target.thrds = []ThreadRecord{{ThreadID: 1, Name: "main"}, {ThreadID: 2, Name: "worker"}}

	d := NewDispatcher(target)

	first := d.HandleRequest([]byte("qfThreadInfo"))
	if first != "m1,2" {
		t.Fatalf("got %q want m1,2", first)
	}

	second := d.HandleRequest([]byte("qsThreadInfo"))
	if second != "l" {
		t.Fatalf("got %q want l (the list is emitted once, not paginated)", second)
	}
}

func TestQThreadExtraInfoReturnsHexEncodedName(t *testing.T) {
	target := newFakeTarget()
	target.thrds = []ThreadRecord{{ThreadID: 1, Name: "main"}}

	d := NewDispatcher(target)

	reply := d.HandleRequest([]byte("qThreadExtraInfo,1"))

	decoded, ok := decodeHex(reply)
	if !ok || string(decoded) != "main" {
		t.Fatalf("got %q, want it to hex-decode to \"main\"", reply)
	}
}

func TestQThreadExtraInfoUnknownThreadIsEmpty(t *testing.T) {
	d := NewDispatcher(newFakeTarget())

	if reply := d.HandleRequest([]byte("qThreadExtraInfo,99")); reply != "" {
		t.Fatalf("got %q want empty reply for an unknown thread", reply)
	}
}
