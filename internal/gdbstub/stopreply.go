package gdbstub

import "fmt"

// stopreply.go implements §4.D's "Stop-reply encoding" and the handlers that
// depend on the last reported stop thread / thread cache. Grounded on
// BasicGDBStub::StopRecordToStopReply and GDBStub::ProvideThreadInfo.

// stopReply encodes rec as a stop-reply packet body. When updateLastThread
// is true, lastReportedStopThread is set to rec's thread; both '?' and the
// resume replies pass true.
func (d *Dispatcher) stopReply(rec StopRecord, updateLastThread bool) string {
	threadSuffix := ""
	if rec.ThreadID != 0 {
		threadSuffix = fmt.Sprintf("thread:%x;", rec.ThreadID)
	}

	var body string

	switch rec.Reason {
	case StopProcessExited:
		if rec.ProcessID != 0 {
			body = fmt.Sprintf("W%02x;process:%x", rec.ExitCode&0xFF, rec.ProcessID)
		} else {
			body = fmt.Sprintf("W%02x", rec.ExitCode&0xFF)
		}
	case StopSignalReceived:
		body = fmt.Sprintf("T%02x", rec.SignalNumber&0xFF) + d.expeditedRegisters(rec.ThreadID) + threadSuffix
	case StopLibraryEvent:
		body = "T05" + threadSuffix + "library:;"
	default:
		body = "T05" + threadSuffix
	}

	if updateLastThread {
		d.lastReportedStopThread = rec.ThreadID
	}

	return body
}

// expeditedRegisters builds the "idx:hex;idx:hex;" expedite list from
// ReadFrameRelatedRegisters, silently omitting it if that call fails or
// returns nothing valid.
func (d *Dispatcher) expeditedRegisters(threadID int) string {
	if len(d.regs) == 0 {
		return ""
	}

	values := make([]RegisterValue, len(d.regs))
	if status := d.target.ReadFrameRelatedRegisters(threadID, values); status != StatusSuccess {
		return ""
	}

	out := make([]byte, 0, 32)

	for i, v := range values {
		if !v.Valid {
			continue
		}

		out = append(out, []byte(fmt.Sprintf("%x:", d.regs[i].Index))...)
		out = appendHexBytes(out, v.Bytes[:v.SizeInBytes])
		out = append(out, ';')
	}

	return string(out)
}

// queryStopReason implements '?': re-emit the Target's last stop record
// without touching lastReportedStopThread twice (the Target is the source of
// truth for "last", so re-emitting it is idempotent).
func (d *Dispatcher) queryStopReason() string {
	rec, status := d.target.LastStopRecord()
	if status != StatusSuccess {
		return formatStatus(status)
	}

	return d.stopReply(rec, true)
}

// handleH implements 'H op tid' (§4.D): select the thread used by subsequent
// 'c'/'s' (op 'c') or 'g'/'G'/'P' (op 'g') commands. A positive tid is
// verified via the thread-alive check first.
func (d *Dispatcher) handleH(args string) string {
	if len(args) < 2 {
		return errLiteralReply("EINVAL")
	}

	op := args[0]
	tid := int(parseHexInteger(args[1:]))

	if tid > 0 {
		if status := d.checkThreadAlive(tid); status != StatusSuccess {
			return formatStatus(status)
		}
	}

	switch op {
	case 'c':
		d.threadForContOp = tid
	case 'g':
		d.threadForRegOp = tid
	default:
		return errLiteralReply("EINVAL")
	}

	return "OK"
}

func errLiteralReply(s string) string { return s }

// checkThreadAlive implements 'T tid', using (and refreshing if necessary)
// the thread-info cache.
func (d *Dispatcher) checkThreadAlive(tid int) GDBStatus {
	if !d.threadsSupportedCached() {
		return StatusSuccess
	}

	d.refreshThreadCacheIfNeeded()

	for _, t := range d.threadInfoCache {
		if t.ThreadID == tid {
			return StatusSuccess
		}
	}

	return StatusUnknownError
}

func (d *Dispatcher) threadsSupportedCached() bool {
	if !d.threadInfoValid {
		d.refreshThreadCacheIfNeeded()
	}

	return d.threadsSupported
}

// refreshThreadCacheIfNeeded implements the qfThreadInfo/qsThreadInfo pairing
// (§4.D): the cache is (re)populated on the first query after invalidation
// and served from memory thereafter.
func (d *Dispatcher) refreshThreadCacheIfNeeded() {
	if d.threadInfoValid {
		return
	}

	threads, status := d.target.ThreadList()
	d.threadsSupported = status == StatusSuccess
	d.threadInfoCache = threads
	d.threadInfoValid = true
	d.threadInfoCursor = 0
}

// handleQC reports the current thread id from the last stop record.
func (d *Dispatcher) handleQC() string {
	return fmt.Sprintf("QC%x", d.lastReportedStopThread)
}

// handleQfThreadInfo / handleQsThreadInfo implement the thread list: the
// first reply carries every thread id in one 'm' list, the next one is 'l'.
func (d *Dispatcher) handleQfThreadInfo() string {
	d.threadInfoValid = false
	d.refreshThreadCacheIfNeeded()

	return d.emitThreadInfoPage()
}

func (d *Dispatcher) handleQsThreadInfo() string {
	return d.emitThreadInfoPage()
}

func (d *Dispatcher) emitThreadInfoPage() string {
	if !d.threadsSupported || d.threadInfoCursor >= len(d.threadInfoCache) {
		return "l"
	}

	ids := make([]byte, 0, 32)
	ids = append(ids, 'm')

	for i := d.threadInfoCursor; i < len(d.threadInfoCache); i++ {
		if i > d.threadInfoCursor {
			ids = append(ids, ',')
		}

		ids = append(ids, []byte(fmt.Sprintf("%x", d.threadInfoCache[i].ThreadID))...)
	}

	d.threadInfoCursor = len(d.threadInfoCache)

	return string(ids)
}

// handleQThreadExtraInfo emits the cached thread name as hex, or empty if
// unknown.
func (d *Dispatcher) handleQThreadExtraInfo(args string) string {
	tid := int(parseHexInteger(args))

	d.refreshThreadCacheIfNeeded()

	for _, t := range d.threadInfoCache {
		if t.ThreadID == tid {
			return encodeHex([]byte(t.Name))
		}
	}

	return ""
}
