package gdbstub

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// dispatcher.go implements the top-level command table (§4.D) that the
// Server hands every decoded packet body to. Grounded on
// BasicGDBStub::HandleRequest, which splits the command letter/word from its
// arguments at the first of ';', ':', ',' and switches on it.

// HandleRequest decodes one packet body and returns the reply body to send
// back (without framing). body has already been through FrameCodec; it still
// contains the raw command letter(s), a splitter character and arguments.
//
// QStartNoAckMode is deliberately not handled here: per the reference
// implementation's GDBServer::HandleGDBPacketAndSendReply, the ack-mode
// switch is owned by the component that frames replies (Server), since it
// must flip ackEnabled only once this reply has actually been queued for
// send.
func (d *Dispatcher) HandleRequest(body []byte) string {
	cmd, args := splitCommandWord(body)

	switch cmd {
	case "?":
		return d.queryStopReason()
	case "qSupported":
		return d.handleQSupported(args)
	case "H":
		return d.handleH(args)
	case "g":
		return d.handleReadRegisters()
	case "G":
		return d.handleWriteRegisters(args)
	case "P":
		return d.handleWriteOneRegister(args)
	case "m":
		return d.handleReadMemory(args)
	case "M":
		return d.handleWriteMemory(args)
	case "X":
		return d.handleWriteMemoryBinary(args)
	case "c":
		return d.handleContinue(args)
	case "s":
		return d.handleStep(args)
	case "k":
		return formatStatus(d.target.Terminate())
	case "T":
		return formatStatus(d.checkThreadAlive(int(parseHexInteger(args))))
	case "qC":
		return d.handleQC()
	case "qfThreadInfo":
		return d.handleQfThreadInfo()
	case "qsThreadInfo":
		return d.handleQsThreadInfo()
	case "qThreadExtraInfo":
		return d.handleQThreadExtraInfo(args)
	case "qAttached":
		return "1"
	case "qCRC":
		return d.handleQCRC(args)
	case "qRcmd":
		return d.handleQRcmd(args)
	case "qOffsets":
		return ""
	case "vCont":
		return d.handleVCont(args)
	case "vCont?":
		if _, _, status := d.target.SetThreadModeForNextCont(0, ModeProbe, 0); status == StatusNotSupported {
			return ""
		}

		return "vCont;c;C;s;S;t"
	case "vFlashErase":
		return d.handleVFlashErase(args)
	case "vFlashWrite":
		return d.handleVFlashWrite(args)
	case "vFlashDone":
		return d.handleVFlashDone()
	case "Z":
		return d.handleInsertBreakpoint(args)
	case "z":
		return d.handleRemoveBreakpoint(args)
	default:
		if cmd == "qXfer" {
			return d.handleQXfer(string(body))
		}

		return ""
	}
}

// singleLetterCommands are the RSP commands identified by their first byte
// alone, with no separator between the letter and its arguments (e.g.
// "m1000,4", not "m:1000,4"). Every other command is a named word
// ("qSupported", "vCont", "QStartNoAckMode", ...) split from its arguments
// at the first of ';', ':', ',' (§4.D).
const singleLetterCommands = "?HgGPmMXcskTZz"

// splitCommandWord extracts the command identifier from body: either the
// first byte (for singleLetterCommands) or everything up to the first of
// ';', ':', ',' (for named q/Q/v commands). Grounded on
// BasicGDBStub::HandleRequest's dispatch, generalized to cover both command
// shapes the protocol actually uses.
func splitCommandWord(body []byte) (cmd string, args string) {
	if len(body) == 0 {
		return "", ""
	}

	if strings.IndexByte(singleLetterCommands, body[0]) >= 0 {
		return string(body[:1]), string(body[1:])
	}

	s := string(body)

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ';', ':', ',':
			return s[:i], s[i+1:]
		}
	}

	return s, ""
}

// splitCommand retains the word-only split for callers (qSupported feature
// parsing, qXfer) that only ever see named commands.
func splitCommand(body []byte) (cmd string, args string) {
	return splitCommandWord(body)
}

func (d *Dispatcher) handleQSupported(args string) string {
	d.parseGDBFeatures(args)

	if d.minProtocolConstraint != nil {
		if v, ok := d.negotiatedVersion(); ok && !d.minProtocolConstraint.Check(v) {
			return ""
		}
	}

	parts := make([]string, 0, len(d.stubFeatures))
	for _, k := range sortedFeatureKeys(d.stubFeatures) {
		parts = append(parts, k+d.stubFeatures[k])
	}

	return strings.Join(parts, ";")
}

// parseGDBFeatures records the peer's "name+", "name-" or "name=value"
// qSupported tokens, mirroring FillMapFromSplitter.
func (d *Dispatcher) parseGDBFeatures(args string) {
	for _, tok := range strings.Split(args, ";") {
		if tok == "" {
			continue
		}

		if eq := strings.IndexByte(tok, '='); eq >= 0 {
			d.gdbFeatures[tok[:eq]] = tok[eq+1:]
			continue
		}

		if n := len(tok); n > 0 {
			switch tok[n-1] {
			case '+', '-':
				d.gdbFeatures[tok[:n-1]] = tok[n-1:]
				continue
			}
		}

		d.gdbFeatures[tok] = ""
	}
}

// negotiatedVersion extracts a "vX.Y"-shaped token from the gdb-side feature
// set, if the peer advertised one (§11.1). GDB itself does not advertise a
// protocol version via qSupported; this hook exists for peers/front-ends
// that add a private "gdbserver-version=X.Y.Z" feature.
func (d *Dispatcher) negotiatedVersion() (*semver.Version, bool) {
	raw, ok := d.gdbFeatures["gdbserver-version"]
	if !ok || raw == "" {
		return nil, false
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, false
	}

	return v, true
}

func (d *Dispatcher) handleReadRegisters() string {
	values := make([]RegisterValue, len(d.regs))

	tid := d.threadIDForOp('g')
	if status := d.target.ReadTargetRegisters(tid, values); status != StatusSuccess {
		if status == StatusNotSupported {
			return ""
		}

		return formatStatus(status)
	}

	out := make([]byte, 0, len(values)*8)

	for _, v := range values {
		if !v.Valid {
			for i := 0; i < v.SizeInBytes; i++ {
				out = append(out, 'x', 'x')
			}

			continue
		}

		out = appendHexBytes(out, v.Bytes[:v.SizeInBytes])
	}

	return string(out)
}

// handleWriteRegisters implements 'G': per the resolved Open Question (§9),
// a byte-count mismatch between the supplied hex blob and the Target's
// register list is an error, not a best-effort partial write.
func (d *Dispatcher) handleWriteRegisters(args string) string {
	data, ok := decodeHex(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	values := make([]RegisterValue, len(d.regs))

	offset := 0
	for i, r := range d.regs {
		size := (r.SizeBits + 7) / 8
		if offset+size > len(data) {
			return errLiteralReply("EINVAL")
		}

		values[i].SizeInBytes = size
		values[i].Valid = true
		copy(values[i].Bytes[:size], data[offset:offset+size])
		offset += size
	}

	if offset != len(data) {
		return errLiteralReply("EINVAL")
	}

	tid := d.threadIDForOp('g')
	status := d.target.WriteTargetRegisters(tid, values)

	if status == StatusNotSupported {
		return ""
	}

	return formatStatus(status)
}

// handleWriteOneRegister implements 'P n...=r...'.
func (d *Dispatcher) handleWriteOneRegister(args string) string {
	eq := strings.IndexByte(args, '=')
	if eq < 0 {
		return errLiteralReply("EINVAL")
	}

	idx := int(parseHexInteger(args[:eq]))
	if idx < 0 || idx >= len(d.regs) {
		return errLiteralReply("EINVAL")
	}

	data, ok := decodeHex(args[eq+1:])
	if !ok {
		return errLiteralReply("EINVAL")
	}

	expected := (d.regs[idx].SizeBits + 7) / 8
	if len(data) != expected {
		return errLiteralReply("EINVAL")
	}

	values := make([]RegisterValue, len(d.regs))
	values[idx].SizeInBytes = expected
	values[idx].Valid = true
	copy(values[idx].Bytes[:expected], data)

	tid := d.threadIDForOp('g')
	status := d.target.WriteTargetRegisters(tid, values)

	if status == StatusNotSupported {
		return ""
	}

	return formatStatus(status)
}

func (d *Dispatcher) handleReadMemory(args string) string {
	addr, length, ok := parseAddrLength(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	buf := make([]byte, length)

	n, status := d.target.ReadTargetMemory(addr, buf)
	if status != StatusSuccess {
		if status == StatusNotSupported {
			return errLiteralReply("ENOTSUPPORTED")
		}

		return errLiteralReply("EFAULT")
	}

	return encodeHex(buf[:n])
}

func (d *Dispatcher) handleWriteMemory(args string) string {
	addr, _, rest, ok := splitAddrLengthData(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	data, ok := decodeHex(rest)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	status := d.target.WriteTargetMemory(addr, data)
	if status == StatusNotSupported {
		return errLiteralReply("ENOTSUPPORTED")
	}

	return formatStatus(status)
}

// handleWriteMemoryBinary implements 'X addr,length:data' with raw (escaped
// only, not hex) binary payload. 'X addr,0:' is a capability probe and must
// not call WriteTargetMemory at all (§4.D edge case).
func (d *Dispatcher) handleWriteMemoryBinary(args string) string {
	comma := strings.IndexByte(args, ',')
	colon := strings.IndexByte(args, ':')

	if comma < 0 || colon < 0 || colon < comma {
		return errLiteralReply("EINVAL")
	}

	addr := uint64(parseHexInteger(args[:comma]))
	length := parseHexInteger(args[comma+1 : colon])

	if length == 0 {
		return "OK"
	}

	payload, ok := unescapeBinary([]byte(args[colon+1:]))
	if !ok {
		return errLiteralReply("EINVAL")
	}

	status := d.target.WriteTargetMemory(addr, payload)
	if status == StatusNotSupported {
		return errLiteralReply("ENOTSUPPORTED")
	}

	return formatStatus(status)
}

func unescapeBinary(raw []byte) ([]byte, bool) {
	out := make([]byte, 0, len(raw))

	for i := 0; i < len(raw); i++ {
		if raw[i] == escapeChar {
			i++
			if i >= len(raw) {
				return nil, false
			}

			out = append(out, raw[i]^escapeMask)
			continue
		}

		out = append(out, raw[i])
	}

	return out, true
}

func parseAddrLength(args string) (addr uint64, length int, ok bool) {
	comma := strings.IndexByte(args, ',')
	if comma < 0 {
		return 0, 0, false
	}

	addr = uint64(parseHexInteger(args[:comma]))
	length = int(parseHexInteger(args[comma+1:]))

	return addr, length, length >= 0
}

func splitAddrLengthData(args string) (addr uint64, length int, rest string, ok bool) {
	comma := strings.IndexByte(args, ',')
	colon := strings.IndexByte(args, ':')

	if comma < 0 || colon < 0 || colon < comma {
		return 0, 0, "", false
	}

	addr = uint64(parseHexInteger(args[:comma]))
	length = int(parseHexInteger(args[comma+1 : colon]))
	rest = args[colon+1:]

	return addr, length, rest, true
}

// handleContinue implements 'c [addr]'. A literal resume address is not
// supported by the Target interface (§6.1 omits PC injection on resume); if
// supplied, the command fails with EINVAL rather than being silently
// ignored.
func (d *Dispatcher) handleContinue(args string) string {
	if args != "" {
		return errLiteralReply("EINVAL")
	}

	d.invalidateThreadState()

	tid := d.threadIDForOp('c')
	status := d.target.ResumeAndWait(tid)

	return d.resumeReply(status)
}

func (d *Dispatcher) handleStep(args string) string {
	if args != "" {
		return errLiteralReply("EINVAL")
	}

	d.invalidateThreadState()

	tid := d.threadIDForOp('c')
	status := d.target.Step(tid)

	return d.resumeReply(status)
}

func (d *Dispatcher) resumeReply(status GDBStatus) string {
	if status != StatusSuccess {
		if status == StatusNotSupported {
			return ""
		}

		return formatStatus(status)
	}

	rec, status := d.target.LastStopRecord()
	if status != StatusSuccess {
		return formatStatus(status)
	}

	return d.stopReply(rec, true)
}

func (d *Dispatcher) handleInsertBreakpoint(args string) string {
	kind, addr, bkptKind, ok := parseBreakpointArgs(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	key := breakpointKey{addr: addr, kind: kind}
	if _, exists := d.breakpoints[key]; exists {
		return "OK"
	}

	cookie, status := d.target.CreateBreakpoint(kind, addr, bkptKind)
	if status != StatusSuccess {
		if status == StatusNotSupported {
			return ""
		}

		return formatStatus(status)
	}

	d.breakpoints[key] = cookie

	return "OK"
}

func (d *Dispatcher) handleRemoveBreakpoint(args string) string {
	kind, addr, _, ok := parseBreakpointArgs(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	key := breakpointKey{addr: addr, kind: kind}

	cookie, exists := d.breakpoints[key]
	if !exists {
		return "OK"
	}

	status := d.target.RemoveBreakpoint(kind, addr, cookie)
	if status != StatusSuccess {
		return formatStatus(status)
	}

	delete(d.breakpoints, key)

	return "OK"
}

// parseBreakpointArgs parses "kind,addr,length" into a BreakpointKind, addr
// and the raw Z-packet length/kind field (the Target decides what that field
// means for hardware breakpoints). A trailing ";cond" list is rejected, since
// conditional breakpoints are not supported.
func parseBreakpointArgs(args string) (kind BreakpointKind, addr uint64, bkptKind int, ok bool) {
	parts := strings.SplitN(args, ",", 3)
	if len(parts) != 3 || strings.IndexByte(parts[2], ';') >= 0 {
		return 0, 0, 0, false
	}

	switch parts[0] {
	case "0":
		kind = BreakpointSoft
	case "1":
		kind = BreakpointHard
	case "2":
		kind = BreakpointWriteWatch
	case "3":
		kind = BreakpointReadWatch
	case "4":
		kind = BreakpointAccessWatch
	default:
		return 0, 0, 0, false
	}

	addr = uint64(parseHexInteger(parts[1]))
	bkptKind = int(parseHexInteger(parts[2]))

	return kind, addr, bkptKind, true
}

func (d *Dispatcher) handleQCRC(args string) string {
	addr, length, ok := parseAddrLength(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	return computeMemoryCRC(d.target, addr, uint64(length))
}

func (d *Dispatcher) handleVFlashErase(args string) string {
	fp := d.target.FlashProgrammer()
	if fp == nil {
		return ""
	}

	addr, length, ok := parseAddrLength(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	return formatStatus(fp.Erase(addr, uint64(length)))
}

func (d *Dispatcher) handleVFlashWrite(args string) string {
	fp := d.target.FlashProgrammer()
	if fp == nil {
		return ""
	}

	colon := strings.IndexByte(args, ':')
	if colon < 0 {
		return errLiteralReply("EINVAL")
	}

	addr := uint64(parseHexInteger(args[:colon]))

	data, ok := unescapeBinary([]byte(args[colon+1:]))
	if !ok {
		return errLiteralReply("EINVAL")
	}

	if len(data) == 0 {
		return "OK"
	}

	return formatStatus(fp.Write(addr, data))
}

func (d *Dispatcher) handleVFlashDone() string {
	fp := d.target.FlashProgrammer()
	if fp == nil {
		return ""
	}

	return formatStatus(fp.Commit())
}

func (d *Dispatcher) handleQRcmd(args string) string {
	raw, ok := decodeHex(args)
	if !ok {
		return errLiteralReply("EINVAL")
	}

	reply, status := d.target.ExecuteRemoteCommand(raw)
	if status != StatusSuccess {
		if status == StatusNotSupported {
			return ""
		}

		return formatStatus(status)
	}

	if len(reply) == 0 {
		return "OK"
	}

	return encodeHex(reply)
}
