package gdbstub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// framecodec.go implements component B (FrameCodec): packet framing, the
// escape/RLE wire encoding and the mod-256 checksum, in both directions.

const (
	breakInByte byte = 0x03
	ackByte     byte = '+'
	nakByte     byte = '-'
	packetStart byte = '$'
	packetEnd   byte = '#'
	escapeChar  byte = '}'
	rleMarker   byte = '*'
	escapeMask  byte = 0x20
	rleBase     byte = 29
	rleMax      byte = 126
)

// maxConsecutiveChecksumFailures bounds how many bad checksums ReadPacket
// tolerates before giving up and terminating the session, per the "after
// three consecutive failures, terminate" error-handling rule.
const maxConsecutiveChecksumFailures = 3

// ErrChecksumMismatch is returned by ReadPacket after
// maxConsecutiveChecksumFailures consecutive bad checksums for one packet.
var ErrChecksumMismatch = errors.New("gdbstub: packet checksum mismatch")

// ErrMalformedPacket marks a packet body whose escape or RLE sequence could
// not be decoded.
var ErrMalformedPacket = errors.New("gdbstub: malformed packet body")

// ProtocolError wraps a recoverable protocol-plane diagnostic (unexpected
// byte where '+' or '$' was required). It never terminates the session by
// itself; FrameCodec resynchronizes and keeps reading.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

func isEscapeRequired(c byte) bool {
	switch c {
	case packetEnd, packetStart, escapeChar, rleMarker:
		return true
	default:
		return false
	}
}

func computeChecksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}

	return sum
}

// ReadPacket implements the FrameCodec receive algorithm (§4.B). It consumes
// bytes from br until either a literal break-in byte (reported via
// onBreakIn) or a complete, checksum-valid packet has been read. If
// ackEnabled, it writes the '+'/'-' acknowledgment bytes to ackWriter as
// appropriate — regardless of expectLeadingAck, since every accepted packet
// gets exactly one trailing ack while ack mode is on (§8 property 6).
// expectLeadingAck controls a different thing: whether the byte immediately
// preceding '$' must itself be a '+' (the peer acking our previous
// reply). That's false for the very first packet of a session (nothing of
// ours has been acked yet) even though ackEnabled is already true; callers
// pass that session-level distinction in here. onProtocolError, if non-nil,
// is called for every resynchronized protocol-plane error (bad ack byte, bad
// packet-start byte, checksum mismatch); it never aborts the read by itself.
//
// The returned body has been fully unescaped and RLE-expanded. A non-nil
// error other than io.EOF indicates a transport failure (from br), that
// checksum failures reached maxConsecutiveChecksumFailures
// (ErrChecksumMismatch), or a malformed escape/RLE body (ErrMalformedPacket).
func ReadPacket(br *bufio.Reader, ackEnabled, expectLeadingAck bool, ackWriter io.Writer, onBreakIn func(), onProtocolError func(error)) ([]byte, error) {
	failures := 0
	firstAttempt := true

	for {
		// A NAK'd retry is the peer retransmitting the same packet, not a
		// fresh command preceded by a fresh ack of our previous reply: only
		// the first attempt at this packet ever expects a leading '+'.
		if err := findPacketStart(br, ackEnabled && expectLeadingAck && firstAttempt, onBreakIn, onProtocolError); err != nil {
			return nil, err
		}

		firstAttempt = false

		raw, err := scanToPacketEnd(br)
		if err != nil {
			return nil, err
		}

		checksumDigits := make([]byte, 2)
		for i := range checksumDigits {
			b, err := br.ReadByte()
			if err != nil {
				return nil, err
			}

			checksumDigits[i] = b
		}

		expected := computeChecksum(raw)
		got := byteFromHex(checksumDigits[0], checksumDigits[1])

		if got != expected {
			failures++

			if onProtocolError != nil {
				onProtocolError(&ProtocolError{Msg: fmt.Sprintf("invalid packet checksum: expected 0x%02x, got 0x%02x", expected, got)})
			}

			if ackEnabled && ackWriter != nil {
				_, _ = ackWriter.Write([]byte{nakByte})
			}

			if failures >= maxConsecutiveChecksumFailures {
				return nil, ErrChecksumMismatch
			}

			continue
		}

		// A malformed escape/RLE sequence is not a retriable checksum failure:
		// the body already passed its checksum, so retransmission cannot fix
		// it. Per the error-handling rules, this closes the session on the
		// first occurrence rather than sharing the checksum retry budget.
		body, ok := unescapeAndExpand(raw)
		if !ok {
			if onProtocolError != nil {
				onProtocolError(ErrMalformedPacket)
			}

			if ackEnabled && ackWriter != nil {
				_, _ = ackWriter.Write([]byte{nakByte})
			}

			return nil, ErrMalformedPacket
		}

		if ackEnabled && ackWriter != nil {
			_, _ = ackWriter.Write([]byte{ackByte})
		}

		return body, nil
	}
}

// findPacketStart consumes bytes up to and including a '$', reporting
// break-in bytes as they're seen and consuming the mandatory preceding '+'
// when ackEnabled. It never returns a nil error without having consumed a
// '$'.
func findPacketStart(br *bufio.Reader, ackEnabled bool, onBreakIn func(), onProtocolError func(error)) error {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}

		if b == breakInByte {
			if onBreakIn != nil {
				onBreakIn()
			}

			continue
		}

		if ackEnabled {
			if b != ackByte {
				if onProtocolError != nil {
					onProtocolError(&ProtocolError{Msg: fmt.Sprintf("expected ack ('+'), got 0x%02x", b)})
				}

				continue
			}

			b, err = br.ReadByte()
			if err != nil {
				return err
			}

			if b == breakInByte {
				if onBreakIn != nil {
					onBreakIn()
				}

				continue
			}
		}

		if b != packetStart {
			if onProtocolError != nil {
				onProtocolError(&ProtocolError{Msg: fmt.Sprintf("expected start of packet ('$'), got 0x%02x", b)})
			}

			continue
		}

		return nil
	}
}

// scanToPacketEnd reads raw (still escaped/RLE-encoded) body bytes up to but
// excluding an unescaped '#'.
func scanToPacketEnd(br *bufio.Reader) ([]byte, error) {
	raw := make([]byte, 0, 256)

	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}

		if b == escapeChar {
			raw = append(raw, b)

			nxt, err := br.ReadByte()
			if err != nil {
				return nil, err
			}

			raw = append(raw, nxt)

			continue
		}

		if b == packetEnd {
			return raw, nil
		}

		raw = append(raw, b)
	}
}

// unescapeAndExpand un-escapes '}'-sequences and expands '*'-run-length
// sequences in raw, which must not itself contain an unescaped '#'.
func unescapeAndExpand(raw []byte) ([]byte, bool) {
	out := make([]byte, 0, len(raw))

	for i := 0; i < len(raw); i++ {
		c := raw[i]

		switch c {
		case escapeChar:
			i++
			if i >= len(raw) {
				return nil, false
			}

			out = append(out, raw[i]^escapeMask)
		case rleMarker:
			i++
			if i >= len(raw) || len(out) == 0 {
				return nil, false
			}

			count := int(raw[i]) - int(rleBase)
			if count < 0 {
				return nil, false
			}

			repeat := out[len(out)-1]
			for k := 0; k < count; k++ {
				out = append(out, repeat)
			}
		default:
			out = append(out, c)
		}
	}

	return out, true
}

// WritePacket implements the FrameCodec transmit algorithm (§4.B): escape,
// run-length-encode, frame and checksum body, then write it to w as a single
// packet.
func WritePacket(w io.Writer, body []byte) error {
	out := make([]byte, 0, len(body)+8)
	out = append(out, packetStart)

	var checksum byte

	for i := 0; i < len(body); i++ {
		c := body[i]

		runLength := 1
		for i+runLength < len(body) && body[i+runLength] == c {
			runLength++
		}

		if isEscapeRequired(c) {
			escaped := c ^ escapeMask
			out = append(out, escapeChar, escaped)
			checksum += escapeChar + escaped
			runLength = 1 // RLE-encoding escaped characters is unsupported by gdb.
		} else {
			out = append(out, c)
			checksum += c
		}

		if runLength > 3 {
			more := runLength - 1
			if more > int(rleMax-rleBase) {
				more = int(rleMax - rleBase)
			}

			runLenChar := rleBase + byte(more)
			if runLenChar == packetStart || runLenChar == packetEnd || runLenChar == escapeChar {
				more = 0
			} else {
				out = append(out, rleMarker, runLenChar)
				checksum += rleMarker + runLenChar
				i += more
			}
		}
	}

	out = append(out, packetEnd)
	out = appendHexByte(out, checksum)

	_, err := w.Write(out)

	return err
}
