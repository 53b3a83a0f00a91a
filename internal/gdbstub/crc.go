package gdbstub

import "hash/crc32"

// crc.go implements 'qCRC addr,length' (§4.D). No example repo in the
// reference pack carries a third-party CRC-32 implementation; this checksum
// has no protocol-level framing dependency (unlike hex/escape/RLE, which are
// wire-format specific), so the standard library's IEEE polynomial
// implementation is used rather than reaching for an unrelated dependency.
const crcChunkSize = 64 * 1024

func computeMemoryCRC(t Target, addr, length uint64) string {
	h := crc32.NewIEEE()
	buf := make([]byte, crcChunkSize)

	remaining := length
	cursor := addr

	for remaining > 0 {
		want := remaining
		if want > crcChunkSize {
			want = crcChunkSize
		}

		n, status := t.ReadTargetMemory(cursor, buf[:want])
		if status != StatusSuccess {
			return errLiteralReply("EFAULT")
		}

		h.Write(buf[:n])

		cursor += uint64(n)
		remaining -= uint64(n)

		if uint64(n) < want {
			break
		}
	}

	return appendCRCReply(h.Sum32())
}

func appendCRCReply(sum uint32) string {
	buf := []byte{'C'}
	buf = appendHexBytes(buf, []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})

	return string(buf)
}
