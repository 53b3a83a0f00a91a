package testtarget

import (
	"sync"

	"github.com/sysprogs/gdbstub/internal/gdbstub"
)

// flashProgrammer is a small simulated FLASH region distinct from the
// regular memory array, exercising vFlashErase/vFlashWrite/vFlashDone and
// qXfer:memory-map without needing real hardware.
type flashProgrammer struct {
	mu      sync.Mutex
	data    [1 << 16]byte
	pending map[uint64][]byte
	regions []gdbstub.MemoryRegion
}

func newFlashProgrammer() *flashProgrammer {
	f := &flashProgrammer{pending: make(map[uint64][]byte)}
	f.regions = defaultMemoryRegions(len(f.data))

	return f
}

func defaultMemoryRegions(flashLen int) []gdbstub.MemoryRegion {
	return []gdbstub.MemoryRegion{
		{Type: gdbstub.MemoryRegionRAM, Start: 0, Length: memorySize},
		{Type: gdbstub.MemoryRegionFlash, Start: memorySize, Length: uint64(flashLen), EraseBlockSize: 4096},
	}
}

// setMemoryRegions atomically swaps the table served by qXfer:memory-map,
// e.g. when the operator config is hot-reloaded (§11.2).
func (f *flashProgrammer) setMemoryRegions(regions []gdbstub.MemoryRegion) {
	f.mu.Lock()
	f.regions = regions
	f.mu.Unlock()
}

func (f *flashProgrammer) MemoryRegions() ([]gdbstub.MemoryRegion, gdbstub.GDBStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.regions, gdbstub.StatusSuccess
}

func (f *flashProgrammer) Erase(addr, length uint64) gdbstub.GDBStatus {
	base := addr - memorySize
	if base+length > uint64(len(f.data)) {
		return gdbstub.StatusUnknownError
	}

	for i := uint64(0); i < length; i++ {
		f.data[base+i] = 0xFF
	}

	return gdbstub.StatusSuccess
}

func (f *flashProgrammer) Write(addr uint64, data []byte) gdbstub.GDBStatus {
	buf := make([]byte, len(data))
	copy(buf, data)
	f.pending[addr] = buf

	return gdbstub.StatusSuccess
}

func (f *flashProgrammer) Commit() gdbstub.GDBStatus {
	for addr, buf := range f.pending {
		base := addr - memorySize
		if base+uint64(len(buf)) > uint64(len(f.data)) {
			return gdbstub.StatusUnknownError
		}

		copy(f.data[base:], buf)
	}

	f.pending = make(map[uint64][]byte)

	return gdbstub.StatusSuccess
}
