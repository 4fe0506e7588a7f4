package mem

import (
	"encoding/binary"

	"github.com/zlc-dev/Chronix/kernel"
)

var (
	ram     []byte
	ramEnd  uintptr
	ramOnce bool

	errRAMRange = &kernel.Error{Module: "mem", Message: "physical access outside the memory bank", Kind: kernel.KindFatal}
)

// InitRAM installs the physical memory bank. Called exactly once at
// boot, before any frame is handed out; later harts attach to the
// already-initialized bank.
func InitRAM(size Size) {
	if ramOnce {
		kernel.Panic(&kernel.Error{Module: "mem", Message: "memory bank initialized twice", Kind: kernel.KindFatal})
	}
	ram = make([]byte, size)
	ramEnd = RAMBase + uintptr(size)
	ramOnce = true
}

// ResetRAM tears the bank down so tests can boot fresh machines.
func ResetRAM() {
	ram = nil
	ramEnd = 0
	ramOnce = false
}

// RAMEnd returns the first physical address past the bank.
func RAMEnd() uintptr {
	return ramEnd
}

// Slice exposes n bytes of physical memory starting at physAddr. Access
// outside the bank is a kernel invariant violation: physical addresses
// reaching this point have already been produced by the allocator or a
// page table walk.
func Slice(physAddr uintptr, n int) []byte {
	if physAddr < RAMBase || physAddr+uintptr(n) > ramEnd {
		kernel.Panic(errRAMRange)
	}
	off := physAddr - RAMBase
	return ram[off : off+uintptr(n)]
}

// ZeroRange clears n bytes of physical memory starting at physAddr.
func ZeroRange(physAddr uintptr, n int) {
	s := Slice(physAddr, n)
	for i := range s {
		s[i] = 0
	}
}

// ReadWord reads the 64-bit little-endian word at physAddr. Page table
// entries are stored this way inside table frames.
func ReadWord(physAddr uintptr) uint64 {
	return binary.LittleEndian.Uint64(Slice(physAddr, 8))
}

// WriteWord stores a 64-bit little-endian word at physAddr.
func WriteWord(physAddr uintptr, v uint64) {
	binary.LittleEndian.PutUint64(Slice(physAddr, 8), v)
}
