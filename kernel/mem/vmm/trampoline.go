package vmm

import (
	"encoding/binary"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
)

// trampolineFrame holds the single physical frame containing the trap
// entry/exit code. It is mapped at mem.TrampolineBase in every address
// space so switching page tables mid-trap never invalidates the
// executing instruction stream.
var trampolineFrame = pmm.InvalidFrame

// sretWord is the encoding of the return-from-trap instruction the
// trampoline stub is padded with.
const sretWord = uint32(0x10200073)

// InitTrampoline allocates the shared trampoline frame and fills it
// with the trap exit stub. Called once at boot.
func InitTrampoline(alloc pmm.FrameAllocator) *kernel.Error {
	if trampolineFrame.Valid() {
		kernel.Panic(&kernel.Error{Module: "vmm", Message: "trampoline initialized twice", Kind: kernel.KindFatal})
	}

	frame, err := alloc.Alloc()
	if err != nil {
		return err
	}

	stub := mem.Slice(frame.Address(), mem.PageSize)
	for off := 0; off < mem.PageSize; off += 4 {
		binary.LittleEndian.PutUint32(stub[off:], sretWord)
	}

	trampolineFrame = frame
	return nil
}

// TrampolineFrame returns the shared trampoline frame.
func TrampolineFrame() pmm.Frame {
	return trampolineFrame
}

// ResetTrampoline forgets the trampoline frame so tests can boot fresh
// machines. The frame itself is abandoned with the memory bank.
func ResetTrampoline() {
	trampolineFrame = pmm.InvalidFrame
}

// mapTrampoline installs the shared trampoline page into an address
// space. The frame is owned by the boot code, not the address space.
func (as *AddressSpace) mapTrampoline() *kernel.Error {
	if !trampolineFrame.Valid() {
		kernel.Panic(&kernel.Error{Module: "vmm", Message: "trampoline not initialized", Kind: kernel.KindFatal})
	}

	r := Region{
		Type:    RegionTrampoline,
		Start:   PageFromAddress(mem.TrampolineBase),
		Pages:   1,
		Perms:   FlagRead | FlagExec,
		Backing: BackingFramed,
	}
	if err := as.insertRegion(r); err != nil {
		return err
	}
	return as.pt.Map(r.Start, trampolineFrame, r.Perms)
}
