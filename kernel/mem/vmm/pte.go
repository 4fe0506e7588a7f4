package vmm

import (
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
)

// PTEFlags describes the flag bits of an Sv39 page table entry. Bit 8
// is one of the RSW bits reserved for software; the kernel uses it to
// mark copy-on-write mappings.
type PTEFlags uint64

// Sv39 page table entry flags.
const (
	FlagValid PTEFlags = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty
	FlagCopyOnWrite
)

// pteFlagMask covers the flag bits including the RSW software bits.
const pteFlagMask = 0x3ff

// PTE is an Sv39 page table entry: a physical page number at bits
// 10..53 plus the flag bits above.
type PTE uint64

// NewPTE builds an entry pointing at frame with the given flags set.
func NewPTE(frame pmm.Frame, flags PTEFlags) PTE {
	return PTE(uint64(frame)<<10 | uint64(flags&pteFlagMask))
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PTE) HasFlags(flags PTEFlags) bool {
	return PTEFlags(pte)&flags == flags
}

// HasAnyFlag returns true if this entry has at least one of the input
// flags set.
func (pte PTE) HasAnyFlag(flags PTEFlags) bool {
	return PTEFlags(pte)&flags != 0
}

// Flags returns the flag bits of this entry.
func (pte PTE) Flags() PTEFlags {
	return PTEFlags(pte) & pteFlagMask
}

// Frame returns the physical page frame that this entry points to.
func (pte PTE) Frame() pmm.Frame {
	return pmm.Frame((uint64(pte) >> 10) & ((1 << 44) - 1))
}

// isLeaf reports whether the entry maps a page rather than pointing at
// the next table level.
func (pte PTE) isLeaf() bool {
	return pte.HasAnyFlag(FlagRead | FlagWrite | FlagExec)
}

// load reads the entry stored at the given physical slot address.
func loadPTE(entryAddr uintptr) PTE {
	return PTE(mem.ReadWord(entryAddr))
}

// store writes the entry to the given physical slot address.
func storePTE(entryAddr uintptr, pte PTE) {
	mem.WriteWord(entryAddr, uint64(pte))
}
