package vmm

import (
	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/klog"
	"github.com/zlc-dev/Chronix/kernel/mem"
)

// Access is the kind of memory access that raised a page fault.
type Access uint8

// Access kinds.
const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}
	return "unknown"
}

// required returns the permission flag the access needs.
func (a Access) required() PTEFlags {
	switch a {
	case AccessWrite:
		return FlagWrite
	case AccessExec:
		return FlagExec
	default:
		return FlagRead
	}
}

// HandleFault resolves a page fault inside this address space. Faults
// in lazily-backed regions allocate and map a zeroed frame; write
// faults on copy-on-write pages break the share. Every other fault is
// reported as ErrInvalidAddress and terminates the faulting task;
// allocation failures surface as ResourceExhausted.
func (as *AddressSpace) HandleFault(virtAddr uintptr, access Access) *kernel.Error {
	page := PageFromAddress(virtAddr)

	r := as.regionFor(page)
	if r == nil {
		return ErrInvalidAddress
	}
	if r.Perms&access.required() == 0 {
		return ErrInvalidAddress
	}

	frame, flags, err := as.pt.Translate(page)
	if err != nil {
		// Reserved but not yet backed.
		if r.Backing != BackingLazy {
			return ErrInvalidAddress
		}
		if r.Type == RegionHeap && page >= as.heapEnd {
			return ErrInvalidAddress
		}

		newFrame, aerr := as.alloc.Alloc()
		if aerr != nil {
			return aerr
		}
		mem.ZeroRange(newFrame.Address(), mem.PageSize)
		if merr := as.pt.Map(page, newFrame, r.Perms); merr != nil {
			return merr
		}

		klog.L("vmm").Debugw("lazy page backed", "va", virtAddr, "region", r.Type.String())
		return nil
	}

	// Backed page: the only recoverable case is a write on a
	// copy-on-write mapping.
	if access != AccessWrite || !flags.HasFlags(FlagCopyOnWrite) {
		return ErrInvalidAddress
	}

	if as.alloc.RefCount(frame) == 1 {
		// Last reference: take the page back in place.
		return as.pt.updateLeaf(page, frame, flags&^(FlagCopyOnWrite|FlagValid)|FlagWrite)
	}

	copyFrame, aerr := as.alloc.Alloc()
	if aerr != nil {
		return aerr
	}
	copy(mem.Slice(copyFrame.Address(), mem.PageSize), mem.Slice(frame.Address(), mem.PageSize))
	if err := as.pt.updateLeaf(page, copyFrame, flags&^(FlagCopyOnWrite|FlagValid)|FlagWrite); err != nil {
		return err
	}
	as.alloc.Release(frame)

	klog.L("vmm").Debugw("copy-on-write break", "va", virtAddr, "from", frame, "to", copyFrame)
	return nil
}

// HasFlags on PTEFlags mirrors the PTE helper for flag sets kept
// outside an entry.
func (f PTEFlags) HasFlags(flags PTEFlags) bool {
	return f&flags == flags
}
