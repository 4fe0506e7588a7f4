package vmm

import (
	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/klog"
	"github.com/zlc-dev/Chronix/kernel/loader"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
)

// AddressSpace owns a root page-table frame plus an ordered,
// non-overlapping set of mapped regions. The kernel has one; every task
// has its own, created at task creation and destroyed when the task is
// fully reaped.
//
// An address space is mutated only by its owning task's trap-handling
// path (or by the parent during fork/exit), so it carries no lock of
// its own; the shared frame allocator behind it is lock-protected.
type AddressSpace struct {
	pt    *PageTable
	alloc pmm.FrameAllocator

	regions []Region

	// Heap break state: the heap region is reserved up front but only
	// pages below heapEnd are ever backed.
	heapStart Page
	heapEnd   Page
}

func newAddressSpace(alloc pmm.FrameAllocator) (*AddressSpace, *kernel.Error) {
	pt, err := NewPageTable(alloc)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{pt: pt, alloc: alloc}, nil
}

// Root returns the frame holding the space's root page table.
func (as *AddressSpace) Root() pmm.Frame {
	return as.pt.Root()
}

// Regions returns a copy of the region set ordered by start address.
func (as *AddressSpace) Regions() []Region {
	out := make([]Region, len(as.regions))
	copy(out, as.regions)
	return out
}

// Map establishes a page-to-frame mapping in this space.
func (as *AddressSpace) Map(page Page, frame pmm.Frame, flags PTEFlags) *kernel.Error {
	return as.pt.Map(page, frame, flags)
}

// Unmap removes a mapping, returning the frame it pointed to.
func (as *AddressSpace) Unmap(page Page) (pmm.Frame, *kernel.Error) {
	return as.pt.Unmap(page)
}

// Translate returns the frame and permissions mapped for a page.
// Identity regions translate arithmetically without consulting the
// tree; everything else walks the table.
func (as *AddressSpace) Translate(page Page) (pmm.Frame, PTEFlags, *kernel.Error) {
	frame, flags, err := as.pt.Translate(page)
	if err == nil {
		return frame, flags, nil
	}

	if r := as.regionFor(page); r != nil && r.Backing == BackingIdentity {
		return pmm.Frame(page), r.Perms | FlagValid, nil
	}
	return pmm.InvalidFrame, 0, err
}

// NewKernel builds the kernel's own address space: identity-mapped
// code, data and heap regions plus the shared trampoline page.
func NewKernel(alloc pmm.FrameAllocator) (*AddressSpace, *kernel.Error) {
	as, err := newAddressSpace(alloc)
	if err != nil {
		return nil, err
	}

	kernelEnd := mem.KernelBase + uintptr(mem.KernelImageSize)
	textPages := int((1 * mem.Mb) / mem.PageSize)
	dataPages := int(uintptr(kernelEnd-mem.KernelBase)/mem.PageSize) - textPages
	heapPages := int((mem.RAMEnd() - kernelEnd) / mem.PageSize)

	regions := []Region{
		{Type: RegionKernelText, Start: PageFromAddress(mem.KernelBase), Pages: textPages, Perms: FlagRead | FlagExec, Backing: BackingIdentity},
		{Type: RegionKernelData, Start: PageFromAddress(mem.KernelBase) + Page(textPages), Pages: dataPages, Perms: FlagRead | FlagWrite, Backing: BackingIdentity},
		{Type: RegionKernelHeap, Start: PageFromAddress(kernelEnd), Pages: heapPages, Perms: FlagRead | FlagWrite, Backing: BackingIdentity},
	}
	for _, r := range regions {
		if err := as.insertRegion(r); err != nil {
			return nil, err
		}
	}

	if err := as.mapTrampoline(); err != nil {
		return nil, err
	}

	klog.L("vmm").Debugw("kernel address space built",
		"text_pages", textPages, "data_pages", dataPages, "heap_pages", heapPages)
	return as, nil
}

// NewUser builds a task address space from a loadable-segment image:
// segments are eagerly framed and copied with the remainder
// zero-filled, a guard-protected lazily-backed stack and a lazy heap
// are reserved, and the task's trap context page and the shared
// trampoline are installed. Returns the entry program counter and the
// initial stack pointer.
func NewUser(alloc pmm.FrameAllocator, img *loader.Image) (*AddressSpace, uintptr, uintptr, *kernel.Error) {
	if err := img.Validate(); err != nil {
		return nil, 0, 0, err
	}

	as, err := newAddressSpace(alloc)
	if err != nil {
		return nil, 0, 0, err
	}

	var segEnd Page
	for _, seg := range img.Segments {
		if err := as.loadSegment(seg); err != nil {
			as.Release()
			return nil, 0, 0, err
		}
		if end := PageFromAddress(seg.VAddr + uintptr(seg.MemSize) + mem.PageSize - 1); end > segEnd {
			segEnd = end
		}
	}

	// Lazy heap one guard page above the loaded segments.
	as.heapStart = segEnd + 1
	as.heapEnd = as.heapStart
	if err := as.insertRegion(Region{
		Type:    RegionHeap,
		Start:   as.heapStart,
		Pages:   mem.UserHeapPages,
		Perms:   FlagRead | FlagWrite | FlagUser,
		Backing: BackingLazy,
	}); err != nil {
		as.Release()
		return nil, 0, 0, err
	}

	// Lazy stack below the trap context page; the page under the
	// stack range stays unmapped as a guard.
	stackTop := PageFromAddress(mem.UserStackTop)
	if err := as.insertRegion(Region{
		Type:    RegionStack,
		Start:   stackTop - Page(mem.UserStackPages),
		Pages:   mem.UserStackPages,
		Perms:   FlagRead | FlagWrite | FlagUser,
		Backing: BackingLazy,
	}); err != nil {
		as.Release()
		return nil, 0, 0, err
	}

	// Trap context page: kernel-only access.
	ctxPage := PageFromAddress(mem.TrapContextBase)
	ctxFrame, err := alloc.Alloc()
	if err != nil {
		as.Release()
		return nil, 0, 0, err
	}
	mem.ZeroRange(ctxFrame.Address(), mem.PageSize)
	if err := as.insertRegion(Region{
		Type:    RegionTrapContext,
		Start:   ctxPage,
		Pages:   1,
		Perms:   FlagRead | FlagWrite,
		Backing: BackingFramed,
	}); err != nil {
		as.Release()
		return nil, 0, 0, err
	}
	if err := as.pt.Map(ctxPage, ctxFrame, FlagRead|FlagWrite); err != nil {
		as.Release()
		return nil, 0, 0, err
	}

	if err := as.mapTrampoline(); err != nil {
		as.Release()
		return nil, 0, 0, err
	}

	return as, img.Entry, mem.UserStackTop, nil
}

// loadSegment eagerly frames one image segment, copies its bytes and
// zero-fills the remainder up to its memory size.
func (as *AddressSpace) loadSegment(seg loader.Segment) *kernel.Error {
	perms := FlagUser
	if seg.Flags&loader.SegRead != 0 {
		perms |= FlagRead
	}
	if seg.Flags&loader.SegWrite != 0 {
		perms |= FlagWrite
	}
	if seg.Flags&loader.SegExec != 0 {
		perms |= FlagExec
	}

	start := PageFromAddress(seg.VAddr)
	end := PageFromAddress(seg.VAddr + uintptr(seg.MemSize) + mem.PageSize - 1)
	if err := as.insertRegion(Region{
		Type:    RegionData,
		Start:   start,
		Pages:   int(end - start),
		Perms:   perms,
		Backing: BackingFramed,
	}); err != nil {
		return err
	}

	for page := start; page < end; page++ {
		frame, err := as.alloc.Alloc()
		if err != nil {
			return err
		}
		mem.ZeroRange(frame.Address(), mem.PageSize)
		if err := as.pt.Map(page, frame, perms); err != nil {
			return err
		}
	}

	// Copy the file contents through the fresh mappings.
	written := uintptr(0)
	for written < uintptr(seg.FileSize) {
		va := seg.VAddr + written
		frame, _, err := as.pt.Translate(PageFromAddress(va))
		if err != nil {
			return err
		}
		off := PageOffset(va)
		n := uintptr(mem.PageSize) - off
		if remaining := uintptr(seg.FileSize) - written; n > remaining {
			n = remaining
		}
		copy(mem.Slice(frame.Address()+off, int(n)), seg.Data[written:written+n])
		written += n
	}
	return nil
}

// Fork builds a copy-on-write duplicate of a user address space.
// Writable frames are downgraded to read-only copy-on-write in both
// parent and child with their share counts bumped; the trap context
// page is deep-copied so the child's trap state is independent.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	child, err := newAddressSpace(as.alloc)
	if err != nil {
		return nil, err
	}
	child.heapStart = as.heapStart
	child.heapEnd = as.heapEnd

	for _, r := range as.regions {
		switch r.Type {
		case RegionTrampoline:
			if err := child.mapTrampoline(); err != nil {
				child.Release()
				return nil, err
			}
			continue
		case RegionKernelText, RegionKernelData, RegionKernelHeap:
			kernel.Panic(&kernel.Error{Module: "vmm", Message: "fork of the kernel address space", Kind: kernel.KindFatal})
		}

		if err := child.insertRegion(r); err != nil {
			child.Release()
			return nil, err
		}

		for page := r.Start; page < r.End(); page++ {
			frame, flags, terr := as.pt.Translate(page)
			if terr != nil {
				continue // lazily reserved, not yet backed
			}

			if r.Type == RegionTrapContext {
				copyFrame, aerr := as.alloc.Alloc()
				if aerr != nil {
					child.Release()
					return nil, aerr
				}
				copy(mem.Slice(copyFrame.Address(), mem.PageSize), mem.Slice(frame.Address(), mem.PageSize))
				if err := child.pt.Map(page, copyFrame, flags&^FlagValid); err != nil {
					child.Release()
					return nil, err
				}
				continue
			}

			shared := flags &^ FlagValid
			if flags.hasWrite() {
				shared = shared&^FlagWrite | FlagCopyOnWrite
				if err := as.pt.updateLeaf(page, frame, shared); err != nil {
					child.Release()
					return nil, err
				}
			}
			if err := child.pt.Map(page, frame, shared); err != nil {
				child.Release()
				return nil, err
			}
			as.alloc.Retain(frame)
		}
	}

	return child, nil
}

func (f PTEFlags) hasWrite() bool {
	return f&FlagWrite != 0
}

// Brk moves the heap break. Growing only reserves address space; frames
// arrive on first touch. Shrinking releases the frames of any backed
// pages above the new break.
func (as *AddressSpace) Brk(newEnd uintptr) (uintptr, *kernel.Error) {
	if as.heapStart == 0 {
		return 0, ErrInvalidAddress
	}
	if newEnd == 0 {
		return as.heapEnd.Address(), nil
	}

	target := PageFromAddress(newEnd + mem.PageSize - 1)
	if target < as.heapStart || target > as.heapStart+Page(mem.UserHeapPages) {
		return as.heapEnd.Address(), &kernel.Error{Module: "vmm", Message: "heap break outside the heap region", Kind: kernel.KindBadArgument}
	}

	for page := target; page < as.heapEnd; page++ {
		if frame, err := as.pt.Unmap(page); err == nil {
			as.alloc.Release(frame)
		}
	}
	as.heapEnd = target
	return as.heapEnd.Address(), nil
}

// Release returns every frame owned by the space (segment, stack, heap
// and trap-context pages) and then the page-table frames themselves.
// The shared trampoline frame and identity regions are left untouched.
func (as *AddressSpace) Release() {
	for _, r := range as.regions {
		if r.Type == RegionTrampoline || r.Backing == BackingIdentity {
			continue
		}
		for page := r.Start; page < r.End(); page++ {
			if frame, err := as.pt.Unmap(page); err == nil {
				as.alloc.Release(frame)
			}
		}
	}
	as.regions = nil
	as.pt.Release()
}
