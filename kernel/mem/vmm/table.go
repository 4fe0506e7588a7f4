package vmm

import (
	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
)

var (
	// ErrInvalidAddress is returned when a virtual address does not
	// point to a mapped physical page.
	ErrInvalidAddress = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindInvalidAddress}

	errCorruptTable = &kernel.Error{Module: "vmm", Message: "corrupted page table structure", Kind: kernel.KindFatal}
	errRemap        = &kernel.Error{Module: "vmm", Message: "page already mapped", Kind: kernel.KindFatal}
)

// PageTable owns the root frame of an Sv39 tree plus every intermediate
// table frame allocated for it.
type PageTable struct {
	alloc pmm.FrameAllocator
	root  pmm.Frame

	// tables records the root and intermediate table frames so they
	// can be returned to the pool when the table is torn down.
	tables []pmm.Frame
}

// NewPageTable allocates and clears a root table frame.
func NewPageTable(alloc pmm.FrameAllocator) (*PageTable, *kernel.Error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, err
	}
	mem.ZeroRange(root.Address(), mem.PageSize)

	return &PageTable{
		alloc:  alloc,
		root:   root,
		tables: []pmm.Frame{root},
	}, nil
}

// Root returns the frame holding the root table.
func (pt *PageTable) Root() pmm.Frame {
	return pt.root
}

// pageTableWalker is invoked with the slot address and current value of
// the page table entry at each level. Returning false aborts the walk.
type pageTableWalker func(level int, entryAddr uintptr, pte PTE) bool

// walk performs a page table walk for the given page, calling walkFn
// with the entry slot at each level. When allocate is set, missing
// intermediate tables are allocated and zeroed on the way down;
// otherwise the walk fails with ErrInvalidAddress.
func (pt *PageTable) walk(page Page, allocate bool, walkFn pageTableWalker) *kernel.Error {
	tableFrame := pt.root

	for level := 0; level < mem.PageLevels; level++ {
		entryAddr := tableFrame.Address() + page.vpnIndex(level)*mem.PTESize
		pte := loadPTE(entryAddr)

		if !walkFn(level, entryAddr, pte) {
			return nil
		}
		if level == mem.PageLevels-1 {
			return nil
		}

		if !pte.HasFlags(FlagValid) {
			if !allocate {
				return ErrInvalidAddress
			}

			newTable, err := pt.alloc.Alloc()
			if err != nil {
				return err
			}
			mem.ZeroRange(newTable.Address(), mem.PageSize)
			storePTE(entryAddr, NewPTE(newTable, FlagValid))
			pt.tables = append(pt.tables, newTable)
			tableFrame = newTable
			continue
		}

		// A leaf above the last level would be a huge page; the
		// kernel never creates one, so finding it means the tree
		// is corrupt.
		if pte.isLeaf() {
			kernel.Panic(errCorruptTable)
		}
		tableFrame = pte.Frame()
	}
	return nil
}

// Map establishes a mapping between a virtual page and a physical
// frame, allocating missing intermediate tables on the way down.
// Mapping an already-mapped page is a kernel invariant violation.
func (pt *PageTable) Map(page Page, frame pmm.Frame, flags PTEFlags) *kernel.Error {
	return pt.walk(page, true, func(level int, entryAddr uintptr, pte PTE) bool {
		if level != mem.PageLevels-1 {
			return true
		}
		if pte.HasFlags(FlagValid) {
			kernel.Panic(errRemap)
		}
		storePTE(entryAddr, NewPTE(frame, flags|FlagValid))
		return true
	})
}

// Unmap removes the mapping for a page and returns the frame it pointed
// to. Unmapping a page that is not mapped fails with ErrInvalidAddress.
func (pt *PageTable) Unmap(page Page) (pmm.Frame, *kernel.Error) {
	var (
		frame = pmm.InvalidFrame
		err   *kernel.Error
	)

	walkErr := pt.walk(page, false, func(level int, entryAddr uintptr, pte PTE) bool {
		if level != mem.PageLevels-1 {
			return true
		}
		if !pte.HasFlags(FlagValid) {
			err = ErrInvalidAddress
			return false
		}
		frame = pte.Frame()
		storePTE(entryAddr, 0)
		return true
	})

	if walkErr != nil {
		return pmm.InvalidFrame, walkErr
	}
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return frame, nil
}

// Translate walks the table and returns the frame and flags mapped for
// a page, or ErrInvalidAddress if the page is unmapped.
func (pt *PageTable) Translate(page Page) (pmm.Frame, PTEFlags, *kernel.Error) {
	var (
		frame = pmm.InvalidFrame
		flags PTEFlags
		err   *kernel.Error
	)

	walkErr := pt.walk(page, false, func(level int, entryAddr uintptr, pte PTE) bool {
		if level != mem.PageLevels-1 {
			return true
		}
		if !pte.HasFlags(FlagValid) {
			err = ErrInvalidAddress
			return false
		}
		frame = pte.Frame()
		flags = pte.Flags()
		return true
	})

	if walkErr != nil {
		return pmm.InvalidFrame, 0, walkErr
	}
	if err != nil {
		return pmm.InvalidFrame, 0, err
	}
	return frame, flags, nil
}

// updateLeaf rewrites the leaf entry of a mapped page in place. Used by
// the fork and page-fault paths to flip copy-on-write state.
func (pt *PageTable) updateLeaf(page Page, frame pmm.Frame, flags PTEFlags) *kernel.Error {
	var err *kernel.Error

	walkErr := pt.walk(page, false, func(level int, entryAddr uintptr, pte PTE) bool {
		if level != mem.PageLevels-1 {
			return true
		}
		if !pte.HasFlags(FlagValid) {
			err = ErrInvalidAddress
			return false
		}
		storePTE(entryAddr, NewPTE(frame, flags|FlagValid))
		return true
	})

	if walkErr != nil {
		return walkErr
	}
	return err
}

// Release returns every table frame (root included) to the pool. All
// leaf mappings must have been released by the caller first.
func (pt *PageTable) Release() {
	for _, frame := range pt.tables {
		pt.alloc.Dealloc(frame)
	}
	pt.tables = nil
	pt.root = pmm.InvalidFrame
}
