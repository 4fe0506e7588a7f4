// Package vmm builds and mutates the Sv39 page-table-backed address
// spaces of the kernel and its tasks. Page tables are real three-level
// trees stored inside the physical memory bank; every lookup walks them.
package vmm

import (
	"github.com/zlc-dev/Chronix/kernel/mem"
)

// Page describes a virtual memory page number.
type Page uintptr

// Address returns the virtual memory address of the first byte of the
// page described by this Page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page that contains the given virtual
// address. Addresses that are not page-aligned are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> mem.PageShift)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mem.PageSize - 1)
}

// vpnIndex extracts the table index for the given walk level. Level 0
// is the root table.
func (p Page) vpnIndex(level int) uintptr {
	shift := uint((mem.PageLevels - 1 - level) * mem.PageLevelBits)
	return (uintptr(p) >> shift) & ((1 << mem.PageLevelBits) - 1)
}
