// Package pmm contains the types used to manage physical memory frames.
package pmm

import (
	"math"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/mem"
)

// Frame describes a physical memory page number.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address of the first byte of the
// page described by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// FrameAllocator hands out exclusive ownership of physical frames and
// tracks sharing counts for frames referenced by more than one mapping
// (copy-on-write pages, the trampoline page).
//
// Implementations must be safe for concurrent use by multiple harts.
type FrameAllocator interface {
	// Alloc reserves one free frame and returns it with a share count
	// of one. It fails with a ResourceExhausted error when the pool is
	// empty.
	Alloc() (Frame, *kernel.Error)

	// Dealloc returns an exclusively-owned frame to the free pool.
	// Passing a frame that is not currently allocated, or one still
	// shared by another mapping, is a kernel invariant violation.
	Dealloc(frame Frame)

	// Retain registers one more mapping referencing an allocated frame.
	Retain(frame Frame)

	// Release drops one mapping reference; the frame returns to the
	// free pool when the last reference is gone.
	Release(frame Frame)

	// RefCount reports the number of live references to a frame.
	RefCount(frame Frame) int

	// Free reports the number of frames available for allocation.
	Free() uint64

	// Total reports the size of the managed pool in frames.
	Total() uint64
}
