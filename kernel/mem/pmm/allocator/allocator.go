// Package allocator implements the physical frame allocator that owns
// every frame not consumed by the kernel image.
package allocator

import (
	"math/bits"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
	"github.com/zlc-dev/Chronix/kernel/sync"
)

var (
	// ErrOutOfMemory is returned by Alloc when the pool is empty.
	ErrOutOfMemory = &kernel.Error{Module: "frame_alloc", Message: "out of physical frames", Kind: kernel.KindResourceExhausted}

	errDoubleFree   = &kernel.Error{Module: "frame_alloc", Message: "frame released while not allocated", Kind: kernel.KindFatal}
	errSharedFree   = &kernel.Error{Module: "frame_alloc", Message: "frame deallocated while still shared", Kind: kernel.KindFatal}
	errOutOfPool    = &kernel.Error{Module: "frame_alloc", Message: "frame outside the managed pool", Kind: kernel.KindFatal}
	errNotAllocated = &kernel.Error{Module: "frame_alloc", Message: "reference operation on a free frame", Kind: kernel.KindFatal}
)

// BitmapAllocator tracks the free frame pool with one bit per frame
// (set = free). A word-at-a-time scan locates the next free frame; a
// side table carries share counts for frames referenced by more than
// one mapping.
type BitmapAllocator struct {
	lock sync.Spinlock

	// The managed physical range [start, end).
	start, end pmm.Frame

	// bitmap stores one bit per frame in the managed range.
	bitmap []uint64

	// scanHint is the word index where the next Alloc scan begins.
	scanHint int

	free  uint64
	total uint64

	// refs holds share counts above one. Frames absent from the map
	// are either free or exclusively owned.
	refs map[pmm.Frame]uint32
}

// New builds an allocator managing the physical range [startAddr,
// endAddr). The start address is rounded up and the end address rounded
// down to page boundaries, matching how the boot code excludes the
// partially-used page at the end of the kernel image.
func New(startAddr, endAddr uintptr) *BitmapAllocator {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	start := pmm.Frame((startAddr + pageSizeMinus1) &^ pageSizeMinus1 >> mem.PageShift)
	end := pmm.Frame(endAddr >> mem.PageShift)
	if end < start {
		end = start
	}

	total := uint64(end - start)
	alloc := &BitmapAllocator{
		start:  start,
		end:    end,
		bitmap: make([]uint64, (total+63)/64),
		free:   total,
		total:  total,
		refs:   make(map[pmm.Frame]uint32),
	}

	for i := uint64(0); i < total; i++ {
		alloc.bitmap[i/64] |= 1 << (i % 64)
	}
	return alloc
}

// Alloc reserves the next available free frame.
func (a *BitmapAllocator) Alloc() (pmm.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.free == 0 {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	for scanned := 0; scanned < len(a.bitmap); scanned++ {
		word := (a.scanHint + scanned) % len(a.bitmap)
		if a.bitmap[word] == 0 {
			continue
		}

		bit := bits.TrailingZeros64(a.bitmap[word])
		idx := uint64(word)*64 + uint64(bit)
		if idx >= a.total {
			continue
		}

		a.bitmap[word] &^= 1 << uint(bit)
		a.free--
		a.scanHint = word
		return a.start + pmm.Frame(idx), nil
	}

	// The free counter said a frame existed but the scan found none.
	kernel.Panic(&kernel.Error{Module: "frame_alloc", Message: "free counter out of sync with bitmap", Kind: kernel.KindFatal})
	return pmm.InvalidFrame, ErrOutOfMemory
}

// Dealloc returns an exclusively-owned frame to the pool. Double
// releases and releases of shared frames halt the machine.
func (a *BitmapAllocator) Dealloc(frame pmm.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.refs[frame] > 1 {
		kernel.Panic(errSharedFree)
	}
	delete(a.refs, frame)
	a.put(frame)
}

// Retain registers one more mapping referencing frame.
func (a *BitmapAllocator) Retain(frame pmm.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()

	idx := a.index(frame)
	if a.bitmap[idx/64]&(1<<(idx%64)) != 0 {
		kernel.Panic(errNotAllocated)
	}
	if _, ok := a.refs[frame]; !ok {
		a.refs[frame] = 1
	}
	a.refs[frame]++
}

// Release drops one mapping reference, freeing the frame when the last
// reference is gone.
func (a *BitmapAllocator) Release(frame pmm.Frame) {
	a.lock.Acquire()
	defer a.lock.Release()

	if n, ok := a.refs[frame]; ok {
		if n > 2 {
			a.refs[frame] = n - 1
		} else {
			delete(a.refs, frame)
		}
		return
	}
	a.put(frame)
}

// RefCount reports the number of live references to an allocated frame.
func (a *BitmapAllocator) RefCount(frame pmm.Frame) int {
	a.lock.Acquire()
	defer a.lock.Release()

	idx := a.index(frame)
	if a.bitmap[idx/64]&(1<<(idx%64)) != 0 {
		return 0
	}
	if n, ok := a.refs[frame]; ok {
		return int(n)
	}
	return 1
}

// Free returns the number of frames available for allocation.
func (a *BitmapAllocator) Free() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.free
}

// Total returns the size of the managed pool in frames.
func (a *BitmapAllocator) Total() uint64 {
	return a.total
}

// put marks a frame free. Caller holds the lock.
func (a *BitmapAllocator) put(frame pmm.Frame) {
	idx := a.index(frame)
	mask := uint64(1) << (idx % 64)
	if a.bitmap[idx/64]&mask != 0 {
		kernel.Panic(errDoubleFree)
	}
	a.bitmap[idx/64] |= mask
	a.free++
}

// index converts a frame to its bitmap position, halting on frames the
// allocator does not manage. Caller holds the lock.
func (a *BitmapAllocator) index(frame pmm.Frame) uint64 {
	if frame < a.start || frame >= a.end {
		kernel.Panic(errOutOfPool)
	}
	return uint64(frame - a.start)
}
