package vmm

import (
	"github.com/zlc-dev/Chronix/kernel"
)

// Backing describes how the pages of a region obtain physical frames.
type Backing uint8

const (
	// BackingFramed regions receive frames eagerly when the region is
	// created (loaded segments, the trap context page).
	BackingFramed Backing = iota

	// BackingLazy regions are reserved but not yet backed; the first
	// access to a page triggers on-demand frame allocation.
	BackingLazy

	// BackingIdentity regions translate arithmetically (frame number
	// equals page number) and own none of their frames. Only the
	// kernel address space uses them.
	BackingIdentity
)

// RegionType names the role a region plays inside an address space.
type RegionType uint8

// Region roles.
const (
	RegionKernelText RegionType = iota
	RegionKernelData
	RegionKernelHeap
	RegionData
	RegionHeap
	RegionStack
	RegionTrapContext
	RegionTrampoline
)

func (t RegionType) String() string {
	switch t {
	case RegionKernelText:
		return "ktext"
	case RegionKernelData:
		return "kdata"
	case RegionKernelHeap:
		return "kheap"
	case RegionData:
		return "data"
	case RegionHeap:
		return "heap"
	case RegionStack:
		return "stack"
	case RegionTrapContext:
		return "trapctx"
	case RegionTrampoline:
		return "trampoline"
	}
	return "unknown"
}

var errRegionOverlap = &kernel.Error{Module: "vmm", Message: "mapped region overlaps an existing region", Kind: kernel.KindBadArgument}

// Region is a contiguous range of virtual pages with uniform
// permissions and backing policy.
type Region struct {
	Type    RegionType
	Start   Page
	Pages   int
	Perms   PTEFlags
	Backing Backing
}

// End returns the first page past the region.
func (r Region) End() Page {
	return r.Start + Page(r.Pages)
}

// contains reports whether the region covers the given page.
func (r Region) contains(page Page) bool {
	return page >= r.Start && page < r.End()
}

// insertRegion adds a region to the ordered set, rejecting overlaps.
func (as *AddressSpace) insertRegion(r Region) *kernel.Error {
	pos := len(as.regions)
	for i, existing := range as.regions {
		if r.Start < existing.End() && existing.Start < r.End() {
			return errRegionOverlap
		}
		if r.End() <= existing.Start {
			pos = i
			break
		}
	}

	as.regions = append(as.regions, Region{})
	copy(as.regions[pos+1:], as.regions[pos:])
	as.regions[pos] = r
	return nil
}

// regionFor returns the region covering a page, or nil.
func (as *AddressSpace) regionFor(page Page) *Region {
	for i := range as.regions {
		if as.regions[i].contains(page) {
			return &as.regions[i]
		}
	}
	return nil
}
