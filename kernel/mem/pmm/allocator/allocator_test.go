package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
)

func newTestAllocator(pages int) *BitmapAllocator {
	start := mem.KernelBase + uintptr(mem.KernelImageSize)
	return New(start, start+uintptr(pages*mem.PageSize))
}

func TestAllocUniqueFrames(t *testing.T) {
	alloc := newTestAllocator(128)

	seen := make(map[pmm.Frame]bool)
	for i := 0; i < 128; i++ {
		frame, err := alloc.Alloc()
		require.Nil(t, err)
		require.True(t, frame.Valid())
		require.False(t, seen[frame], "frame %d handed out twice", frame)
		seen[frame] = true
	}

	_, err := alloc.Alloc()
	require.Equal(t, ErrOutOfMemory, err)
}

func TestBalancedAllocDeallocRestoresPool(t *testing.T) {
	alloc := newTestAllocator(64)
	initialFree := alloc.Free()

	var frames []pmm.Frame
	for i := 0; i < 48; i++ {
		frame, err := alloc.Alloc()
		require.Nil(t, err)
		frames = append(frames, frame)
	}
	assert.Equal(t, initialFree-48, alloc.Free())

	for _, frame := range frames {
		alloc.Dealloc(frame)
	}
	assert.Equal(t, initialFree, alloc.Free())
	assert.Equal(t, uint64(64), alloc.Total())
}

func TestUnalignedRangeRounding(t *testing.T) {
	start := mem.KernelBase + uintptr(mem.KernelImageSize)
	alloc := New(start+123, start+uintptr(10*mem.PageSize)+45)

	// Start rounds up past the partial page; end rounds down.
	assert.Equal(t, uint64(9), alloc.Total())
}

func TestDoubleFreeIsFatal(t *testing.T) {
	alloc := newTestAllocator(8)

	frame, err := alloc.Alloc()
	require.Nil(t, err)
	alloc.Dealloc(frame)

	require.Panics(t, func() { alloc.Dealloc(frame) })
}

func TestDeallocForeignFrameIsFatal(t *testing.T) {
	alloc := newTestAllocator(8)
	require.Panics(t, func() { alloc.Dealloc(pmm.Frame(1)) })
}

func TestShareCounts(t *testing.T) {
	alloc := newTestAllocator(8)

	frame, err := alloc.Alloc()
	require.Nil(t, err)
	require.Equal(t, 1, alloc.RefCount(frame))

	alloc.Retain(frame)
	require.Equal(t, 2, alloc.RefCount(frame))

	// A shared frame cannot be force-deallocated.
	require.Panics(t, func() { alloc.Dealloc(frame) })

	free := alloc.Free()
	alloc.Release(frame)
	require.Equal(t, 1, alloc.RefCount(frame))
	require.Equal(t, free, alloc.Free())

	alloc.Release(frame)
	require.Equal(t, 0, alloc.RefCount(frame))
	require.Equal(t, free+1, alloc.Free())
}

func TestRetainFreeFrameIsFatal(t *testing.T) {
	alloc := newTestAllocator(8)

	frame, err := alloc.Alloc()
	require.Nil(t, err)
	alloc.Dealloc(frame)

	require.Panics(t, func() { alloc.Retain(frame) })
}
