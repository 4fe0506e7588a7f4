package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlc-dev/Chronix/kernel/loader"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm/allocator"
)

// bootTestMemory brings up a fresh RAM bank, frame allocator and
// trampoline for one test.
func bootTestMemory(t *testing.T) *allocator.BitmapAllocator {
	t.Helper()

	mem.ResetRAM()
	ResetTrampoline()
	mem.InitRAM(32 * mem.Mb)

	alloc := allocator.New(mem.KernelBase+uintptr(mem.KernelImageSize), mem.RAMEnd())
	require.Nil(t, InitTrampoline(alloc))

	t.Cleanup(func() {
		mem.ResetRAM()
		ResetTrampoline()
	})
	return alloc
}

func testImage() *loader.Image {
	code := []byte{0x13, 0x00, 0x00, 0x00, 0x73, 0x00, 0x00, 0x00}
	data := []byte("chronix user data")

	return &loader.Image{
		Entry: 0x10000,
		Segments: []loader.Segment{
			{VAddr: 0x10000, FileSize: uint64(len(code)), MemSize: uint64(len(code)), Flags: loader.SegRead | loader.SegExec, Data: code},
			{VAddr: 0x20000, FileSize: uint64(len(data)), MemSize: 2 * mem.PageSize, Flags: loader.SegRead | loader.SegWrite, Data: data},
		},
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	alloc := bootTestMemory(t)

	pt, err := NewPageTable(alloc)
	require.Nil(t, err)

	frame, err := alloc.Alloc()
	require.Nil(t, err)

	page := PageFromAddress(0x10000)
	flags := FlagRead | FlagWrite | FlagUser
	require.Nil(t, pt.Map(page, frame, flags))

	gotFrame, gotFlags, err := pt.Translate(page)
	require.Nil(t, err)
	assert.Equal(t, frame, gotFrame)
	assert.Equal(t, flags|FlagValid, gotFlags)

	unmapped, err := pt.Unmap(page)
	require.Nil(t, err)
	assert.Equal(t, frame, unmapped)

	_, _, err = pt.Translate(page)
	assert.Equal(t, ErrInvalidAddress, err)
}

func TestUnmapUnmappedPageFails(t *testing.T) {
	alloc := bootTestMemory(t)

	pt, err := NewPageTable(alloc)
	require.Nil(t, err)

	_, uerr := pt.Unmap(PageFromAddress(0xdead000))
	assert.Equal(t, ErrInvalidAddress, uerr)
}

func TestMapAllocatesIntermediateLevels(t *testing.T) {
	alloc := bootTestMemory(t)
	free := alloc.Free()

	pt, err := NewPageTable(alloc)
	require.Nil(t, err)

	frame, err := alloc.Alloc()
	require.Nil(t, err)

	// Mapping one page must allocate one table per missing level.
	require.Nil(t, pt.Map(PageFromAddress(0x10000), frame, FlagRead))
	assert.Equal(t, free-4, alloc.Free(), "expected root + 2 intermediate tables + 1 data frame")

	// A neighbouring page reuses the same table chain.
	frame2, err := alloc.Alloc()
	require.Nil(t, err)
	require.Nil(t, pt.Map(PageFromAddress(0x11000), frame2, FlagRead))
	assert.Equal(t, free-5, alloc.Free())
}

func TestRemapIsFatal(t *testing.T) {
	alloc := bootTestMemory(t)

	pt, err := NewPageTable(alloc)
	require.Nil(t, err)

	frame, err := alloc.Alloc()
	require.Nil(t, err)
	require.Nil(t, pt.Map(PageFromAddress(0x10000), frame, FlagRead))

	require.Panics(t, func() {
		_ = pt.Map(PageFromAddress(0x10000), frame, FlagRead)
	})
}

func TestNewUserLayout(t *testing.T) {
	alloc := bootTestMemory(t)

	as, entry, sp, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer as.Release()

	assert.Equal(t, uintptr(0x10000), entry)
	assert.Equal(t, mem.UserStackTop, sp)

	// Code segment contents were copied.
	frame, flags, terr := as.Translate(PageFromAddress(0x10000))
	require.Nil(t, terr)
	assert.True(t, flags.HasFlags(FlagRead|FlagExec|FlagUser))
	assert.False(t, flags.HasFlags(FlagWrite))
	assert.Equal(t, []byte{0x13, 0x00, 0x00, 0x00}, mem.Slice(frame.Address(), 4))

	// Data segment: bytes copied, zero-filled up to MemSize.
	frame, _, terr = as.Translate(PageFromAddress(0x20000))
	require.Nil(t, terr)
	assert.Equal(t, []byte("chronix user data"), mem.Slice(frame.Address(), 17))
	assert.Equal(t, byte(0), mem.Slice(frame.Address(), mem.PageSize)[17])
	_, _, terr = as.Translate(PageFromAddress(0x21000))
	require.Nil(t, terr, "zero-filled tail page must be mapped")

	// Stack pages are reserved but not backed yet.
	_, _, terr = as.Translate(PageFromAddress(mem.UserStackTop - mem.PageSize))
	assert.Equal(t, ErrInvalidAddress, terr)

	// Guard page below the stack belongs to no region.
	guard := PageFromAddress(mem.UserStackTop) - Page(mem.UserStackPages) - 1
	assert.Nil(t, as.regionFor(guard))

	// Trap context page is mapped but not user-accessible.
	_, flags, terr = as.Translate(PageFromAddress(mem.TrapContextBase))
	require.Nil(t, terr)
	assert.False(t, flags.HasFlags(FlagUser))
}

func TestTrampolineSharedAcrossSpaces(t *testing.T) {
	alloc := bootTestMemory(t)

	asA, _, _, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer asA.Release()

	asB, _, _, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer asB.Release()

	page := PageFromAddress(mem.TrampolineBase)
	frameA, _, terr := asA.Translate(page)
	require.Nil(t, terr)
	frameB, _, terr := asB.Translate(page)
	require.Nil(t, terr)

	assert.Equal(t, TrampolineFrame(), frameA)
	assert.Equal(t, frameA, frameB, "trampoline must map the same frame in every space")
}

func TestLazyStackFault(t *testing.T) {
	alloc := bootTestMemory(t)

	as, _, sp, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer as.Release()

	va := sp - 8
	require.Nil(t, as.HandleFault(va, AccessWrite))

	frame, flags, terr := as.Translate(PageFromAddress(va))
	require.Nil(t, terr)
	assert.True(t, flags.HasFlags(FlagRead|FlagWrite|FlagUser))
	assert.Equal(t, make([]byte, 16), mem.Slice(frame.Address(), 16), "lazy frame must arrive zeroed")

	// Fault below the guard page is not recoverable.
	guardVA := mem.UserStackTop - uintptr((mem.UserStackPages+1)*mem.PageSize) - 8
	assert.Equal(t, ErrInvalidAddress, as.HandleFault(guardVA, AccessWrite))
}

func TestForkCopyOnWrite(t *testing.T) {
	alloc := bootTestMemory(t)

	parent, _, _, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer parent.Release()

	dataPage := PageFromAddress(0x20000)
	parentFrame, _, terr := parent.Translate(dataPage)
	require.Nil(t, terr)

	child, err := parent.Fork()
	require.Nil(t, err)
	defer child.Release()

	// Both spaces share the data frame read-only with the CoW bit.
	for _, as := range []*AddressSpace{parent, child} {
		frame, flags, terr := as.Translate(dataPage)
		require.Nil(t, terr)
		assert.Equal(t, parentFrame, frame)
		assert.True(t, flags.HasFlags(FlagCopyOnWrite))
		assert.False(t, flags.HasFlags(FlagWrite))
	}
	assert.Equal(t, 2, alloc.RefCount(parentFrame))

	// Trap context pages must not be shared.
	ctxPage := PageFromAddress(mem.TrapContextBase)
	pCtx, _, terr := parent.Translate(ctxPage)
	require.Nil(t, terr)
	cCtx, _, terr := child.Translate(ctxPage)
	require.Nil(t, terr)
	assert.NotEqual(t, pCtx, cCtx)

	// Child write breaks the share: new frame with parent's bytes.
	require.Nil(t, child.HandleFault(0x20000, AccessWrite))
	childFrame, childFlags, terr := child.Translate(dataPage)
	require.Nil(t, terr)
	assert.NotEqual(t, parentFrame, childFrame)
	assert.True(t, childFlags.HasFlags(FlagWrite))
	assert.False(t, childFlags.HasFlags(FlagCopyOnWrite))
	assert.Equal(t, []byte("chronix user data"), mem.Slice(childFrame.Address(), 17))

	// Parent write now claims the last reference in place.
	require.Nil(t, parent.HandleFault(0x20000, AccessWrite))
	claimed, parentFlags, terr := parent.Translate(dataPage)
	require.Nil(t, terr)
	assert.Equal(t, parentFrame, claimed)
	assert.True(t, parentFlags.HasFlags(FlagWrite))
}

func TestReleaseReturnsEveryFrame(t *testing.T) {
	alloc := bootTestMemory(t)
	free := alloc.Free()

	as, _, sp, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	require.Nil(t, as.HandleFault(sp-8, AccessWrite))

	child, err := as.Fork()
	require.Nil(t, err)
	require.Nil(t, child.HandleFault(0x20000, AccessWrite))

	child.Release()
	as.Release()
	assert.Equal(t, free, alloc.Free(), "balanced create/destroy must restore the pool")
}

func TestCopyUserRoundtrip(t *testing.T) {
	alloc := bootTestMemory(t)

	as, _, sp, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer as.Release()

	// Write across a page boundary in the lazy stack region.
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	va := sp - 8192 - 100
	require.Nil(t, as.CopyToUser(va, payload))

	got, cerr := as.CopyFromUser(va, len(payload))
	require.Nil(t, cerr)
	assert.Equal(t, payload, got)
}

func TestCopyUserRejectsBadPointers(t *testing.T) {
	alloc := bootTestMemory(t)

	as, _, _, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer as.Release()

	// Unmapped hole.
	_, cerr := as.CopyFromUser(0x4000_0000, 16)
	assert.Equal(t, ErrInvalidAddress, cerr)

	// Kernel-only trap context page.
	assert.Equal(t, ErrInvalidAddress, as.CopyToUser(mem.TrapContextBase, []byte{1}))

	// Write into a read-only code segment.
	assert.Equal(t, ErrInvalidAddress, as.CopyToUser(0x10000, []byte{1}))
}

func TestCheckUserRange(t *testing.T) {
	alloc := bootTestMemory(t)

	as, _, sp, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer as.Release()

	stackVA := sp - 4096
	assert.Nil(t, as.CheckUserRange(stackVA, 2048, AccessWrite))

	// Lengths no mapping can satisfy fail up front, before any kernel
	// buffer is sized from them.
	assert.Equal(t, ErrInvalidAddress, as.CheckUserRange(stackVA, 1<<40, AccessRead))
	_, cerr := as.CopyFromUser(stackVA, 1<<40)
	assert.Equal(t, ErrInvalidAddress, cerr)

	// Negative counts and ranges that wrap the address space.
	assert.Equal(t, ErrInvalidAddress, as.CheckUserRange(stackVA, -1, AccessRead))
	assert.Equal(t, ErrInvalidAddress, as.CheckUserRange(^uintptr(0)-16, 64, AccessRead))

	// Ranges running off the end of their region.
	assert.Equal(t, ErrInvalidAddress, as.CheckUserRange(stackVA, 3*4096, AccessWrite))
	assert.Equal(t, ErrInvalidAddress, as.CheckUserRange(0x10000, 8, AccessWrite), "code segment is not writable")
}

func TestCopyToUserBreaksCoW(t *testing.T) {
	alloc := bootTestMemory(t)

	parent, _, _, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer parent.Release()

	child, err := parent.Fork()
	require.Nil(t, err)
	defer child.Release()

	require.Nil(t, child.CopyToUser(0x20000, []byte("patched")))

	childData, cerr := child.CopyFromUser(0x20000, 7)
	require.Nil(t, cerr)
	assert.Equal(t, []byte("patched"), childData)

	parentData, cerr := parent.CopyFromUser(0x20000, 7)
	require.Nil(t, cerr)
	assert.Equal(t, []byte("chronix"), parentData, "parent data must survive child writes")
}

func TestBrk(t *testing.T) {
	alloc := bootTestMemory(t)

	as, _, _, err := NewUser(alloc, testImage())
	require.Nil(t, err)
	defer as.Release()

	base := as.heapStart.Address()

	// Query.
	cur, berr := as.Brk(0)
	require.Nil(t, berr)
	assert.Equal(t, base, cur)

	// Grow and touch.
	end, berr := as.Brk(base + 3*mem.PageSize)
	require.Nil(t, berr)
	assert.Equal(t, base+3*mem.PageSize, end)
	require.Nil(t, as.HandleFault(base+mem.PageSize, AccessWrite))

	// Shrink releases backed frames.
	free := alloc.Free()
	_, berr = as.Brk(base)
	require.Nil(t, berr)
	assert.Equal(t, free+1, alloc.Free())

	// Out of range.
	_, berr = as.Brk(base + uintptr((mem.UserHeapPages+1)*mem.PageSize))
	require.NotNil(t, berr)
}

func TestKernelSpaceIdentityTranslate(t *testing.T) {
	alloc := bootTestMemory(t)

	as, err := NewKernel(alloc)
	require.Nil(t, err)

	// Kernel text translates arithmetically.
	frame, flags, terr := as.Translate(PageFromAddress(mem.KernelBase))
	require.Nil(t, terr)
	assert.Equal(t, pmm.FrameFromAddress(mem.KernelBase), frame)
	assert.True(t, flags.HasFlags(FlagRead|FlagExec))

	// The trampoline is a real mapping.
	frame, _, terr = as.Translate(PageFromAddress(mem.TrampolineBase))
	require.Nil(t, terr)
	assert.Equal(t, TrampolineFrame(), frame)

	// Addresses outside every region fail.
	_, _, terr = as.Translate(PageFromAddress(0x1000))
	assert.Equal(t, ErrInvalidAddress, terr)
}
