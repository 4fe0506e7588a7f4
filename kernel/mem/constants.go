package mem

// Sv39 paging geometry.
const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift
	// right by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = 1 << PageShift

	// PageLevels is the number of page table levels.
	PageLevels = 3

	// PageLevelBits is the number of virtual address bits consumed by
	// each table level (512 entries per table).
	PageLevelBits = 9

	// PTESize is the size of a page table entry in bytes.
	PTESize = 8

	// VAWidth is the number of significant virtual address bits.
	VAWidth = 39

	// MaxVA is the first virtual address past the addressable range.
	MaxVA = uintptr(1) << VAWidth
)

// Physical memory layout. The machine is entered by firmware at
// KernelBase; the frame pool starts where the kernel image ends.
const (
	// RAMBase is the physical address where the memory bank begins.
	RAMBase = uintptr(0x8000_0000)

	// KernelBase is the physical load address of the kernel image.
	KernelBase = uintptr(0x8020_0000)

	// KernelImageSize is the space reserved for kernel code, data and
	// boot heap. Frames below KernelBase+KernelImageSize never enter
	// the free pool.
	KernelImageSize = 4 * Mb

	// DefaultMemoryEnd matches the 128 MiB qemu-virt bank.
	DefaultMemoryEnd = uintptr(0x8800_0000)
)

// User virtual address layout, top down.
const (
	// TrampolineBase is the shared trampoline page, mapped at the same
	// virtual address in every address space.
	TrampolineBase = MaxVA - PageSize

	// TrapContextBase holds the per-task trap context page.
	TrapContextBase = TrampolineBase - PageSize

	// UserStackTop is the initial user stack pointer. The stack grows
	// down from here and is lazily backed.
	UserStackTop = TrapContextBase

	// UserStackPages is the maximum user stack size in pages. The page
	// below the stack range is a guard: it is never mapped.
	UserStackPages = 16

	// UserHeapPages is the maximum lazily-backed heap size in pages.
	UserHeapPages = 64
)
