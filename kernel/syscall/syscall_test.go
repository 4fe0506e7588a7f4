package syscall

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlc-dev/Chronix/kernel/cpu"
	"github.com/zlc-dev/Chronix/kernel/device"
	"github.com/zlc-dev/Chronix/kernel/loader"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm/allocator"
	"github.com/zlc-dev/Chronix/kernel/mem/vmm"
	"github.com/zlc-dev/Chronix/kernel/task"
	"github.com/zlc-dev/Chronix/kernel/trap"
)

func testImage() *loader.Image {
	code := bytes.Repeat([]byte{0}, 2*cpu.InstrSize)
	return &loader.Image{
		Entry: 0x10000,
		Segments: []loader.Segment{
			{VAddr: 0x10000, FileSize: uint64(len(code)), MemSize: uint64(len(code)), Flags: loader.SegRead | loader.SegExec, Data: code},
			{VAddr: 0x20000, FileSize: 8, MemSize: 8, Flags: loader.SegRead | loader.SegWrite, Data: []byte("userdata")},
		},
	}
}

// bootSyscallTest builds a machine with one current task on hart 0.
func bootSyscallTest(t *testing.T) (*task.Task, *allocator.BitmapAllocator) {
	t.Helper()

	mem.ResetRAM()
	vmm.ResetTrampoline()
	task.ResetTable()
	loader.ResetPrograms()
	mem.InitRAM(32 * mem.Mb)

	alloc := allocator.New(mem.KernelBase+uintptr(mem.KernelImageSize), mem.RAMEnd())
	require.Nil(t, vmm.InitTrampoline(alloc))

	tk, err := task.New(alloc, testImage(), 0)
	require.Nil(t, err)
	task.Register(tk)
	task.SetCurrent(0, tk)

	t.Cleanup(func() {
		mem.ResetRAM()
		vmm.ResetTrampoline()
		task.ResetTable()
		loader.ResetPrograms()
	})
	return tk, alloc
}

// call invokes the syscall handler the way an ecall would.
func call(t *task.Task, num uint64, args ...uint64) {
	ctx := t.Ctx()
	ctx.Regs[trap.RegA7] = num
	for i, a := range args {
		ctx.Regs[trap.RegA0+i] = a
	}
	Handle(0, ctx, 0)
}

// retOf reads the syscall result as a signed value.
func retOf(t *task.Task) int64 {
	return int64(t.Ctx().Regs[trap.RegA0])
}

func TestGetPIDAndPPID(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysGetPID)
	assert.Equal(t, int64(tk.Pid()), retOf(tk))

	call(tk, SysGetPPID)
	assert.Equal(t, int64(0), retOf(tk))
}

func TestUnknownSyscall(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, 9999)
	assert.Equal(t, -int64(ENOSYS), retOf(tk))
}

func TestSyscallAdvancesSEPC(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	before := tk.Ctx().SEPC
	call(tk, SysGetPID)
	assert.Equal(t, before+cpu.InstrSize, tk.Ctx().SEPC)
}

func TestWrite(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	var out bytes.Buffer
	tk.FDs().Install(1, device.NewConsole(nil, &out))

	call(tk, SysWrite, 1, 0x20000, 8)
	assert.Equal(t, int64(8), retOf(tk))
	assert.Equal(t, "userdata", out.String())
}

func TestWriteBadDescriptor(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysWrite, 5, 0x20000, 8)
	assert.Equal(t, -int64(EBADF), retOf(tk))
}

func TestWriteBadPointer(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	var out bytes.Buffer
	tk.FDs().Install(1, device.NewConsole(nil, &out))

	call(tk, SysWrite, 1, 0x4000_0000, 8)
	assert.Equal(t, -int64(EFAULT), retOf(tk))
	assert.Zero(t, out.Len())
}

func TestWriteHugeLengthFaults(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	var out bytes.Buffer
	tk.FDs().Install(1, device.NewConsole(nil, &out))

	// A length no user mapping can satisfy must come back as EFAULT
	// before the kernel sizes any buffer from it.
	call(tk, SysWrite, 1, 0x20000, 1<<62)
	assert.Equal(t, -int64(EFAULT), retOf(tk))
	assert.Zero(t, out.Len())
}

func TestReadHugeLengthFaults(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	tk.FDs().Install(0, device.NewConsole(bytes.NewReader([]byte("input")), nil))

	call(tk, SysRead, 0, uint64(mem.UserStackTop-64), 1<<62)
	assert.Equal(t, -int64(EFAULT), retOf(tk))
}

func TestRead(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	tk.FDs().Install(0, device.NewConsole(bytes.NewReader([]byte("input")), nil))

	buf := mem.UserStackTop - 64
	call(tk, SysRead, 0, uint64(buf), 5)
	assert.Equal(t, int64(5), retOf(tk))

	got, err := tk.Space().CopyFromUser(buf, 5)
	require.Nil(t, err)
	assert.Equal(t, "input", string(got))
}

func TestCloneSchedulesChild(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysClone)
	childPID := retOf(tk)
	assert.Greater(t, childPID, int64(tk.Pid()))
	assert.Equal(t, 1, task.Ready.Len())

	child := task.Lookup(task.PID(childPID))
	require.NotNil(t, child)
	assert.Equal(t, uint64(0), child.Ctx().Regs[trap.RegA0], "child must see 0 from clone")
	assert.Equal(t, tk.Ctx().SEPC, child.Ctx().SEPC)
}

func TestExec(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	loader.RegisterProgram("next", testImage())
	require.Nil(t, tk.Space().CopyToUser(mem.UserStackTop-16, []byte("next")))

	oldCtx := tk.Ctx()
	call(tk, SysExec, uint64(mem.UserStackTop-16), 4)

	assert.NotEqual(t, oldCtx, tk.Ctx(), "exec must rebuild the trap context")
	assert.Equal(t, uintptr(0x10000), tk.Ctx().SEPC)
}

func TestExecMissingProgram(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	require.Nil(t, tk.Space().CopyToUser(mem.UserStackTop-16, []byte("ghost")))
	call(tk, SysExec, uint64(mem.UserStackTop-16), 5)
	assert.Equal(t, -int64(EINVAL), retOf(tk))
}

func TestWaitPIDNoChild(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysWaitPID, ^uint64(0), 0)
	assert.Equal(t, -int64(ECHILD), retOf(tk))
}

func TestWaitPIDBlocksAndRewinds(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysClone)
	childPID := task.PID(retOf(tk))

	before := tk.Ctx().SEPC
	call(tk, SysWaitPID, uint64(childPID), 0)
	assert.Equal(t, before, tk.Ctx().SEPC, "blocking wait must rewind to the ecall")
	assert.Equal(t, task.StateBlocked, tk.State())
}

func TestWaitPIDReapsAndWritesStatus(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysClone)
	childPID := task.PID(retOf(tk))
	child := task.Lookup(childPID)
	require.NotNil(t, child)

	task.Exit(child, 7)

	statusVA := mem.UserStackTop - 32
	call(tk, SysWaitPID, uint64(childPID), uint64(statusVA))
	assert.Equal(t, int64(childPID), retOf(tk))

	raw, err := tk.Space().CopyFromUser(statusVA, 4)
	require.Nil(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0}, raw)
}

func TestBrkGrowsHeap(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysBrk, 0)
	base := uintptr(retOf(tk))
	require.NotZero(t, base)

	call(tk, SysBrk, uint64(base)+mem.PageSize)
	assert.Equal(t, base+mem.PageSize, uintptr(retOf(tk)))

	// The grown page is now a usable syscall buffer.
	tk.FDs().Install(0, device.NewConsole(bytes.NewReader([]byte("heap!")), nil))
	call(tk, SysRead, 0, uint64(base), 5)
	assert.Equal(t, int64(5), retOf(tk))

	got, err := tk.Space().CopyFromUser(base, 5)
	require.Nil(t, err)
	assert.Equal(t, "heap!", string(got))
}

func TestBrkOutsideHeapRegion(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysBrk, 0)
	base := uintptr(retOf(tk))

	call(tk, SysBrk, uint64(base)-mem.PageSize)
	assert.Equal(t, -int64(EINVAL), retOf(tk))

	call(tk, SysBrk, 0)
	assert.Equal(t, base, uintptr(retOf(tk)), "a failed move must not change the break")
}

func TestSetPriority(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysSetPriority, 32)
	assert.Equal(t, int64(32), retOf(tk))
	assert.Equal(t, int64(32), tk.Priority())

	call(tk, SysSetPriority, 1)
	assert.Equal(t, -int64(EINVAL), retOf(tk))
}

func TestYieldSetsResched(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysYield)
	assert.Equal(t, int64(0), retOf(tk))
	assert.True(t, tk.TakeNeedResched())
}

func TestExit(t *testing.T) {
	tk, _ := bootSyscallTest(t)

	call(tk, SysExit, uint64(uint32(0xfffffff9))) // -7
	assert.Equal(t, task.StateZombie, tk.State())
	assert.Equal(t, int32(-7), tk.ExitCode())
}
