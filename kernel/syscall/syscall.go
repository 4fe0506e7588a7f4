package syscall

import (
	"encoding/binary"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/cpu"
	"github.com/zlc-dev/Chronix/kernel/klog"
	"github.com/zlc-dev/Chronix/kernel/loader"
	"github.com/zlc-dev/Chronix/kernel/mem/vmm"
	"github.com/zlc-dev/Chronix/kernel/task"
	"github.com/zlc-dev/Chronix/kernel/trap"
)

// maxPathLen bounds the program name an exec may pass.
const maxPathLen = 256

var errNoCurrentTask = &kernel.Error{Module: "syscall", Message: "environment call with no current task", Kind: kernel.KindFatal}

// Handle is the trap handler for user environment calls. SEPC is
// advanced past the ecall up front; a blocking call rewinds it so the
// ecall re-runs when the task wakes.
func Handle(hartID int, ctx *trap.Context, _ uintptr) {
	t := task.Current(hartID)
	if t == nil {
		kernel.Panic(errNoCurrentTask)
	}

	ctx.SEPC += cpu.InstrSize

	num := ctx.SyscallNum()
	switch num {
	case SysRead:
		ctx.SetReturn(sysRead(t, ctx))
	case SysWrite:
		ctx.SetReturn(sysWrite(t, ctx))
	case SysExit:
		task.Exit(t, int32(ctx.Arg(0)))
	case SysYield:
		t.SetNeedResched()
		ctx.SetReturn(0)
	case SysSetPriority:
		ctx.SetReturn(sysSetPriority(t, ctx))
	case SysGetPID:
		ctx.SetReturn(uint64(t.Pid()))
	case SysGetPPID:
		ctx.SetReturn(uint64(t.Parent()))
	case SysBrk:
		ctx.SetReturn(sysBrk(t, ctx))
	case SysClone:
		ctx.SetReturn(sysClone(t))
	case SysExec:
		sysExec(t, ctx)
	case SysWaitPID:
		sysWaitPID(t, ctx)
	default:
		klog.L("syscall").Warnw("unknown syscall", "num", num, "pid", t.Pid())
		ctx.SetReturn(ENOSYS.ret())
	}
}

// errnoFor maps a kernel error to the errno a user program sees.
func errnoFor(err *kernel.Error) Errno {
	switch err.Kind {
	case kernel.KindResourceExhausted:
		return ENOMEM
	case kernel.KindInvalidAddress:
		return EFAULT
	case kernel.KindBadArgument:
		return EINVAL
	case kernel.KindBadSyscall:
		return ENOSYS
	}
	return EINVAL
}

func sysRead(t *task.Task, ctx *trap.Context) uint64 {
	fd := int(int64(ctx.Arg(0)))
	buf := uintptr(ctx.Arg(1))
	n := int(int64(ctx.Arg(2)))

	f := t.FDs().Get(fd)
	if f == nil {
		return EBADF.ret()
	}
	if n < 0 {
		return EINVAL.ret()
	}
	// Validate the destination before sizing the bounce buffer from a
	// user-supplied length.
	if cerr := t.Space().CheckUserRange(buf, n, vmm.AccessWrite); cerr != nil {
		return EFAULT.ret()
	}

	tmp := make([]byte, n)
	read, err := f.Read(tmp)
	if err != nil {
		return errnoFor(err).ret()
	}
	if read > 0 {
		if cerr := t.Space().CopyToUser(buf, tmp[:read]); cerr != nil {
			return EFAULT.ret()
		}
	}
	return uint64(read)
}

func sysWrite(t *task.Task, ctx *trap.Context) uint64 {
	fd := int(int64(ctx.Arg(0)))
	buf := uintptr(ctx.Arg(1))
	n := int(int64(ctx.Arg(2)))

	f := t.FDs().Get(fd)
	if f == nil {
		return EBADF.ret()
	}
	if n < 0 {
		return EINVAL.ret()
	}

	data, cerr := t.Space().CopyFromUser(buf, n)
	if cerr != nil {
		return EFAULT.ret()
	}
	written, err := f.Write(data)
	if err != nil {
		return errnoFor(err).ret()
	}
	return uint64(written)
}

func sysSetPriority(t *task.Task, ctx *trap.Context) uint64 {
	prio := int64(ctx.Arg(0))
	if err := t.SetPriority(prio); err != nil {
		return EINVAL.ret()
	}
	return uint64(prio)
}

// sysBrk moves the heap break. brk(0) queries the current break; a
// failed move leaves the break where it was and returns the errno.
func sysBrk(t *task.Task, ctx *trap.Context) uint64 {
	newEnd, err := t.Space().Brk(uintptr(ctx.Arg(0)))
	if err != nil {
		return errnoFor(err).ret()
	}
	return uint64(newEnd)
}

func sysClone(t *task.Task) uint64 {
	child, err := t.Fork()
	if err != nil {
		return errnoFor(err).ret()
	}
	task.Register(child)
	task.Ready.Push(child)

	klog.L("syscall").Debugw("task forked", "parent", t.Pid(), "child", child.Pid())
	return uint64(child.Pid())
}

// sysExec replaces the calling task's program with one registered on
// the boot disk. On success the trap context is replaced wholesale, so
// no return value is written; on failure the old program keeps running
// and sees the errno.
func sysExec(t *task.Task, ctx *trap.Context) {
	pathPtr := uintptr(ctx.Arg(0))
	pathLen := int(int64(ctx.Arg(1)))

	if pathLen <= 0 || pathLen > maxPathLen {
		ctx.SetReturn(EINVAL.ret())
		return
	}
	name, cerr := t.Space().CopyFromUser(pathPtr, pathLen)
	if cerr != nil {
		ctx.SetReturn(EFAULT.ret())
		return
	}

	img := loader.FindProgram(string(name))
	if img == nil {
		ctx.SetReturn(EINVAL.ret())
		return
	}
	if err := t.Exec(img); err != nil {
		ctx.SetReturn(errnoFor(err).ret())
		return
	}
	klog.L("syscall").Infow("task exec", "pid", t.Pid(), "program", string(name))
}

// sysWaitPID reaps a zombie child, blocking until one exists. Blocking
// rewinds SEPC so the ecall re-runs with its registers intact when the
// task wakes; the scheduler will not queue the task until a child's
// exit readies it.
func sysWaitPID(t *task.Task, ctx *trap.Context) {
	pid := task.PID(int64(ctx.Arg(0)))
	statusPtr := uintptr(ctx.Arg(1))

	reaped, code, status := task.Wait(t, pid)
	switch status {
	case task.WaitNoChild:
		ctx.SetReturn(ECHILD.ret())

	case task.WaitPending:
		ctx.SEPC -= cpu.InstrSize

	case task.WaitReaped:
		if statusPtr != 0 {
			var word [4]byte
			binary.LittleEndian.PutUint32(word[:], uint32(code))
			if cerr := t.Space().CopyToUser(statusPtr, word[:]); cerr != nil {
				ctx.SetReturn(EFAULT.ret())
				return
			}
		}
		ctx.SetReturn(uint64(reaped))
	}
}
