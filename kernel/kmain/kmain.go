// Package kmain boots the machine: it brings up physical memory, the
// frame allocator, the kernel address space and the trap handlers,
// loads the boot disk, spawns the init task and runs one goroutine per
// hart until no live task remains.
package kmain

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/config"
	"github.com/zlc-dev/Chronix/kernel/cpu"
	"github.com/zlc-dev/Chronix/kernel/device"
	"github.com/zlc-dev/Chronix/kernel/klog"
	"github.com/zlc-dev/Chronix/kernel/loader"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm/allocator"
	"github.com/zlc-dev/Chronix/kernel/mem/vmm"
	"github.com/zlc-dev/Chronix/kernel/syscall"
	"github.com/zlc-dev/Chronix/kernel/task"
	"github.com/zlc-dev/Chronix/kernel/trap"
)

// Kernel owns the machine. Boot must complete before Run.
type Kernel struct {
	cfg     config.Config
	alloc   *allocator.BitmapAllocator
	kspace  *vmm.AddressSpace
	console *device.Console
	harts   []*cpu.Hart

	booted bool
}

// New builds an unbooted kernel. The given reader and writer become the
// console backing the stdio descriptors of every task.
func New(cfg config.Config, consoleIn io.Reader, consoleOut io.Writer) *Kernel {
	return &Kernel{
		cfg:     cfg,
		console: device.NewConsole(consoleIn, consoleOut),
	}
}

// Boot initializes the machine and spawns the init task from the named
// program on the boot disk.
func (k *Kernel) Boot(disk device.BlockDevice, initProgram string) *kernel.Error {
	if k.booted {
		kernel.Panic(&kernel.Error{Module: "kmain", Message: "machine booted twice", Kind: kernel.KindFatal})
	}

	if err := k.cfg.Validate(); err != nil {
		return &kernel.Error{Module: "kmain", Message: err.Error(), Kind: kernel.KindBadArgument}
	}

	mem.InitRAM(mem.Size(k.cfg.Machine.MemoryMiB) * mem.Mb)
	k.alloc = allocator.New(mem.KernelBase+uintptr(mem.KernelImageSize), mem.RAMEnd())
	klog.L("kmain").Infow("physical memory online",
		"ram_mib", k.cfg.Machine.MemoryMiB, "free_frames", k.alloc.Free())

	if err := vmm.InitTrampoline(k.alloc); err != nil {
		return err
	}
	kspace, err := vmm.NewKernel(k.alloc)
	if err != nil {
		return err
	}
	k.kspace = kspace

	k.installTrapHandlers()

	if err := k.loadBootDisk(disk); err != nil {
		return err
	}

	img := loader.FindProgram(initProgram)
	if img == nil {
		return &kernel.Error{Module: "kmain", Message: "init program not on the boot disk", Kind: kernel.KindBadArgument}
	}
	init, err := task.New(k.alloc, img, 0)
	if err != nil {
		return err
	}
	init.FDs().Install(0, k.console)
	init.FDs().Install(1, k.console)
	init.FDs().Install(2, k.console)
	task.Register(init)
	task.Ready.Push(init)
	klog.L("kmain").Infow("init task spawned", "pid", init.Pid(), "program", initProgram)

	for i := 0; i < k.cfg.Machine.Harts; i++ {
		k.harts = append(k.harts, cpu.NewHart(i, k.cfg.Sched.TimeSlice))
	}

	k.booted = true
	return nil
}

// Run executes the machine, one goroutine per hart, until the context
// is cancelled or the last task exits.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.booted {
		kernel.Panic(&kernel.Error{Module: "kmain", Message: "run before boot", Kind: kernel.KindFatal})
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, h := range k.harts {
		h := h
		g.Go(func() error {
			return h.Run(ctx)
		})
	}
	err := g.Wait()
	klog.L("kmain").Infow("machine halted")
	return err
}

// InitExitCode returns the exit code of the init task once the machine
// has halted, or 0 if init is still alive.
func (k *Kernel) InitExitCode() int32 {
	init := task.Lookup(task.InitPID)
	if init == nil || init.State() != task.StateZombie {
		return 0
	}
	return init.ExitCode()
}

// loadBootDisk registers every program image found on the disk.
func (k *Kernel) loadBootDisk(disk device.BlockDevice) *kernel.Error {
	entries, err := device.ReadBootDisk(disk)
	if err != nil {
		return err
	}
	for name, payload := range entries {
		img, derr := loader.Decode(payload)
		if derr != nil {
			klog.L("kmain").Errorw("boot disk entry rejected", "program", name, "err", derr.Message)
			return derr
		}
		loader.RegisterProgram(name, img)
	}
	klog.L("kmain").Infow("boot disk loaded", "programs", loader.ProgramNames())
	return nil
}

// Task exit codes for traps the task cannot recover from.
const (
	exitCodeMemFault = -2
	exitCodeBadInstr = -3
)

// installTrapHandlers wires the trap dispatch table. The page-fault
// handlers give the address space a chance to repair the fault (lazy
// backing, copy-on-write) and kill the task when it cannot.
func (k *Kernel) installTrapHandlers() {
	trap.HandleTrap(trap.CauseUserEnvCall, syscall.Handle)

	trap.HandleTrap(trap.CauseTimerInterrupt, func(hartID int, ctx *trap.Context, _ uintptr) {
		if t := task.Current(hartID); t != nil {
			t.SetNeedResched()
		}
	})

	pageFault := func(access vmm.Access) trap.HandlerFn {
		return func(hartID int, ctx *trap.Context, stval uintptr) {
			t := task.Current(hartID)
			if t == nil {
				kernel.Panic(&kernel.Error{Module: "kmain", Message: "page fault with no current task", Kind: kernel.KindFatal})
			}
			if err := t.Space().HandleFault(stval, access); err != nil {
				klog.L("kmain").Warnw("task killed by page fault",
					"pid", t.Pid(), "access", access.String(), "addr", stval, "sepc", ctx.SEPC)
				task.Exit(t, exitCodeMemFault)
			}
		}
	}
	trap.HandleTrap(trap.CauseInstructionPageFault, pageFault(vmm.AccessExec))
	trap.HandleTrap(trap.CauseLoadPageFault, pageFault(vmm.AccessRead))
	trap.HandleTrap(trap.CauseStorePageFault, pageFault(vmm.AccessWrite))

	kill := func(code int32, what string) trap.HandlerFn {
		return func(hartID int, ctx *trap.Context, stval uintptr) {
			t := task.Current(hartID)
			if t == nil {
				kernel.Panic(&kernel.Error{Module: "kmain", Message: "trap with no current task", Kind: kernel.KindFatal})
			}
			klog.L("kmain").Warnw("task killed",
				"pid", t.Pid(), "reason", what, "sepc", ctx.SEPC, "stval", stval)
			task.Exit(t, code)
		}
	}
	trap.HandleTrap(trap.CauseIllegalInstruction, kill(exitCodeBadInstr, "illegal instruction"))
	trap.HandleTrap(trap.CauseLoadMisaligned, kill(exitCodeMemFault, "misaligned load"))
	trap.HandleTrap(trap.CauseStoreMisaligned, kill(exitCodeMemFault, "misaligned store"))
	trap.HandleTrap(trap.CauseBreakpoint, kill(exitCodeBadInstr, "breakpoint"))
}

// Reset tears down every machine-wide singleton so tests can boot fresh
// machines.
func Reset() {
	mem.ResetRAM()
	vmm.ResetTrampoline()
	trap.ResetHandlers()
	task.ResetTable()
	loader.ResetPrograms()
}
