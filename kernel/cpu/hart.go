package cpu

import (
	"context"
	"runtime"

	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/klog"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/vmm"
	"github.com/zlc-dev/Chronix/kernel/task"
	"github.com/zlc-dev/Chronix/kernel/trap"
)

var errStuckFault = &kernel.Error{Module: "cpu", Message: "memory fault persisted after its handler reported success", Kind: kernel.KindFatal}

// Hart is one hardware thread. Run drives the fetch/decode/execute
// loop; all kernel entries from the interpreted program go through
// trap.Dispatch.
type Hart struct {
	id int

	// quantum is the number of instructions a task may run before the
	// timer fires.
	quantum int
}

// NewHart builds a hart with the given id and scheduling quantum.
func NewHart(id, quantum int) *Hart {
	return &Hart{id: id, quantum: quantum}
}

// ID returns the hart id.
func (h *Hart) ID() int {
	return h.id
}

// Run schedules and executes tasks until the context is cancelled or no
// live task remains. It is shaped to run under an errgroup, one
// goroutine per hart.
func (h *Hart) Run(ctx context.Context) error {
	klog.L("cpu").Debugw("hart online", "hart", h.id, "quantum", h.quantum)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if task.Alive() == 0 {
			klog.L("cpu").Debugw("hart offline, no live tasks", "hart", h.id)
			return nil
		}

		t := task.Ready.Pop()
		if t == nil {
			// Idle: every runnable task is on another hart or blocked.
			runtime.Gosched()
			continue
		}

		task.SetCurrent(h.id, t)
		task.AttachCPU(t)
		t.LoadContext()
		runnable := h.slice(t)
		if t.State() != task.StateZombie {
			// The trap context outlives the slice through the task's
			// trap-context page; zombies no longer own one.
			t.SaveContext()
		}
		woken := task.DetachCPU(t)
		task.SetCurrent(h.id, nil)

		if runnable || woken {
			task.Ready.Push(t)
		}
	}
}

// slice runs one scheduling quantum of a task and reports whether the
// task is still runnable. Quantum expiry enters the kernel through the
// timer trap like any other trap.
func (h *Hart) slice(t *task.Task) bool {
	resched := false
	for tick := 0; tick < h.quantum; tick++ {
		h.step(t)
		if t.State() != task.StateRunning {
			return false
		}
		if t.TakeNeedResched() {
			resched = true
			break
		}
	}

	if !resched {
		trap.Dispatch(trap.CauseTimerInterrupt, h.id, t.Ctx(), 0)
		t.TakeNeedResched()
	}
	return t.State() == task.StateRunning
}

// step fetches, decodes and executes one instruction of the task.
func (h *Hart) step(t *task.Task) {
	tctx := t.Ctx()
	pc := tctx.SEPC

	if pc%InstrSize != 0 {
		trap.Dispatch(trap.CauseIllegalInstruction, h.id, tctx, pc)
		return
	}

	raw, ok := h.fetch(t, pc)
	if !ok {
		return
	}
	in, derr := decode(raw)
	if derr != nil {
		trap.Dispatch(trap.CauseIllegalInstruction, h.id, tctx, pc)
		return
	}

	switch in.Op {
	case OpNop:
		tctx.SEPC = pc + InstrSize

	case OpLI:
		setReg(tctx, in.Rd, uint64(in.Imm))
		tctx.SEPC = pc + InstrSize

	case OpAddI:
		setReg(tctx, in.Rd, tctx.Regs[in.Rs1]+uint64(in.Imm))
		tctx.SEPC = pc + InstrSize

	case OpAdd:
		setReg(tctx, in.Rd, tctx.Regs[in.Rs1]+tctx.Regs[in.Rs2])
		tctx.SEPC = pc + InstrSize

	case OpLd:
		addr := uintptr(tctx.Regs[in.Rs1] + uint64(in.Imm))
		v, ok := h.load(t, addr)
		if !ok {
			return
		}
		setReg(tctx, in.Rd, v)
		tctx.SEPC = pc + InstrSize

	case OpSd:
		addr := uintptr(tctx.Regs[in.Rs1] + uint64(in.Imm))
		if !h.store(t, addr, tctx.Regs[in.Rs2]) {
			return
		}
		tctx.SEPC = pc + InstrSize

	case OpJ:
		tctx.SEPC = uintptr(int64(pc) + in.Imm)

	case OpBnez:
		if tctx.Regs[in.Rs1] != 0 {
			tctx.SEPC = uintptr(int64(pc) + in.Imm)
		} else {
			tctx.SEPC = pc + InstrSize
		}

	case OpEcall:
		// The syscall handler advances SEPC itself so blocking calls
		// can re-run the ecall after waking.
		trap.Dispatch(trap.CauseUserEnvCall, h.id, tctx, 0)

	case OpEbreak:
		trap.Dispatch(trap.CauseBreakpoint, h.id, tctx, pc)
	}
}

// setReg writes a general-purpose register, discarding writes to x0.
func setReg(tctx *trap.Context, rd uint8, v uint64) {
	if rd == trap.RegZero {
		return
	}
	tctx.Regs[rd] = v
}

// fetch reads the instruction record at pc through the task's page
// table, faulting the page in via the trap path when needed. Returns
// false when the task was killed by the fault.
func (h *Hart) fetch(t *task.Task, pc uintptr) ([]byte, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		frame, flags, err := t.Space().Translate(vmm.PageFromAddress(pc))
		if err == nil && flags.HasFlags(vmm.FlagExec|vmm.FlagUser) {
			return mem.Slice(frame.Address()+vmm.PageOffset(pc), InstrSize), true
		}

		trap.Dispatch(trap.CauseInstructionPageFault, h.id, t.Ctx(), pc)
		if t.State() != task.StateRunning {
			return nil, false
		}
	}
	kernel.Panic(errStuckFault)
	return nil, false
}

// load reads the 64-bit word at a user virtual address.
func (h *Hart) load(t *task.Task, addr uintptr) (uint64, bool) {
	if addr%8 != 0 {
		trap.Dispatch(trap.CauseLoadMisaligned, h.id, t.Ctx(), addr)
		return 0, false
	}

	for attempt := 0; attempt < 2; attempt++ {
		frame, flags, err := t.Space().Translate(vmm.PageFromAddress(addr))
		if err == nil && flags.HasFlags(vmm.FlagRead|vmm.FlagUser) {
			return mem.ReadWord(frame.Address() + vmm.PageOffset(addr)), true
		}

		trap.Dispatch(trap.CauseLoadPageFault, h.id, t.Ctx(), addr)
		if t.State() != task.StateRunning {
			return 0, false
		}
	}
	kernel.Panic(errStuckFault)
	return 0, false
}

// store writes the 64-bit word at a user virtual address. Stores to
// copy-on-write pages take the store-fault path, which breaks the
// share.
func (h *Hart) store(t *task.Task, addr uintptr, v uint64) bool {
	if addr%8 != 0 {
		trap.Dispatch(trap.CauseStoreMisaligned, h.id, t.Ctx(), addr)
		return false
	}

	for attempt := 0; attempt < 2; attempt++ {
		frame, flags, err := t.Space().Translate(vmm.PageFromAddress(addr))
		if err == nil && flags.HasFlags(vmm.FlagWrite|vmm.FlagUser) {
			mem.WriteWord(frame.Address()+vmm.PageOffset(addr), v)
			return true
		}

		trap.Dispatch(trap.CauseStorePageFault, h.id, t.Ctx(), addr)
		if t.State() != task.StateRunning {
			return false
		}
	}
	kernel.Panic(errStuckFault)
	return false
}
