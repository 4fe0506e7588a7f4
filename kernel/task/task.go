// Package task owns the task control blocks, the pid-indexed task
// table, the per-hart current-task slots and the stride scheduler's
// ready queue. Lifecycle transitions (fork, exec, exit, wait) all live
// here; the syscall layer only decodes arguments and maps results to
// errno values.
package task

import (
	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/loader"
	"github.com/zlc-dev/Chronix/kernel/mem"
	"github.com/zlc-dev/Chronix/kernel/mem/pmm"
	"github.com/zlc-dev/Chronix/kernel/mem/vmm"
	"github.com/zlc-dev/Chronix/kernel/trap"
)

// State is a task's lifecycle state.
type State uint8

// Task states.
const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateZombie:
		return "zombie"
	}
	return "unknown"
}

// Task is a task control block. State transitions and the parent/child
// tree are guarded by the table lock; scheduling fields (pass, seq) are
// guarded by the ready queue lock while the task is queued.
type Task struct {
	pid    PID
	parent PID

	// children holds the pids of live and zombie children.
	children map[PID]struct{}

	state    State
	exitCode int32

	alloc    pmm.FrameAllocator
	space    *vmm.AddressSpace
	ctx      *trap.Context
	ctxFrame pmm.Frame

	fds *FDTable

	// Stride scheduling state.
	priority uint64
	stride   uint64
	pass     uint64
	seq      uint64

	// blockedInWait is set while the task sleeps inside a blocking
	// wait so the exit path knows to wake it.
	blockedInWait bool

	// needResched asks the hart to put the task back on the ready
	// queue at the next opportunity. Set by the yield and timer paths.
	needResched bool

	// onCPU is true while a hart is executing the task. A wakeup that
	// arrives in that window sets wakePending instead of queueing the
	// task, and the hart queues it when it lets go.
	onCPU       bool
	wakePending bool
}

// New builds a ready task from an executable image. The caller installs
// descriptors and registers the task before scheduling it.
func New(alloc pmm.FrameAllocator, img *loader.Image, parent PID) (*Task, *kernel.Error) {
	space, entry, stackTop, err := vmm.NewUser(alloc, img)
	if err != nil {
		return nil, err
	}

	ctxFrame, _, terr := space.Translate(vmm.PageFromAddress(mem.TrapContextBase))
	if terr != nil {
		space.Release()
		return nil, terr
	}

	t := &Task{
		pid:      allocPID(),
		parent:   parent,
		children: make(map[PID]struct{}),
		state:    StateReady,
		alloc:    alloc,
		space:    space,
		ctx:      trap.NewContext(entry, stackTop),
		ctxFrame: ctxFrame,
		fds:      NewFDTable(),
		priority: DefaultPriority,
		stride:   BigStride / DefaultPriority,
	}
	t.SaveContext()
	return t, nil
}

// Pid returns the task's pid.
func (t *Task) Pid() PID { return t.pid }

// Parent returns the pid of the task's parent.
func (t *Task) Parent() PID { return t.parent }

// State returns the task's lifecycle state.
func (t *Task) State() State { return t.state }

// ExitCode returns the code the task exited with. Meaningful only for
// zombies.
func (t *Task) ExitCode() int32 { return t.exitCode }

// Space returns the task's address space. Nil once the task has exited.
func (t *Task) Space() *vmm.AddressSpace { return t.space }

// Ctx returns the task's trap context.
func (t *Task) Ctx() *trap.Context { return t.ctx }

// FDs returns the task's descriptor table.
func (t *Task) FDs() *FDTable { return t.fds }

// SaveContext serializes the trap context into the task's trap-context
// page.
func (t *Task) SaveContext() {
	t.ctx.Save(t.ctxFrame.Address())
}

// LoadContext deserializes the trap context from the task's
// trap-context page.
func (t *Task) LoadContext() {
	t.ctx.Load(t.ctxFrame.Address())
}

// SetPriority updates the stride scheduling priority. Priorities below
// MinPriority are rejected.
func (t *Task) SetPriority(prio int64) *kernel.Error {
	if prio < MinPriority {
		return &kernel.Error{Module: "task", Message: "scheduling priority below the minimum", Kind: kernel.KindBadArgument}
	}
	t.priority = uint64(prio)
	t.stride = BigStride / uint64(prio)
	return nil
}

// Priority returns the stride scheduling priority.
func (t *Task) Priority() int64 { return int64(t.priority) }

// SetNeedResched asks the hart running the task to reschedule it.
func (t *Task) SetNeedResched() {
	t.needResched = true
}

// TakeNeedResched consumes a pending reschedule request.
func (t *Task) TakeNeedResched() bool {
	v := t.needResched
	t.needResched = false
	return v
}

// Fork builds a copy-on-write duplicate of the task. The child shares
// the parent's open files and scheduling priority, starts with the
// parent's register state and sees 0 in its return register.
func (t *Task) Fork() (*Task, *kernel.Error) {
	space, err := t.space.Fork()
	if err != nil {
		return nil, err
	}

	ctxFrame, _, terr := space.Translate(vmm.PageFromAddress(mem.TrapContextBase))
	if terr != nil {
		space.Release()
		return nil, terr
	}

	ctx := *t.ctx
	child := &Task{
		pid:      allocPID(),
		parent:   t.pid,
		children: make(map[PID]struct{}),
		state:    StateReady,
		alloc:    t.alloc,
		space:    space,
		ctx:      &ctx,
		ctxFrame: ctxFrame,
		fds:      t.fds.Clone(),
		priority: t.priority,
		stride:   t.stride,
		pass:     t.pass,
	}
	child.ctx.SetReturn(0)
	child.SaveContext()

	tableLock.Acquire()
	t.children[child.pid] = struct{}{}
	tableLock.Release()

	return child, nil
}

// Exec replaces the task's program with a new image. The pid, parent,
// children and open files survive; the address space and register state
// do not. On failure the task keeps running its old program.
func (t *Task) Exec(img *loader.Image) *kernel.Error {
	space, entry, stackTop, err := vmm.NewUser(t.alloc, img)
	if err != nil {
		return err
	}
	ctxFrame, _, terr := space.Translate(vmm.PageFromAddress(mem.TrapContextBase))
	if terr != nil {
		space.Release()
		return terr
	}

	old := t.space
	t.space = space
	t.ctx = trap.NewContext(entry, stackTop)
	t.ctxFrame = ctxFrame
	t.SaveContext()
	old.Release()
	return nil
}
