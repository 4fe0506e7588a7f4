package task

import (
	"github.com/zlc-dev/Chronix/kernel/klog"
	"github.com/zlc-dev/Chronix/kernel/sync"
)

// The machine-wide task table, indexed by pid. The lock also guards the
// parent/child tree and every state transition.
var (
	tableLock sync.Spinlock
	tasks     = make(map[PID]*Task)
	initTask  *Task
)

// Register adds a task to the table. The first registered task becomes
// the init task.
func Register(t *Task) {
	tableLock.Acquire()
	defer tableLock.Release()

	tasks[t.pid] = t
	if initTask == nil {
		initTask = t
	}
}

// Lookup returns the task with the given pid, or nil.
func Lookup(pid PID) *Task {
	tableLock.Acquire()
	defer tableLock.Release()
	return tasks[pid]
}

// Alive returns the number of tasks that have not exited. The machine
// shuts down when it reaches zero.
func Alive() int {
	tableLock.Acquire()
	defer tableLock.Release()

	n := 0
	for _, t := range tasks {
		if t.state != StateZombie {
			n++
		}
	}
	return n
}

// Exit turns the task into a zombie: its exit code is recorded, its
// memory is released, live children are reparented to init, zombie
// children are reaped on the spot and a parent blocked in wait is woken.
// The control block lingers in the table until the parent reaps it.
func Exit(t *Task, code int32) {
	tableLock.Acquire()

	t.state = StateZombie
	t.exitCode = code
	t.space.Release()
	t.space = nil

	for pid := range t.children {
		child := tasks[pid]
		if child == nil {
			continue
		}
		if child.state == StateZombie {
			// Nobody is left to wait for it.
			delete(tasks, pid)
			releasePID(pid)
			continue
		}
		child.parent = InitPID
		if initTask != nil {
			initTask.children[pid] = struct{}{}
		}
	}
	t.children = nil

	parent := tasks[t.parent]
	if parent != nil && parent.blockedInWait {
		parent.blockedInWait = false
		if parent.onCPU {
			// The parent's hart is still inside the blocking syscall;
			// it will queue the parent when it lets go.
			parent.wakePending = true
			tableLock.Release()
		} else {
			parent.state = StateReady
			tableLock.Release()
			Ready.Push(parent)
		}
	} else {
		tableLock.Release()
	}

	klog.L("task").Infow("task exited", "pid", t.pid, "code", code)
}

// WaitStatus is the outcome of a wait attempt.
type WaitStatus uint8

// Wait outcomes.
const (
	// WaitReaped means a zombie child was found and reaped.
	WaitReaped WaitStatus = iota

	// WaitNoChild means no child matches the request.
	WaitNoChild

	// WaitPending means a matching child exists but has not exited;
	// the caller was marked blocked and must sleep.
	WaitPending
)

// Wait reaps one zombie child of t. pid selects a specific child; -1
// accepts any. When a matching child is still running the task is
// marked blocked-in-wait and the exit path will wake it.
func Wait(t *Task, pid PID) (PID, int32, WaitStatus) {
	tableLock.Acquire()
	defer tableLock.Release()

	matched := false
	for childPID := range t.children {
		if pid != -1 && childPID != pid {
			continue
		}
		matched = true

		child := tasks[childPID]
		if child == nil || child.state != StateZombie {
			continue
		}

		delete(tasks, childPID)
		delete(t.children, childPID)
		releasePID(childPID)
		return childPID, child.exitCode, WaitReaped
	}

	if !matched {
		return 0, 0, WaitNoChild
	}

	t.blockedInWait = true
	t.state = StateBlocked
	return 0, 0, WaitPending
}

// AttachCPU marks the task as executing on a hart.
func AttachCPU(t *Task) {
	tableLock.Acquire()
	t.onCPU = true
	tableLock.Release()
}

// DetachCPU marks the task as no longer executing. It reports whether a
// wakeup arrived while the task was on the hart, in which case the
// caller must queue the task.
func DetachCPU(t *Task) bool {
	tableLock.Acquire()
	defer tableLock.Release()

	t.onCPU = false
	if t.wakePending {
		t.wakePending = false
		t.state = StateReady
		return true
	}
	return false
}

// ResetTable clears the task table, the pid allocator, the per-hart
// slots and the ready queue so tests can boot fresh machines.
func ResetTable() {
	tableLock.Acquire()
	tasks = make(map[PID]*Task)
	initTask = nil
	tableLock.Release()

	resetPIDs()
	resetProcessors()
	Ready.reset()
}
