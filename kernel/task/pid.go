package task

import (
	"github.com/zlc-dev/Chronix/kernel"
	"github.com/zlc-dev/Chronix/kernel/sync"
)

// PID identifies a task. PIDs are recycled: a released PID goes on a
// free list and is handed out again before the counter advances.
type PID int32

// InitPID is the PID of the first task. Orphaned tasks are reparented
// to it.
const InitPID PID = 1

var errPIDDoubleFree = &kernel.Error{Module: "task", Message: "pid released twice or never allocated", Kind: kernel.KindFatal}

type pidAllocator struct {
	lock     sync.Spinlock
	next     PID
	recycled []PID
}

var pids = pidAllocator{next: InitPID}

func allocPID() PID {
	pids.lock.Acquire()
	defer pids.lock.Release()

	if n := len(pids.recycled); n > 0 {
		pid := pids.recycled[n-1]
		pids.recycled = pids.recycled[:n-1]
		return pid
	}
	pid := pids.next
	pids.next++
	return pid
}

func releasePID(pid PID) {
	pids.lock.Acquire()
	defer pids.lock.Release()

	if pid >= pids.next {
		kernel.Panic(errPIDDoubleFree)
	}
	for _, r := range pids.recycled {
		if r == pid {
			kernel.Panic(errPIDDoubleFree)
		}
	}
	pids.recycled = append(pids.recycled, pid)
}

// resetPIDs restores the allocator to its boot state for tests.
func resetPIDs() {
	pids.lock.Acquire()
	defer pids.lock.Release()
	pids.next = InitPID
	pids.recycled = nil
}
