package task

import (
	"github.com/zlc-dev/Chronix/kernel/sync"
)

// Per-hart current-task slots. Trap handlers look up the task that
// trapped through the hart id the dispatcher hands them.
var (
	processorLock sync.Spinlock
	current       = make(map[int]*Task)
)

// SetCurrent records the task running on a hart. Pass nil when the hart
// goes idle.
func SetCurrent(hartID int, t *Task) {
	processorLock.Acquire()
	defer processorLock.Release()

	if t == nil {
		delete(current, hartID)
		return
	}
	current[hartID] = t
}

// Current returns the task running on a hart, or nil when it is idle.
func Current(hartID int) *Task {
	processorLock.Acquire()
	defer processorLock.Release()
	return current[hartID]
}

func resetProcessors() {
	processorLock.Acquire()
	defer processorLock.Release()
	current = make(map[int]*Task)
}
