// Package sync provides the busy-wait synchronization primitives used
// for the kernel's short-held critical sections. Spinlocks are never
// held across a task switch or a potential trap.
package sync

import (
	"runtime"
	"sync/atomic"
)

// Spinlock implements a lock where each hart trying to acquire it
// busy-waits till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling hart.
// Any attempt to re-acquire a lock already held by the current hart
// will deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		// Harts are goroutines; let another one make progress
		// instead of burning the scheduler quantum.
		runtime.Gosched()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other harts to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
