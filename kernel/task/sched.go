package task

import (
	"github.com/zlc-dev/Chronix/kernel/sync"
)

// Stride scheduling parameters. A task's stride is BigStride divided by
// its priority, so doubling the priority doubles the share of quanta the
// task receives over time.
const (
	BigStride       = uint64(1) << 20
	DefaultPriority = 16
	MinPriority     = 2
)

// Scheduler is the stride-scheduled ready queue. Pop returns the task
// with the smallest pass value; the comparison is wraparound-safe so
// pass counters never need resetting. Ties fall back to arrival order.
type Scheduler struct {
	lock  sync.Spinlock
	queue []*Task
	seq   uint64
}

// Ready is the machine-wide ready queue.
var Ready = &Scheduler{}

// Push marks a task ready and queues it.
func (s *Scheduler) Push(t *Task) {
	s.lock.Acquire()
	defer s.lock.Release()

	t.state = StateReady
	t.seq = s.seq
	s.seq++
	s.queue = append(s.queue, t)
}

// Pop removes and returns the ready task with the smallest pass value,
// advancing its pass by its stride. Returns nil when the queue is empty.
func (s *Scheduler) Pop() *Task {
	s.lock.Acquire()
	defer s.lock.Release()

	if len(s.queue) == 0 {
		return nil
	}

	best := 0
	for i := 1; i < len(s.queue); i++ {
		if passLess(s.queue[i], s.queue[best]) {
			best = i
		}
	}

	t := s.queue[best]
	s.queue = append(s.queue[:best], s.queue[best+1:]...)

	t.pass += t.stride
	t.state = StateRunning
	return t
}

// Len returns the number of queued tasks.
func (s *Scheduler) Len() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return len(s.queue)
}

func (s *Scheduler) reset() {
	s.lock.Acquire()
	defer s.lock.Release()
	s.queue = nil
	s.seq = 0
}

// passLess orders tasks by pass value using wraparound-safe signed
// comparison, breaking ties by arrival order.
func passLess(a, b *Task) bool {
	if d := int64(a.pass - b.pass); d != 0 {
		return d < 0
	}
	return a.seq < b.seq
}
