package taskservice

import (
	"sync"
)

// jobQueue is a FIFO of tasks guarded by the owning service's mutex. Workers
// wait on cond for new jobs or for a resize/close broadcast.
type jobQueue struct {
	cond  *sync.Cond
	items []Task
}

func newJobQueue(mu *sync.Mutex) *jobQueue {
	return &jobQueue{
		items: make([]Task, 0),
		cond:  sync.NewCond(mu),
	}
}

// push must be called with the service mutex held.
func (q *jobQueue) push(t Task) {
	q.items = append(q.items, t)
	q.cond.Signal()
}

// pop must be called with the service mutex held.
func (q *jobQueue) pop() (Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

func (q *jobQueue) len() int {
	return len(q.items)
}
