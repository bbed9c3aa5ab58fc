// Package workq is a deferred-work queue serviced by the machine's dispatch loop.
// Nothing in it runs on its own goroutine: work runs when RunPending is called.
package workq

import (
	"log/slog"
	"sync"

	"github.com/rcrowley/go-metrics"
)

// Item is a unit of deferred work. It is scheduled at most once at a time.
type Item struct {
	name    string
	budget  int
	fn      func(budget int)
	pending bool
}

// NewItem returns an item that calls fn with budget each time it runs.
func NewItem(name string, budget int, fn func(budget int)) *Item {
	return &Item{name: name, budget: budget, fn: fn}
}

func (it *Item) Name() string { return it.name }

// Queue holds scheduled items in FIFO order. Schedule may be called from any
// goroutine; RunPending is called from the dispatch loop.
type Queue struct {
	mu      sync.Mutex
	pending []*Item
	wake    chan struct{}

	runs metrics.Counter
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		runs: metrics.GetOrRegisterCounter("workq.runs", nil),
	}
}

// Schedule queues it to run on the next RunPending. Scheduling a pending item is a no-op.
func (q *Queue) Schedule(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it.pending {
		return
	}

	it.pending = true
	q.pending = append(q.pending, it)

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel removes it from the queue if it's pending.
func (q *Queue) Cancel(it *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !it.pending {
		return
	}

	it.pending = false
	for i, p := range q.pending {
		if p == it {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

// RunPending runs every item that was pending when it was called, once each, and
// returns the number of items run. Items scheduled by a running item run next time.
func (q *Queue) RunPending() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	for _, it := range batch {
		it.pending = false
	}
	q.mu.Unlock()

	for _, it := range batch {
		slog.Debug("running deferred work", "item", it.name, "budget", it.budget)
		it.fn(it.budget)
	}

	q.runs.Inc(int64(len(batch)))
	return len(batch)
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wake is signalled when an item is scheduled.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}
