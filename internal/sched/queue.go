package sched

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed = errors.New("sched: queue closed")
	ErrFull   = errors.New("sched: queue full")
)

// defaultCapacity bounds pending jobs when the caller does not size the queue.
const defaultCapacity = 256

// recheckEvery bounds how long a Dequeue waiter sleeps before re-checking the
// queue and its context, so shutdown is observed promptly even if a wakeup is
// missed.
const recheckEvery = 250 * time.Millisecond

// Queue is a min-ordered job queue keyed by (effective priority, sequence).
// Sequence numbers are strictly increasing and assigned at enqueue time, so
// ordering within a priority level is deterministic FIFO.
type Queue struct {
	mu       sync.Mutex
	items    jobHeap
	closed   bool
	capacity int

	seq   int64 // ordering tiebreaker
	idSeq int64 // job identity

	// notify wakes one Dequeue waiter per enqueue; buffered so Enqueue never
	// blocks.
	notify chan struct{}
}

// NewQueue builds a queue holding at most capacity pending jobs; capacity <= 0
// uses the default.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{capacity: capacity, notify: make(chan struct{}, 1)}
}

// Enqueue admits a job to the queue, assigning its identity on first entry.
// Returns ErrClosed after Drain and ErrFull when the queue is at capacity.
func (q *Queue) Enqueue(j *Job) (int64, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	if q.items.Len() >= q.capacity {
		q.mu.Unlock()
		return 0, ErrFull
	}
	if j.ID == 0 {
		q.idSeq++
		j.ID = q.idSeq
		j.prio = j.basePriority()
		j.EnqueuedAt = time.Now()
	}
	q.seq++
	j.seq = q.seq
	j.SetState(StateQueued)
	heap.Push(&q.items, j)
	q.mu.Unlock()

	q.wake()
	return j.ID, nil
}

// Requeue puts a job back after a claim conflict, decaying its effective
// priority one step within its class. An already-admitted job is exempt from
// the capacity bound; it must always be able to return.
func (q *Queue) Requeue(j *Job) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	j.Requeues++
	j.decay()
	j.SetState(StateRequeued)
	q.seq++
	j.seq = q.seq
	j.SetState(StateQueued)
	heap.Push(&q.items, j)
	q.mu.Unlock()

	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a job is available, the context is cancelled, or the
// queue is closed. Waits are cooperative: the caller re-checks at a bounded
// interval rather than parking indefinitely.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	timer := time.NewTimer(recheckEvery)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.items.Len() > 0 {
			j := heap.Pop(&q.items).(*Job)
			j.SetState(StateAssigned)
			q.mu.Unlock()
			return j, nil
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(recheckEvery)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain closes the queue and returns whatever was still queued, in order.
// Blocked Dequeue callers return ErrClosed. This is the only path that drops
// queued jobs.
func (q *Queue) Drain() []*Job {
	q.mu.Lock()
	q.closed = true
	rest := make([]*Job, 0, q.items.Len())
	for q.items.Len() > 0 {
		rest = append(rest, heap.Pop(&q.items).(*Job))
	}
	q.mu.Unlock()

	// Wake any waiter so it observes closed promptly.
	q.wake()
	return rest
}

// jobHeap orders by (effective priority, sequence), both ascending.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
