package orchestrator

import (
	"container/heap"
	"sync"

	"github.com/vorrawut/DebuggyDuckyMCP/types"
)

// item is one queued dispatch.
type item struct {
	handle *Handle
	seq    uint64
}

// dispatchHeap orders by priority (highest first), then submission time,
// then enqueue order.
type dispatchHeap []*item

func (h dispatchHeap) Len() int { return len(h) }

func (h dispatchHeap) Less(i, j int) bool {
	ti, tj := h[i].handle.task, h[j].handle.task
	if ti.Priority != tj.Priority {
		return ti.Priority > tj.Priority
	}
	if !ti.SubmittedAt.Equal(tj.SubmittedAt) {
		return ti.SubmittedAt.Before(tj.SubmittedAt)
	}
	return h[i].seq < h[j].seq
}

func (h dispatchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dispatchHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *dispatchHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queue is the bounded priority queue between Submit and the dispatch
// workers. Push never blocks: overflow is the caller's Backpressure signal.
// Pop blocks until work arrives or the queue closes.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    dispatchHeap
	capacity int
	nextSeq  uint64
	closed   bool
}

func newQueue(capacity int) *queue {
	q := &queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a dispatch by task priority.
func (q *queue) Push(h *Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.NewError(types.ErrShuttingDown, "dispatch queue closed")
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return types.NewError(types.ErrBackpressure, "dispatch queue full").
			WithStage("submit").WithRetryable(true)
	}

	heap.Push(&q.items, &item{handle: h, seq: q.nextSeq})
	q.nextSeq++
	q.cond.Signal()
	return nil
}

// Pop removes the highest-priority dispatch, blocking until one exists.
// It returns false once the queue closes and drains.
func (q *queue) Pop() (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(*item)
	return it.handle, true
}

// Remove pulls a specific task out of the queue, if still queued. Used by
// cancellation; dispatch order of the rest is preserved.
func (q *queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, it := range q.items {
		if it.handle.task.ID == taskID {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Close stops intake and wakes every blocked Pop. Queued dispatches drain
// normally.
func (q *queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the current queue depth.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
