package capture

import (
	"sync"

	"github.com/cjeanneret/multicap/internal/metrics"
)

// WriteItem is one pending write: a frame and its destination name.
type WriteItem struct {
	Frame *Frame
	Path  string
}

// WriteQueue is a bounded multi-producer multi-consumer FIFO of WriteItems.
//
// Enqueue blocks while the queue is full so producers never drop frames.
// Dequeue blocks while it is empty and reports ok=false once the queue is
// closed and drained. Every item enqueued before Close is dequeued exactly once.
type WriteQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items  []WriteItem
	head   int
	size   int
	closed bool
	high   int

	metrics *metrics.Pipeline
}

// NewWriteQueue creates a queue holding at most capacity items (minimum 1).
func NewWriteQueue(capacity int, m *metrics.Pipeline) *WriteQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &WriteQueue{
		items:   make([]WriteItem, capacity),
		metrics: m,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item, blocking while the queue is full.
func (q *WriteQueue) Enqueue(item WriteItem) error {
	if item.Frame != nil && !item.Frame.queued.CompareAndSwap(false, true) {
		return ErrFrameRequeued
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == len(q.items) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrQueueClosed
	}

	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	if q.size > q.high {
		q.high = q.size
	}
	q.metrics.SetQueueDepth(q.size)
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes the oldest item, blocking while the queue is empty and open.
// ok is false once the queue is closed and empty.
func (q *WriteQueue) Dequeue() (item WriteItem, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		return WriteItem{}, false
	}

	item = q.items[q.head]
	q.items[q.head] = WriteItem{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.metrics.SetQueueDepth(q.size)
	q.notFull.Signal()
	return item, true
}

// Close stops accepting items and wakes every blocked caller. Items already
// queued remain available to Dequeue. Close is idempotent.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the number of queued items.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the capacity.
func (q *WriteQueue) Cap() int { return len(q.items) }

// HighWater returns the largest length observed.
func (q *WriteQueue) HighWater() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.high
}

// Closed reports whether Close was called.
func (q *WriteQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
