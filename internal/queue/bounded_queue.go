// Package queue provides the bounded, thread-safe FIFO that connects every
// pair of adjacent pipeline stages.
package queue

import (
	"sync"
	"sync/atomic"
)

// BoundedQueue is a generic FIFO with an optional capacity, connecting one
// producer stage to one consumer stage. Push blocks while full and returns
// immediately (false) once Stop is called; Pop blocks until an item is
// available or the queue is stopped and drained, at which point it returns
// the zero value and false.
//
// A "pre-consumption" guard drops the oldest item whenever depth exceeds
// PreConsumptionDepth and no consumer has ever called Pop — this prevents
// unbounded growth while a downstream stage is still starting up. The guard
// disarms permanently the first time Pop is called, even if that call
// races with a concurrent Push; from that point the queue behaves as a
// plain blocking-when-full FIFO.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []T
	capacity int

	// PreConsumptionDepth, if >0, is the depth above which Push drops the
	// oldest queued item instead of blocking, until the guard disarms.
	preConsumptionDepth int
	everPopped          bool
	guardArmed          bool

	stopped atomic.Bool

	metrics Metrics
}

// Metrics holds the periodically published queue counters.
type Metrics struct {
	Pushed  atomic.Int64
	Popped  atomic.Int64
	Dropped atomic.Int64
	PopFail atomic.Int64
	Depth   atomic.Int64
}

// New creates a BoundedQueue with the given capacity (0 = unbounded) and
// pre-consumption guard depth (0 = guard disabled).
func New[T any](capacity, preConsumptionDepth int) *BoundedQueue[T] {
	q := &BoundedQueue[T]{
		capacity:            capacity,
		preConsumptionDepth: preConsumptionDepth,
		guardArmed:          preConsumptionDepth > 0,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an item, blocking while the queue is at capacity. It
// returns false without enqueueing if the queue has been stopped — in that
// case the caller retains ownership and is responsible for releasing the
// item. If the pre-consumption guard is armed and depth already exceeds
// the configured threshold, the oldest item is dropped to make room
// instead of blocking.
func (q *BoundedQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped.Load() {
		return false
	}

	if q.guardArmed && len(q.items) >= q.preConsumptionDepth {
		q.dropOldestLocked()
	} else {
		for q.capacity > 0 && len(q.items) >= q.capacity && !q.stopped.Load() {
			q.notFull.Wait()
		}
		if q.stopped.Load() {
			return false
		}
	}

	q.items = append(q.items, item)
	q.metrics.Pushed.Add(1)
	q.metrics.Depth.Store(int64(len(q.items)))
	q.notEmpty.Signal()
	return true
}

// dropOldestLocked discards the head of the queue; mu must be held.
func (q *BoundedQueue[T]) dropOldestLocked() {
	if len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
	q.metrics.Dropped.Add(1)
}

// Pop dequeues the oldest item, blocking until one is available or the
// queue is stopped. It disarms the pre-consumption guard permanently on
// first call, before checking for available items, so a Pop that races a
// Stop still has correct "drain remaining items" semantics.
func (q *BoundedQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.everPopped = true
	q.guardArmed = false

	for len(q.items) == 0 && !q.stopped.Load() {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		q.metrics.PopFail.Add(1)
		var zero T
		return zero, false
	}

	item := q.items[0]
	q.items = q.items[1:]
	q.metrics.Popped.Add(1)
	q.metrics.Depth.Store(int64(len(q.items)))
	q.notFull.Signal()
	return item, true
}

// Stop idempotently stops the queue: subsequent Push calls are a no-op and
// return false, and Pop drains remaining items before returning false.
// Wakes every blocked Push/Pop waiter.
func (q *BoundedQueue[T]) Stop() {
	if !q.stopped.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Stopped reports whether Stop has been called.
func (q *BoundedQueue[T]) Stopped() bool {
	return q.stopped.Load()
}

// Len returns the current depth.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a point-in-time copy of the published counters.
func (q *BoundedQueue[T]) Snapshot() (pushed, popped, dropped, popFail, depth int64) {
	return q.metrics.Pushed.Load(), q.metrics.Popped.Load(), q.metrics.Dropped.Load(),
		q.metrics.PopFail.Load(), q.metrics.Depth.Load()
}
