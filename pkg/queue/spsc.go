// Package queue provides a bounded single-producer single-consumer ring
// used to pass messages between the transport and engine threads without
// locks.
package queue

import "sync/atomic"

const cacheLineSize = 64

// SPSC is a wait-free bounded queue for exactly one producer goroutine and
// one consumer goroutine. Capacity is rounded up to a power of two and one
// slot is kept empty to distinguish full from empty, so usable capacity is
// one less than the ring size.
type SPSC[T any] struct {
	slots []T
	mask  uint32

	// head and tail live on separate cache lines so the producer and
	// consumer do not false-share.
	_    [cacheLineSize]byte
	head atomic.Uint32 // next slot to consume
	_    [cacheLineSize]byte
	tail atomic.Uint32 // next slot to produce
	_    [cacheLineSize]byte
}

// NewSPSC returns a queue whose ring size is the smallest power of two
// greater than or equal to capacity (minimum 2).
func NewSPSC[T any](capacity int) *SPSC[T] {
	size := 2
	for size < capacity {
		size <<= 1
	}
	return &SPSC[T]{
		slots: make([]T, size),
		mask:  uint32(size - 1),
	}
}

// Cap returns the usable capacity.
func (q *SPSC[T]) Cap() int {
	return len(q.slots) - 1
}

// Len returns the number of queued elements. It is approximate when called
// concurrently with the producer or consumer.
func (q *SPSC[T]) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	return int((tail - head) & q.mask)
}

// Enqueue adds v to the queue. It returns false when the queue is full and
// never blocks. Producer side only.
func (q *SPSC[T]) Enqueue(v T) bool {
	tail := q.tail.Load()
	next := (tail + 1) & q.mask
	if next == q.head.Load() {
		return false
	}
	q.slots[tail] = v
	q.tail.Store(next)
	return true
}

// Dequeue removes and returns the oldest element. It returns false when the
// queue is empty and never blocks. Consumer side only.
func (q *SPSC[T]) Dequeue() (T, bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		var zero T
		return zero, false
	}
	v := q.slots[head]
	// Drop the slot's reference so queued pointers do not outlive their
	// dequeue.
	var zero T
	q.slots[head] = zero
	q.head.Store((head + 1) & q.mask)
	return v, true
}

// DequeueBatch drains up to len(dst) elements into dst and returns how many
// it moved. Consumer side only.
func (q *SPSC[T]) DequeueBatch(dst []T) int {
	head := q.head.Load()
	tail := q.tail.Load()
	n := 0
	var zero T
	for head != tail && n < len(dst) {
		dst[n] = q.slots[head]
		q.slots[head] = zero
		head = (head + 1) & q.mask
		n++
	}
	if n > 0 {
		q.head.Store(head)
	}
	return n
}
