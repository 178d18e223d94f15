// Package ring implements a bounded multi-producer/single-consumer queue.
package ring

import "sync/atomic"

type slot[T any] struct {
	seq   atomic.Uint64
	value T
}

// MPSC is a fixed-capacity, power-of-two-sized ring buffer. Any number of
// goroutines may Push concurrently; exactly one goroutine may call Pop.
//
// It never blocks: Push returns false when the ring is full (the caller's
// job, not the queue's, is to decide whether that means "drop" or
// "reject"), and Pop returns false when the ring is empty.
type MPSC[T any] struct {
	mask  uint64
	slots []slot[T]
	tail  atomic.Uint64 // next slot a producer will claim
	head  atomic.Uint64 // next slot the consumer will read (written only by the consumer)
}

// NewMPSC creates a queue with the given capacity, rounded up to the next
// power of two (minimum 2).
func NewMPSC[T any](capacity int) *MPSC[T] {
	n := uint64(2)
	for n < uint64(capacity) {
		n <<= 1
	}
	q := &MPSC[T]{
		mask:  n - 1,
		slots: make([]slot[T], n),
	}
	for i := range q.slots {
		q.slots[i].seq.Store(uint64(i))
	}
	return q
}

// Push enqueues value. Returns false if the ring is full.
func (q *MPSC[T]) Push(value T) bool {
	pos := q.tail.Load()
	for {
		s := &q.slots[pos&q.mask]
		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			// Slot is free for this position; try to claim it.
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.value = value
				s.seq.Store(pos + 1)
				return true
			}
			pos = q.tail.Load()
		case diff < 0:
			// Consumer hasn't released this slot yet: ring is full.
			return false
		default:
			pos = q.tail.Load()
		}
	}
}

// Pop dequeues the oldest value. Returns false if the ring is empty.
// Must only be called from a single consumer goroutine.
func (q *MPSC[T]) Pop() (T, bool) {
	var zero T
	pos := q.head.Load()
	s := &q.slots[pos&q.mask]
	seq := s.seq.Load()
	diff := int64(seq) - int64(pos+1)
	if diff != 0 {
		return zero, false
	}
	value := s.value
	s.value = zero
	s.seq.Store(pos + q.mask + 1)
	q.head.Store(pos + 1)
	return value, true
}

// Len returns a best-effort count of queued items. Safe to call from any
// goroutine; may be stale under concurrent Push/Pop.
func (q *MPSC[T]) Len() int {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the ring's fixed capacity.
func (q *MPSC[T]) Cap() int {
	return int(q.mask + 1)
}
