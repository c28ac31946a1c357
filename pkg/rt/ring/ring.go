// Package ring provides a bounded, lock-free, single-producer/single-consumer
// queue used to hand values between a control goroutine and a real-time audio
// goroutine.
//
// A [Ring] has a fixed number of slots, a power of two, allocated once by
// [New]. Exactly one goroutine may call the producer methods ([Ring.Push],
// [Ring.PushSlice]) and exactly one goroutine may call the consumer methods
// ([Ring.Pop], [Ring.PopInto], [Ring.Peek]) for the lifetime of the ring. None
// of these methods block, lock or allocate.
//
// # Memory ordering
//
// The producer writes the slot and then publishes the new head with an atomic
// store; the consumer loads head atomically before reading the slot. The
// consumer symmetrically publishes tail only after it has copied the slot out.
// Go's sync/atomic operations are sequentially consistent, which subsumes the
// release/acquire pairing the algorithm needs.
//
// # Capacity
//
// One slot is always left unused so that head == tail unambiguously means
// empty. A ring built with capacity C therefore holds at most C-1 values.
package ring

import (
	"errors"
	"sync/atomic"
)

// cacheLine is the assumed CPU cache line size in bytes. head and tail are
// kept on separate lines so the producer and consumer don't false-share.
const cacheLine = 64

// ErrCapacity is returned by [New] when the requested capacity is not a power
// of two greater than or equal to 2.
var ErrCapacity = errors.New("ring: capacity must be a power of two >= 2")

// Ring is a bounded SPSC queue of T. The zero value is not usable; construct
// with [New] or [MustNew].
type Ring[T any] struct {
	head atomic.Uint64 // next slot to write; stored by the producer only
	_    [cacheLine - 8]byte
	tail atomic.Uint64 // next slot to read; stored by the consumer only
	_    [cacheLine - 8]byte

	mask  uint64
	slots []T
}

// New creates a ring with the given number of slots. capacity must be a power
// of two >= 2; use [NextPowerOfTwo] to round an arbitrary size up.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacity
	}
	return &Ring[T]{
		mask:  uint64(capacity - 1),
		slots: make([]T, capacity),
	}, nil
}

// MustNew is like [New] but panics on an invalid capacity. Intended for
// package-level construction with constant sizes.
func MustNew[T any](capacity int) *Ring[T] {
	r, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return r
}

// NextPowerOfTwo returns the smallest power of two >= n, and at least 2.
func NextPowerOfTwo(n int) int {
	if n <= 2 {
		return 2
	}
	p := 2
	for p < n {
		p <<= 1
	}
	return p
}

// Push enqueues v. It returns false, leaving the ring unchanged, when the ring
// is full. Producer only.
func (r *Ring[T]) Push(v T) bool {
	head := r.head.Load()
	next := (head + 1) & r.mask
	if next == r.tail.Load() {
		return false
	}
	r.slots[head] = v
	r.head.Store(next)
	return true
}

// PushSlice enqueues every element of vs in order, or none of them when the
// ring lacks room for all. The new head is published once, so the consumer
// observes the batch atomically. Producer only.
func (r *Ring[T]) PushSlice(vs []T) bool {
	if len(vs) == 0 {
		return true
	}
	head := r.head.Load()
	tail := r.tail.Load()
	free := r.mask - ((head - tail) & r.mask)
	if uint64(len(vs)) > free {
		return false
	}
	for i, v := range vs {
		r.slots[(head+uint64(i))&r.mask] = v
	}
	r.head.Store((head + uint64(len(vs))) & r.mask)
	return true
}

// Pop dequeues the oldest value. It returns the zero value and false when the
// ring is empty. Consumer only.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return zero, false
	}
	v := r.slots[tail]
	// Drop the slot's references so a parked value doesn't pin memory.
	r.slots[tail] = zero
	r.tail.Store((tail + 1) & r.mask)
	return v, true
}

// PopInto dequeues up to len(dst) values into dst and returns how many were
// written. Consumer only.
func (r *Ring[T]) PopInto(dst []T) int {
	var zero T
	tail := r.tail.Load()
	avail := (r.head.Load() - tail) & r.mask
	n := uint64(len(dst))
	if avail < n {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		idx := (tail + i) & r.mask
		dst[i] = r.slots[idx]
		r.slots[idx] = zero
	}
	if n > 0 {
		r.tail.Store((tail + n) & r.mask)
	}
	return int(n)
}

// Peek returns the oldest value without removing it. Consumer only.
func (r *Ring[T]) Peek() (T, bool) {
	tail := r.tail.Load()
	if tail == r.head.Load() {
		var zero T
		return zero, false
	}
	return r.slots[tail], true
}

// Cap returns the number of slots. The ring holds at most Cap()-1 values.
func (r *Ring[T]) Cap() int { return len(r.slots) }

// Len returns the number of queued values. When called concurrently with the
// other side it is a snapshot that may already be stale.
func (r *Ring[T]) Len() int {
	return int((r.head.Load() - r.tail.Load()) & r.mask)
}

// Free returns the number of values that can be pushed before the ring is full.
func (r *Ring[T]) Free() int { return int(r.mask) - r.Len() }

// Empty reports whether the ring currently holds no values.
func (r *Ring[T]) Empty() bool { return r.head.Load() == r.tail.Load() }

// Full reports whether a Push would currently fail.
func (r *Ring[T]) Full() bool {
	return (r.head.Load()+1)&r.mask == r.tail.Load()
}
