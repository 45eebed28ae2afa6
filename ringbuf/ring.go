// Package ringbuf provides a bounded lock-free single-producer/single-consumer
// queue for handing data from the process callback to the control thread and
// back without either side blocking.
package ringbuf

import "sync/atomic"

// Ring is a bounded SPSC queue. Exactly one goroutine may call Push and
// exactly one goroutine may call Pop/Drain. Len and Cap are safe from both.
type Ring[T any] struct {
	head atomic.Uint64 // next slot to read, owned by the consumer
	_    [56]byte      // keep head and tail on separate cache lines
	tail atomic.Uint64 // next slot to write, owned by the producer
	_    [56]byte
	mask uint64
	buf  []T
}

// New creates a ring holding at least capacity items. The capacity is
// rounded up to a power of two.
func New[T any](capacity int) *Ring[T] {
	n := uint64(1)
	for n < uint64(max(capacity, 1)) {
		n <<= 1
	}
	return &Ring[T]{mask: n - 1, buf: make([]T, n)}
}

// Push appends v. It returns false and drops v when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() > r.mask {
		return false
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// Pop removes the oldest item
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tail.Load() {
		return zero, false
	}
	v := r.buf[head&r.mask]
	r.buf[head&r.mask] = zero
	r.head.Store(head + 1)
	return v, true
}

// Drain pops every item currently queued and passes it to fn
func (r *Ring[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := r.Pop()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

// Len returns the number of queued items
func (r *Ring[T]) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the number of slots
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
