// ============================================================================
// rtkernel IPC
// ============================================================================
//
// Package: internal/ipc
// File: ring.go
// Purpose: Fixed-capacity buffers for inter-task communication
//
//   Ring[T]       FIFO over a slice allocated once at construction
//   StreamBuffer  byte ring with a trigger level and blocking Read / Write
//   Pipe          StreamBuffer with reader / writer end reference counts
//
// Blocking goes through the Parker / Notifier interfaces (implemented by the
// kernel task context), so this package never touches the scheduler. The
// buffers use their own mutex rather than the kernel critical section.
//
// ============================================================================

package ipc

// Ring is a fixed-capacity FIFO. It never allocates after New.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int
}

// NewRing creates a ring holding up to capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. It reports false when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	if r.n == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = v
	r.n++
	return true
}

// Pop removes the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return v, true
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Write appends as many elements of p as fit and returns the count.
func (r *Ring[T]) Write(p []T) int {
	written := 0
	for written < len(p) && r.n < len(r.buf) {
		tail := (r.head + r.n) % len(r.buf)
		end := len(r.buf)
		if tail < r.head {
			end = r.head
		}
		c := copy(r.buf[tail:end], p[written:])
		written += c
		r.n += c
	}
	return written
}

// Read removes up to len(p) elements into p and returns the count.
func (r *Ring[T]) Read(p []T) int {
	read := 0
	var zero T
	for read < len(p) && r.n > 0 {
		end := r.head + r.n
		if end > len(r.buf) {
			end = len(r.buf)
		}
		c := copy(p[read:], r.buf[r.head:end])
		for i := r.head; i < r.head+c; i++ {
			r.buf[i] = zero
		}
		r.head = (r.head + c) % len(r.buf)
		r.n -= c
		read += c
	}
	return read
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Free returns the remaining capacity.
func (r *Ring[T]) Free() int { return len(r.buf) - r.n }

// Reset drops every element.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head, r.n = 0, 0
}
