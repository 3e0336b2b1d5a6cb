// Package ring provides a fixed-capacity ring buffer used for execution
// histories, alert logs and slow-query logs. Appending past capacity
// overwrites the oldest entry in O(1), replacing trim-on-threshold slices.
// This package is internal and should not be imported by external projects.
package ring

// Buffer is a fixed-capacity ring buffer. Not safe for concurrent use;
// callers hold their own lock.
type Buffer[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

// New creates a buffer with the given capacity. Capacity must be > 0.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full.
func (b *Buffer[T]) Push(v T) {
	tail := (b.head + b.count) % len(b.buf)
	b.buf[tail] = v
	if b.count < len(b.buf) {
		b.count++
		return
	}
	b.head = (b.head + 1) % len(b.buf)
}

// Len returns the number of stored elements.
func (b *Buffer[T]) Len() int { return b.count }

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int { return len(b.buf) }

// Items returns the elements oldest-first as a fresh slice.
func (b *Buffer[T]) Items() []T {
	out := make([]T, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}

// Last returns the most recently pushed element, if any.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.count == 0 {
		return zero, false
	}
	return b.buf[(b.head+b.count-1)%len(b.buf)], true
}

// Do calls fn for each element oldest-first, stopping when fn returns false.
func (b *Buffer[T]) Do(fn func(T) bool) {
	for i := 0; i < b.count; i++ {
		if !fn(b.buf[(b.head+i)%len(b.buf)]) {
			return
		}
	}
}
