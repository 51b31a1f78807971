// Package ring provides a fixed-size FIFO that overwrites its oldest entry
// when full. It backs the estimator queue and the MQTT replay buffer.
package ring

// Ring holds at most Cap values. The caller synchronizes access.
type Ring[T any] struct {
	buf   []T
	head  int // next write position
	count int
}

// New creates a ring of the given capacity, at least one.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. It reports whether the oldest value was overwritten.
func (r *Ring[T]) Push(v T) (dropped bool) {
	if r.count == len(r.buf) {
		dropped = true
	} else {
		r.count++
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return dropped
}

// Drain returns the values oldest first and empties the ring. Drained slots
// are zeroed so the ring keeps no references. An empty ring drains to nil.
func (r *Ring[T]) Drain() []T {
	if r.count == 0 {
		return nil
	}
	var zero T
	out := make([]T, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := range out {
		j := (start + i) % len(r.buf)
		out[i] = r.buf[j]
		r.buf[j] = zero
	}
	r.count = 0
	r.head = 0
	return out
}

// Len returns the number of values held.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
