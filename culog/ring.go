package culog

// ring is a fixed-capacity circular queue. Pushing into a full ring
// overwrites the oldest element and reports it as evicted, which is exactly
// the drop-oldest backpressure policy of the log pipeline: the newest batch
// always gets in.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		panic("ring capacity must be positive")
	}

	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) len() int {
	return r.size
}

func (r *ring[T]) capacity() int {
	return len(r.buf)
}

// push appends v. When the ring is full the oldest element is overwritten
// and returned with dropped set.
func (r *ring[T]) push(v T) (evicted T, dropped bool) {
	if r.size == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)

		return evicted, true
	}

	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++

	return evicted, false
}

// popOldest removes and returns the oldest element.
func (r *ring[T]) popOldest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}

	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--

	return v, true
}
