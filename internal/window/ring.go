package window

// Ring keeps the most recent cap items, overwriting the oldest.
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

// NewRing allocates a ring with the given capacity (at least 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends x and returns the overwritten item, if any.
func (r *Ring[T]) Push(x T) (T, bool) {
	var evicted T
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = x
		r.size++
		return evicted, false
	}
	evicted = r.buf[r.start]
	r.buf[r.start] = x
	r.start = (r.start + 1) % len(r.buf)
	return evicted, true
}

// PopFront removes the oldest item.
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.start]
	r.buf[r.start] = zero
	r.start = (r.start + 1) % len(r.buf)
	r.size--
	return v, true
}

// Front peeks at the oldest item.
func (r *Ring[T]) Front() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.start], true
}

// Back peeks at the newest item.
func (r *Ring[T]) Back() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Each visits items oldest first.
func (r *Ring[T]) Each(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.start+i)%len(r.buf)])
	}
}
