package window

const compactThreshold = 4096

// Queue is a FIFO backed by a slice with a moving head.
// The consumed prefix is released once it dominates the buffer.
type Queue[T any] struct {
	buf  []T
	head int
}

// Push appends x at the back.
func (q *Queue[T]) Push(x T) {
	q.buf = append(q.buf, x)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.buf) - q.head
}

// Empty reports whether nothing is queued.
func (q *Queue[T]) Empty() bool {
	return q.head >= len(q.buf)
}

// Front peeks at the oldest item.
func (q *Queue[T]) Front() (T, bool) {
	if q.Empty() {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

// PopFront removes and returns the oldest item.
func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if q.Empty() {
		return zero, false
	}
	v := q.buf[q.head]
	q.buf[q.head] = zero
	q.head++
	q.maybeCompact()
	return v, true
}

// PopWhile pops items from the front while expired holds, passing each to fn.
func (q *Queue[T]) PopWhile(expired func(T) bool, fn func(T)) int {
	n := 0
	for {
		v, ok := q.Front()
		if !ok || !expired(v) {
			return n
		}
		q.PopFront()
		if fn != nil {
			fn(v)
		}
		n++
	}
}

// Each visits queued items oldest first.
func (q *Queue[T]) Each(fn func(T)) {
	for i := q.head; i < len(q.buf); i++ {
		fn(q.buf[i])
	}
}

func (q *Queue[T]) maybeCompact() {
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
		return
	}
	if q.head < compactThreshold {
		return
	}
	if q.head*2 < len(q.buf) {
		return
	}
	n := len(q.buf) - q.head
	newBuf := make([]T, n)
	copy(newBuf, q.buf[q.head:])
	q.buf = newBuf
	q.head = 0
}
