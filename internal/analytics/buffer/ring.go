package buffer

// Ring is a fixed-capacity circular buffer. Once full, each Push overwrites
// the oldest element. Ring is not safe for concurrent use; Store adds locking.
type Ring[T any] struct {
	data []T
	head int
	size int
}

// NewRing allocates a ring holding at most capacity elements.
// A non-positive capacity is treated as 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the ring is full.
// It reports whether an element was evicted.
func (r *Ring[T]) Push(v T) bool {
	capacity := len(r.data)
	idx := (r.head + r.size) % capacity
	r.data[idx] = v
	if r.size < capacity {
		r.size++
		return false
	}
	r.head = (r.head + 1) % capacity
	return true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.data) }

// At returns the i-th oldest element. It panics if i is out of range.
func (r *Ring[T]) At(i int) T {
	if i < 0 || i >= r.size {
		panic("buffer: index out of range")
	}
	return r.data[(r.head+i)%len(r.data)]
}

// Last returns the newest element and false if the ring is empty.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Slice returns a copy of the contents in insertion order.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}

// Tail returns a copy of the newest n elements in insertion order.
func (r *Ring[T]) Tail(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.data[(r.head+start+i)%len(r.data)]
	}
	return out
}

// Clear drops all elements without releasing the backing array.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.size = 0
}
