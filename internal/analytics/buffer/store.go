package buffer

import (
	"sync"

	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

// SeriesKey identifies a single-metric window.
type SeriesKey struct {
	ServerID string
	Metric   types.Metric
}

func (k SeriesKey) String() string { return k.ServerID + ":" + string(k.Metric) }

// series is one independently locked ring.
type series[T any] struct {
	mu     sync.Mutex
	ring   *Ring[T]
	pushes uint64
}

// Store is a keyed collection of rings. The map itself is guarded by an
// RWMutex that is only write-locked when a new key appears; every ring has
// its own mutex so pushes to different keys never contend.
type Store[K comparable, T any] struct {
	mu       sync.RWMutex
	series   map[K]*series[T]
	capacity int
}

// NewStore creates a store whose rings hold capacity elements each.
func NewStore[K comparable, T any](capacity int) *Store[K, T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Store[K, T]{
		series:   make(map[K]*series[T]),
		capacity: capacity,
	}
}

// Capacity returns the per-key ring capacity.
func (s *Store[K, T]) Capacity() int { return s.capacity }

func (s *Store[K, T]) get(k K) *series[T] {
	s.mu.RLock()
	sr := s.series[k]
	s.mu.RUnlock()
	return sr
}

func (s *Store[K, T]) getOrCreate(k K) *series[T] {
	if sr := s.get(k); sr != nil {
		return sr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.series[k]; ok {
		return sr
	}
	sr := &series[T]{ring: NewRing[T](s.capacity)}
	s.series[k] = sr
	return sr
}

// Push appends v under key k and returns a copy of the window as it was
// before the push together with the total number of pushes seen for k.
// The snapshot and the append happen atomically with respect to other
// pushes on the same key.
func (s *Store[K, T]) Push(k K, v T) (prior []T, pushes uint64) {
	sr := s.getOrCreate(k)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	prior = sr.ring.Slice()
	sr.ring.Push(v)
	sr.pushes++
	return prior, sr.pushes
}

// Append pushes v under key k without copying the window and returns the
// number of elements now buffered together with the total pushes for k.
func (s *Store[K, T]) Append(k K, v T) (size int, pushes uint64) {
	sr := s.getOrCreate(k)
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.ring.Push(v)
	sr.pushes++
	return sr.ring.Len(), sr.pushes
}

// Snapshot returns a copy of the window for k (nil if k is unknown).
func (s *Store[K, T]) Snapshot(k K) []T {
	sr := s.get(k)
	if sr == nil {
		return nil
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.ring.Slice()
}

// Tail returns a copy of the newest n elements for k.
func (s *Store[K, T]) Tail(k K, n int) []T {
	sr := s.get(k)
	if sr == nil {
		return nil
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.ring.Tail(n)
}

// Len returns the number of elements buffered for k.
func (s *Store[K, T]) Len(k K) int {
	sr := s.get(k)
	if sr == nil {
		return 0
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.ring.Len()
}

// Keys returns every key currently tracked, in no particular order.
func (s *Store[K, T]) Keys() []K {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]K, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	return keys
}

// Total returns the number of buffered elements across all keys.
func (s *Store[K, T]) Total() int {
	s.mu.RLock()
	all := make([]*series[T], 0, len(s.series))
	for _, sr := range s.series {
		all = append(all, sr)
	}
	s.mu.RUnlock()

	total := 0
	for _, sr := range all {
		sr.mu.Lock()
		total += sr.ring.Len()
		sr.mu.Unlock()
	}
	return total
}

// Reset drops every key.
func (s *Store[K, T]) Reset() {
	s.mu.Lock()
	s.series = make(map[K]*series[T])
	s.mu.Unlock()
}
