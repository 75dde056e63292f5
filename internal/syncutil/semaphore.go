package syncutil

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a counting semaphore bounding parallelism. It wraps
// x/sync's weighted semaphore with a run-with-permit helper that always
// releases, even when fn panics.
type Semaphore struct {
	sem *semaphore.Weighted
	cap int64
}

// NewSemaphore creates a semaphore with the given capacity. Capacity
// values below 1 are treated as 1.
func NewSemaphore(capacity int64) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(capacity), cap: capacity}
}

// WithPermit acquires a permit (blocking until one is available or ctx is
// done), runs fn, and releases the permit.
func (s *Semaphore) WithPermit(ctx context.Context, fn func() error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn()
}

// TryWithPermit runs fn only if a permit is immediately available.
// It reports whether fn was run.
func (s *Semaphore) TryWithPermit(fn func() error) (bool, error) {
	if !s.sem.TryAcquire(1) {
		return false, nil
	}
	defer s.sem.Release(1)
	return true, fn()
}

// Cap returns the semaphore capacity.
func (s *Semaphore) Cap() int64 {
	return s.cap
}

// Mutex wraps sync.Mutex with a run-under-lock helper for compound queue
// mutations.
type Mutex struct {
	mu sync.Mutex
}

// WithLock runs fn while holding the lock.
func (m *Mutex) WithLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
