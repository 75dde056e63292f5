package syncutil

import "sync"

// Set is a string set with an atomic test-and-add operation. It tracks
// which sources have a refresh in flight; TryAdd is the gate that makes
// double execution impossible.
type Set struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{m: make(map[string]struct{})}
}

// TryAdd adds key to the set and returns true, or returns false if the
// key was already a member. The check and the insert are one atomic step.
func (s *Set) TryAdd(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = struct{}{}
	return true
}

// Remove deletes key from the set.
func (s *Set) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Has reports whether key is a member.
func (s *Set) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

// Len returns the number of members.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Members returns a snapshot of the set.
func (s *Set) Members() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.m))
	for k := range s.m {
		members = append(members, k)
	}
	return members
}
