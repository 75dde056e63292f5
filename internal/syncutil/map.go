// Package syncutil provides the small set of concurrency primitives the
// scheduling core is built on: a string-keyed map and set with atomic
// check-then-act operations, a counting semaphore, and a mutex helper.
// All shared mutable state in the refresh pipeline goes through these
// primitives; there is no ad hoc locking elsewhere.
package syncutil

import "sync"

// Map is a string-keyed map whose compound operations are atomic with
// respect to each other. It is the backing store for schedules and
// breaker states.
type Map[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// NewMap creates an empty Map.
func NewMap[V any]() *Map[V] {
	return &Map[V]{m: make(map[string]V)}
}

// Get returns the value for key and whether it was present.
func (m *Map[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	return v, ok
}

// Set stores value under key.
func (m *Map[V]) Set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.m[key]
	delete(m.m, key)
	return ok
}

// Has reports whether key is present.
func (m *Map[V]) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.m[key]
	return ok
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Keys returns a snapshot of the keys.
func (m *Map[V]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}
	return keys
}

// Range calls fn for each entry until fn returns false. The map lock is
// held for the duration; fn must not call back into the map.
func (m *Map[V]) Range(fn func(key string, value V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.m {
		if !fn(k, v) {
			return
		}
	}
}

// GetOrStore returns the existing value for key if present; otherwise it
// stores the value produced by create and returns it. The check and the
// store are a single atomic step.
func (m *Map[V]) GetOrStore(key string, create func() V) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.m[key]; ok {
		return v, true
	}
	v := create()
	m.m[key] = v
	return v, false
}

// Update applies fn to the current value for key (zero value if absent)
// and stores the result, as a single atomic step.
func (m *Map[V]) Update(key string, fn func(current V, ok bool) V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	m.m[key] = fn(v, ok)
}

// UpdateExisting applies fn to the value for key only if the key is
// present, storing the result. It reports whether the key was present.
func (m *Map[V]) UpdateExisting(key string, fn func(current V) V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	if !ok {
		return false
	}
	m.m[key] = fn(v)
	return true
}
