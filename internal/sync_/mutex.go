package sync_

import "sync"

// Mutexed owns a value of type T that is only reachable while holding its lock.
type Mutexed[T any] struct {
	mu    sync.Mutex
	value T
}

func NewMutexed[T any](value T) *Mutexed[T] {
	return &Mutexed[T]{value: value}
}

// Locked runs f with the lock held. f gets a pointer to the value so it can update it in place, but must not keep
// that pointer after returning.
func (m *Mutexed[T]) Locked(f func(*T)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(&m.value)
}

// Get returns a shallow copy of the value.
func (m *Mutexed[T]) Get() T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}
