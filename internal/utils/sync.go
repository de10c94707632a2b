package utils

import (
	"sync"
)

// OptionalMutex guards a heap or a sub-buffer pool. When the owning HeapManager was created with
// AllocatorCreateExternallySynchronized, Enabled is false and locking is a no-op.
type OptionalMutex struct {
	mutex   sync.Mutex
	Enabled bool
}

func (m *OptionalMutex) Lock() {
	if m.Enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.Enabled {
		m.mutex.Unlock()
	}
}

// Do runs fn while holding the mutex
func (m *OptionalMutex) Do(fn func()) {
	m.Lock()
	defer m.Unlock()

	fn()
}

// OptionalRWMutex is the read/write counterpart of OptionalMutex, used where statistics
// readers should not block each other.
type OptionalRWMutex struct {
	mutex   sync.RWMutex
	Enabled bool
}

func (m *OptionalRWMutex) Lock() {
	if m.Enabled {
		m.mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.Enabled {
		m.mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.Enabled {
		m.mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.Enabled {
		m.mutex.RUnlock()
	}
}
