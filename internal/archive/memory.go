package archive

import (
	"context"
	"sync"
)

// Memory keeps archived bodies in a map, for tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory constructs an empty in-memory archiver.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Save stores a copy of the data under the reference's object name.
func (m *Memory) Save(_ context.Context, ref Ref, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref.ObjectName()] = append([]byte(nil), data...)
	return nil
}

// Get returns a stored body and whether it exists.
func (m *Memory) Get(ref Ref) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[ref.ObjectName()]
	return data, ok
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
