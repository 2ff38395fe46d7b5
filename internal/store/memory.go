package store

import (
	"context"
	"sync"
)

type bindingKey struct {
	identity string
	model    string
}

// MemoryStore keeps bindings for the lifetime of the process.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[bindingKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[bindingKey]string)}
}

func (m *MemoryStore) Get(_ context.Context, identity, model string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bindings[bindingKey{identity, model}]
	return id, ok, nil
}

// Persist records the binding unless one already exists for the pair.
func (m *MemoryStore) Persist(_ context.Context, identity, model, modeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bindingKey{identity, model}
	if _, exists := m.bindings[key]; !exists {
		m.bindings[key] = modeID
	}
	return nil
}
