package store

import (
	"context"
	"sync"
)

// MemorySnapshotStore keeps snapshots in-process. Contents die with the process.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemorySnapshotStore initializes an empty in-memory store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{items: make(map[string][]byte)}
}

// Load returns a copy of the stored payload.
func (m *MemorySnapshotStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Save stores a copy of data under key.
func (m *MemorySnapshotStore) Save(_ context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

// Delete removes key; missing keys are ignored.
func (m *MemorySnapshotStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
