package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory DocumentStore used by tests and local
// development. It mirrors the semantics of the Redis implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string][]byte)}
}

// Get implements DocumentStore.
func (m *MemoryStore) Get(_ context.Context, collection, id string, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

// Add implements DocumentStore.
func (m *MemoryStore) Add(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", collection, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string][]byte)
	}
	m.data[collection][id] = raw
	return nil
}

// Update implements DocumentStore.
func (m *MemoryStore) Update(_ context.Context, collection, id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("store: update decode %s/%s: %w", collection, id, err)
	}
	for k, v := range patch {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: update encode %s/%s: %w", collection, id, err)
	}
	m.data[collection][id] = merged
	return nil
}

// Query implements DocumentStore.
func (m *MemoryStore) Query(_ context.Context, collection string, filter Filter) ([]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []json.RawMessage
	for _, raw := range m.data[collection] {
		if matchesFilter(raw, filter) {
			cp := make([]byte, len(raw))
			copy(cp, raw)
			results = append(results, json.RawMessage(cp))
		}
	}
	return results, nil
}

// Delete implements DocumentStore.
func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], id)
	return nil
}
