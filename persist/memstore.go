package persist

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// memoryStore keeps entries in process memory. Contents are lost on exit.
type memoryStore struct {
	entries map[string][]byte
	mu      sync.RWMutex
}

// NewMemoryStore creates an ephemeral Store.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string][]byte)}
}

func (m *memoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memoryStore) Load(_ context.Context, keys ...string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		value, ok := m.entries[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		entries = append(entries, Entry{Key: key, Value: slices.Clone(value)})
	}
	return entries, nil
}

func (m *memoryStore) Save(_ context.Context, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.entries[e.Key] = slices.Clone(e.Value)
	}
	return nil
}

func (m *memoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}
