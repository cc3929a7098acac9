package correlation

import (
	"context"
	"maps"
	"sync"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is a Store kept in process memory. It does not survive a
// restart and exists for tests and the test server.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[string]string)}
}

// RunTags returns a copy of the run's tags.
func (m *MemoryStore) RunTags(_ context.Context, runID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.runs[runID]))
	maps.Copy(out, m.runs[runID])
	return out, nil
}

// AddRunTags merges tags into the run's tag set.
func (m *MemoryStore) AddRunTags(_ context.Context, runID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.runs[runID]
	if !ok {
		t = make(map[string]string, len(tags))
		m.runs[runID] = t
	}
	maps.Copy(t, tags)
	return nil
}
