package store

import (
	"sync"

	"github.com/picosn/picosn-client/internal/registry"
)

// MemStore is an in-memory Store, used when config.yaml selects
// storage.backend: memory (the default). It fills in the teacher's
// cmd/server/main.go TODO that memory storage was "not yet implemented".
type MemStore struct {
	mu       sync.Mutex
	registry []registry.Entry
	assembly map[uint16]AssemblyProgress
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{assembly: make(map[uint16]AssemblyProgress)}
}

func (m *MemStore) SaveRegistry(entries []registry.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]registry.Entry, len(entries))
	copy(snapshot, entries)
	m.registry = snapshot
	return nil
}

func (m *MemStore) LoadRegistry() ([]registry.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Entry, len(m.registry))
	copy(out, m.registry)
	return out, nil
}

func (m *MemStore) SaveAssemblyProgress(p AssemblyProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assembly[p.BlockID] = p
	return nil
}

func (m *MemStore) LoadAssemblyProgress(blockID uint16) (AssemblyProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.assembly[blockID]
	return p, ok, nil
}

func (m *MemStore) LoadLatestAssemblyProgress() (AssemblyProgress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest AssemblyProgress
	found := false
	for _, p := range m.assembly {
		if !found || p.LastUpdateMs > latest.LastUpdateMs {
			latest = p
			found = true
		}
	}
	return latest, found, nil
}

func (m *MemStore) ClearAssemblyProgress(blockID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assembly, blockID)
	return nil
}

func (m *MemStore) Close() error { return nil }
