package mapping

import (
	"context"
	"sync"

	"github.com/steveyegge/linearbridge/internal/types"
)

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	table Table
	sets  int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{table: Table{}}
}

func (m *MemoryStore) Get(_ context.Context, identifier string) (types.ThreadAnchor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.table[identifier]
	return a, ok && !a.IsZero()
}

func (m *MemoryStore) Set(_ context.Context, identifier string, anchor types.ThreadAnchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[identifier] = anchor
	m.sets++
	return nil
}

func (m *MemoryStore) Entries(_ context.Context) (Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Table, len(m.table))
	for k, v := range m.table {
		out[k] = v
	}
	return out, nil
}

// SetCount reports how many Set calls the store has seen.
func (m *MemoryStore) SetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}
