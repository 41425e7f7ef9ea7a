package storage

import (
	"sort"
	"sync"

	"github.com/pluresdb/pluresdb/internal/types"
)

// MemoryStorage is the in-memory Backend used when open(path) is called
// with an empty path. It offers the same history-log semantics as
// FileStorage without touching disk.
type MemoryStorage struct {
	mu      sync.RWMutex
	nodes   map[string]*types.Record
	history map[string][]*types.Record // newest first
	closed  bool
}

// NewMemoryStorage returns a Backend that keeps all state in process memory.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nodes:   make(map[string]*types.Record),
		history: make(map[string][]*types.Record),
	}
}

func (m *MemoryStorage) GetNode(id string) (*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrNotOpen
	}
	rec, ok := m.nodes[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (m *MemoryStorage) SetNode(record *types.Record) error {
	if record == nil || record.ID == "" {
		return ErrMalformedInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotOpen
	}
	if prev, ok := m.nodes[record.ID]; ok {
		hist := append([]*types.Record{prev.Clone()}, m.history[record.ID]...)
		if len(hist) > historyLimit {
			hist = hist[:historyLimit]
		}
		m.history[record.ID] = hist
	}
	m.nodes[record.ID] = record.Clone()
	return nil
}

func (m *MemoryStorage) DeleteNode(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotOpen
	}
	delete(m.nodes, id)
	return nil
}

func (m *MemoryStorage) ListNodes() ([]*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrNotOpen
	}
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*types.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.nodes[id].Clone())
	}
	return out, nil
}

func (m *MemoryStorage) GetNodeHistory(id string) ([]*types.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrNotOpen
	}
	hist := m.history[id]
	out := make([]*types.Record, len(hist))
	for i, r := range hist {
		out[i] = r.Clone()
	}
	return out, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
