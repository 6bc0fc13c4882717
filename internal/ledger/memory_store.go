package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps the chain in a slice, for demos and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	byID     map[string]int
	prevSeen map[string]struct{}
}

// NewMemoryStore creates an empty in-memory chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		prevSeen: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.prevSeen[e.PreviousHash]; taken {
		return ErrConflict
	}
	if e.Sequence != int64(len(m.entries))+1 {
		return ErrConflict
	}
	m.entries = append(m.entries, e.clone())
	m.byID[e.ID] = len(m.entries) - 1
	m.prevSeen[e.PreviousHash] = struct{}{}
	return nil
}

func (m *MemoryStore) Tail(_ context.Context) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	return m.entries[len(m.entries)-1].clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return m.entries[idx].clone(), nil
}

func (m *MemoryStore) GetBySequence(_ context.Context, seq int64) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq < 1 || seq > int64(len(m.entries)) {
		return nil, ErrEntryNotFound
	}
	return m.entries[seq-1].clone(), nil
}

func (m *MemoryStore) Range(_ context.Context, fromSeq int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := int(max(fromSeq, 1)) - 1
	if start >= len(m.entries) {
		return []*Entry{}, nil
	}
	end := len(m.entries)
	if limit > 0 {
		end = min(end, start+limit)
	}
	out := make([]*Entry, 0, end-start)
	for _, e := range m.entries[start:end] {
		out = append(out, e.clone())
	}
	return out, nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.entries)
	if limit > 0 {
		n = min(n, limit)
	}
	out := make([]*Entry, 0, n)
	for i := len(m.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.entries[i].clone())
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
