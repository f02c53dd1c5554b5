package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/uclgsr/hellobellohellobello-sub002/internal/session/domain"
)

// MemoryRepository is an in-memory Repository. Records are stored encoded so
// callers never share mutable state with the store.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string][]byte
	ids     map[string]bool // ids known to the store, with or without a record
	marker  *domain.RecoveryMarker
}

// NewMemoryRepository returns an empty in-memory session store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string][]byte),
		ids:     make(map[string]bool),
	}
}

// Write stores rec under rec.ID.
func (m *MemoryRepository) Write(ctx context.Context, rec *domain.Session) error {
	data, err := domain.EncodeSession(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[rec.ID]; ok {
		existing, err := domain.DecodeSession(prev)
		if err == nil {
			if err := guardTerminal(existing, rec); err != nil {
				return err
			}
		}
	}
	m.records[rec.ID] = data
	m.ids[rec.ID] = true
	return nil
}

// Read returns a copy of the record for id, or nil if missing.
func (m *MemoryRepository) Read(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	data, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return domain.DecodeSession(data)
}

// ListAll returns all known ids in ascending order.
func (m *MemoryRepository) ListAll(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes id and its record.
func (m *MemoryRepository) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	delete(m.ids, id)
	return nil
}

// WriteRecoveryMarker keeps the latest marker in memory.
func (m *MemoryRepository) WriteRecoveryMarker(ctx context.Context, marker domain.RecoveryMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marker = &marker
	return nil
}

// AddOrphan registers an id without a record, like a session directory whose metadata was never written.
func (m *MemoryRepository) AddOrphan(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = true
}

// Marker returns the last marker written, or nil.
func (m *MemoryRepository) Marker() *domain.RecoveryMarker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.marker == nil {
		return nil
	}
	cp := *m.marker
	return &cp
}
