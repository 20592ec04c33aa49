package session

import (
	"context"
	"sync"
)

// MemoryStore keeps session rows in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Row
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

func (s *MemoryStore) Upsert(_ context.Context, r *Row) error {
	stamp(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[r.SessionID]; ok {
		merge(existing, r)
		return nil
	}
	cp := *r
	s.rows[r.SessionID] = &cp
	return nil
}

func (s *MemoryStore) FindBySessionID(_ context.Context, sessionID string) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.rows, sessionID)
	s.mu.Unlock()
	return nil
}

// Count returns the number of stored rows.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
