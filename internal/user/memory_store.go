package user

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps profiles in a map. It backs development runs without a
// database and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[int64]*Profile
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[int64]*Profile)}
}

// Put inserts or replaces a profile.
func (s *MemoryStore) Put(p *Profile) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.LastActive.IsZero() {
		p.LastActive = p.CreatedAt
	}
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

// GetByID returns a copy of the profile for id.
func (s *MemoryStore) GetByID(_ context.Context, id int64) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// Count returns the number of stored profiles.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}
