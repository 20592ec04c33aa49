package collab

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps code sessions in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*CodeSession
	collabs  map[string]map[int64]Collaborator
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*CodeSession),
		collabs:  make(map[string]map[int64]Collaborator),
	}
}

func (s *MemoryStore) Start(_ context.Context, cs *CodeSession) error {
	if cs.Branch == "" {
		cs.Branch = DefaultBranch
	}
	cs.IsActive = true
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cs
	if existing, ok := s.sessions[cs.SessionID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	s.sessions[cs.SessionID] = &cp
	if s.collabs[cs.SessionID] == nil {
		s.collabs[cs.SessionID] = make(map[int64]Collaborator)
	}
	s.collabs[cs.SessionID][cs.OwnerID] = Collaborator{
		SessionID:   cs.SessionID,
		UserID:      cs.OwnerID,
		JoinedAt:    time.Now().UTC(),
		Permissions: PermissionAdmin,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*CodeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cs
	return &cp, nil
}

func (s *MemoryStore) Collaborators(_ context.Context, sessionID string) ([]Collaborator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Collaborator, 0, len(s.collabs[sessionID]))
	for _, c := range s.collabs[sessionID] {
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStore) End(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.sessions[sessionID]; ok {
		cs.IsActive = false
	}
	return nil
}
