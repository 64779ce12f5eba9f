package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/scoutx/session-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map. Used for testing and
// development, and as the working set behind FileStore.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session
	order    []string // insertion order, for stable listings and snapshots
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("put session: missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		s.order = append(s.order, sess.ID)
	}
	// Store a copy to avoid external mutation.
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) ListByMarket(_ context.Context, marketID string) ([]model.Session, error) {
	return s.filter(func(sess *model.Session) bool { return sess.MarketID == marketID }), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.Status) ([]model.Session, error) {
	return s.filter(func(sess *model.Session) bool { return sess.Status == status }), nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*model.Session)
	s.order = nil
	return nil
}

// Snapshot returns every session in insertion order.
func (s *MemoryStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(Snapshot, 0, len(s.order))
	for _, id := range s.order {
		snap = append(snap, Entry{ID: id, Session: *s.sessions[id].Clone()})
	}
	return snap
}

// Restore replaces the store's contents with snap.
func (s *MemoryStore) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*model.Session, len(snap))
	s.order = make([]string, 0, len(snap))
	for _, e := range snap {
		if _, dup := s.sessions[e.ID]; !dup {
			s.order = append(s.order, e.ID)
		}
		s.sessions[e.ID] = e.Session.Clone()
	}
}

func (s *MemoryStore) filter(keep func(*model.Session) bool) []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Session{}
	for _, id := range s.order {
		if sess := s.sessions[id]; keep(sess) {
			result = append(result, *sess.Clone())
		}
	}
	return result
}
