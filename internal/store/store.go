// Package store defines the persistence interface for session records.
// Implementations include in-memory (testing and development), an on-disk
// snapshot file (optionally encrypted at rest), SQLite, PostgreSQL, and a
// Redis read-through cache in front of any of them.
package store

import (
	"context"
	"errors"

	"github.com/scoutx/session-engine/internal/model"
)

var (
	// ErrNotFound is returned by Get when no session has the requested id.
	ErrNotFound = errors.New("store: session not found")

	// ErrCorrupt is returned when persisted data cannot be decoded, fails
	// authentication, or violates the session invariants.
	ErrCorrupt = errors.New("store: corrupt session data")
)

// Store is the persistence interface. It is the single owner of canonical
// session records: every read returns an independent copy and every write
// stores one, so callers can never mutate stored state in place.
type Store interface {
	// Get retrieves a session by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Session, error)

	// Put inserts or replaces a session.
	Put(ctx context.Context, s *model.Session) error

	// ListByMarket returns all sessions trading against marketID.
	ListByMarket(ctx context.Context, marketID string) ([]model.Session, error)

	// ListByStatus returns all sessions in the given lifecycle state.
	ListByStatus(ctx context.Context, status model.Status) ([]model.Session, error)

	// Clear deletes every session.
	Clear(ctx context.Context) error
}

// PrimaryReader is implemented by stores that can answer from a cache. Its
// GetPrimary skips the cache and reads the authoritative copy.
type PrimaryReader interface {
	GetPrimary(ctx context.Context, id string) (*model.Session, error)
}

// GetForUpdate reads the authoritative copy of a session. Read-modify-write
// callers use it so a cached copy can never feed a mutation.
func GetForUpdate(ctx context.Context, st Store, id string) (*model.Session, error) {
	if pr, ok := st.(PrimaryReader); ok {
		return pr.GetPrimary(ctx, id)
	}
	return st.Get(ctx, id)
}
