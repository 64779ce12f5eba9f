package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/scoutx/session-engine/internal/model"
)

// FileStore keeps the working set in a MemoryStore and rewrites a snapshot
// file after every mutation. With a non-empty passphrase the file is an
// encrypted envelope (scrypt + ChaCha20-Poly1305); otherwise plain JSON.
type FileStore struct {
	mem        *MemoryStore
	path       string
	passphrase string
	params     ScryptParams

	mu sync.Mutex // serializes file writes
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithPassphrase encrypts the snapshot at rest.
func WithPassphrase(passphrase string) FileOption {
	return func(s *FileStore) { s.passphrase = passphrase }
}

// WithScryptParams overrides the key-derivation cost.
func WithScryptParams(p ScryptParams) FileOption {
	return func(s *FileStore) { s.params = p }
}

// OpenFileStore loads the snapshot at path, or starts empty if the file does
// not exist yet. Undecodable or invariant-violating content is ErrCorrupt.
func OpenFileStore(path string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{
		mem:    NewMemoryStore(),
		path:   path,
		params: DefaultScryptParams,
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	if s.passphrase != "" {
		if data, err = open(s.passphrase, data); err != nil {
			return nil, err
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	s.mem.Restore(snap)
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*model.Session, error) {
	return s.mem.Get(ctx, id)
}

func (s *FileStore) ListByMarket(ctx context.Context, marketID string) ([]model.Session, error) {
	return s.mem.ListByMarket(ctx, marketID)
}

func (s *FileStore) ListByStatus(ctx context.Context, status model.Status) ([]model.Session, error) {
	return s.mem.ListByStatus(ctx, status)
}

// Put updates the working set and persists. If the write fails the working
// set is rolled back to the previous record.
func (s *FileStore) Put(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.mem.Snapshot()
	if err := s.mem.Put(ctx, sess); err != nil {
		return err
	}
	if err := s.flush(); err != nil {
		s.mem.Restore(prev)
		return err
	}
	return nil
}

// Clear empties the working set and removes the file.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return s.mem.Clear(ctx)
}

// flush writes the snapshot to a temp file and renames it over path.
func (s *FileStore) flush() error {
	data, err := json.Marshal(s.mem.Snapshot())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if s.passphrase != "" {
		if data, err = seal(s.passphrase, data, s.params); err != nil {
			return fmt.Errorf("encrypt snapshot: %w", err)
		}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
