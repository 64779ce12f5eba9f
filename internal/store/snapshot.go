package store

import (
	"encoding/json"
	"fmt"

	"github.com/scoutx/session-engine/internal/model"
)

// Entry is one (id, session) pair of a Snapshot.
type Entry struct {
	ID      string
	Session model.Session
}

// Snapshot is the persisted layout of a session map: an ordered list of
// (id, session) pairs, encoded as a JSON array of two-element arrays.
//
//	[["session_…", {"id": "session_…", …}], …]
type Snapshot []Entry

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ID, e.Session})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("snapshot entry: expected [id, session] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return fmt.Errorf("snapshot entry id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Session); err != nil {
		return fmt.Errorf("snapshot entry %s: %w", e.ID, err)
	}
	if e.Session.Trades == nil {
		e.Session.Trades = []model.Trade{}
	}
	return nil
}

// Verify checks every entry's invariants and that each key matches its
// session's id.
func (s Snapshot) Verify() error {
	for _, e := range s {
		if e.ID != e.Session.ID {
			return fmt.Errorf("%w: key %s holds session %s", ErrCorrupt, e.ID, e.Session.ID)
		}
		if err := e.Session.Verify(); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return nil
}
