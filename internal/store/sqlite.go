package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scoutx/session-engine/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file. Decimals are stored
// as TEXT so they round-trip exactly; timestamps as RFC 3339 with nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at dbPath.
func OpenSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection keeps transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  market_id TEXT NOT NULL,
  owner_address TEXT NOT NULL,
  deposit_amount TEXT NOT NULL,
  status TEXT NOT NULL,
  cumulative_amount TEXT NOT NULL,
  created_at TEXT NOT NULL,
  closed_at TEXT,
  settlement_digest TEXT
);
CREATE INDEX IF NOT EXISTS sessions_market_idx ON sessions (market_id);
CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status);
CREATE TABLE IF NOT EXISTS session_trades (
  session_id TEXT NOT NULL,
  nonce INTEGER NOT NULL,
  amount TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  auth_tag TEXT NOT NULL,
  PRIMARY KEY (session_id, nonce)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create session tables: %w", err)
	}
	return nil
}

// Put upserts the session row and appends any trades not yet stored. Trades
// are append-only, so existing (session_id, nonce) rows are left untouched.
func (s *SQLiteStore) Put(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var closedAt, digest sql.NullString
	if sess.ClosedAt != nil {
		closedAt = sql.NullString{String: formatTime(*sess.ClosedAt), Valid: true}
	}
	if sess.SettlementDigest != "" {
		digest = sql.NullString{String: sess.SettlementDigest, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, market_id, owner_address, deposit_amount, status, cumulative_amount, created_at, closed_at, settlement_digest)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  cumulative_amount=excluded.cumulative_amount,
  closed_at=excluded.closed_at,
  settlement_digest=excluded.settlement_digest`,
		sess.ID, sess.MarketID, sess.OwnerAddress,
		sess.DepositAmount.String(), string(sess.Status), sess.CumulativeAmount.String(),
		formatTime(sess.CreatedAt), closedAt, digest,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}

	for _, t := range sess.Trades {
		_, err := tx.ExecContext(ctx, `
INSERT INTO session_trades (session_id, nonce, amount, timestamp, auth_tag)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(session_id, nonce) DO NOTHING`,
			sess.ID, int64(t.Nonce), t.Amount.String(), formatTime(t.Timestamp), t.AuthTag,
		)
		if err != nil {
			return fmt.Errorf("insert trade %s#%d: %w", sess.ID, t.Nonce, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Session, error) {
	sessions, err := s.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &sessions[0], nil
}

func (s *SQLiteStore) ListByMarket(ctx context.Context, marketID string) ([]model.Session, error) {
	return s.query(ctx, `WHERE market_id = ?`, marketID)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status model.Status) ([]model.Session, error) {
	return s.query(ctx, `WHERE status = ?`, string(status))
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_trades`); err != nil {
		return fmt.Errorf("clear trades: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) query(ctx context.Context, where string, arg any) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, market_id, owner_address, deposit_amount, status, cumulative_amount, created_at, closed_at, settlement_digest
FROM sessions `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}

	sessions := []model.Session{}
	for rows.Next() {
		var sess model.Session
		var deposit, status, cumulative, createdAt string
		var closedAt, digest sql.NullString

		if err := rows.Scan(&sess.ID, &sess.MarketID, &sess.OwnerAddress,
			&deposit, &status, &cumulative, &createdAt, &closedAt, &digest); err != nil {
			rows.Close()
			return nil, err
		}
		if err := decodeRow(&sess, deposit, status, cumulative, createdAt, closedAt, digest); err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range sessions {
		if sessions[i].Trades, err = s.trades(ctx, sessions[i].ID); err != nil {
			return nil, err
		}
		if err := sessions[i].Verify(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return sessions, nil
}

func (s *SQLiteStore) trades(ctx context.Context, sessionID string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT nonce, amount, timestamp, auth_tag FROM session_trades
WHERE session_id = ? ORDER BY nonce`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var nonce int64
		var amount, ts string
		if err := rows.Scan(&nonce, &amount, &ts, &t.AuthTag); err != nil {
			return nil, err
		}
		t.Nonce = uint64(nonce)
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("%w: trade amount %q", ErrCorrupt, amount)
		}
		if t.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// decodeRow fills the text-encoded columns shared by the SQL backends.
func decodeRow(sess *model.Session, deposit, status, cumulative, createdAt string, closedAt, digest sql.NullString) error {
	var err error
	if sess.DepositAmount, err = decimal.NewFromString(deposit); err != nil {
		return fmt.Errorf("%w: deposit %q", ErrCorrupt, deposit)
	}
	if sess.CumulativeAmount, err = decimal.NewFromString(cumulative); err != nil {
		return fmt.Errorf("%w: cumulative %q", ErrCorrupt, cumulative)
	}
	if sess.Status, err = model.ParseStatus(status); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return err
		}
		sess.ClosedAt = &t
	}
	sess.SettlementDigest = digest.String
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Join(ErrCorrupt, fmt.Errorf("timestamp %q: %w", s, err))
	}
	return t.UTC(), nil
}
