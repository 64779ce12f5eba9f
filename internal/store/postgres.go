package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/scoutx/session-engine/internal/model"
)

// PostgresSchema creates the session tables. Amounts are NUMERIC for exact
// decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	seq               BIGSERIAL,
	id                TEXT PRIMARY KEY,
	market_id         TEXT NOT NULL,
	owner_address     TEXT NOT NULL,
	deposit_amount    NUMERIC NOT NULL CHECK (deposit_amount > 0),
	status            TEXT NOT NULL,
	cumulative_amount NUMERIC NOT NULL CHECK (cumulative_amount <= deposit_amount),
	created_at        TIMESTAMPTZ NOT NULL,
	closed_at         TIMESTAMPTZ,
	settlement_digest TEXT
);
CREATE INDEX IF NOT EXISTS sessions_market_idx ON sessions (market_id);
CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status);
CREATE TABLE IF NOT EXISTS session_trades (
	session_id TEXT NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
	nonce      BIGINT NOT NULL,
	amount     NUMERIC NOT NULL CHECK (amount > 0),
	timestamp  TIMESTAMPTZ NOT NULL,
	auth_tag   TEXT NOT NULL,
	PRIMARY KEY (session_id, nonce)
);
`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies PostgresSchema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("create session tables: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, sess *model.Session) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var digest *string
	if sess.SettlementDigest != "" {
		digest = &sess.SettlementDigest
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, market_id, owner_address, deposit_amount, status, cumulative_amount, created_at, closed_at, settlement_digest)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     cumulative_amount = EXCLUDED.cumulative_amount,
		     closed_at = EXCLUDED.closed_at,
		     settlement_digest = EXCLUDED.settlement_digest`,
		sess.ID, sess.MarketID, sess.OwnerAddress,
		sess.DepositAmount.String(), string(sess.Status), sess.CumulativeAmount.String(),
		sess.CreatedAt, sess.ClosedAt, digest,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}

	batch := &pgx.Batch{}
	for _, t := range sess.Trades {
		batch.Queue(
			`INSERT INTO session_trades (session_id, nonce, amount, timestamp, auth_tag)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5)
			 ON CONFLICT (session_id, nonce) DO NOTHING`,
			sess.ID, int64(t.Nonce), t.Amount.String(), t.Timestamp, t.AuthTag,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert trades for %s: %w", sess.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Session, error) {
	sessions, err := s.query(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &sessions[0], nil
}

func (s *PostgresStore) ListByMarket(ctx context.Context, marketID string) ([]model.Session, error) {
	return s.query(ctx, `WHERE market_id = $1`, marketID)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status model.Status) ([]model.Session, error) {
	return s.query(ctx, `WHERE status = $1`, string(status))
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE session_trades, sessions`)
	return err
}

// query loads matching sessions and their trades in two round trips.
func (s *PostgresStore) query(ctx context.Context, where string, arg any) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, owner_address,
		        deposit_amount::TEXT, status, cumulative_amount::TEXT,
		        created_at, closed_at, settlement_digest
		 FROM sessions `+where+` ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []model.Session{}
	index := make(map[string]int)
	var ids []string
	for rows.Next() {
		var sess model.Session
		var deposit, status, cumulative string
		var closedAt *time.Time
		var digest *string

		if err := rows.Scan(&sess.ID, &sess.MarketID, &sess.OwnerAddress,
			&deposit, &status, &cumulative,
			&sess.CreatedAt, &closedAt, &digest); err != nil {
			return nil, err
		}

		var closed sql.NullString
		if closedAt != nil {
			closed = sql.NullString{String: formatTime(*closedAt), Valid: true}
		}
		var dg sql.NullString
		if digest != nil {
			dg = sql.NullString{String: *digest, Valid: true}
		}
		if err := decodeRow(&sess, deposit, status, cumulative, formatTime(sess.CreatedAt), closed, dg); err != nil {
			return nil, err
		}
		sess.Trades = []model.Trade{}

		index[sess.ID] = len(sessions)
		ids = append(ids, sess.ID)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sessions, nil
	}

	trows, err := s.pool.Query(ctx,
		`SELECT session_id, nonce, amount::TEXT, timestamp, auth_tag
		 FROM session_trades WHERE session_id = ANY($1) ORDER BY session_id, nonce`, ids)
	if err != nil {
		return nil, err
	}
	defer trows.Close()

	for trows.Next() {
		var sessionID, amount string
		var nonce int64
		var t model.Trade
		if err := trows.Scan(&sessionID, &nonce, &amount, &t.Timestamp, &t.AuthTag); err != nil {
			return nil, err
		}
		t.Nonce = uint64(nonce)
		t.Timestamp = t.Timestamp.UTC()
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("%w: trade amount %q", ErrCorrupt, amount)
		}
		i := index[sessionID]
		sessions[i].Trades = append(sessions[i].Trades, t)
	}
	if err := trows.Err(); err != nil {
		return nil, err
	}

	for i := range sessions {
		if err := sessions[i].Verify(); err != nil {
			return nil, errors.Join(ErrCorrupt, err)
		}
	}
	return sessions, nil
}
