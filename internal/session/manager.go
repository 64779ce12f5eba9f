// Package session implements the off-chain session ledger: the open → closed
// → settled lifecycle, trade admission under the solvency bound, and the
// settlement record handed to the external commit step.
//
// All monetary values use shopspring/decimal, never float64.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scoutx/session-engine/internal/ident"
	"github.com/scoutx/session-engine/internal/metrics"
	"github.com/scoutx/session-engine/internal/model"
	"github.com/scoutx/session-engine/internal/settlement"
	"github.com/scoutx/session-engine/internal/store"
)

// DefaultOwnerAddress is used when a session is opened without an owner.
const DefaultOwnerAddress = "0x0000000000000000000000000000000000000000"

// Manager runs the session lifecycle and trade ledger on top of a Store.
//
// Every mutation of one session runs under that session's lock, so the
// read-validate-write of PlaceTrade, CloseSession and MarkAsSettled is atomic
// per session while different sessions proceed independently. Clear takes
// the manager-wide lock exclusively.
type Manager struct {
	store    store.Store
	encoder  settlement.Encoder
	ids      ident.Generator
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	defaultOwner string

	global sync.RWMutex
	locks  *keyedMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for createdAt, trade timestamps
// and closedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEncoder overrides the settlement encoder.
func WithEncoder(enc settlement.Encoder) Option {
	return func(m *Manager) { m.encoder = enc }
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(g ident.Generator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithNotifier sets the sink for committed-change events.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithDefaultOwner sets the owner recorded when OpenSession gets none.
func WithDefaultOwner(addr string) Option {
	return func(m *Manager) { m.defaultOwner = addr }
}

// NewManager creates a session manager backed by st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		encoder:  settlement.Keccak{},
		ids:      ident.UUID{},
		notifier: nopNotifier{},
		logger:   slog.Default(),
		// Microsecond precision survives every backend, TIMESTAMPTZ included.
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		defaultOwner: DefaultOwnerAddress,
		locks:        newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SyncMetrics sets the open-sessions gauge from the store. Call it once at
// startup when the store outlives the process.
func (m *Manager) SyncMetrics(ctx context.Context) error {
	m.global.RLock()
	defer m.global.RUnlock()

	open, err := m.store.ListByStatus(ctx, model.StatusOpen)
	if err != nil {
		return fmt.Errorf("count open sessions: %w", err)
	}
	metrics.OpenSessions.Set(float64(len(open)))
	return nil
}

// OpenSession creates and persists a new open session with an empty trade
// list. An empty ownerAddress falls back to the configured default owner.
func (m *Manager) OpenSession(ctx context.Context, marketID, depositAmount, ownerAddress string) (*model.Session, error) {
	defer metrics.ObserveOp("open", time.Now())

	marketID = strings.TrimSpace(marketID)
	if marketID == "" {
		return nil, m.reject("open", invalidInput("market id is required"))
	}
	deposit, err := parsePositive(depositAmount)
	if err != nil {
		return nil, m.reject("open", invalidInput("deposit amount %v", err))
	}
	owner := strings.TrimSpace(ownerAddress)
	if owner == "" {
		owner = m.defaultOwner
	}

	m.global.RLock()
	defer m.global.RUnlock()

	sess := &model.Session{
		ID:               m.ids.NewSessionID(),
		MarketID:         marketID,
		OwnerAddress:     owner,
		DepositAmount:    deposit,
		Status:           model.StatusOpen,
		Trades:           []model.Trade{},
		CumulativeAmount: decimal.Zero,
		CreatedAt:        m.now(),
	}

	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session %s: %w", sess.ID, err)
	}

	metrics.SessionsOpened.Inc()
	metrics.OpenSessions.Inc()
	m.logger.Info("session opened",
		"session_id", sess.ID,
		"market_id", sess.MarketID,
		"owner", sess.OwnerAddress,
		"deposit", sess.DepositAmount.String(),
	)
	m.notifier.Notify(ctx, model.Event{
		Type:      model.EventSessionOpened,
		SessionID: sess.ID,
		MarketID:  sess.MarketID,
		Status:    sess.Status,
		Timestamp: sess.CreatedAt,
	})

	return sess.Clone(), nil
}

// PlaceTrade admits one off-chain trade. Preconditions are checked in order
// against a single read of the session: it exists, it is open, amount is a
// positive decimal, and cumulative + amount stays within the deposit.
func (m *Manager) PlaceTrade(ctx context.Context, sessionID, amount string) (*model.Session, error) {
	defer metrics.ObserveOp("trade", time.Now())

	m.global.RLock()
	defer m.global.RUnlock()
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.loadForUpdate(ctx, sessionID)
	if err != nil {
		return nil, m.reject("trade", err)
	}
	if sess.Status != model.StatusOpen {
		return nil, m.reject("trade", &StateError{SessionID: sessionID, Status: sess.Status, Op: "trade"})
	}
	amt, err := parsePositive(amount)
	if err != nil {
		return nil, m.reject("trade", invalidInput("trade amount %v", err))
	}
	newTotal := sess.CumulativeAmount.Add(amt)
	if newTotal.GreaterThan(sess.DepositAmount) {
		return nil, m.reject("trade", &HeadroomError{
			SessionID: sessionID,
			Requested: amt,
			Headroom:  sess.Headroom(),
		})
	}

	nonce := uint64(len(sess.Trades) + 1)
	trade := model.Trade{
		Nonce:     nonce,
		Amount:    amt,
		Timestamp: m.now(),
		AuthTag:   m.encoder.TradeAuthTag(sessionID, nonce, amt),
	}
	sess.Trades = append(sess.Trades, trade)
	sess.CumulativeAmount = newTotal

	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist trade %s#%d: %w", sessionID, nonce, err)
	}

	metrics.TradesTotal.Inc()
	metrics.TradeVolume.WithLabelValues(sess.MarketID).Add(amt.InexactFloat64())
	m.logger.Info("trade placed",
		"session_id", sessionID,
		"nonce", nonce,
		"amount", amt.String(),
		"cumulative", newTotal.String(),
		"headroom", sess.Headroom().String(),
	)
	m.notifier.Notify(ctx, model.Event{
		Type:             model.EventTradePlaced,
		SessionID:        sessionID,
		MarketID:         sess.MarketID,
		Status:           sess.Status,
		Nonce:            nonce,
		Amount:           &amt,
		CumulativeAmount: &newTotal,
		Timestamp:        trade.Timestamp,
	})

	return sess, nil
}

// CloseSession freezes an open session, computes its settlement digest and
// returns the settlement record. A second call fails with ErrInvalidState;
// callers must keep the first record.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) (*model.SettlementRecord, error) {
	defer metrics.ObserveOp("close", time.Now())

	m.global.RLock()
	defer m.global.RUnlock()
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.loadForUpdate(ctx, sessionID)
	if err != nil {
		return nil, m.reject("close", err)
	}
	if sess.Status != model.StatusOpen {
		return nil, m.reject("close", &StateError{SessionID: sessionID, Status: sess.Status, Op: "close"})
	}

	closedAt := m.now()
	sess.Status = model.StatusClosed
	sess.ClosedAt = &closedAt
	sess.SettlementDigest = m.encoder.Digest(sess)

	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist close of %s: %w", sessionID, err)
	}

	record := &model.SettlementRecord{
		SessionID:        sess.ID,
		MarketID:         sess.MarketID,
		OwnerAddress:     sess.OwnerAddress,
		CumulativeAmount: sess.CumulativeAmount,
		SettlementDigest: sess.SettlementDigest,
		ClosedAt:         closedAt,
	}

	metrics.SessionTransitions.WithLabelValues(string(model.StatusClosed)).Inc()
	metrics.OpenSessions.Dec()
	m.logger.Info("session closed",
		"session_id", sessionID,
		"trades", len(sess.Trades),
		"cumulative", sess.CumulativeAmount.String(),
		"digest", sess.SettlementDigest,
	)
	cumulative := sess.CumulativeAmount
	m.notifier.Notify(ctx, model.Event{
		Type:             model.EventSessionClosed,
		SessionID:        sessionID,
		MarketID:         sess.MarketID,
		Status:           sess.Status,
		CumulativeAmount: &cumulative,
		SettlementDigest: sess.SettlementDigest,
		Timestamp:        closedAt,
	})

	return record, nil
}

// MarkAsSettled records that the external commit of a closed session
// succeeded.
func (m *Manager) MarkAsSettled(ctx context.Context, sessionID string) (*model.Session, error) {
	defer metrics.ObserveOp("settle", time.Now())

	m.global.RLock()
	defer m.global.RUnlock()
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.loadForUpdate(ctx, sessionID)
	if err != nil {
		return nil, m.reject("settle", err)
	}
	if sess.Status != model.StatusClosed {
		return nil, m.reject("settle", &StateError{SessionID: sessionID, Status: sess.Status, Op: "settle"})
	}

	sess.Status = model.StatusSettled
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist settlement of %s: %w", sessionID, err)
	}

	metrics.SessionTransitions.WithLabelValues(string(model.StatusSettled)).Inc()
	m.logger.Info("session settled", "session_id", sessionID, "digest", sess.SettlementDigest)
	m.notifier.Notify(ctx, model.Event{
		Type:             model.EventSessionSettled,
		SessionID:        sessionID,
		MarketID:         sess.MarketID,
		Status:           sess.Status,
		SettlementDigest: sess.SettlementDigest,
		Timestamp:        m.now(),
	})

	return sess, nil
}

// GetSession returns a copy of one session, or ErrNotFound.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	m.global.RLock()
	defer m.global.RUnlock()
	return m.load(ctx, sessionID)
}

// GetSessionsByMarket returns copies of every session for marketID.
func (m *Manager) GetSessionsByMarket(ctx context.Context, marketID string) ([]model.Session, error) {
	m.global.RLock()
	defer m.global.RUnlock()
	return m.store.ListByMarket(ctx, marketID)
}

// GetOpenSessions returns copies of every open session.
func (m *Manager) GetOpenSessions(ctx context.Context) ([]model.Session, error) {
	return m.GetSessionsByStatus(ctx, model.StatusOpen)
}

// GetSessionsByStatus returns copies of every session in status.
func (m *Manager) GetSessionsByStatus(ctx context.Context, status model.Status) ([]model.Session, error) {
	if !status.Valid() {
		return nil, invalidInput("unknown status %q", status)
	}
	m.global.RLock()
	defer m.global.RUnlock()
	return m.store.ListByStatus(ctx, status)
}

// ClearAllSessions deletes every session. It waits for in-flight operations
// and blocks new ones until the store is empty.
func (m *Manager) ClearAllSessions(ctx context.Context) error {
	m.global.Lock()
	defer m.global.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}

	metrics.OpenSessions.Set(0)
	m.logger.Warn("all sessions cleared")
	m.notifier.Notify(ctx, model.Event{Type: model.EventSessionsCleared, Timestamp: m.now()})
	return nil
}

// load reads a session, translating the store's not-found into ErrNotFound.
func (m *Manager) load(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	return m.loaded(sess, sessionID, err)
}

// loadForUpdate reads the authoritative copy, bypassing any cache. Callers
// hold the session lock.
func (m *Manager) loadForUpdate(ctx context.Context, sessionID string) (*model.Session, error) {
	sess, err := store.GetForUpdate(ctx, m.store, sessionID)
	return m.loaded(sess, sessionID, err)
}

func (m *Manager) loaded(sess *model.Session, sessionID string, err error) (*model.Session, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return sess, nil
}

// reject counts a failed operation by error class and passes err through.
func (m *Manager) reject(op string, err error) error {
	reason := "internal"
	switch {
	case errors.Is(err, ErrInvalidInput):
		reason = "invalid_input"
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrInvalidState):
		reason = "invalid_state"
	case errors.Is(err, ErrInsufficientHeadroom):
		reason = "insufficient_headroom"
	}
	metrics.Rejections.WithLabelValues(op, reason).Inc()
	m.logger.Debug("session operation rejected", "op", op, "reason", reason, "err", err)
	return err
}

// parsePositive parses an exact decimal string and requires it to be > 0.
func parsePositive(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.New("is required")
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a decimal number", s)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("must be positive, got %s", v)
	}
	return v, nil
}
