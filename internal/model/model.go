// Package model defines the core domain types shared across the session engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a session: open → closed → settled.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
	StatusSettled Status = "settled"
)

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusSettled:
		return true
	}
	return false
}

// ParseStatus converts a persisted or user-supplied status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown session status %q", s)
	}
	return st, nil
}

// Trade is one off-chain increment within a session. Trades are append-only;
// Nonce equals the trade's 1-based position in Session.Trades.
type Trade struct {
	Nonce     uint64          `json:"nonce" db:"nonce"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	AuthTag   string          `json:"auth_tag" db:"auth_tag"`
}

// Session is one funded off-chain channel bound to a market and an owner.
// Schema: {id, market, owner, deposit, status, trades, cumulative, created, closed, digest}
type Session struct {
	ID               string          `json:"id" db:"id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	OwnerAddress     string          `json:"owner_address" db:"owner_address"`
	DepositAmount    decimal.Decimal `json:"deposit_amount" db:"deposit_amount"`
	Status           Status          `json:"status" db:"status"`
	Trades           []Trade         `json:"trades"`
	CumulativeAmount decimal.Decimal `json:"cumulative_amount" db:"cumulative_amount"` // Σ trades.amount
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	ClosedAt         *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	SettlementDigest string          `json:"settlement_digest,omitempty" db:"settlement_digest"`
}

// Clone returns a deep copy. Callers may mutate the result freely.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Trades != nil {
		c.Trades = make([]Trade, len(s.Trades))
		copy(c.Trades, s.Trades)
	} else {
		c.Trades = []Trade{}
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Headroom is the remaining capacity for further trades.
func (s *Session) Headroom() decimal.Decimal {
	return s.DepositAmount.Sub(s.CumulativeAmount)
}

// Verify checks the structural invariants of a session record. Backends that
// load records from outside the process use it to reject corrupt data.
func (s *Session) Verify() error {
	if s.ID == "" {
		return fmt.Errorf("session has empty id")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("session %s: unknown status %q", s.ID, s.Status)
	}
	if !s.DepositAmount.IsPositive() {
		return fmt.Errorf("session %s: deposit %s is not positive", s.ID, s.DepositAmount)
	}

	sum := decimal.Zero
	for i, t := range s.Trades {
		if t.Nonce != uint64(i+1) {
			return fmt.Errorf("session %s: trade %d has nonce %d", s.ID, i+1, t.Nonce)
		}
		if !t.Amount.IsPositive() {
			return fmt.Errorf("session %s: trade %d amount %s is not positive", s.ID, t.Nonce, t.Amount)
		}
		sum = sum.Add(t.Amount)
	}
	if !sum.Equal(s.CumulativeAmount) {
		return fmt.Errorf("session %s: cumulative %s does not match trade sum %s", s.ID, s.CumulativeAmount, sum)
	}
	if s.CumulativeAmount.GreaterThan(s.DepositAmount) {
		return fmt.Errorf("session %s: cumulative %s exceeds deposit %s", s.ID, s.CumulativeAmount, s.DepositAmount)
	}

	frozen := s.Status != StatusOpen
	if frozen != (s.ClosedAt != nil) || frozen != (s.SettlementDigest != "") {
		return fmt.Errorf("session %s: close stamp inconsistent with status %s", s.ID, s.Status)
	}
	return nil
}

// SettlementRecord is the artifact produced when a session closes, carrying
// what an external settlement contract needs for the final commit. It is
// never mutated after creation.
type SettlementRecord struct {
	SessionID        string          `json:"session_id"`
	MarketID         string          `json:"market_id"`
	OwnerAddress     string          `json:"owner_address"`
	CumulativeAmount decimal.Decimal `json:"cumulative_amount"`
	SettlementDigest string          `json:"settlement_digest"`
	ClosedAt         time.Time       `json:"closed_at"`
}

// Event types emitted after successful mutations.
const (
	EventSessionOpened   = "session_opened"
	EventTradePlaced     = "trade_placed"
	EventSessionClosed   = "session_closed"
	EventSessionSettled  = "session_settled"
	EventSessionsCleared = "sessions_cleared"
)

// Event is a notification about a committed session change.
type Event struct {
	Type             string           `json:"type"`
	SessionID        string           `json:"session_id,omitempty"`
	MarketID         string           `json:"market_id,omitempty"`
	Status           Status           `json:"status,omitempty"`
	Nonce            uint64           `json:"nonce,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	CumulativeAmount *decimal.Decimal `json:"cumulative_amount,omitempty"`
	SettlementDigest string           `json:"settlement_digest,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}
