package session

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/scoutx/session-engine/internal/model"
)

var (
	// ErrInvalidInput is returned for malformed or non-positive fields.
	ErrInvalidInput = errors.New("session: invalid input")

	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session: not found")

	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current lifecycle state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrInsufficientHeadroom is returned when a trade would push the
	// cumulative amount above the deposit.
	ErrInsufficientHeadroom = errors.New("session: insufficient headroom")
)

// StateError reports a lifecycle violation and names the current state.
type StateError struct {
	SessionID string
	Status    model.Status
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s is %s, cannot %s", e.SessionID, e.Status, e.Op)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// HeadroomError reports a rejected trade and the capacity that remains.
type HeadroomError struct {
	SessionID string
	Requested decimal.Decimal
	Headroom  decimal.Decimal
}

func (e *HeadroomError) Error() string {
	return fmt.Sprintf("trade of %s would exceed deposit of session %s. Available: %s",
		e.Requested, e.SessionID, e.Headroom)
}

func (e *HeadroomError) Unwrap() error { return ErrInsufficientHeadroom }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
