// Package ident generates session identifiers.
package ident

import "github.com/google/uuid"

// SessionPrefix marks every generated session id.
const SessionPrefix = "session_"

// Generator produces collision-resistant session ids. Implementations must
// never fail and must not perform I/O.
type Generator interface {
	NewSessionID() string
}

// UUID generates ids from random (v4) UUIDs.
type UUID struct{}

func (UUID) NewSessionID() string {
	return SessionPrefix + uuid.NewString()
}
