// Package settlement computes the deterministic artifacts a closed session
// hands to the external settlement contract: a per-trade authorization tag
// and the session's settlement digest.
//
// Both are Keccak-256 over a canonical byte encoding, rendered as "0x"
// followed by 64 lower-case hex characters.
package settlement

import (
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/scoutx/session-engine/internal/model"
)

// Domain-separation tags. Bump the version when the encoding changes.
const (
	tradeTagDomain = "scoutx:trade-auth:v1"
	digestDomain   = "scoutx:settlement:v1"
)

// Encoder is the pluggable settlement encoding. Implementations must be pure:
// the same inputs always produce the same output.
type Encoder interface {
	// TradeAuthTag binds (sessionID, nonce, amount).
	TradeAuthTag(sessionID string, nonce uint64, amount decimal.Decimal) string

	// Digest fingerprints a closed session. s.ClosedAt must be set.
	Digest(s *model.Session) string
}

// Keccak is the default Encoder.
type Keccak struct{}

func (Keccak) TradeAuthTag(sessionID string, nonce uint64, amount decimal.Decimal) string {
	w := newCanonicalWriter(tradeTagDomain)
	w.str(sessionID)
	w.u64(nonce)
	w.dec(amount)
	return w.sum()
}

// Digest commits to the aggregate fields and to the full trade sequence, so
// two sessions with equal totals but different trade breakdowns differ.
func (Keccak) Digest(s *model.Session) string {
	w := newCanonicalWriter(digestDomain)
	w.str(s.ID)
	w.str(s.MarketID)
	w.str(s.OwnerAddress)
	w.dec(s.CumulativeAmount)
	w.u64(uint64(len(s.Trades)))

	var closed int64
	if s.ClosedAt != nil {
		closed = s.ClosedAt.UTC().UnixNano()
	}
	w.i64(closed)

	for _, t := range s.Trades {
		w.u64(t.Nonce)
		w.dec(t.Amount)
		w.str(t.AuthTag)
	}
	return w.sum()
}

// canonicalWriter feeds length-prefixed or fixed-width fields into a hash so
// that no two distinct field sequences share an encoding.
type canonicalWriter struct {
	h   hash.Hash
	buf [8]byte
}

func newCanonicalWriter(domain string) *canonicalWriter {
	w := &canonicalWriter{h: sha3.NewLegacyKeccak256()}
	w.str(domain)
	return w
}

func (w *canonicalWriter) str(s string) {
	binary.BigEndian.PutUint32(w.buf[:4], uint32(len(s)))
	w.h.Write(w.buf[:4])
	w.h.Write([]byte(s))
}

func (w *canonicalWriter) u64(v uint64) {
	binary.BigEndian.PutUint64(w.buf[:], v)
	w.h.Write(w.buf[:])
}

func (w *canonicalWriter) i64(v int64) { w.u64(uint64(v)) }

// dec encodes the normalized decimal string, so 60.0 and 60 hash the same.
func (w *canonicalWriter) dec(d decimal.Decimal) { w.str(d.String()) }

func (w *canonicalWriter) sum() string {
	return "0x" + hex.EncodeToString(w.h.Sum(nil))
}
