package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scoutx/session-engine/internal/model"
)

// fillScript stores a cache entry only if it is newer than the one present.
// KEYS[1] session key; ARGV[1] version, ARGV[2] JSON, ARGV[3] ttl in ms.
var fillScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ver', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// CachedStore wraps a primary Store with a Redis read-through cache.
//
// Put invalidates the cached copy before writing the primary and refuses the
// write if the invalidation fails, so a stale entry never outlives a
// committed change. Refills are versioned: an entry only replaces an older
// one, so a slow reader cannot overwrite a fresher copy. Listings are not
// cached, and GetPrimary bypasses the cache for read-modify-write callers.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write path ---

func (s *CachedStore) Put(ctx context.Context, sess *model.Session) error {
	key := sessionKey(sess.ID)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("invalidate cached session %s: %w", sess.ID, err)
	}
	if err := s.primary.Put(ctx, sess); err != nil {
		return err
	}
	if err := s.fill(ctx, sess); err != nil {
		// The key was deleted above, so readers fall through to the primary.
		slog.Warn("session cache refresh failed", "id", sess.ID, "err", err)
	}
	return nil
}

func (s *CachedStore) Clear(ctx context.Context) error {
	if err := s.primary.Clear(ctx); err != nil {
		return err
	}

	iter := s.rdb.Scan(ctx, 0, sessionKey("*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan session cache: %w", err)
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("invalidate session cache: %w", err)
		}
	}
	return nil
}

// --- Read path ---

func (s *CachedStore) Get(ctx context.Context, id string) (*model.Session, error) {
	data, err := s.rdb.HGet(ctx, sessionKey(id), "data").Bytes()
	if err == nil {
		var sess model.Session
		if json.Unmarshal(data, &sess) == nil {
			if sess.Trades == nil {
				sess.Trades = []model.Trade{}
			}
			return &sess, nil
		}
	} else if err != redis.Nil {
		slog.Warn("session cache read failed", "id", id, "err", err)
	}

	// Cache miss: read from primary.
	sess, err := s.primary.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.fill(ctx, sess); err != nil {
		slog.Warn("session cache fill failed", "id", id, "err", err)
	}
	return sess, nil
}

// GetPrimary implements PrimaryReader.
func (s *CachedStore) GetPrimary(ctx context.Context, id string) (*model.Session, error) {
	return s.primary.Get(ctx, id)
}

// --- Passthrough ---

func (s *CachedStore) ListByMarket(ctx context.Context, marketID string) ([]model.Session, error) {
	return s.primary.ListByMarket(ctx, marketID)
}

func (s *CachedStore) ListByStatus(ctx context.Context, status model.Status) ([]model.Session, error) {
	return s.primary.ListByStatus(ctx, status)
}

// --- Cache helpers ---

func (s *CachedStore) fill(ctx context.Context, sess *model.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	args := []any{
		strconv.FormatUint(cacheVersion(sess), 10),
		data,
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
	}
	return fillScript.Run(ctx, s.rdb, []string{sessionKey(sess.ID)}, args...).Err()
}

// cacheVersion grows with every committed mutation of a session: each trade
// appends one entry while open, and close and settle each move the status
// one step.
func cacheVersion(sess *model.Session) uint64 {
	v := uint64(len(sess.Trades))
	switch sess.Status {
	case model.StatusClosed:
		v++
	case model.StatusSettled:
		v += 2
	}
	return v
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }
