package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/scoutx/session-engine/internal/metrics"
	"github.com/scoutx/session-engine/internal/model"
	"github.com/scoutx/session-engine/internal/session"
	"github.com/scoutx/session-engine/internal/settlement"
	"github.com/scoutx/session-engine/internal/store"
)

// newCachedManager runs a Manager over a Redis-cached MemoryStore.
func newCachedManager(t *testing.T) (*session.Manager, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, client, 30*time.Second)
	return session.NewManager(cached, session.WithClock(fixedClock())), primary, mr
}

func TestCachedStore_RedisOutageNeverOverAdmits(t *testing.T) {
	m, primary, mr := newCachedManager(t)
	ctx := context.Background()
	s := mustOpen(t, m, "m1", "100")

	mr.SetError("transient failure")
	if _, err := m.PlaceTrade(ctx, s.ID, "60"); err == nil {
		t.Fatal("expected trade to fail while the cache cannot be invalidated")
	}
	mr.SetError("")

	got, err := m.PlaceTrade(ctx, s.ID, "60")
	if err != nil {
		t.Fatalf("trade after recovery: %v", err)
	}
	if got.Trades[len(got.Trades)-1].Nonce != 1 {
		t.Errorf("expected nonce 1, got %d", got.Trades[len(got.Trades)-1].Nonce)
	}

	var herr *session.HeadroomError
	if _, err := m.PlaceTrade(ctx, s.ID, "60"); !errors.As(err, &herr) {
		t.Fatalf("expected headroom rejection, got %v", err)
	}
	if !herr.Headroom.Equal(d("40")) {
		t.Errorf("expected headroom 40, got %s", herr.Headroom)
	}

	stored, err := primary.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("primary get: %v", err)
	}
	if len(stored.Trades) != 1 || !stored.CumulativeAmount.Equal(d("60")) {
		t.Errorf("expected one trade of 60 in primary, got %d trades cumulative %s",
			len(stored.Trades), stored.CumulativeAmount)
	}
}

func TestCachedStore_MutationsReadPrimary(t *testing.T) {
	m, primary, _ := newCachedManager(t)
	ctx := context.Background()
	s := mustOpen(t, m, "m1", "100")

	// A read caches the empty session.
	if _, err := m.GetSession(ctx, s.ID); err != nil {
		t.Fatal(err)
	}

	// The primary moves on without the cache seeing it.
	newer, _ := primary.Get(ctx, s.ID)
	newer.Trades = append(newer.Trades, model.Trade{
		Nonce:     1,
		Amount:    d("60"),
		Timestamp: newer.CreatedAt,
		AuthTag:   settlement.Keccak{}.TradeAuthTag(s.ID, 1, d("60")),
	})
	newer.CumulativeAmount = d("60")
	if err := primary.Put(ctx, newer); err != nil {
		t.Fatal(err)
	}

	if _, err := m.PlaceTrade(ctx, s.ID, "60"); !errors.Is(err, session.ErrInsufficientHeadroom) {
		t.Fatalf("expected trade checked against primary state, got %v", err)
	}
	got, err := m.PlaceTrade(ctx, s.ID, "40")
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if n := got.Trades[len(got.Trades)-1].Nonce; n != 2 {
		t.Errorf("expected nonce 2, got %d", n)
	}
}

func TestSyncMetrics_SeedsOpenGauge(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	// Sessions left behind by an earlier process.
	seed := session.NewManager(ms)
	a, _ := seed.OpenSession(ctx, "m1", "10", "")
	seed.OpenSession(ctx, "m1", "10", "")
	seed.OpenSession(ctx, "m2", "10", "")
	seed.CloseSession(ctx, a.ID)

	metrics.OpenSessions.Set(0)
	m := session.NewManager(ms)
	if err := m.SyncMetrics(ctx); err != nil {
		t.Fatalf("SyncMetrics: %v", err)
	}
	if got := testutil.ToFloat64(metrics.OpenSessions); got != 2 {
		t.Errorf("expected gauge 2, got %v", got)
	}
}
