package api_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/scoutx/session-engine/internal/api"
	"github.com/scoutx/session-engine/internal/model"
	"github.com/scoutx/session-engine/internal/session"
	"github.com/scoutx/session-engine/internal/store"
)

// newWSEnv starts a hub-backed server and returns a dial func for /api/v1/ws.
func newWSEnv(t *testing.T) (*session.Manager, *api.WSHub, func(query string) *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := api.NewWSHub()
	go hub.Run(ctx)

	mgr := session.NewManager(store.NewMemoryStore(), session.WithNotifier(hub))
	r := chi.NewRouter()
	r.Route("/api/v1", api.NewService(mgr, hub).Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	dial := func(query string) *websocket.Conn {
		t.Helper()
		want := hub.Clients(ctx) + 1
		conn, _, err := websocket.DefaultDialer.Dial(base+query, nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { conn.Close() })

		deadline := time.Now().Add(2 * time.Second)
		for hub.Clients(ctx) < want {
			if time.Now().After(deadline) {
				t.Fatal("client never registered")
			}
			time.Sleep(5 * time.Millisecond)
		}
		return conn
	}
	return mgr, hub, dial
}

func readEvent(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt model.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return evt
}

func TestWSHub_BroadcastsSessionEvents(t *testing.T) {
	mgr, _, dial := newWSEnv(t)
	conn := dial("")

	sess, err := mgr.OpenSession(context.Background(), "mkt-ws", "10", "")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	evt := readEvent(t, conn)
	if evt.Type != model.EventSessionOpened || evt.SessionID != sess.ID || evt.MarketID != "mkt-ws" {
		t.Errorf("unexpected event: %+v", evt)
	}

	if _, err := mgr.PlaceTrade(context.Background(), sess.ID, "4"); err != nil {
		t.Fatalf("PlaceTrade: %v", err)
	}
	evt = readEvent(t, conn)
	if evt.Type != model.EventTradePlaced || evt.Nonce != 1 || evt.CumulativeAmount == nil || evt.CumulativeAmount.String() != "4" {
		t.Errorf("unexpected trade event: %+v", evt)
	}
}

func TestWSHub_MarketFilter(t *testing.T) {
	mgr, _, dial := newWSEnv(t)
	onlyB := dial("?market_id=mkt-b")
	ctx := context.Background()

	if _, err := mgr.OpenSession(ctx, "mkt-a", "10", ""); err != nil {
		t.Fatal(err)
	}
	b, err := mgr.OpenSession(ctx, "mkt-b", "10", "")
	if err != nil {
		t.Fatal(err)
	}

	// The mkt-a event is skipped, so the first frame is the mkt-b open.
	if evt := readEvent(t, onlyB); evt.SessionID != b.ID {
		t.Errorf("expected mkt-b session %s, got %+v", b.ID, evt)
	}

	// Clear carries no market and reaches filtered subscribers too.
	if err := mgr.ClearAllSessions(ctx); err != nil {
		t.Fatal(err)
	}
	if evt := readEvent(t, onlyB); evt.Type != model.EventSessionsCleared {
		t.Errorf("expected sessions_cleared, got %+v", evt)
	}
}

func TestWSHub_NotifyNeverBlocks(t *testing.T) {
	hub := api.NewWSHub() // Run never started; the queue fills and further events drop.

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Notify(context.Background(), model.Event{Type: model.EventSessionOpened})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked with a full queue")
	}
}
