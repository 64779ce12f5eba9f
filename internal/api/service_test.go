package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/scoutx/session-engine/internal/api"
	"github.com/scoutx/session-engine/internal/model"
	"github.com/scoutx/session-engine/internal/session"
	"github.com/scoutx/session-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a Service over an in-memory store mounted on a chi router.
func newTestEnv(t *testing.T) (*session.Manager, chi.Router) {
	t.Helper()
	mgr := session.NewManager(store.NewMemoryStore())
	svc := api.NewService(mgr, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return mgr, r
}

func do(t *testing.T, router chi.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) model.Session {
	t.Helper()
	var s model.Session
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v (body %q)", err, w.Body.String())
	}
	return s
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var m map[string]string
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return m
}

func openSession(t *testing.T, router chi.Router, market, deposit string) model.Session {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/sessions",
		`{"market_id":"`+market+`","deposit_amount":"`+deposit+`","owner_address":"0xabc"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeSession(t, w)
}

// --- Open ---

func TestOpenSession(t *testing.T) {
	_, router := newTestEnv(t)

	s := openSession(t, router, "mkt-1", "100")
	if !strings.HasPrefix(s.ID, "session_") {
		t.Errorf("expected session_ prefix, got %q", s.ID)
	}
	if s.Status != model.StatusOpen {
		t.Errorf("expected open, got %s", s.Status)
	}
	if !s.DepositAmount.Equal(d("100")) || !s.CumulativeAmount.IsZero() {
		t.Errorf("unexpected amounts: deposit %s cumulative %s", s.DepositAmount, s.CumulativeAmount)
	}
	if len(s.Trades) != 0 {
		t.Errorf("expected no trades, got %d", len(s.Trades))
	}
}

func TestOpenSession_NumericDeposit(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/sessions", `{"market_id":"mkt-1","deposit_amount":12.5}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	s := decodeSession(t, w)
	if !s.DepositAmount.Equal(d("12.5")) {
		t.Errorf("expected deposit 12.5, got %s", s.DepositAmount)
	}
	if s.OwnerAddress != session.DefaultOwnerAddress {
		t.Errorf("expected default owner, got %q", s.OwnerAddress)
	}
}

func TestOpenSession_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	cases := map[string]string{
		"missing market":   `{"deposit_amount":"10"}`,
		"zero deposit":     `{"market_id":"m","deposit_amount":"0"}`,
		"negative deposit": `{"market_id":"m","deposit_amount":"-5"}`,
		"garbage deposit":  `{"market_id":"m","deposit_amount":"ten"}`,
		"malformed body":   `{"market_id":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/sessions", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// --- Trades ---

func TestPlaceTrade_HeadroomScenario(t *testing.T) {
	_, router := newTestEnv(t)
	s := openSession(t, router, "mkt-1", "100")
	path := "/api/v1/sessions/" + s.ID + "/trades"

	w := do(t, router, "POST", path, `{"amount":"60"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("first trade: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decodeSession(t, w)
	if len(got.Trades) != 1 || got.Trades[0].Nonce != 1 {
		t.Fatalf("expected one trade with nonce 1, got %+v", got.Trades)
	}
	if !strings.HasPrefix(got.Trades[0].AuthTag, "0x") {
		t.Errorf("expected hex auth tag, got %q", got.Trades[0].AuthTag)
	}

	w = do(t, router, "POST", path, `{"amount":"50"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("over-deposit trade: expected 409, got %d", w.Code)
	}
	body := errorBody(t, w)
	if body["headroom"] != "40" {
		t.Errorf("expected headroom 40, got %q", body["headroom"])
	}
	if !strings.Contains(body["error"], "Available: 40") {
		t.Errorf("expected available headroom in message, got %q", body["error"])
	}

	w = do(t, router, "POST", path, `{"amount":40}`)
	if w.Code != http.StatusOK {
		t.Fatalf("exact-fill trade: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got = decodeSession(t, w)
	if !got.CumulativeAmount.Equal(d("100")) {
		t.Errorf("expected cumulative 100, got %s", got.CumulativeAmount)
	}
	if len(got.Trades) != 2 || got.Trades[1].Nonce != 2 {
		t.Errorf("expected nonces 1,2, got %+v", got.Trades)
	}
}

func TestPlaceTrade_InvalidAmount(t *testing.T) {
	_, router := newTestEnv(t)
	s := openSession(t, router, "mkt-1", "100")

	for _, body := range []string{`{"amount":"0"}`, `{"amount":"-1"}`, `{}`, `{"amount":"1e"}`} {
		w := do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/trades", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestPlaceTrade_UnknownSession(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/sessions/session_missing/trades", `{"amount":"1"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Close / settle ---

func TestCloseAndSettle(t *testing.T) {
	_, router := newTestEnv(t)
	s := openSession(t, router, "mkt-1", "100")
	do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/trades", `{"amount":"60"}`)

	w := do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/close", "")
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rec model.SettlementRecord
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.SessionID != s.ID || rec.OwnerAddress != "0xabc" {
		t.Errorf("unexpected record identity: %+v", rec)
	}
	if !rec.CumulativeAmount.Equal(d("60")) {
		t.Errorf("expected cumulative 60, got %s", rec.CumulativeAmount)
	}
	if len(rec.SettlementDigest) != 66 {
		t.Errorf("expected 0x-prefixed 32-byte digest, got %q", rec.SettlementDigest)
	}

	// Trading and re-closing a closed session are state conflicts.
	if w := do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/trades", `{"amount":"1"}`); w.Code != http.StatusConflict {
		t.Errorf("trade on closed: expected 409, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/close", ""); w.Code != http.StatusConflict {
		t.Errorf("second close: expected 409, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/settle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	settled := decodeSession(t, w)
	if settled.Status != model.StatusSettled {
		t.Errorf("expected settled, got %s", settled.Status)
	}
	if settled.SettlementDigest != rec.SettlementDigest {
		t.Errorf("digest changed on settle: %q vs %q", settled.SettlementDigest, rec.SettlementDigest)
	}

	if w := do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/settle", ""); w.Code != http.StatusConflict {
		t.Errorf("second settle: expected 409, got %d", w.Code)
	}
}

func TestSettle_OpenSessionRejected(t *testing.T) {
	_, router := newTestEnv(t)
	s := openSession(t, router, "mkt-1", "10")

	w := do(t, router, "POST", "/api/v1/sessions/"+s.ID+"/settle", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if msg := errorBody(t, w)["error"]; !strings.Contains(msg, "is open") {
		t.Errorf("expected current state in message, got %q", msg)
	}
}

// --- Queries ---

func TestGetSession(t *testing.T) {
	_, router := newTestEnv(t)
	s := openSession(t, router, "mkt-1", "100")

	w := do(t, router, "GET", "/api/v1/sessions/"+s.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeSession(t, w); got.ID != s.ID {
		t.Errorf("expected %s, got %s", s.ID, got.ID)
	}

	if w := do(t, router, "GET", "/api/v1/sessions/session_nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown: expected 404, got %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	_, router := newTestEnv(t)
	a := openSession(t, router, "mkt-1", "100")
	b := openSession(t, router, "mkt-1", "100")
	c := openSession(t, router, "mkt-2", "100")
	do(t, router, "POST", "/api/v1/sessions/"+b.ID+"/close", "")

	list := func(path string) []model.Session {
		t.Helper()
		w := do(t, router, "GET", path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		var out []model.Session
		if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		return out
	}

	open := list("/api/v1/sessions")
	if len(open) != 2 || open[0].ID != a.ID || open[1].ID != c.ID {
		t.Errorf("expected open sessions [a c], got %v", ids(open))
	}
	closed := list("/api/v1/sessions?status=closed")
	if len(closed) != 1 || closed[0].ID != b.ID {
		t.Errorf("expected closed [b], got %v", ids(closed))
	}
	if settled := list("/api/v1/sessions?status=settled"); len(settled) != 0 {
		t.Errorf("expected no settled sessions, got %v", ids(settled))
	}

	market := list("/api/v1/markets/mkt-1/sessions")
	if len(market) != 2 || market[0].ID != a.ID || market[1].ID != b.ID {
		t.Errorf("expected mkt-1 sessions [a b], got %v", ids(market))
	}
	if none := list("/api/v1/markets/unknown/sessions"); len(none) != 0 {
		t.Errorf("expected empty list for unknown market, got %v", ids(none))
	}

	if w := do(t, router, "GET", "/api/v1/sessions?status=pending", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: expected 400, got %d", w.Code)
	}
}

func TestClearSessions(t *testing.T) {
	mgr, router := newTestEnv(t)
	s := openSession(t, router, "mkt-1", "100")

	w := do(t, router, "DELETE", "/api/v1/sessions", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/sessions/"+s.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after clear, got %d", w.Code)
	}
	open, err := mgr.GetOpenSessions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenSessions: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no sessions after clear, got %d", len(open))
	}
}

func ids(ss []model.Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}
