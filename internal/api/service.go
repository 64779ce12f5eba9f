// Package api provides the HTTP handlers for opening sessions, placing
// off-chain trades, closing and settling sessions, and querying the ledger.
//
// All monetary values cross the wire as decimal strings, never float64.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scoutx/session-engine/internal/model"
	"github.com/scoutx/session-engine/internal/session"
)

// Service exposes a session.Manager over HTTP.
type Service struct {
	manager *session.Manager
	wsHub   *WSHub // optional WebSocket endpoint
}

// NewService creates a new session HTTP service.
// Pass nil for hub if the WebSocket endpoint is not needed.
func NewService(m *session.Manager, hub *WSHub) *Service {
	return &Service{manager: m, wsHub: hub}
}

// Routes mounts every session endpoint on r. Paths are relative to the
// /api/v1 prefix.
func (s *Service) Routes(r chi.Router) {
	r.Post("/sessions", s.OpenSession)
	r.Get("/sessions", s.ListSessions)
	r.Delete("/sessions", s.ClearSessions)
	r.Get("/sessions/{sessionID}", s.GetSession)
	r.Post("/sessions/{sessionID}/trades", s.PlaceTrade)
	r.Post("/sessions/{sessionID}/close", s.CloseSession)
	r.Post("/sessions/{sessionID}/settle", s.SettleSession)
	r.Get("/markets/{marketID}/sessions", s.ListMarketSessions)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request types ---

// Amount is a decimal amount that accepts either a JSON string ("12.5") or a
// bare JSON number (12.5). The text is kept verbatim so no precision is lost.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*a = Amount(n.String())
	return nil
}

// OpenSessionRequest is the JSON body for POST /sessions.
type OpenSessionRequest struct {
	MarketID      string `json:"market_id"`
	DepositAmount Amount `json:"deposit_amount"`
	OwnerAddress  string `json:"owner_address"` // optional; default owner when empty
}

// TradeRequest is the JSON body for POST /sessions/{sessionID}/trades.
type TradeRequest struct {
	Amount Amount `json:"amount"`
}

// --- HTTP Handlers ---

// OpenSession handles POST /api/v1/sessions
func (s *Service) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.manager.OpenSession(r.Context(), req.MarketID, string(req.DepositAmount), req.OwnerAddress)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// PlaceTrade handles POST /api/v1/sessions/{sessionID}/trades
// Returns the updated session, including the new trade and its auth tag.
func (s *Service) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.manager.PlaceTrade(r.Context(), chi.URLParam(r, "sessionID"), string(req.Amount))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CloseSession handles POST /api/v1/sessions/{sessionID}/close
// Returns the settlement record.
func (s *Service) CloseSession(w http.ResponseWriter, r *http.Request) {
	record, err := s.manager.CloseSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// SettleSession handles POST /api/v1/sessions/{sessionID}/settle
func (s *Service) SettleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.MarkAsSettled(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /api/v1/sessions
// Filters by ?status=<open|closed|settled>, defaulting to open.
func (s *Service) ListSessions(w http.ResponseWriter, r *http.Request) {
	status := model.StatusOpen
	if q := r.URL.Query().Get("status"); q != "" {
		status = model.Status(q)
	}

	sessions, err := s.manager.GetSessionsByStatus(r.Context(), status)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ListMarketSessions handles GET /api/v1/markets/{marketID}/sessions
func (s *Service) ListMarketSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.GetSessionsByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ClearSessions handles DELETE /api/v1/sessions
// Administrative reset; removes every session.
func (s *Service) ClearSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearAllSessions(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError maps a manager error onto a status code.
func writeSessionError(w http.ResponseWriter, err error) {
	var headroom *session.HeadroomError
	switch {
	case errors.As(err, &headroom):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{
			"error":    err.Error(),
			"headroom": headroom.Headroom.String(),
		})
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("session operation failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
