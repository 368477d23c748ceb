package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/session"
	"github.com/opencode-ai/agentd/internal/storage"
)

// SessionListResponse is the body of GET /v1/sessions.
type SessionListResponse struct {
	Count         int            `json:"count"`
	MaxSessions   *int           `json:"max_sessions"` // nil when unlimited
	AllowCreation bool           `json:"allow_creation"`
	Sessions      []session.Info `json:"sessions"`
}

// CreationRequest is the body of PUT /v1/admin/creation.
type CreationRequest struct {
	Allow *bool `json:"allow"`
}

// listSessions handles GET /v1/sessions.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.Sessions()
	writeJSON(w, http.StatusOK, SessionListResponse{
		Count:         len(sessions),
		MaxSessions:   s.manager.MaxSessions(),
		AllowCreation: s.manager.AllowCreation(),
		Sessions:      sessions,
	})
}

// cancelSession handles POST /v1/sessions/{sessionID}/cancel.
func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.manager.CancelSession(r.Context(), requestID(r), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}

// recordStore returns the enabled store, or writes 409 and returns nil.
func (s *Server) recordStore(w http.ResponseWriter) *storage.SessionStore {
	if s.store == nil || !s.store.Enabled() {
		writeError(w, http.StatusConflict, ErrCodePersistenceDisabled, storage.ErrDisabled.Error())
		return nil
	}
	return s.store
}

// getRecord handles GET /v1/sessions/{sessionID}/record.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	store := s.recordStore(w)
	if store == nil {
		return
	}
	rec, err := store.Load(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// deleteRecord handles DELETE /v1/sessions/{sessionID}/record.
func (s *Server) deleteRecord(w http.ResponseWriter, r *http.Request) {
	store := s.recordStore(w)
	if store == nil {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := store.Delete(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}
	logging.ForRequest(requestID(r), sessionID).Info().Msg("session record deleted")
	writeSuccess(w)
}

// setCreation handles PUT /v1/admin/creation.
func (s *Server) setCreation(w http.ResponseWriter, r *http.Request) {
	var req CreationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Allow == nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "allow is required")
		return
	}

	s.manager.SetAllowCreation(*req.Allow)
	logging.Info().Bool("allow", *req.Allow).Str("request_id", requestID(r)).Msg("session creation gate changed")
	writeJSON(w, http.StatusOK, map[string]bool{"allow_creation": s.manager.AllowCreation()})
}

// health handles GET /health.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.SessionCount(),
	})
}

// metrics returns the Prometheus exposition handler.
func (s *Server) metrics() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}
