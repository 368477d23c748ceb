package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencode-ai/agentd/internal/session"
	"github.com/opencode-ai/agentd/internal/storage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeNotFound                = "NOT_FOUND"
	ErrCodeCapacityExceeded        = "CAPACITY_EXCEEDED"
	ErrCodeSessionCreationDisabled = "SESSION_CREATION_DISABLED"
	ErrCodeAgentCreationFailed     = "AGENT_CREATION_FAILED"
	ErrCodePersistenceDisabled     = "PERSISTENCE_DISABLED"
	ErrCodeAgentError              = "AGENT_ERROR"
	ErrCodeNotImplemented          = "NOT_IMPLEMENTED"
	ErrCodeInternalError           = "INTERNAL_ERROR"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithDetails(w, status, code, message, nil)
}

// writeErrorWithDetails writes an error response with details.
func writeErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// writeSuccess writes a success response.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeSessionError maps a HandleRequest failure to its HTTP status.
func writeSessionError(w http.ResponseWriter, sessionID string, err error) {
	details := map[string]any{"session_id": sessionID}
	switch {
	case errors.Is(err, session.ErrCapacityExceeded):
		writeErrorWithDetails(w, http.StatusTooManyRequests, ErrCodeCapacityExceeded, err.Error(), details)
	case errors.Is(err, session.ErrSessionCreationDisabled):
		writeErrorWithDetails(w, http.StatusForbidden, ErrCodeSessionCreationDisabled, err.Error(), details)
	case errors.Is(err, session.ErrAgentCreationFailed):
		writeErrorWithDetails(w, http.StatusInternalServerError, ErrCodeAgentCreationFailed, err.Error(), details)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// 499: client closed request.
		writeErrorWithDetails(w, 499, ErrCodeInvalidRequest, err.Error(), details)
	default:
		writeErrorWithDetails(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), details)
	}
}

// writeStoreError maps a SessionStore failure to its HTTP status.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusConflict, ErrCodePersistenceDisabled, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}
