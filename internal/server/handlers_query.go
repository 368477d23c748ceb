package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/session"
)

// HeaderSessionID carries the session id on requests and responses.
const HeaderSessionID = "X-Session-ID"

// Message is one conversation message on the wire.
type Message struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	SessionID *string   `json:"session_id,omitempty"`
	Agent     *string   `json:"agent,omitempty"`
	Messages  []Message `json:"messages"`
}

// toSchema converts wire messages to model messages. Roles default to user.
func toSchema(msgs []Message) ([]*schema.Message, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	out := make([]*schema.Message, 0, len(msgs))
	for i, m := range msgs {
		role := schema.RoleType(strings.ToLower(m.Role))
		switch role {
		case "":
			role = schema.User
		case schema.User, schema.Assistant, schema.System, schema.Tool:
		default:
			return nil, fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
	}
	return out, nil
}

// sessionHeader returns the X-Session-ID header, or nil when absent.
func sessionHeader(r *http.Request) *string {
	if v := r.Header.Get(HeaderSessionID); v != "" {
		return &v
	}
	return nil
}

// query runs one turn and streams the agent's events as SSE.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	input, err := toSchema(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	sessionID := req.SessionID
	if h := sessionHeader(r); h != nil {
		sessionID = h
	}

	reqID := requestID(r)
	rs, id, err := s.manager.HandleRequest(r.Context(), reqID, sessionID, input, req.Agent)
	if err != nil {
		logging.ForRequest(reqID, id).Warn().Err(err).Msg("query rejected")
		writeSessionError(w, id, err)
		return
	}
	stream := session.NewStream(rs)

	w.Header().Set(HeaderSessionID, id)
	sse, ok := startSSE(w)
	if !ok {
		stream.Close()
		return
	}

	streamTurn(r.Context(), sse, stream, func(e event.Event) error {
		return sse.writeEvent(string(e.Type), e)
	})
}
