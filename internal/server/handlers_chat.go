package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/session"
)

// Chat-completion object names and finish reasons.
const (
	objectCompletion = "chat.completion"
	objectChunk      = "chat.completion.chunk"

	finishStop      = "stop"
	finishCancelled = "cancelled"

	streamDone = "[DONE]"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
	SessionID *string   `json:"session_id,omitempty"`
	Agent     *string   `json:"agent,omitempty"`
}

// ChatCompletionResponse is both the aggregated completion and a stream chunk.
type ChatCompletionResponse struct {
	ID        string                 `json:"id"`
	Object    string                 `json:"object"`
	Created   int64                  `json:"created"`
	Model     string                 `json:"model"`
	SessionID string                 `json:"session_id,omitempty"`
	Choices   []ChatCompletionChoice `json:"choices"`
}

// ChatCompletionChoice holds Message on completions and Delta on chunks.
type ChatCompletionChoice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ToLower(ulid.Make().String())
}

// chatCompletion runs one turn and answers in the chat-completion shape.
func (s *Server) chatCompletion(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
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
		logging.ForRequest(reqID, id).Warn().Err(err).Msg("chat completion rejected")
		writeSessionError(w, id, err)
		return
	}
	stream := session.NewStream(rs)
	w.Header().Set(HeaderSessionID, id)

	base := ChatCompletionResponse{
		ID:        newCompletionID(),
		Created:   time.Now().Unix(),
		Model:     req.Model,
		SessionID: id,
	}
	if req.Stream {
		s.streamCompletion(w, r, stream, base)
		return
	}
	s.aggregateCompletion(w, r, stream, base)
}

// aggregateCompletion drains the turn into a single chat.completion object.
// A turn that ends without completing, cancelled or cut short by the agent
// stopping, finishes as cancelled.
func (s *Server) aggregateCompletion(w http.ResponseWriter, r *http.Request, stream *session.Stream, resp ChatCompletionResponse) {
	res, ok := collectTurn(r.Context(), stream)
	if !ok {
		// Client went away; nobody is left to read a response.
		return
	}
	if res.agentErr != "" {
		writeErrorWithDetails(w, http.StatusBadGateway, ErrCodeAgentError, res.agentErr, map[string]any{"session_id": resp.SessionID})
		return
	}

	reason := finishStop
	if !res.completed || !res.success {
		reason = finishCancelled
	}
	resp.Object = objectCompletion
	resp.Choices = []ChatCompletionChoice{{
		Index:        0,
		Message:      &Message{Role: "assistant", Content: res.content},
		FinishReason: &reason,
	}}
	writeJSON(w, http.StatusOK, resp)
}

// streamCompletion emits chat.completion.chunk items and a final [DONE].
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, stream *session.Stream, base ChatCompletionResponse) {
	sse, ok := startSSE(w)
	if !ok {
		stream.Close()
		return
	}

	chunk := func(delta *Message, reason *string) ChatCompletionResponse {
		c := base
		c.Object = objectChunk
		c.Choices = []ChatCompletionChoice{{Index: 0, Delta: delta, FinishReason: reason}}
		return c
	}

	if err := sse.writeData(chunk(&Message{Role: "assistant"}, nil)); err != nil {
		stream.Close()
		return
	}

	finish := func(reason string) error {
		if err := sse.writeData(chunk(&Message{}, &reason)); err != nil {
			return err
		}
		return sse.writeRaw(streamDone)
	}

	finished := false
	streamTurn(r.Context(), sse, stream, func(e event.Event) error {
		switch data := e.Data.(type) {
		case event.DeltaData:
			if data.Content == "" {
				return nil
			}
			return sse.writeData(chunk(&Message{Content: data.Content}, nil))
		case event.CompletedData:
			finished = true
			if data.Success {
				return finish(finishStop)
			}
			return finish(finishCancelled)
		case event.ErrorData:
			finished = true
			if err := sse.writeData(ErrorResponse{Error: ErrorDetail{Code: ErrCodeAgentError, Message: data.Error}}); err != nil {
				return err
			}
			return sse.writeRaw(streamDone)
		}
		return nil
	})

	// The agent stopped mid-turn: the client is still there, so close the
	// stream the way a cancelled turn would.
	if !finished && stream.Drained() {
		_ = finish(finishCancelled)
	}
}
