package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opencode-ai/agentd/internal/logging"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// startSSE writes the event-stream headers and flushes them so the client
// sees the response before the first event.
func startSSE(w http.ResponseWriter) (*sseWriter, bool) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	w.WriteHeader(http.StatusOK)
	sse.flush()
	return sse, true
}

// writeEvent writes a named SSE event with a JSON payload.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeData writes an unnamed SSE item. Chat-completion clients expect
// bare data lines.
func (s *sseWriter) writeData(data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.writeRaw(string(jsonData))
}

// writeRaw writes an unnamed SSE item with a preformatted payload.
func (s *sseWriter) writeRaw(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprintf(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	// ResponseController sees through middleware wrappers; fall back to the
	// Flusher when it cannot.
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// feedEvents streams the lifecycle event feed.
func (s *Server) feedEvents(w http.ResponseWriter, r *http.Request) {
	feed, err := s.feed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	sse, ok := startSSE(w)
	if !ok {
		return
	}
	if err := sse.writeEvent("server.connected", map[string]any{}); err != nil {
		return
	}

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := sse.writeEvent(string(e.Type), e); err != nil {
				logging.Debug().Err(err).Msg("event feed client gone")
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
