package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/opencode-ai/agentd/internal/logging"
)

// requestLogger logs one line per request once the handler returns.
// Streaming handlers are logged when their stream ends.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			logging.ForRequest(middleware.GetReqID(r.Context()), ww.Header().Get(HeaderSessionID)).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// requestID returns the id minted by middleware.RequestID.
func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
