// Package server provides the HTTP API of agentd.
//
// Every agent turn goes through the session manager: the handler asks for a
// lease on the request's session, streams the turn's events back to the
// client and closes the stream when the client is done. A client that
// disconnects before the turn completes cancels the agent.
//
// # API Endpoints
//
//   - POST /v1/query: SSE stream of agent events for one turn
//   - POST /v1/chat/completions: chat-completion shape, streaming or aggregated
//   - GET /v1/sessions: live sessions and the creation gate
//   - POST /v1/sessions/{sessionID}/cancel: interrupt a session's turn
//   - GET|DELETE /v1/sessions/{sessionID}/record: persisted traces
//   - PUT /v1/admin/creation: open or close the creation gate
//   - GET /v1/events: SSE feed of session and lease lifecycle events
//   - GET /health, GET /metrics
//
// The session id is chosen by the client through the X-Session-ID header or
// a session_id body field, and echoed in the X-Session-ID response header.
// Without one a fresh id is assigned.
//
// # Errors
//
// Errors are JSON objects of the form {"error": {"code", "message", "details"}}.
// Capacity exhaustion maps to 429, a closed creation gate to 403 and an
// agent that failed to start to 500.
package server
