package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencode-ai/agentd/internal/server"
	"github.com/opencode-ai/agentd/internal/storage"
)

// TestClient provides HTTP client utilities for testing
type TestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewTestClient creates a new test HTTP client
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// RequestOption configures HTTP requests
type RequestOption func(*http.Request)

// WithHeader adds a header to the request
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithSessionID sets the X-Session-ID header.
func WithSessionID(id string) RequestOption {
	return WithHeader(server.HeaderSessionID, id)
}

// Response wraps HTTP response with helpers
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// JSON unmarshals response body into v
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// String returns response body as string
func (r *Response) String() string {
	return string(r.Body)
}

// IsSuccess returns true if status code is 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ErrorCode returns the code of an error response, or "".
func (r *Response) ErrorCode() string {
	var e server.ErrorResponse
	if err := r.JSON(&e); err != nil {
		return ""
	}
	return e.Error.Code
}

// Get performs HTTP GET request
func (c *TestClient) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, opts...)
}

// Post performs HTTP POST request with JSON body
func (c *TestClient) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, opts...)
}

// Put performs HTTP PUT request with JSON body
func (c *TestClient) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodPut, path, body, opts...)
}

// Delete performs HTTP DELETE request
func (c *TestClient) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.do(ctx, http.MethodDelete, path, nil, opts...)
}

func (c *TestClient) newRequest(ctx context.Context, method, path string, body any, opts ...RequestOption) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for _, opt := range opts {
		opt(req)
	}
	return req, nil
}

// do performs the actual HTTP request
func (c *TestClient) do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	req, err := c.newRequest(ctx, method, path, body, opts...)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}, nil
}

// ---- Query Helpers ----

// QueryStream is an open /v1/query response.
type QueryStream struct {
	StatusCode int
	SessionID  string
	Error      *Response // Set instead of events when the request was rejected

	events chan SSEEvent
	cancel context.CancelFunc
}

// OpenQuery posts a query and returns its event stream without waiting for
// the turn to end. Close abandons the stream, disconnecting the client.
func (c *TestClient) OpenQuery(ctx context.Context, body server.QueryRequest, opts ...RequestOption) (*QueryStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/query", body, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Use client without timeout for streaming
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}

	qs := &QueryStream{
		StatusCode: resp.StatusCode,
		SessionID:  resp.Header.Get(server.HeaderSessionID),
		cancel:     cancel,
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		data, _ := io.ReadAll(resp.Body)
		qs.Error = &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}
		return qs, nil
	}

	qs.events = make(chan SSEEvent, 256)
	go func() {
		defer resp.Body.Close()
		_ = readSSE(ctx, resp.Body, qs.events)
	}()
	return qs, nil
}

// Next returns the next event, or false when the stream ended or timeout
// passed.
func (qs *QueryStream) Next(timeout time.Duration) (SSEEvent, bool) {
	if qs.events == nil {
		return SSEEvent{}, false
	}
	select {
	case evt, ok := <-qs.events:
		return evt, ok
	case <-time.After(timeout):
		return SSEEvent{}, false
	}
}

// Close disconnects from the stream.
func (qs *QueryStream) Close() {
	qs.cancel()
}

// QueryResult is a query read to the end.
type QueryResult struct {
	StatusCode int
	SessionID  string
	Error      *Response
	Events     []SSEEvent
}

// Text concatenates the streamed deltas.
func (r *QueryResult) Text() string {
	var sb strings.Builder
	for _, evt := range r.Events {
		if ae, err := evt.Agent(); err == nil && ae.Type == "agent.delta" {
			sb.WriteString(ae.Data.Content)
		}
	}
	return sb.String()
}

// Completed returns the terminal agent.completed event, if any.
func (r *QueryResult) Completed() (AgentEvent, bool) {
	for _, evt := range r.Events {
		if evt.Type == "agent.completed" {
			ae, err := evt.Agent()
			return ae, err == nil
		}
	}
	return AgentEvent{}, false
}

// Query runs one turn and reads its events until the stream ends.
func (c *TestClient) Query(ctx context.Context, sessionID string, messages ...string) (*QueryResult, error) {
	body := server.QueryRequest{}
	if sessionID != "" {
		body.SessionID = &sessionID
	}
	for _, m := range messages {
		body.Messages = append(body.Messages, server.Message{Role: "user", Content: m})
	}

	qs, err := c.OpenQuery(ctx, body)
	if err != nil {
		return nil, err
	}
	defer qs.Close()

	res := &QueryResult{StatusCode: qs.StatusCode, SessionID: qs.SessionID, Error: qs.Error}
	if qs.Error != nil {
		return res, nil
	}
	for {
		select {
		case evt, ok := <-qs.events:
			if !ok {
				return res, nil
			}
			res.Events = append(res.Events, evt)
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// ---- Chat Completion Helpers ----

// ChatCompletion runs a non-streaming chat completion.
func (c *TestClient) ChatCompletion(ctx context.Context, body server.ChatCompletionRequest, opts ...RequestOption) (*server.ChatCompletionResponse, *Response, error) {
	resp, err := c.Post(ctx, "/v1/chat/completions", body, opts...)
	if err != nil {
		return nil, nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp, nil
	}
	var out server.ChatCompletionResponse
	if err := resp.JSON(&out); err != nil {
		return nil, resp, err
	}
	return &out, resp, nil
}

// ---- Session Helpers ----

// ListSessions returns the live sessions.
func (c *TestClient) ListSessions(ctx context.Context) (*server.SessionListResponse, error) {
	resp, err := c.Get(ctx, "/v1/sessions")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("list sessions: status %d: %s", resp.StatusCode, resp.String())
	}
	var out server.SessionListResponse
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSession interrupts the session's current turn.
func (c *TestClient) CancelSession(ctx context.Context, sessionID string) (*Response, error) {
	return c.Post(ctx, "/v1/sessions/"+sessionID+"/cancel", nil)
}

// GetRecord returns the persisted record of a session.
func (c *TestClient) GetRecord(ctx context.Context, sessionID string) (*storage.Record, *Response, error) {
	resp, err := c.Get(ctx, "/v1/sessions/"+sessionID+"/record")
	if err != nil {
		return nil, nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp, nil
	}
	var rec storage.Record
	if err := resp.JSON(&rec); err != nil {
		return nil, resp, err
	}
	return &rec, resp, nil
}

// SetCreation opens or closes the session creation gate.
func (c *TestClient) SetCreation(ctx context.Context, allow bool) (*Response, error) {
	return c.Put(ctx, "/v1/admin/creation", server.CreationRequest{Allow: &allow})
}
