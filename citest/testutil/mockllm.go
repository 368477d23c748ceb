package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const mockModel = "mock-gpt-4"

// MockLLMServer provides an HTTP server that mimics the OpenAI chat
// completions API, answering from a MockLLMConfig.
type MockLLMServer struct {
	server *httptest.Server
	config *MockLLMConfig

	mu          sync.Mutex
	requests    []MockRequest
	interrupted int
}

// MockMessage is one message of a recorded request.
type MockMessage struct {
	Role    string
	Content string
}

// MockRequest records incoming requests for verification.
type MockRequest struct {
	Timestamp time.Time
	Path      string
	Model     string
	Stream    bool
	Messages  []MockMessage
	Rule      string // Name of the matched rule, empty for the fallback
}

// UserMessages returns the contents of the user messages in order.
func (r MockRequest) UserMessages() []string {
	var out []string
	for _, msg := range r.Messages {
		if msg.Role == "user" {
			out = append(out, msg.Content)
		}
	}
	return out
}

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"messages"`
}

// NewMockLLMServer creates a mock LLM server with the default scenarios.
func NewMockLLMServer() *MockLLMServer {
	return NewMockLLMServerWithConfig(DefaultMockLLMConfig())
}

// NewMockLLMServerWithConfig creates a mock LLM server answering from config.
func NewMockLLMServerWithConfig(config *MockLLMConfig) *MockLLMServer {
	m := &MockLLMServer{config: config}

	mux := http.NewServeMux()

	// OpenAI-compatible endpoint
	mux.HandleFunc("/v1/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("/chat/completions", m.handleChatCompletions)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's URL.
func (m *MockLLMServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockLLMServer) Close() {
	m.server.CloseClientConnections()
	m.server.Close()
}

// GetRequests returns all recorded requests.
func (m *MockLLMServer) GetRequests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}

// LastRequest returns the most recent request.
func (m *MockLLMServer) LastRequest() (MockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return MockRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Interrupted returns how many streams the client abandoned before the end.
func (m *MockLLMServer) Interrupted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}

// Reset clears the recorded requests.
func (m *MockLLMServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.interrupted = 0
}

// handleChatCompletions handles OpenAI-compatible chat completions.
func (m *MockLLMServer) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMockError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	rec := MockRequest{
		Timestamp: time.Now(),
		Path:      r.URL.Path,
		Model:     req.Model,
		Stream:    req.Stream,
	}
	for _, msg := range req.Messages {
		if (msg.Role == "user" || msg.Role == "system") && (msg.Content == nil || *msg.Content == "") {
			writeMockError(w, http.StatusBadRequest, "messages with role "+msg.Role+" must have non-empty content")
			return
		}
		var content string
		if msg.Content != nil {
			content = *msg.Content
		}
		rec.Messages = append(rec.Messages, MockMessage{Role: msg.Role, Content: content})
	}

	users := rec.UserMessages()
	var prompt string
	var history []string
	if len(users) > 0 {
		prompt = users[len(users)-1]
		history = users[:len(users)-1]
	}

	rule := m.config.FindMatchingRule(prompt, history)
	response := m.config.Defaults.Fallback
	if rule != nil {
		response = rule.Response
		rec.Rule = rule.Name
	}

	m.mu.Lock()
	m.requests = append(m.requests, rec)
	m.mu.Unlock()

	if lag := time.Duration(m.config.Settings.LagMS) * time.Millisecond; lag > 0 {
		select {
		case <-time.After(lag):
		case <-r.Context().Done():
			m.markInterrupted()
			return
		}
	}

	if req.Stream {
		m.writeStreamingResponse(w, r, response, m.config.chunkDelay(rule))
	} else {
		m.writeResponse(w, response)
	}
}

func (m *MockLLMServer) markInterrupted() {
	m.mu.Lock()
	m.interrupted++
	m.mu.Unlock()
}

func writeMockError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}

// writeResponse writes a non-streaming OpenAI response.
func (m *MockLLMServer) writeResponse(w http.ResponseWriter, content string) {
	response := map[string]any{
		"id":      generateMockID(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   mockModel,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     100,
			"completion_tokens": 50,
			"total_tokens":      150,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// writeStreamingResponse writes a streaming OpenAI response, stopping early
// when the client goes away.
func (m *MockLLMServer) writeStreamingResponse(w http.ResponseWriter, r *http.Request, content string, delay time.Duration) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	id := generateMockID()
	send := func(delta map[string]any, finish any) bool {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   mockModel,
			"choices": []map[string]any{
				{
					"index":         0,
					"delta":         delta,
					"finish_reason": finish,
				},
			},
		}
		data, _ := json.Marshal(chunk)
		if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// First chunk with role
	if !send(map[string]any{"role": "assistant"}, nil) {
		m.markInterrupted()
		return
	}

	for _, part := range m.splitIntoChunks(content) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				m.markInterrupted()
				return
			}
		}
		if !send(map[string]any{"content": part}, nil) {
			m.markInterrupted()
			return
		}
	}

	send(map[string]any{}, "stop")
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// splitIntoChunks splits content according to the chunk settings.
func (m *MockLLMServer) splitIntoChunks(content string) []string {
	settings := m.config.Settings
	runes := []rune(content)

	var chunks []string
	switch settings.ChunkMode {
	case "char":
		size := max(settings.ChunkSize, 1)
		for i := 0; i < len(runes); i += size {
			chunks = append(chunks, string(runes[i:min(i+size, len(runes))]))
		}
	case "fixed":
		n := max(settings.MaxChunks, 1)
		size := (len(runes) + n - 1) / n
		for i := 0; size > 0 && i < len(runes); i += size {
			chunks = append(chunks, string(runes[i:min(i+size, len(runes))]))
		}
	default:
		words := strings.Fields(content)
		for i, word := range words {
			if i < len(words)-1 {
				word += " "
			}
			chunks = append(chunks, word)
		}
	}

	if limit := settings.MaxChunks; limit > 0 && len(chunks) > limit {
		tail := strings.Join(chunks[limit-1:], "")
		chunks = append(chunks[:limit-1], tail)
	}
	return chunks
}

// generateMockID generates a completion id.
func generateMockID() string {
	return "chatcmpl-mockllm-" + strings.ToLower(ulid.Make().String())
}
