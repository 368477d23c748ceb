package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// SSEEvent represents a Server-Sent Event. Heartbeat comments are reported
// with Type "heartbeat".
type SSEEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AgentEvent is the payload of a /v1/query event.
type AgentEvent struct {
	Type string `json:"type"`
	Data struct {
		Status  string `json:"status,omitempty"`
		Content string `json:"content,omitempty"`
		Message any    `json:"message,omitempty"`
		Success bool   `json:"success,omitempty"`
		Error   string `json:"error,omitempty"`
	} `json:"data"`
}

// Agent decodes the event as an agent event.
func (e SSEEvent) Agent() (AgentEvent, error) {
	var ae AgentEvent
	err := json.Unmarshal(e.Data, &ae)
	return ae, err
}

// readSSE parses events from body until EOF, an error or ctx ends, sending
// each on out. It closes out when done and returns the read error, nil on EOF.
func readSSE(ctx context.Context, body io.Reader, out chan<- SSEEvent) error {
	defer close(out)

	emit := func(evt SSEEvent) bool {
		select {
		case out <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	var eventType string
	var eventData strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line = event complete
		if line == "" {
			if eventData.Len() > 0 {
				if !emit(SSEEvent{Type: eventType, Data: json.RawMessage(eventData.String())}) {
					return nil
				}
			}
			eventType = ""
			eventData.Reset()
			continue
		}

		// Comment (heartbeat)
		if strings.HasPrefix(line, ":") {
			if !emit(SSEEvent{Type: "heartbeat"}) {
				return nil
			}
			continue
		}

		// Parse field
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			eventData.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

// SSEClient follows a long-lived SSE endpoint such as /v1/events.
type SSEClient struct {
	BaseURL    string
	HTTPClient *http.Client

	mu       sync.Mutex
	events   []SSEEvent
	eventsCh chan SSEEvent
	errCh    chan error
	cancel   context.CancelFunc
}

// NewSSEClient creates a new SSE test client
func NewSSEClient(baseURL string) *SSEClient {
	return &SSEClient{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
		eventsCh: make(chan SSEEvent, 100),
		errCh:    make(chan error, 1),
	}
}

// Connect starts the SSE connection
func (c *SSEClient) Connect(ctx context.Context, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("unexpected content type: %s", ct)
	}

	raw := make(chan SSEEvent)
	go func() {
		defer resp.Body.Close()
		if err := readSSE(ctx, resp.Body, raw); err != nil && ctx.Err() == nil {
			c.errCh <- err
		}
	}()
	go func() {
		defer close(c.eventsCh)
		for evt := range raw {
			c.mu.Lock()
			c.events = append(c.events, evt)
			c.mu.Unlock()
			select {
			case c.eventsCh <- evt:
			default:
				// Channel full, drop event
			}
		}
	}()

	return nil
}

// Events returns every event received so far.
func (c *SSEClient) Events() []SSEEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SSEEvent(nil), c.events...)
}

// WaitForEvent waits for a specific event type with timeout
func (c *SSEClient) WaitForEvent(eventType string, timeout time.Duration) (*SSEEvent, error) {
	return c.WaitFor(func(e SSEEvent) bool { return e.Type == eventType }, timeout)
}

// WaitFor waits for the first event accepted by match.
func (c *SSEClient) WaitFor(match func(SSEEvent) bool, timeout time.Duration) (*SSEEvent, error) {
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-c.eventsCh:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			if match(evt) {
				return &evt, nil
			}
		case err := <-c.errCh:
			return nil, err
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event")
		}
	}
}

// Close terminates the connection.
func (c *SSEClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
