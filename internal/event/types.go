package event

import (
	"encoding/json"
	"time"

	"github.com/cloudwego/eino/schema"
)

// EventType represents the type of event.
type EventType string

// Agent instance events, published on the instance's own bus.
const (
	AgentStatus    EventType = "agent.status"
	AgentDelta     EventType = "agent.delta"
	AgentMessage   EventType = "agent.message"
	AgentCompleted EventType = "agent.completed"
	AgentError     EventType = "agent.error"
)

// Lifecycle events, published on the global bus.
const (
	SessionCreated EventType = "session.created"
	SessionRemoved EventType = "session.removed"
	LeaseAcquired  EventType = "lease.acquired"
	LeaseReleased  EventType = "lease.released"
)

// Event represents an event to be published.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Terminal reports whether e ends an agent turn.
func (e Event) Terminal() bool {
	return e.Type == AgentCompleted || e.Type == AgentError
}

// FeedEvent is an event read back from the watermill mirror.
type FeedEvent struct {
	Type EventType       `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Agent status values carried by AgentStatus events.
const (
	StatusRunning = "running"
	StatusIdle    = "idle"
	StatusStopped = "stopped"
)

// StatusData is the data for agent.status events.
type StatusData struct {
	Status string `json:"status"`
}

// DeltaData is the data for agent.delta events: one streamed text chunk.
type DeltaData struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// MessageData is the data for agent.message events: a complete assistant message.
type MessageData struct {
	Message *schema.Message `json:"message"`
}

// CompletedData is the data for agent.completed events.
type CompletedData struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// ErrorData is the data for agent.error events.
type ErrorData struct {
	Error string `json:"error"`
}

// SessionData is the data for session.created and session.removed events.
type SessionData struct {
	SessionID string `json:"session_id"`
	Profile   string `json:"profile,omitempty"`
	Ephemeral bool   `json:"ephemeral"`
	Error     string `json:"error,omitempty"`
}

// LeaseData is the data for lease.acquired and lease.released events.
type LeaseData struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
}
