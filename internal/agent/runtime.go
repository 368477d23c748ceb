package agent

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentd/internal/event"
)

// ErrStopped is returned by Send once an instance's run loop has exited.
var ErrStopped = errors.New("agent instance stopped")

// Runtime starts agent instances.
type Runtime interface {
	// Start launches an instance of the named profile seeded with initial
	// as its conversation history. The instance runs until it is terminated
	// or stops on its own; its Done channel then yields the outcome.
	Start(ctx context.Context, profile string, initial []*schema.Message) (*Instance, error)
}

// Controller drives one running instance. Every copy addresses the same
// instance and all methods are safe for concurrent use.
type Controller interface {
	// Send hands input to the instance and returns once the instance has
	// accepted it as a new turn.
	Send(ctx context.Context, msgs []*schema.Message) error
	// Cancel interrupts the current turn. The instance may still publish
	// trailing events and keeps running.
	Cancel(ctx context.Context) error
	// Terminate stops the instance. It is not resumable.
	Terminate(ctx context.Context) error
	// SnapshotTrace returns a copy of the conversation history.
	SnapshotTrace(ctx context.Context) ([]*schema.Message, error)
}

// EventSource hands out subscriptions to an instance's events.
type EventSource interface {
	Watch() *event.Subscription
}

// Instance is a started agent.
type Instance struct {
	Control Controller
	Events  EventSource
	// Done receives the run loop's terminal error (nil on a clean stop)
	// and is then closed.
	Done <-chan error
}
