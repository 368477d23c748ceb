package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentd/internal/agent"
	"github.com/opencode-ai/agentd/internal/event"
)

// echoRuntime starts echoAgents. With hold set, turns stay open until
// cancelled. With vanish set, the agent stops in the middle of its first
// turn. Tool calls in calls are announced before the reply.
type echoRuntime struct {
	hold     bool
	vanish   bool
	calls    []schema.ToolCall
	startErr error

	mu     sync.Mutex
	agents []*echoAgent
}

func (r *echoRuntime) Start(ctx context.Context, profile string, initial []*schema.Message) (*agent.Instance, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	a := &echoAgent{
		bus:     event.NewBus(),
		hold:    r.hold,
		vanish:  r.vanish,
		calls:   r.calls,
		trace:   append([]*schema.Message(nil), initial...),
		stopped: make(chan struct{}),
		done:    make(chan error, 1),
	}
	r.mu.Lock()
	r.agents = append(r.agents, a)
	r.mu.Unlock()
	return &agent.Instance{Control: a, Events: a, Done: a.done}, nil
}

func (r *echoRuntime) agent(i int) *echoAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.agents) {
		return nil
	}
	return r.agents[i]
}

type echoAgent struct {
	bus    *event.Bus
	hold   bool
	vanish bool
	calls  []schema.ToolCall

	mu         sync.Mutex
	trace      []*schema.Message
	turnCancel chan struct{}

	cancels atomic.Int32

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan error
}

func (a *echoAgent) Watch() *event.Subscription {
	return a.bus.Watch(64)
}

func (a *echoAgent) Send(ctx context.Context, msgs []*schema.Message) error {
	select {
	case <-a.stopped:
		return agent.ErrStopped
	default:
	}

	a.mu.Lock()
	a.trace = append(a.trace, msgs...)
	cancel := make(chan struct{})
	a.turnCancel = cancel
	a.mu.Unlock()

	a.bus.PublishSync(event.Event{Type: event.AgentStatus, Data: event.StatusData{Status: event.StatusRunning}})
	a.bus.PublishSync(event.Event{Type: event.AgentDelta, Data: event.DeltaData{Content: "ec"}})

	if a.vanish {
		return a.Terminate(ctx)
	}
	if len(a.calls) > 0 {
		call := schema.AssistantMessage("", a.calls)
		a.bus.PublishSync(event.Event{Type: event.AgentMessage, Data: event.MessageData{Message: call}})
	}
	if a.hold {
		go func() {
			select {
			case <-cancel:
			case <-a.stopped:
			}
			a.bus.PublishSync(event.Event{Type: event.AgentCompleted, Data: event.CompletedData{Message: "cancelled"}})
		}()
		return nil
	}

	a.bus.PublishSync(event.Event{Type: event.AgentDelta, Data: event.DeltaData{Content: "ho"}})
	reply := schema.AssistantMessage("echo", nil)
	a.mu.Lock()
	a.trace = append(a.trace, reply)
	a.mu.Unlock()
	a.bus.PublishSync(event.Event{Type: event.AgentMessage, Data: event.MessageData{Message: reply}})
	a.bus.PublishSync(event.Event{Type: event.AgentCompleted, Data: event.CompletedData{Message: "echo", Success: true}})
	return nil
}

func (a *echoAgent) Cancel(ctx context.Context) error {
	a.cancels.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnCancel != nil {
		close(a.turnCancel)
		a.turnCancel = nil
	}
	return nil
}

func (a *echoAgent) Terminate(ctx context.Context) error {
	a.stopOnce.Do(func() {
		close(a.stopped)
		_ = a.bus.Close()
		a.done <- nil
		close(a.done)
	})
	return nil
}

func (a *echoAgent) SnapshotTrace(ctx context.Context) ([]*schema.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*schema.Message(nil), a.trace...), nil
}
