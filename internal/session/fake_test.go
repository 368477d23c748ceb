package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentd/internal/agent"
	"github.com/opencode-ai/agentd/internal/event"
)

// fakeRuntime starts fakeAgents and records every start.
type fakeRuntime struct {
	startDelay time.Duration
	hold       bool

	mu       sync.Mutex
	startErr error
	agents   []*fakeAgent
	initial  [][]*schema.Message
	profiles []string
	starts   atomic.Int32
}

func (r *fakeRuntime) Start(ctx context.Context, profile string, initial []*schema.Message) (*agent.Instance, error) {
	r.starts.Add(1)
	if r.startDelay > 0 {
		time.Sleep(r.startDelay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	a := newFakeAgent(initial, r.hold)
	r.agents = append(r.agents, a)
	r.initial = append(r.initial, initial)
	r.profiles = append(r.profiles, profile)
	return &agent.Instance{Control: a, Events: a, Done: a.done}, nil
}

func (r *fakeRuntime) setStartErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *fakeRuntime) agent(i int) *fakeAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[i]
}

func (r *fakeRuntime) lastInitial() []*schema.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initial[len(r.initial)-1]
}

// fakeAgent echoes each input. With hold set, a turn stays open until
// it is cancelled or the agent stops.
type fakeAgent struct {
	bus  *event.Bus
	hold bool

	mu          sync.Mutex
	trace       []*schema.Message
	turnCancel  chan struct{}
	snapshotErr error

	cancels    atomic.Int32
	terminates atomic.Int32

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan error
}

func newFakeAgent(initial []*schema.Message, hold bool) *fakeAgent {
	return &fakeAgent{
		bus:     event.NewBus(),
		hold:    hold,
		trace:   append([]*schema.Message(nil), initial...),
		stopped: make(chan struct{}),
		done:    make(chan error, 1),
	}
}

func (a *fakeAgent) Watch() *event.Subscription {
	return a.bus.Watch(64)
}

func (a *fakeAgent) Send(ctx context.Context, msgs []*schema.Message) error {
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
	a.bus.PublishSync(event.Event{Type: event.AgentDelta, Data: event.DeltaData{Content: "echo"}})

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

	reply := schema.AssistantMessage("echo", nil)
	a.mu.Lock()
	a.trace = append(a.trace, reply)
	a.mu.Unlock()
	a.bus.PublishSync(event.Event{Type: event.AgentMessage, Data: event.MessageData{Message: reply}})
	a.bus.PublishSync(event.Event{Type: event.AgentCompleted, Data: event.CompletedData{Message: "echo", Success: true}})
	return nil
}

func (a *fakeAgent) Cancel(ctx context.Context) error {
	a.cancels.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnCancel != nil {
		close(a.turnCancel)
		a.turnCancel = nil
	}
	return nil
}

func (a *fakeAgent) Terminate(ctx context.Context) error {
	a.terminates.Add(1)
	a.stop(nil)
	return nil
}

func (a *fakeAgent) SnapshotTrace(ctx context.Context) ([]*schema.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshotErr != nil {
		return nil, a.snapshotErr
	}
	return append([]*schema.Message(nil), a.trace...), nil
}

func (a *fakeAgent) setSnapshotErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshotErr = err
}

// stop ends the run loop with err, as if the agent finished on its own.
func (a *fakeAgent) stop(err error) {
	a.stopOnce.Do(func() {
		close(a.stopped)
		_ = a.bus.Close()
		a.done <- err
		close(a.done)
	})
}

var errBoom = errors.New("boom")

func writeFile(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}
