package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/agentd/internal/event"
)

// scriptedModel streams fixed chunks; when block is set it emits the first
// chunk and then waits for the request context to end.
type scriptedModel struct {
	chunks    []string
	block     bool
	failFirst int32

	mu     sync.Mutex
	inputs [][]*schema.Message
	calls  int32
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if atomic.AddInt32(&m.calls, 1) <= m.failFirst {
		return nil, errors.New("transient")
	}
	m.mu.Lock()
	m.inputs = append(m.inputs, input)
	m.mu.Unlock()

	if !m.block {
		msgs := make([]*schema.Message, 0, len(m.chunks))
		for _, c := range m.chunks {
			msgs = append(msgs, schema.AssistantMessage(c, nil))
		}
		return schema.StreamReaderFromArray(msgs), nil
	}

	sr, sw := schema.Pipe[*schema.Message](1)
	go func() {
		defer sw.Close()
		sw.Send(schema.AssistantMessage("partial", nil), nil)
		<-ctx.Done()
		sw.Send(nil, ctx.Err())
	}()
	return sr, nil
}

func (m *scriptedModel) lastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[len(m.inputs)-1]
}

type staticModels struct{ m model.BaseChatModel }

func (s staticModels) ChatModel(ctx context.Context, ref string) (model.BaseChatModel, error) {
	if ref == "" {
		return nil, errors.New("empty ref")
	}
	return s.m, nil
}

func startInstance(t *testing.T, m model.BaseChatModel, opts Options) *Instance {
	t.Helper()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "fake/model"
	}
	opts.RetryInitialInterval = time.Millisecond
	rt := NewLLMRuntime(NewRegistry(), staticModels{m: m}, opts)
	inst, err := rt.Start(context.Background(), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Control.Terminate(context.Background()) })
	return inst
}

// collectTurn reads events until the turn's terminal event.
func collectTurn(t *testing.T, sub *event.Subscription) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []event.Event
	for {
		e, ok := sub.Next(ctx)
		require.True(t, ok, "subscription ended before the turn finished")
		events = append(events, e)
		if e.Terminal() {
			return events
		}
	}
}

func eventTypes(events []event.Event) []event.EventType {
	types := make([]event.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestLLMRuntime_TurnEvents(t *testing.T) {
	m := &scriptedModel{chunks: []string{"Hel", "lo"}}
	inst := startInstance(t, m, Options{})

	sub := inst.Events.Watch()
	defer sub.Close()

	require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("hi")}))
	events := collectTurn(t, sub)

	assert.Equal(t, []event.EventType{
		event.AgentStatus, event.AgentDelta, event.AgentDelta, event.AgentMessage, event.AgentCompleted,
	}, eventTypes(events))

	completed := events[len(events)-1].Data.(event.CompletedData)
	assert.True(t, completed.Success)
	assert.Equal(t, "Hello", completed.Message)

	trace, err := inst.Control.SnapshotTrace(context.Background())
	require.NoError(t, err)
	require.Len(t, trace, 2)
	assert.Equal(t, schema.User, trace[0].Role)
	assert.Equal(t, "Hello", trace[1].Content)

	// The system prompt reaches the model but not the trace.
	input := m.lastInput()
	assert.Equal(t, schema.System, input[0].Role)
}

func TestLLMRuntime_InitialHistory(t *testing.T) {
	m := &scriptedModel{chunks: []string{"ok"}}
	rt := NewLLMRuntime(NewRegistry(), staticModels{m: m}, Options{DefaultModel: "fake/model"})
	initial := []*schema.Message{schema.UserMessage("earlier"), schema.AssistantMessage("reply", nil)}

	inst, err := rt.Start(context.Background(), "plan", initial)
	require.NoError(t, err)
	defer inst.Control.Terminate(context.Background())

	trace, err := inst.Control.SnapshotTrace(context.Background())
	require.NoError(t, err)
	assert.Len(t, trace, 2)

	sub := inst.Events.Watch()
	defer sub.Close()
	require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("now")}))
	collectTurn(t, sub)

	// system + 2 initial + new input
	assert.Len(t, m.lastInput(), 4)
}

func TestLLMRuntime_StartErrors(t *testing.T) {
	rt := NewLLMRuntime(NewRegistry(), staticModels{m: &scriptedModel{}}, Options{})

	_, err := rt.Start(context.Background(), "nope", nil)
	assert.ErrorContains(t, err, "profile not found")

	_, err = rt.Start(context.Background(), "", nil)
	assert.ErrorContains(t, err, "no default model")
}

func TestLLMRuntime_CancelInterruptsTurnOnly(t *testing.T) {
	m := &scriptedModel{block: true}
	inst := startInstance(t, m, Options{})

	sub := inst.Events.Watch()
	defer sub.Close()

	require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("long task")}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		e, ok := sub.Next(ctx)
		require.True(t, ok)
		if e.Type == event.AgentDelta {
			break
		}
	}

	require.NoError(t, inst.Control.Cancel(context.Background()))
	events := collectTurn(t, sub)
	completed := events[len(events)-1]
	require.Equal(t, event.AgentCompleted, completed.Type)
	assert.False(t, completed.Data.(event.CompletedData).Success)

	// Still running: a new turn is accepted.
	select {
	case <-inst.Done:
		t.Fatal("instance stopped after cancel")
	default:
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sendCancel()
	assert.NoError(t, inst.Control.Send(sendCtx, []*schema.Message{schema.UserMessage("again")}))
}

func TestLLMRuntime_CancelRightAfterSend(t *testing.T) {
	m := &scriptedModel{block: true}
	inst := startInstance(t, m, Options{})

	sub := inst.Events.Watch()
	defer sub.Close()

	// The model never finishes on its own, so every turn ends only if the
	// cancel issued as soon as Send returns reaches it.
	for i := 0; i < 200; i++ {
		require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("task")}))
		require.NoError(t, inst.Control.Cancel(context.Background()))

		events := collectTurn(t, sub)
		completed := events[len(events)-1]
		require.Equal(t, event.AgentCompleted, completed.Type, "turn %d", i)
		require.False(t, completed.Data.(event.CompletedData).Success, "turn %d", i)
	}
}

func TestLLMRuntime_CancelBetweenTurnsIsNoop(t *testing.T) {
	m := &scriptedModel{chunks: []string{"done"}}
	inst := startInstance(t, m, Options{})

	sub := inst.Events.Watch()
	defer sub.Close()

	require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("one")}))
	events := collectTurn(t, sub)
	require.True(t, events[len(events)-1].Data.(event.CompletedData).Success)

	// A cancel with no turn in flight must not leak into the next one.
	require.NoError(t, inst.Control.Cancel(context.Background()))
	require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("two")}))
	events = collectTurn(t, sub)
	assert.True(t, events[len(events)-1].Data.(event.CompletedData).Success)
}

func TestLLMRuntime_TerminateStopsInstance(t *testing.T) {
	inst := startInstance(t, &scriptedModel{chunks: []string{"x"}}, Options{})
	sub := inst.Events.Watch()

	require.NoError(t, inst.Control.Terminate(context.Background()))

	select {
	case err := <-inst.Done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("instance did not stop")
	}

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not closed after stop")
	}

	assert.ErrorIs(t, inst.Control.Send(context.Background(), nil), ErrStopped)
	// Idempotent.
	assert.NoError(t, inst.Control.Terminate(context.Background()))
}

func TestLLMRuntime_IdleTimeout(t *testing.T) {
	inst := startInstance(t, &scriptedModel{chunks: []string{"x"}}, Options{IdleTimeout: 50 * time.Millisecond})

	select {
	case err := <-inst.Done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("idle instance did not stop")
	}
}

func TestLLMRuntime_RetriesStreamStart(t *testing.T) {
	m := &scriptedModel{chunks: []string{"ok"}, failFirst: 2}
	inst := startInstance(t, m, Options{})

	sub := inst.Events.Watch()
	defer sub.Close()
	require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("hi")}))

	events := collectTurn(t, sub)
	assert.Equal(t, event.AgentCompleted, events[len(events)-1].Type)
	assert.Equal(t, int32(3), atomic.LoadInt32(&m.calls))
}

func TestLLMRuntime_ErrorAfterRetries(t *testing.T) {
	m := &scriptedModel{failFirst: 100}
	inst := startInstance(t, m, Options{MaxRetries: 1})

	sub := inst.Events.Watch()
	defer sub.Close()
	require.NoError(t, inst.Control.Send(context.Background(), []*schema.Message{schema.UserMessage("hi")}))

	events := collectTurn(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, event.AgentError, last.Type)
	assert.Contains(t, last.Data.(event.ErrorData).Error, "transient")
}
