package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
)

const (
	// MaxRetries is the maximum number of retries when a model stream fails to start.
	MaxRetries = 3
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
	// DefaultEventBuffer is the buffer size of each event subscription.
	DefaultEventBuffer = 256
)

// ModelSource resolves "provider/model" references to chat models.
type ModelSource interface {
	ChatModel(ctx context.Context, ref string) (model.BaseChatModel, error)
}

// Options configures an LLMRuntime.
type Options struct {
	// DefaultModel is used by profiles that do not name a model.
	DefaultModel string
	// IdleTimeout stops an instance that receives no input for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// EventBuffer is the buffer size of each Watch subscription.
	EventBuffer int
	// MaxRetries bounds retries of a failed model stream start.
	MaxRetries uint64
	// RetryInitialInterval overrides the first backoff interval.
	RetryInitialInterval time.Duration
}

// LLMRuntime runs instances backed by an Eino chat model.
type LLMRuntime struct {
	profiles *Registry
	models   ModelSource
	opts     Options
}

// NewLLMRuntime creates a runtime resolving profiles from profiles and chat
// models from models.
func NewLLMRuntime(profiles *Registry, models ModelSource, opts Options) *LLMRuntime {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = MaxRetries
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = RetryInitialInterval
	}
	return &LLMRuntime{profiles: profiles, models: models, opts: opts}
}

// Start implements Runtime.
func (r *LLMRuntime) Start(ctx context.Context, profile string, initial []*schema.Message) (*Instance, error) {
	p, err := r.profiles.Get(profile)
	if err != nil {
		return nil, err
	}

	ref := p.Model
	if ref == "" {
		ref = r.opts.DefaultModel
	}
	if ref == "" {
		return nil, fmt.Errorf("profile %s has no model and no default model is configured", p.Name)
	}

	chatModel, err := r.models.ChatModel(ctx, ref)
	if err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(context.Background())
	inst := &llmInstance{
		id:      ulid.Make().String(),
		profile: p,
		model:   chatModel,
		opts:    r.opts,
		bus:     event.NewBus(),
		trace:   append([]*schema.Message(nil), initial...),
		inputs:  make(chan *turn),
		ctx:     runCtx,
		stop:    stop,
		done:    make(chan error, 1),
	}

	go inst.run()

	logging.Debug().
		Str("instance", inst.id).
		Str("profile", p.Name).
		Str("model", ref).
		Int("history", len(initial)).
		Msg("agent instance started")

	return &Instance{Control: inst, Events: inst, Done: inst.done}, nil
}

// llmInstance is one running agent. It implements Controller and EventSource.
type llmInstance struct {
	id      string
	profile *Profile
	model   model.BaseChatModel
	opts    Options
	bus     *event.Bus

	mu      sync.Mutex
	trace   []*schema.Message
	current *turn

	inputs chan *turn
	ctx    context.Context
	stop   context.CancelFunc
	done   chan error
}

func (in *llmInstance) Watch() *event.Subscription {
	return in.bus.Watch(in.opts.EventBuffer)
}

// turn is one accepted input. Its context exists from the moment Send is
// called, so a Cancel racing the hand-off to the run loop still reaches it.
type turn struct {
	msgs   []*schema.Message
	ctx    context.Context
	cancel context.CancelFunc
}

func (in *llmInstance) Send(ctx context.Context, msgs []*schema.Message) error {
	turnCtx, cancel := context.WithCancel(in.ctx)
	t := &turn{msgs: msgs, ctx: turnCtx, cancel: cancel}

	in.mu.Lock()
	in.current = t
	in.mu.Unlock()

	var err error
	select {
	case in.inputs <- t:
		return nil
	case <-in.ctx.Done():
		err = ErrStopped
	case <-ctx.Done():
		err = ctx.Err()
	}

	in.endTurn(t)
	return err
}

func (in *llmInstance) Cancel(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.current != nil {
		in.current.cancel()
	}
	return nil
}

// endTurn releases t's context and forgets it unless a newer turn has
// already been sent.
func (in *llmInstance) endTurn(t *turn) {
	t.cancel()
	in.mu.Lock()
	if in.current == t {
		in.current = nil
	}
	in.mu.Unlock()
}

func (in *llmInstance) Terminate(ctx context.Context) error {
	in.stop()
	return nil
}

func (in *llmInstance) SnapshotTrace(ctx context.Context) ([]*schema.Message, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]*schema.Message(nil), in.trace...), nil
}

func (in *llmInstance) publish(t event.EventType, data any) {
	in.bus.PublishSync(event.Event{Type: t, Data: data})
}

// run is the instance's run loop: one turn per accepted input until the
// instance is terminated or sits idle past IdleTimeout.
func (in *llmInstance) run() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent run loop panicked: %v", r)
		}
		in.stop()
		in.publish(event.AgentStatus, event.StatusData{Status: event.StatusStopped})
		_ = in.bus.Close()
		in.done <- err
		close(in.done)
	}()

	var idle <-chan time.Time
	for {
		var timer *time.Timer
		if in.opts.IdleTimeout > 0 {
			timer = time.NewTimer(in.opts.IdleTimeout)
			idle = timer.C
		}

		select {
		case <-in.ctx.Done():
			return
		case <-idle:
			logging.Info().Str("instance", in.id).Dur("idle", in.opts.IdleTimeout).Msg("agent instance idle, stopping")
			return
		case t := <-in.inputs:
			if timer != nil {
				timer.Stop()
			}
			in.runTurn(t)
		}
	}
}

func (in *llmInstance) runTurn(t *turn) {
	defer in.endTurn(t)
	turnCtx := t.ctx

	in.mu.Lock()
	in.trace = append(in.trace, t.msgs...)
	history := in.history()
	in.mu.Unlock()

	in.publish(event.AgentStatus, event.StatusData{Status: event.StatusRunning})

	reply, err := in.stream(turnCtx, history)
	switch {
	case err != nil && turnCtx.Err() != nil:
		in.publish(event.AgentCompleted, event.CompletedData{Message: "cancelled", Success: false})
	case err != nil:
		logging.Warn().Err(err).Str("instance", in.id).Msg("agent turn failed")
		in.publish(event.AgentError, event.ErrorData{Error: err.Error()})
	default:
		in.mu.Lock()
		in.trace = append(in.trace, reply)
		in.mu.Unlock()
		in.publish(event.AgentMessage, event.MessageData{Message: reply})
		in.publish(event.AgentCompleted, event.CompletedData{Message: reply.Content, Success: true})
	}

	in.publish(event.AgentStatus, event.StatusData{Status: event.StatusIdle})
}

// history returns the model input for the next turn. Caller holds in.mu.
func (in *llmInstance) history() []*schema.Message {
	history := make([]*schema.Message, 0, len(in.trace)+1)
	if in.profile.Prompt != "" {
		history = append(history, schema.SystemMessage(in.profile.Prompt))
	}
	return append(history, in.trace...)
}

func (in *llmInstance) modelOptions() []model.Option {
	var opts []model.Option
	if in.profile.Temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(in.profile.Temperature)))
	}
	if in.profile.TopP > 0 {
		opts = append(opts, model.WithTopP(float32(in.profile.TopP)))
	}
	return opts
}

// newRetryBackoff creates an exponential backoff with jitter for model retries.
func (in *llmInstance) newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = in.opts.RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, in.opts.MaxRetries), ctx)
}

// stream runs one model call, publishing deltas as chunks arrive, and
// returns the assembled reply.
func (in *llmInstance) stream(ctx context.Context, history []*schema.Message) (*schema.Message, error) {
	var reader *schema.StreamReader[*schema.Message]
	start := func() error {
		r, err := in.model.Stream(ctx, history, in.modelOptions()...)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logging.Debug().Err(err).Str("instance", in.id).Msg("model stream start failed, retrying")
			return err
		}
		reader = r
		return nil
	}
	if err := backoff.Retry(start, in.newRetryBackoff(ctx)); err != nil {
		return nil, err
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" || chunk.ReasoningContent != "" {
			in.publish(event.AgentDelta, event.DeltaData{
				Content:          chunk.Content,
				ReasoningContent: chunk.ReasoningContent,
			})
		}
	}

	if len(chunks) == 0 {
		return nil, errors.New("model returned an empty response")
	}
	reply, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble model response: %w", err)
	}
	if reply.Role == "" {
		reply.Role = schema.Assistant
	}
	return reply, nil
}
