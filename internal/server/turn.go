package server

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/session"
)

// pumpTurn reads the turn's events in the background so the caller can
// interleave heartbeats. The channel closes when the turn ends or ctx is done.
func pumpTurn(ctx context.Context, stream *session.Stream) <-chan event.Event {
	ch := make(chan event.Event)
	go func() {
		defer close(ch)
		for {
			e, ok := stream.Next(ctx)
			if !ok {
				return
			}
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// streamTurn forwards each event of the turn to write, with heartbeats in
// between, and closes the stream when it returns. A write error or a
// client disconnect leaves the stream undrained, which cancels the agent.
func streamTurn(ctx context.Context, sse *sseWriter, stream *session.Stream, write func(event.Event) error) {
	ctx, cancel := context.WithCancel(ctx)
	events := pumpTurn(ctx, stream)
	defer func() {
		cancel()
		for range events {
		}
		stream.Close()
	}()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := write(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}

// turnResult is a turn read to its end by collectTurn.
type turnResult struct {
	// content is the final assistant message, or the streamed deltas when
	// the turn ended without one.
	content  string
	messages []*schema.Message

	completed bool
	success   bool
	agentErr  string
}

// terminal reports whether the turn ended with its own terminal event. A
// drained turn without one means the agent stopped mid-turn.
func (t turnResult) terminal() bool {
	return t.completed || t.agentErr != ""
}

// collectTurn drains the turn into a turnResult. It reports false when ctx
// ended first; the stream is closed either way.
func collectTurn(ctx context.Context, stream *session.Stream) (turnResult, bool) {
	defer stream.Close()

	var (
		res    turnResult
		deltas strings.Builder
		final  string
	)
	for !res.terminal() {
		e, ok := stream.Next(ctx)
		if !ok {
			break
		}
		switch data := e.Data.(type) {
		case event.DeltaData:
			deltas.WriteString(data.Content)
		case event.MessageData:
			if data.Message != nil {
				res.messages = append(res.messages, data.Message)
				if data.Message.Content != "" {
					final = data.Message.Content
				}
			}
		case event.CompletedData:
			res.completed = true
			res.success = data.Success
		case event.ErrorData:
			res.agentErr = data.Error
		}
	}
	if !stream.Drained() {
		return res, false
	}

	res.content = final
	if res.content == "" {
		res.content = deltas.String()
	}
	return res, true
}
