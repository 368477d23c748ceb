package session

import (
	"context"
	"sync"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
)

// Stream wraps a RequestSession for a response producer. If it is closed
// before the turn was drained, the agent is cancelled.
type Stream struct {
	rs      *RequestSession
	drained bool
	once    sync.Once
}

// NewStream wraps rs. The caller must Close the stream.
func NewStream(rs *RequestSession) *Stream {
	return &Stream{rs: rs}
}

// Next returns the next event of the turn. The stream counts as drained
// after it returns the terminal event, or once the agent stops and its
// events end. A done ctx ends the stream without draining it.
func (s *Stream) Next(ctx context.Context) (event.Event, bool) {
	if s.drained {
		return event.Event{}, false
	}
	e, ok := s.rs.Next(ctx)
	if !ok {
		if ctx.Err() == nil {
			s.drained = true
		}
		return e, false
	}
	if e.Terminal() {
		s.drained = true
	}
	return e, true
}

// Drained reports whether the turn was read to its end.
func (s *Stream) Drained() bool {
	return s.drained
}

// Close ends the stream. An undrained stream cancels the agent
// asynchronously and its lease is released after the cancel was issued.
func (s *Stream) Close() {
	s.once.Do(func() {
		log := logging.ForRequest(s.rs.RequestID, s.rs.SessionID)
		if s.drained {
			log.Info().Msg("stream drained, closing")
			s.rs.Close()
			return
		}

		log.Info().Msg("stream closed before completion, cancelling agent")
		m := s.rs.m
		m.metrics.DisconnectCancels.Inc()
		s.rs.Events.Close()

		m.releases.Add(1)
		go func() {
			defer m.releases.Done()
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := s.rs.Cancel(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to cancel agent")
			}
			s.rs.Close()
		}()
	})
}
