package session

import (
	"context"
	"sync"

	"github.com/opencode-ai/agentd/internal/event"
)

// RequestSession is what a request receives from HandleRequest: the lease on
// its session and a subscription to the agent's events. Close must be called
// on every exit path; it is safe to call more than once.
type RequestSession struct {
	SessionID string
	RequestID string
	Lease     *Lease
	Events    *event.Subscription

	m       *Manager
	started bool
	once    sync.Once
}

// Next returns the next event of this request's turn. Events left over from
// an earlier turn are skipped: the turn starts at its running status.
func (rs *RequestSession) Next(ctx context.Context) (event.Event, bool) {
	for {
		e, ok := rs.Events.Next(ctx)
		if !ok {
			return e, false
		}
		if rs.started {
			return e, true
		}
		if isRunning(e) {
			rs.started = true
			return e, true
		}
	}
}

// Cancel interrupts the agent's current turn.
func (rs *RequestSession) Cancel(ctx context.Context) error {
	return rs.Lease.session.control.Cancel(ctx)
}

// Close detaches from the agent's events and releases the lease.
func (rs *RequestSession) Close() {
	rs.once.Do(func() {
		rs.Events.Close()
		rs.Lease.Release()
	})
}

func isRunning(e event.Event) bool {
	if e.Type != event.AgentStatus {
		return false
	}
	data, ok := e.Data.(event.StatusData)
	return ok && data.Status == event.StatusRunning
}
