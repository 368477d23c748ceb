package session

import (
	"context"
	"sync"
	"time"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
)

// releaseTimeout bounds the snapshot, save and terminate calls of one release.
const releaseTimeout = 30 * time.Second

// LeaseKind selects what happens to the agent when a lease is released.
type LeaseKind int

const (
	// LeaseBackground leaves the agent running for later requests.
	LeaseBackground LeaseKind = iota
	// LeaseEphemeral terminates the agent.
	LeaseEphemeral
)

func (k LeaseKind) String() string {
	if k == LeaseEphemeral {
		return "ephemeral"
	}
	return "background"
}

// Lease is one request's exclusive right to drive a session's agent.
//
// Release frees the session for the next request and then, in the
// background, snapshots the trace, persists it, and for ephemeral leases
// terminates the agent. Stateless sessions are never persisted. Persistence
// failures are logged and counted only.
type Lease struct {
	kind      LeaseKind
	requestID string
	session   *Session
	m         *Manager

	once sync.Once
	done chan struct{}
}

func (m *Manager) newLease(s *Session, requestID string) *Lease {
	kind := LeaseBackground
	if s.ephemeral {
		kind = LeaseEphemeral
	}
	s.leased.Store(true)
	return &Lease{
		kind:      kind,
		requestID: requestID,
		session:   s,
		m:         m,
		done:      make(chan struct{}),
	}
}

// Kind returns the lease variant.
func (l *Lease) Kind() LeaseKind { return l.kind }

// SessionID returns the leased session's identifier.
func (l *Lease) SessionID() string { return l.session.id }

// RequestID returns the identifier of the request holding the lease.
func (l *Lease) RequestID() string { return l.requestID }

// Done is closed when the release actions have finished.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Release ends the lease. Only the first call has any effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.session.leased.Store(false)
		l.session.lease.Release(1)

		l.m.releases.Add(1)
		go func() {
			defer l.m.releases.Done()
			defer close(l.done)
			l.finish()
		}()
	})
}

func (l *Lease) finish() {
	log := logging.ForRequest(l.requestID, l.session.id)
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if !l.session.stateless {
		l.persist(ctx)
	}

	switch l.kind {
	case LeaseEphemeral:
		log.Debug().Msg("request finished, terminating agent (ephemeral session)")
		if err := l.session.control.Terminate(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to terminate agent")
		}
	default:
		log.Debug().Msg("request finished, lease released (background session)")
	}

	l.m.publish(event.Event{
		Type: event.LeaseReleased,
		Data: event.LeaseData{SessionID: l.session.id, RequestID: l.requestID, Kind: l.kind.String()},
	})
}

func (l *Lease) persist(ctx context.Context) {
	log := logging.ForRequest(l.requestID, l.session.id)
	trace, err := l.session.control.SnapshotTrace(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("trace snapshot failed, session not persisted")
		l.m.metrics.PersistenceFailures.WithLabelValues("snapshot").Inc()
		return
	}
	if l.m.store == nil {
		return
	}
	if err := l.m.store.Save(ctx, l.session.id, trace); err != nil {
		log.Error().Err(err).Msg("failed to persist session")
		l.m.metrics.PersistenceFailures.WithLabelValues("save").Inc()
	}
}
