// Package session routes requests to long-running agent sessions.
//
// The Manager finds or creates the Session for each request, holds the
// request to one lease per session at a time, and reclaims sessions when
// their agent stops. Each lease release persists the session's trace.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/opencode-ai/agentd/internal/agent"
	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/storage"
)

// DefaultMaxSessions is the capacity of DefaultConfig.
const DefaultMaxSessions = 100

// Config is the manager's session policy.
type Config struct {
	// MaxSessions caps registered sessions. Nil means unlimited.
	MaxSessions *int
	// Ephemeral terminates each session's agent after its request.
	Ephemeral bool
}

// DefaultConfig returns a background-session policy capped at DefaultMaxSessions.
func DefaultConfig() Config {
	limit := DefaultMaxSessions
	return Config{MaxSessions: &limit}
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists each session's trace on lease release and restores it
// when a session is created for a persisted id.
func WithStore(store *storage.SessionStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEventBus publishes lifecycle events to bus instead of the global bus.
func WithEventBus(bus *event.Bus) Option {
	return func(m *Manager) { m.publish = bus.Publish }
}

// Manager is the session registry.
type Manager struct {
	runtime agent.Runtime
	cfg     Config
	store   *storage.SessionStore
	metrics *Metrics
	publish func(event.Event)
	tracer  trace.Tracer

	mu            sync.Mutex
	sessions      map[string]*Session
	pending       int
	allowCreation bool

	creating singleflight.Group
	releases sync.WaitGroup
}

// NewManager creates a manager starting agents through rt.
func NewManager(rt agent.Runtime, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		runtime:       rt,
		cfg:           cfg,
		publish:       event.Publish,
		tracer:        otel.Tracer("github.com/opencode-ai/agentd/internal/session"),
		sessions:      make(map[string]*Session),
		allowCreation: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// HandleRequest resolves the session for a request, waits for its lease and
// hands input to the agent. A nil or empty sessionID starts a new session
// under a fresh id. The returned RequestSession must be closed.
func (m *Manager) HandleRequest(ctx context.Context, requestID string, sessionID *string, input []*schema.Message, profile *string) (*RequestSession, string, error) {
	id := ""
	if sessionID != nil {
		id = *sessionID
	}
	if id == "" {
		id = uuid.NewString()
	}
	return m.handle(ctx, requestID, id, input, profile, false)
}

// HandleStateless runs input on a fresh session that lives for this request
// only: its agent is terminated on release and its trace is never persisted.
func (m *Manager) HandleStateless(ctx context.Context, requestID string, input []*schema.Message, profile *string) (*RequestSession, string, error) {
	return m.handle(ctx, requestID, uuid.NewString(), input, profile, true)
}

func (m *Manager) handle(ctx context.Context, requestID, id string, input []*schema.Message, profile *string, stateless bool) (*RequestSession, string, error) {
	name := ""
	if profile != nil {
		name = *profile
	}

	for attempt := 0; ; attempt++ {
		s, err := m.resolve(ctx, requestID, id, name, stateless)
		if err != nil {
			return nil, id, err
		}

		rs, err := m.attach(ctx, requestID, s, input)
		if err == nil {
			return rs, id, nil
		}
		if !errors.Is(err, agent.ErrStopped) || attempt > 0 {
			return nil, id, err
		}

		// The agent stopped while we waited for the lease. Once the watcher
		// has removed the session, resolve again.
		logging.ForRequest(requestID, id).Info().Msg("session stopped before request started, retrying")
		select {
		case <-s.done:
		case <-ctx.Done():
			return nil, id, ctx.Err()
		}
	}
}

func (m *Manager) resolve(ctx context.Context, requestID, id, profile string, stateless bool) (*Session, error) {
	ctx, span := m.tracer.Start(ctx, "session.resolve", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		logging.ForRequest(requestID, id).Info().Msg("using existing session")
		span.SetAttributes(attribute.Bool("session.created", false))
		return s, nil
	}

	v, err, _ := m.creating.Do(id, func() (any, error) {
		return m.create(context.WithoutCancel(ctx), requestID, id, profile, stateless)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("session.created", true))
	return v.(*Session), nil
}

// create registers a new session for id unless one appeared meanwhile.
// The registry lock is not held while the agent starts; the reservation in
// pending keeps the capacity check exact.
func (m *Manager) create(ctx context.Context, requestID, id, profile string, stateless bool) (*Session, error) {
	log := logging.ForRequest(requestID, id)

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if !m.allowCreation {
		m.mu.Unlock()
		m.metrics.Rejections.WithLabelValues(reasonDisabled).Inc()
		return nil, ErrSessionCreationDisabled
	}
	if limit := m.cfg.MaxSessions; limit != nil && len(m.sessions)+m.pending >= *limit {
		m.mu.Unlock()
		m.metrics.Rejections.WithLabelValues(reasonCapacity).Inc()
		return nil, fmt.Errorf("%w: %d", ErrCapacityExceeded, *limit)
	}
	m.pending++
	m.mu.Unlock()

	log.Info().Str("profile", agent.NormalizeProfile(profile)).Msg("creating new session")

	var initial []*schema.Message
	if !stateless {
		initial = m.restore(ctx, id)
	}
	inst, err := m.runtime.Start(ctx, profile, initial)

	m.mu.Lock()
	m.pending--
	if err != nil {
		m.mu.Unlock()
		log.Error().Err(err).Msg("failed to start agent")
		m.metrics.Rejections.WithLabelValues(reasonStart).Inc()
		return nil, fmt.Errorf("%w: %w", ErrAgentCreationFailed, err)
	}
	s := newSession(id, profile, m.cfg.Ephemeral || stateless, inst)
	s.stateless = stateless
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	go m.watch(s)

	m.metrics.Created.Inc()
	m.metrics.Sessions.Set(float64(count))
	m.publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionData{SessionID: id, Profile: s.profile, Ephemeral: s.ephemeral},
	})
	return s, nil
}

// restore returns the persisted trace of id, if any.
func (m *Manager) restore(ctx context.Context, id string) []*schema.Message {
	if m.store == nil || !m.store.Enabled() {
		return nil
	}
	rec, err := m.store.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Warn().Err(err).Str("session_id", id).Msg("persisted session unreadable, starting empty")
		}
		return nil
	}
	logging.Debug().Str("session_id", id).Int("messages", len(rec.Trace)).Msg("restored persisted session")
	return rec.Trace
}

// watch waits for the session's agent to stop and removes the session.
func (m *Manager) watch(s *Session) {
	err := <-s.stopped

	log := logging.ForRequest("", s.id)
	if err != nil {
		log.Error().Err(err).Msg("agent execution error")
	} else {
		log.Info().Msg("agent completed successfully")
	}

	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	close(s.done)

	log.Info().Msg("session removed from manager")
	m.metrics.Sessions.Set(float64(count))

	data := event.SessionData{SessionID: s.id, Profile: s.profile, Ephemeral: s.ephemeral}
	if err != nil {
		data.Error = err.Error()
	}
	m.publish(event.Event{Type: event.SessionRemoved, Data: data})
}

// attach takes the session's lease and sends input to the agent.
func (m *Manager) attach(ctx context.Context, requestID string, s *Session, input []*schema.Message) (*RequestSession, error) {
	ctx, span := m.tracer.Start(ctx, "session.lease", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	start := time.Now()
	if err := s.lease.Acquire(ctx, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	m.metrics.LeaseWait.Observe(time.Since(start).Seconds())

	lease := m.newLease(s, requestID)
	rs := &RequestSession{
		SessionID: s.id,
		RequestID: requestID,
		Lease:     lease,
		Events:    s.events.Watch(),
		m:         m,
	}

	m.publish(event.Event{
		Type: event.LeaseAcquired,
		Data: event.LeaseData{SessionID: s.id, RequestID: requestID, Kind: lease.kind.String()},
	})

	if err := s.control.Send(ctx, input); err != nil {
		rs.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to send input to session %s: %w", s.id, err)
	}
	return rs, nil
}

// CancelSession interrupts the agent of a live session. Unknown ids are ignored.
func (m *Manager) CancelSession(ctx context.Context, requestID, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()

	log := logging.ForRequest(requestID, sessionID)
	if !ok {
		log.Debug().Msg("cancel for unknown session ignored")
		return nil
	}
	log.Info().Msg("cancelling session")
	return s.control.Cancel(ctx)
}

// SessionCount returns the number of registered sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetAllowCreation opens or closes the creation gate. Existing sessions are
// not affected.
func (m *Manager) SetAllowCreation(allow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowCreation = allow
}

// SetMaxSessions replaces the session cap. Nil means unlimited. Sessions
// already above a lowered cap are kept; only creation is refused.
func (m *Manager) SetMaxSessions(limit *int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.MaxSessions = limit
}

// MaxSessions returns the current session cap, nil when unlimited.
func (m *Manager) MaxSessions() *int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxSessions == nil {
		return nil
	}
	limit := *m.cfg.MaxSessions
	return &limit
}

// AllowCreation reports whether new sessions may be created.
func (m *Manager) AllowCreation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowCreation
}

// Session returns the live session registered under id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns the live sessions ordered by creation time.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.Unlock()

	sortInfos(infos)
	return infos
}

// Shutdown closes the creation gate, terminates every agent and waits until
// their sessions are removed and pending releases have been persisted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.allowCreation = false
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	logging.Info().Int("sessions", len(sessions)).Msg("shutting down session manager")
	for _, s := range sessions {
		if err := s.control.Terminate(ctx); err != nil {
			logging.ForRequest("", s.id).Warn().Err(err).Msg("failed to terminate agent")
		}
	}

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			<-s.done
		}
		m.releases.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
