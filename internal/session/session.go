package session

import (
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opencode-ai/agentd/internal/agent"
)

// Session binds an identifier to one running agent instance. Sessions are
// owned by the Manager and removed only by their watcher.
type Session struct {
	id        string
	profile   string
	ephemeral bool
	stateless bool
	createdAt time.Time

	control agent.Controller
	events  agent.EventSource
	stopped <-chan error

	// lease serializes the requests driving the agent. Waiters are served FIFO.
	lease  *semaphore.Weighted
	leased atomic.Bool

	done chan struct{}
}

// Info describes a live session.
type Info struct {
	ID        string    `json:"id"`
	Profile   string    `json:"profile"`
	Ephemeral bool      `json:"ephemeral"`
	CreatedAt time.Time `json:"created_at"`
	Busy      bool      `json:"busy"`
}

func newSession(id, profile string, ephemeral bool, inst *agent.Instance) *Session {
	return &Session{
		id:        id,
		profile:   agent.NormalizeProfile(profile),
		ephemeral: ephemeral,
		createdAt: time.Now(),
		control:   inst.Control,
		events:    inst.Events,
		stopped:   inst.Done,
		lease:     semaphore.NewWeighted(1),
		done:      make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Ephemeral reports whether the agent is torn down after each request.
func (s *Session) Ephemeral() bool { return s.ephemeral }

// Done is closed once the watcher has removed the session from the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session's state.
func (s *Session) Info() Info {
	return Info{
		ID:        s.id,
		Profile:   s.profile,
		Ephemeral: s.ephemeral,
		CreatedAt: s.createdAt,
		Busy:      s.leased.Load(),
	}
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
}
