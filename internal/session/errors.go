package session

import "errors"

// Resolution failures. HandleRequest wraps them with detail; match with errors.Is.
var (
	// ErrAgentCreationFailed means the runtime could not start an agent for a new session.
	ErrAgentCreationFailed = errors.New("agent creation failed")
	// ErrSessionCreationDisabled means a new session was needed while creation is switched off.
	ErrSessionCreationDisabled = errors.New("session creation disabled")
	// ErrCapacityExceeded means a new session was needed while the registry was full.
	ErrCapacityExceeded = errors.New("maximum number of sessions reached")
)
