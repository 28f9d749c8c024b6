package session

import (
	"fmt"
	"sync"
)

// Phase is the user-visible connection phase.
type Phase string

const (
	PhaseInit            Phase = "init"
	PhaseConnecting      Phase = "connecting"
	PhaseConnected       Phase = "connected"
	PhaseDisconnected    Phase = "disconnected"
	PhaseReconnecting    Phase = "reconnecting"
	PhaseOffline         Phase = "offline"
	PhaseReconnectFailed Phase = "reconnect_failed"
	PhaseAuthRequired    Phase = "auth_required"
	PhaseLoggedOut       Phase = "logged_out"
)

// Terminal reports whether no further transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseAuthRequired || p == PhaseLoggedOut
}

// ConnectionState is the process-wide connection status.
type ConnectionState struct {
	Phase         Phase
	EverConnected bool
	AttemptCount  int
	LastReason    string
}

// Status renders the state for display.
func (s ConnectionState) Status() string {
	switch s.Phase {
	case PhaseInit:
		return "Not connected"
	case PhaseConnecting:
		return "Connecting..."
	case PhaseConnected:
		return "Connected"
	case PhaseDisconnected:
		return "Disconnected (" + s.LastReason + ")"
	case PhaseReconnecting:
		return fmt.Sprintf("Reconnecting (attempt %d)...", s.AttemptCount)
	case PhaseOffline:
		return "Offline. Waiting for network."
	case PhaseReconnectFailed:
		return "Could not reconnect. Retry when ready."
	case PhaseAuthRequired:
		return "Session expired. Sign in again."
	case PhaseLoggedOut:
		return "Signed out (" + s.LastReason + ")"
	default:
		return string(s.Phase)
	}
}

// EventKind names an input to the connection FSM.
type EventKind int

const (
	EventConnectStart EventKind = iota
	EventConnected
	EventDisconnected
	EventReconnectAttempt
	EventReconnectFailed
	EventNetworkOffline
	EventNetworkOnline
	EventAuthRequired
	EventLogout
)

// Event is one FSM input.
type Event struct {
	Kind    EventKind
	Attempt int
	Reason  string
}

// apply is the only transition function for ConnectionState. It reports
// whether the event changed anything.
func apply(state ConnectionState, event Event) (ConnectionState, bool) {
	if state.Phase == "" {
		state.Phase = PhaseInit
	}
	if state.Phase.Terminal() {
		return state, false
	}

	next := state
	switch event.Kind {
	case EventLogout:
		next.Phase = PhaseLoggedOut
		next.LastReason = event.Reason

	case EventAuthRequired:
		next.Phase = PhaseAuthRequired
		next.LastReason = event.Reason

	case EventNetworkOffline:
		next.Phase = PhaseOffline
		next.LastReason = "network_offline"

	case EventNetworkOnline:
		if state.Phase != PhaseOffline {
			return state, false
		}
		next.AttemptCount = 0
		if state.EverConnected {
			next.Phase = PhaseReconnecting
		} else {
			next.Phase = PhaseConnecting
		}

	case EventConnectStart:
		if state.Phase != PhaseInit && state.Phase != PhaseReconnectFailed {
			return state, false
		}
		next.Phase = PhaseConnecting
		next.AttemptCount = 0

	case EventConnected:
		next.Phase = PhaseConnected
		next.EverConnected = true
		next.AttemptCount = 0
		next.LastReason = ""

	case EventDisconnected:
		switch state.Phase {
		case PhaseOffline:
			// Keep waiting for the network; only remember why.
			next.LastReason = event.Reason
		case PhaseConnected, PhaseConnecting, PhaseReconnecting:
			next.Phase = PhaseDisconnected
			next.LastReason = event.Reason
		default:
			return state, false
		}

	case EventReconnectAttempt:
		switch state.Phase {
		case PhaseDisconnected, PhaseReconnecting, PhaseConnecting, PhaseReconnectFailed:
			next.Phase = PhaseReconnecting
			next.AttemptCount = event.Attempt
		default:
			return state, false
		}

	case EventReconnectFailed:
		switch state.Phase {
		case PhaseDisconnected, PhaseReconnecting, PhaseConnecting:
			next.Phase = PhaseReconnectFailed
			if event.Attempt > 0 {
				next.AttemptCount = event.Attempt
			}
			next.LastReason = event.Reason
		default:
			return state, false
		}

	default:
		return state, false
	}
	return next, next != state
}

// StateStore holds the current ConnectionState.
type StateStore interface {
	Load() ConnectionState
	Store(state ConnectionState)
}

// MemoryStateStore is a StateStore guarded by a mutex.
type MemoryStateStore struct {
	mu    sync.RWMutex
	state ConnectionState
}

// NewMemoryStateStore returns a store in the init phase.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{state: ConnectionState{Phase: PhaseInit}}
}

func (s *MemoryStateStore) Load() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStateStore) Store(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
