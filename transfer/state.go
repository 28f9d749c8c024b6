package transfer

import (
	"context"
	"fmt"
	"sync"
)

// State is the lifecycle phase of one transfer session.
type State string

const (
	StateIdle           State = "idle"
	StateOffering       State = "offering"
	StateAwaitingAnswer State = "awaiting_answer"
	StateChannelOpening State = "channel_opening"
	StateTransferring   State = "transferring"
	StateFinalizing     State = "finalizing"
	StateClosed         State = "closed"
	StateDeclined       State = "declined"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateDeclined || s == StateFailed
}

// Role is the side a session plays.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

var forward = map[State]State{
	StateIdle:           StateOffering,
	StateOffering:       StateAwaitingAnswer,
	StateAwaitingAnswer: StateChannelOpening,
	StateChannelOpening: StateTransferring,
	StateTransferring:   StateFinalizing,
	StateFinalizing:     StateClosed,
}

// CanTransition is the single authority on legal session transitions.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateDeclined || to == StateFailed {
		return true
	}
	return forward[from] == to
}

type signalKind int

const (
	signalAnswer signalKind = iota + 1
	signalDecline
)

type signal struct {
	kind    signalKind
	linkKey string
	reason  string
}

// Session is one transfer attempt. Exactly one exists per transfer id.
type Session struct {
	ID     string
	Role   Role
	PeerID string
	Name   string

	mu               sync.Mutex
	state            State
	expectedBytes    int64
	transferredBytes int64
	chunks           [][]byte
	link             Link
	err              error

	signals    chan signal
	candidates chan string

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newSession(parent context.Context, id string, role Role, peerID string, expected int64) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		ID:            id,
		Role:          role,
		PeerID:        peerID,
		state:         StateIdle,
		expectedBytes: expected,
		signals:       make(chan signal, 2),
		candidates:    make(chan string, 32),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure recorded on a failed or declined session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns transferred and expected byte counts.
func (s *Session) Progress() (transferred, expected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferredBytes, s.expectedBytes
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to, nil)
}

func (s *Session) transitionLocked(to State, cause error) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	if to == StateClosed && s.transferredBytes != s.expectedBytes {
		return fmt.Errorf("%w: closing with %d of %d bytes", ErrIllegalTransition, s.transferredBytes, s.expectedBytes)
	}
	s.state = to
	if cause != nil {
		s.err = cause
	}
	return nil
}

func (s *Session) setLink(link Link) {
	s.mu.Lock()
	s.link = link
	s.mu.Unlock()
}

func (s *Session) addTransferred(n int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transferredBytes += int64(n)
	return s.transferredBytes
}

func (s *Session) appendChunk(chunk []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transferredBytes+int64(len(chunk)) > s.expectedBytes {
		return s.transferredBytes, fmt.Errorf("%w: more bytes than declared size %d", ErrIntegrity, s.expectedBytes)
	}
	s.chunks = append(s.chunks, chunk)
	s.transferredBytes += int64(len(chunk))
	return s.transferredBytes, nil
}

func (s *Session) assemble() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, s.transferredBytes)
	for _, chunk := range s.chunks {
		out = append(out, chunk...)
	}
	return out
}

// end moves the session to a terminal state and releases its link.
// It reports false when the session had already ended.
func (s *Session) end(to State, cause error) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	if err := s.transitionLocked(to, cause); err != nil {
		s.state = StateFailed
		s.err = err
	}
	link := s.link
	s.link = nil
	s.chunks = nil
	s.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	s.cancel(cause)
	return true
}

// Initiator breaks glare between two identities: the lexicographically
// smaller identity initiates.
func Initiator(a, b string) string {
	if a <= b {
		return a
	}
	return b
}
