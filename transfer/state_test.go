package transfer

import (
	"context"
	"errors"
	"testing"
)

func TestForwardTransitionsFollowTheLifecycle(t *testing.T) {
	path := []State{StateIdle, StateOffering, StateAwaitingAnswer, StateChannelOpening, StateTransferring, StateFinalizing, StateClosed}
	for i := 0; i+1 < len(path); i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}

	illegal := [][2]State{
		{StateIdle, StateTransferring},
		{StateOffering, StateClosed},
		{StateTransferring, StateAwaitingAnswer},
		{StateClosed, StateFailed},
		{StateDeclined, StateOffering},
		{StateFailed, StateDeclined},
	}
	for _, pair := range illegal {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s to be illegal", pair[0], pair[1])
		}
	}

	for _, from := range path[:len(path)-1] {
		if !CanTransition(from, StateFailed) || !CanTransition(from, StateDeclined) {
			t.Fatalf("expected failed and declined to be reachable from %s", from)
		}
	}
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	s := newSession(context.Background(), "t1", RoleInitiator, "bob", 10)

	if err := s.transition(StateTransferring); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected state to stay idle, got %s", s.State())
	}
}

func TestSessionNeverClosesWithMissingBytes(t *testing.T) {
	s := newSession(context.Background(), "t2", RoleResponder, "alice", 10)
	for _, state := range []State{StateOffering, StateAwaitingAnswer, StateChannelOpening, StateTransferring} {
		if err := s.transition(state); err != nil {
			t.Fatalf("transition to %s failed: %v", state, err)
		}
	}
	if _, err := s.appendChunk([]byte("12345")); err != nil {
		t.Fatalf("appendChunk failed: %v", err)
	}
	if err := s.transition(StateFinalizing); err != nil {
		t.Fatalf("transition to finalizing failed: %v", err)
	}

	if err := s.transition(StateClosed); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected close with 5 of 10 bytes to be refused, got %v", err)
	}

	if !s.end(StateClosed, nil) {
		t.Fatalf("expected first end to take effect")
	}
	if s.State() != StateFailed || !errors.Is(s.Err(), ErrIllegalTransition) {
		t.Fatalf("expected forced failure, got %s / %v", s.State(), s.Err())
	}
	if s.end(StateFailed, errors.New("again")) {
		t.Fatalf("expected second end to be a no-op")
	}
}

func TestAppendChunkRejectsOverflow(t *testing.T) {
	s := newSession(context.Background(), "t3", RoleResponder, "alice", 4)
	if _, err := s.appendChunk([]byte("abc")); err != nil {
		t.Fatalf("appendChunk failed: %v", err)
	}
	if _, err := s.appendChunk([]byte("de")); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity on overflow, got %v", err)
	}
	if got, _ := s.Progress(); got != 3 {
		t.Fatalf("expected rejected chunk to leave 3 bytes, got %d", got)
	}
}

func TestEndCancelsSessionContext(t *testing.T) {
	s := newSession(context.Background(), "t4", RoleInitiator, "bob", 0)
	s.end(StateFailed, ErrCanceled)

	select {
	case <-s.ctx.Done():
	default:
		t.Fatalf("expected session context to be canceled")
	}
	if !errors.Is(context.Cause(s.ctx), ErrCanceled) {
		t.Fatalf("expected cause ErrCanceled, got %v", context.Cause(s.ctx))
	}
}

func TestInitiatorTieBreak(t *testing.T) {
	if got := Initiator("bob", "alice"); got != "alice" {
		t.Fatalf("expected alice, got %s", got)
	}
	if got := Initiator("alice", "bob"); got != "alice" {
		t.Fatalf("expected alice regardless of argument order, got %s", got)
	}
	if got := Initiator("same", "same"); got != "same" {
		t.Fatalf("expected same, got %s", got)
	}
}
