package sandbox

import (
	"slices"
	"testing"
)

func TestSessionTransitions(t *testing.T) {
	s := newSession(100, "", nil)
	if s.State() != StateCreated {
		t.Fatalf("expected created, got %s", s.State())
	}
	for _, to := range []State{StateLoaded, StateRunning, StateCompleted} {
		if err := s.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	want := []State{StateCreated, StateLoaded, StateRunning, StateCompleted}
	if !slices.Equal(s.History(), want) {
		t.Fatalf("unexpected history %v", s.History())
	}
	if !s.State().Terminal() {
		t.Fatalf("expected terminal state")
	}
	if err := s.transition(StateRunning); err == nil {
		t.Fatalf("expected no transition out of a terminal state")
	}
}

func TestSessionRejectsSkippedStates(t *testing.T) {
	s := newSession(100, "", nil)
	if err := s.transition(StateRunning); err == nil {
		t.Fatalf("expected created -> running to be rejected")
	}
	if err := s.transition(StateResourceExhausted); err == nil {
		t.Fatalf("expected created -> resource_exhausted to be rejected")
	}
}

func TestSessionFuelAccounting(t *testing.T) {
	s := newSession(100, "", nil)
	s.observeFuel(60)
	if s.Consumed() != 40 || s.Remaining() != 60 {
		t.Fatalf("expected 40 consumed, got %d (remaining %d)", s.Consumed(), s.Remaining())
	}
	s.observeFuel(80)
	if s.Remaining() != 60 {
		t.Fatalf("fuel must never increase, remaining %d", s.Remaining())
	}
	s.observeFuel(-7)
	if s.Remaining() != 0 || s.Consumed() != 100 {
		t.Fatalf("expected budget exhausted, consumed %d", s.Consumed())
	}
}

func TestSessionIDsUnique(t *testing.T) {
	a, b := newSession(1, "", nil), newSession(1, "", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct session ids, got %q and %q", a.ID, b.ID)
	}
}
