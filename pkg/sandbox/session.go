// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/tessera/pkg/errors"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateCreated State = iota
	StateLoaded
	StateRunning
	StateCompleted
	StateFaulted
	StateResourceExhausted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateResourceExhausted:
		return "resource_exhausted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateResourceExhausted
}

var transitions = map[State][]State{
	StateCreated: {StateLoaded, StateFaulted},
	StateLoaded:  {StateRunning, StateFaulted},
	StateRunning: {StateCompleted, StateFaulted, StateResourceExhausted},
}

// Session is one execution attempt. It is owned by a single Run call and
// never shared across invocations or goroutines.
type Session struct {
	ID          string
	Fuel        uint64
	ScratchRoot string
	Input       []byte
	Output      []byte
	Started     time.Time

	state     State
	remaining int64
	history   []State
}

func newSession(fuel uint64, scratchRoot string, input []byte) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Fuel:        fuel,
		ScratchRoot: scratchRoot,
		Input:       input,
		Started:     time.Now(),
		state:       StateCreated,
		remaining:   clampFuel(fuel),
		history:     []State{StateCreated},
	}
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// History returns the states visited, in order.
func (s *Session) History() []State {
	return append([]State(nil), s.history...)
}

// Remaining returns the fuel left, never negative.
func (s *Session) Remaining() uint64 {
	if s.remaining < 0 {
		return 0
	}
	return uint64(s.remaining)
}

// Consumed returns the fuel spent so far.
func (s *Session) Consumed() uint64 {
	return s.Fuel - s.Remaining()
}

// observeFuel records the counter read back from the guest. Fuel only
// decreases, so a larger reading is ignored.
func (s *Session) observeFuel(v int64) {
	if v < s.remaining {
		s.remaining = v
	}
}

func (s *Session) transition(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			s.history = append(s.history, to)
			return nil
		}
	}
	return errors.Newf(errors.CodeInternal, "invalid session transition %s -> %s", s.state, to)
}

func clampFuel(fuel uint64) int64 {
	const maxFuel = uint64(1<<63 - 1)
	if fuel > maxFuel {
		return int64(maxFuel)
	}
	return int64(fuel)
}
