// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package events carries run status updates from the orchestrator to
// observers. The in-memory Broker serves a single process; the Redis
// publisher and subscriber relay the same events between processes.
package events

import (
	"context"
	"time"
)

// Type names what happened.
type Type string

const (
	RunStarted   Type = "run.started"
	StepStarted  Type = "step.started"
	StepFinished Type = "step.finished"
	RunFinished  Type = "run.finished"
)

// Event is one status update. StepIndex is 1-based and zero for run
// events.
type Event struct {
	Type         Type      `json:"type"`
	RunID        string    `json:"run_id"`
	StepIndex    int       `json:"step_index,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	FuelConsumed uint64    `json:"fuel_consumed,omitempty"`
	Time         time.Time `json:"time"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool { return e.Type == RunFinished }

// Publisher delivers events. Publishing is best effort: a failure is
// reported but must not change the outcome of the run.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber streams the events of one run. The returned channel is closed
// when the run finishes, ctx is done or cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Fanout publishes to every publisher and returns the first error.
func Fanout(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		var first error
		for _, p := range pubs {
			if p == nil {
				continue
			}
			if err := p.Publish(ctx, ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
