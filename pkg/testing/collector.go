// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"slices"
	"sync"

	"github.com/jllopis/tessera/pkg/events"
)

// EventCollector keeps every run event published to it, in order. Its
// Publish method makes it usable as an events.Publisher.
type EventCollector struct {
	mu  sync.Mutex
	log []events.Event
}

func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

// Publish records ev and never fails.
func (c *EventCollector) Publish(_ context.Context, ev events.Event) error {
	c.Collect(ev)
	return nil
}

func (c *EventCollector) Collect(ev events.Event) {
	c.mu.Lock()
	c.log = append(c.log, ev)
	c.mu.Unlock()
}

// Events returns a copy of everything collected.
func (c *EventCollector) Events() []events.Event {
	return c.filter(func(events.Event) bool { return true })
}

// ForRun returns the events of one run.
func (c *EventCollector) ForRun(runID string) []events.Event {
	return c.filter(func(ev events.Event) bool { return ev.RunID == runID })
}

// EventTypes returns the type of each collected event.
func (c *EventCollector) EventTypes() []events.Type {
	evs := c.Events()
	types := make([]events.Type, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func (c *EventCollector) HasEvent(typ events.Type) bool {
	return slices.Contains(c.EventTypes(), typ)
}

func (c *EventCollector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

func (c *EventCollector) Reset() {
	c.mu.Lock()
	c.log = nil
	c.mu.Unlock()
}

func (c *EventCollector) filter(keep func(events.Event) bool) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, 0, len(c.log))
	for _, ev := range c.log {
		if keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}
