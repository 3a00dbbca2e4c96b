// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jllopis/tessera/pkg/errors"
)

const (
	defaultRetainedRuns = 1024
	maxEventsPerRun     = 256
	subscriberBuffer    = 64
)

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithRetainedRuns sets how many runs keep their event history for late
// subscribers.
func WithRetainedRuns(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.retained = n
		}
	}
}

// WithBrokerLogger sets the broker logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type runLog struct {
	events []Event
	done   bool
}

// Broker is an in-process Publisher and Subscriber. A subscriber first
// receives the retained history of the run, then live events.
type Broker struct {
	mu       sync.Mutex
	history  *lru.Cache[string, *runLog]
	subs     map[string]map[*subscription]struct{}
	retained int
	logger   *slog.Logger
}

type subscription struct {
	ch     chan Event
	done   chan struct{}
	closed bool
}

// NewBroker returns an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:     make(map[string]map[*subscription]struct{}),
		retained: defaultRetainedRuns,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history, _ = lru.New[string, *runLog](b.retained)
	return b
}

// Publish records ev and delivers it to the run's subscribers. A
// subscriber that is not keeping up loses the event rather than blocking
// the run.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	if ev.RunID == "" {
		return errors.New(errors.CodeInvalidInput, "event without run id", nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	log, ok := b.history.Get(ev.RunID)
	if !ok {
		log = &runLog{}
		b.history.Add(ev.RunID, log)
	}
	if len(log.events) < maxEventsPerRun {
		log.events = append(log.events, ev)
	}
	if ev.Terminal() {
		log.done = true
	}

	for sub := range b.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.WarnContext(ctx, "events.subscriber.dropped",
				slog.String("run_id", ev.RunID),
				slog.String("type", string(ev.Type)),
			)
		}
		if ev.Terminal() {
			b.closeLocked(ev.RunID, sub)
		}
	}
	return nil
}

// Subscribe streams the run's events, starting with its retained history.
func (b *Broker) Subscribe(ctx context.Context, runID string) (<-chan Event, func(), error) {
	if runID == "" {
		return nil, nil, errors.New(errors.CodeInvalidInput, "subscribe without run id", nil)
	}
	b.mu.Lock()
	var past []Event
	done := false
	if log, ok := b.history.Get(runID); ok {
		past = append(past, log.events...)
		done = log.done
	}
	sub := &subscription{ch: make(chan Event, len(past)+subscriberBuffer), done: make(chan struct{})}
	for _, ev := range past {
		sub.ch <- ev
	}
	if done {
		sub.closed = true
		close(sub.ch)
		close(sub.done)
		b.mu.Unlock()
		return sub.ch, func() {}, nil
	}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			b.closeLocked(runID, sub)
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()
	return sub.ch, cancel, nil
}

// History returns the retained events of a run.
func (b *Broker) History(runID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.history.Get(runID); ok {
		return append([]Event(nil), log.events...)
	}
	return nil
}

func (b *Broker) closeLocked(runID string, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	close(sub.done)
	delete(b.subs[runID], sub)
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
}
