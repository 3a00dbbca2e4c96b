// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jllopis/tessera/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means calls go through.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means calls are rejected without running.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen lets a single probe through to test recovery.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// Level maps the state onto a gauge value: 0 open, 1 half-open, 2 closed.
func (s CircuitBreakerState) Level() int64 {
	switch s {
	case StateOpen:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int `koanf:"failure_threshold"`

	// SuccessThreshold is the number of half-open successes before closing.
	SuccessThreshold int `koanf:"success_threshold"`

	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration `koanf:"timeout"`

	// Name identifies the breaker in errors and callbacks.
	Name string `koanf:"name"`

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to CircuitBreakerState) `koanf:"-"`
}

// CircuitBreaker stops calling a failing dependency for a while so callers
// fail fast instead of piling up behind it.
type CircuitBreaker struct {
	config    CircuitBreakerConfig
	now       func() time.Time
	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	probing   bool
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	return &CircuitBreaker{config: config, state: StateClosed, now: time.Now}
}

// ErrOpen builds the error returned while the circuit rejects calls.
func (cb *CircuitBreaker) errOpen() error {
	return errors.New(errors.CodeInternal, "circuit breaker open", nil).
		WithContext("breaker", cb.config.Name).
		WithRecoverable(true)
}

// Call runs fn when the breaker allows it and records the outcome. fn runs
// without the breaker lock held, so concurrent calls proceed in parallel.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return cb.errOpen()
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	var from CircuitBreakerState
	changed := false
	defer func() {
		cb.mu.Unlock()
		if changed {
			cb.notify(from, StateHalfOpen)
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
			return false
		}
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.probing = true
		return true
	case StateHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateHalfOpen:
		cb.probing = false
		if err != nil {
			cb.open()
		} else {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.state = StateClosed
				cb.failures = 0
			}
		}
	case StateClosed:
		if err == nil {
			cb.failures = 0
		} else {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.open()
			}
		}
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// open must be called under lock.
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
