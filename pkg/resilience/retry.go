// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience holds the retry loop used for step attempts and the
// circuit breaker guarding the status relay.
package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jllopis/tessera/pkg/errors"
)

// RetryConfig describes an exponential retry schedule.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int `koanf:"max_attempts"`
	// InitialDelay is the wait before the second attempt. Zero retries
	// immediately.
	InitialDelay time.Duration `koanf:"initial_delay"`
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration `koanf:"max_delay"`
	// Multiplier grows the wait after each attempt. Zero means 2.
	Multiplier float64 `koanf:"multiplier"`
	// Jitter randomizes each wait by up to this fraction.
	Jitter float64 `koanf:"jitter"`

	// IsRecoverable reports whether an error is worth another attempt.
	// Nil honors the recoverable flag of typed errors and retries
	// anything else.
	IsRecoverable func(error) bool `koanf:"-"`
	// OnRetry runs before each further attempt with that attempt's
	// number, the error that caused it and the wait applied.
	OnRetry func(attempt int, err error, delay time.Duration) `koanf:"-"`
}

// DefaultRetryConfig is three attempts starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

func (rc RetryConfig) WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do runs fn until it succeeds, fails unrecoverably or runs out of
// attempts, and returns the last error.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	_, err := rc.DoAttempt(ctx, func(int) error { return fn() })
	return err
}

// DoValue is Do for functions returning a value.
func DoValue[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var out T
	err := rc.Do(ctx, func() error {
		v, err := fn()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// DoAttempt is Do passing the 1-based attempt number to fn. It returns
// how many attempts ran. Cancellation while waiting yields a CANCELED
// error.
func (rc RetryConfig) DoAttempt(ctx context.Context, fn func(attempt int) error) (int, error) {
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = recoverableByDefault
	}
	attempts := 0
	var last error
	op := func() (struct{}, error) {
		attempts++
		last = fn(attempts)
		if last != nil && !recoverable(last) {
			return struct{}{}, backoff.Permanent(last)
		}
		return struct{}{}, last
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(rc.schedule()),
		backoff.WithMaxTries(uint(max(rc.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
	}
	if rc.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, d time.Duration) {
			rc.OnRetry(attempts+1, err, d)
		}))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return attempts, nil
	}
	var perm *backoff.PermanentError
	if stderrors.As(err, &perm) {
		err = perm.Err
	}
	if ctx.Err() != nil && !stderrors.Is(err, last) {
		return attempts, errors.New(errors.CodeCanceled, "context canceled during retry", ctx.Err()).
			WithContext("attempt", attempts).
			WithContext("max_attempts", rc.MaxAttempts)
	}
	return attempts, err
}

// schedule returns the exponential backoff for rc, reset to its first
// interval.
func (rc RetryConfig) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = max(rc.InitialDelay, 0)
	b.Multiplier = rc.Multiplier
	if b.Multiplier <= 0 {
		b.Multiplier = 2
	}
	b.MaxInterval = rc.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1 << 62)
	}
	b.RandomizationFactor = min(max(rc.Jitter, 0), 1)
	b.Reset()
	return b
}

func recoverableByDefault(err error) bool {
	if _, ok := errors.As(err); ok {
		return errors.IsRecoverable(err)
	}
	return err != nil
}
