// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"math"
	"slices"
	"time"

	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/resilience"
)

// RetryPolicy decides whether a failed step is attempted again. The zero
// value runs every step once.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt; values below 1 mean 1.
	MaxAttempts int `koanf:"max_attempts"`
	// FuelMultiplier scales the budget of each further attempt.
	FuelMultiplier float64 `koanf:"fuel_multiplier"`
	// Retryable lists the error codes worth retrying. Empty means
	// RESOURCE_EXHAUSTED only.
	Retryable []errors.ErrorCode `koanf:"retryable"`
	// Backoff is the delay before the second attempt.
	Backoff time.Duration `koanf:"backoff"`
}

// NoRetry runs every step once.
func NoRetry() RetryPolicy { return RetryPolicy{MaxAttempts: 1} }

func (p RetryPolicy) retryable(err error) bool {
	codes := p.Retryable
	if len(codes) == 0 {
		codes = []errors.ErrorCode{errors.CodeResourceExhausted}
	}
	return slices.Contains(codes, errors.CodeOf(err))
}

// fuelFor returns the budget of a 1-based attempt.
func (p RetryPolicy) fuelFor(base uint64, attempt int) uint64 {
	if attempt <= 1 || p.FuelMultiplier <= 1 {
		return base
	}
	f := float64(base) * math.Pow(p.FuelMultiplier, float64(attempt-1))
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return uint64(f)
}

func (p RetryPolicy) config() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig().
		WithMaxAttempts(max(p.MaxAttempts, 1)).
		WithInitialDelay(p.Backoff).
		WithIsRecoverable(p.retryable)
	rc.Jitter = 0
	if p.Backoff > 0 {
		rc.MaxDelay = 10 * p.Backoff
	}
	return rc
}
