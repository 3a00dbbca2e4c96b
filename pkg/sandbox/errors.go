// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"github.com/jllopis/tessera/pkg/errors"
)

// ExecutionError is the typed failure of a sandbox invocation. Its Kind is
// one of the sandbox error codes and is also reachable via errors.CodeOf.
type ExecutionError struct {
	Kind         errors.ErrorCode
	FuelConsumed uint64
	State        State
	Stderr       string
	Err          *errors.Error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

func newExecutionError(s *Session, kind errors.ErrorCode, msg string, cause error) *ExecutionError {
	te := errors.New(kind, msg, cause).
		WithAttribute("sandbox.session", s.ID).
		WithContext("fuel_budget", s.Fuel).
		WithContext("fuel_consumed", s.Consumed())
	return &ExecutionError{
		Kind:         kind,
		FuelConsumed: s.Consumed(),
		State:        s.State(),
		Err:          te,
	}
}
