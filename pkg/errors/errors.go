// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error used across Tessera.
// Every planner, sandbox and orchestrator failure surfaces as an *Error
// carrying a stable Code, so callers branch on codes instead of strings.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies Tessera errors for callers, metrics and transports.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authentication failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeCanceled indicates the caller abandoned the operation.
	CodeCanceled ErrorCode = "CANCELED"

	// CodeConfig indicates invalid or unreadable configuration.
	CodeConfig ErrorCode = "CONFIG"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeNoPathFound indicates the planner exhausted its frontier.
	CodeNoPathFound ErrorCode = "NO_PATH_FOUND"

	// CodePlanningTimeout indicates the planner hit its expansion bound.
	CodePlanningTimeout ErrorCode = "PLANNING_TIMEOUT"

	// CodeModuleLoadFailed indicates a module could not be parsed or validated.
	CodeModuleLoadFailed ErrorCode = "MODULE_LOAD_FAILED"

	// CodeMissingEntryPoint indicates the module does not export its entry point.
	CodeMissingEntryPoint ErrorCode = "MISSING_ENTRY_POINT"

	// CodeMissingMemoryExport indicates the module does not export its memory.
	CodeMissingMemoryExport ErrorCode = "MISSING_MEMORY_EXPORT"

	// CodeResourceExhausted indicates the module ran out of fuel or time.
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// CodeMemoryBoundsViolation indicates an out-of-bounds channel access.
	CodeMemoryBoundsViolation ErrorCode = "MEMORY_BOUNDS_VIOLATION"

	// CodeRuntimeTrap indicates the module trapped or reported failure.
	CodeRuntimeTrap ErrorCode = "RUNTIME_TRAP"

	// CodeStepFailed indicates a pipeline step failed.
	CodeStepFailed ErrorCode = "STEP_FAILED"
)

// Error is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for API responses and structured logs.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Cause       string         `json:"cause,omitempty"`
		Recoverable bool           `json:"recoverable"`
		Context     map[string]any `json:"context,omitempty"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates an Error with the given code, message, and cause.
// Recoverability defaults to what the code implies.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:        code,
		Message:     msg,
		Err:         cause,
		Context:     make(map[string]any),
		Attributes:  make(map[string]string),
		Recoverable: defaultRecoverable(code),
		StatusCode:  codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
func (e *Error) WithAttribute(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" for observability attributes.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var te *Error
	if stderrors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Wrap converts any error into an *Error, keeping existing ones untouched.
// Unknown errors become CodeInternal.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := As(err); ok {
		return te
	}
	return New(CodeInternal, "unexpected error", err)
}

// CodeOf returns the code of the first *Error in err's chain, or empty.
func CodeOf(err error) ErrorCode {
	if te, ok := As(err); ok {
		return te.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if te, ok := err.(*Error); ok && te.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsRecoverable reports whether err is an *Error flagged recoverable.
func IsRecoverable(err error) bool {
	te, ok := As(err)
	return ok && te.Recoverable
}

// HTTPStatus returns the HTTP status for err; unknown errors map to 500.
func HTTPStatus(err error) int {
	if te, ok := As(err); ok && te.StatusCode != 0 {
		return te.StatusCode
	}
	return http.StatusInternalServerError
}

func defaultRecoverable(code ErrorCode) bool {
	switch code {
	case CodeNoPathFound, CodePlanningTimeout, CodeResourceExhausted, CodeRateLimit:
		return true
	default:
		return false
	}
}

func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidInput, CodeConfig:
		return http.StatusBadRequest
	case CodeNoPathFound:
		return http.StatusUnprocessableEntity
	case CodePlanningTimeout:
		return http.StatusRequestTimeout
	case CodeRateLimit, CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeModuleLoadFailed, CodeMissingEntryPoint, CodeMissingMemoryExport,
		CodeMemoryBoundsViolation, CodeRuntimeTrap, CodeStepFailed:
		return http.StatusUnprocessableEntity
	case CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
