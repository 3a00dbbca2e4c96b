// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/tessera/pkg/errors"
)

// CLIError adds a hint to a typed error.
type CLIError struct {
	Err  *errors.Error
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(te *errors.Error, hint string) *CLIError {
	return &CLIError{Err: te, Hint: hint}
}

func (e *CLIError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	msg := e.Err.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error { return e.Err }

func newConfigError(err error, path string) *CLIError {
	te := errors.Wrap(err)
	hint := "check the configuration file syntax"
	if path != "" {
		hint = fmt.Sprintf("check %s and any TESSERA_* environment overrides", path)
	}
	return NewCLIError(te, hint)
}

func newInvalidArgumentError(arg, reason string) *CLIError {
	te := errors.New(errors.CodeInvalidInput, "invalid argument: "+reason, nil).
		WithContext("argument", arg)
	return NewCLIError(te, "run 'tessera help' for usage information")
}

// hintFor suggests a next step for errors that reach the user untyped by
// the CLI.
func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeNoPathFound:
		return "no chain of agents connects start to goal; check the catalog with 'tessera catalog validate'"
	case errors.CodePlanningTimeout:
		return "raise planner.max_expansions or pass --max-expansions"
	case errors.CodeResourceExhausted:
		return "the step ran out of fuel or time; raise sandbox.fuel or sandbox.timeout"
	case errors.CodeModuleLoadFailed, errors.CodeMissingEntryPoint, errors.CodeMissingMemoryExport:
		return "check the agent's module and its digest with 'tessera catalog validate --modules'"
	case errors.CodeConfig:
		return "check your configuration"
	default:
		return ""
	}
}

func printError(w io.Writer, err error, asJSON bool) {
	te := errors.Wrap(err)
	hint := ""
	var ce *CLIError
	if stderrors.As(err, &ce) {
		hint = ce.Hint
	}
	if hint == "" {
		hint = hintFor(te.Code)
	}
	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    te.Code,
				"message": te.Message,
				"hint":    hint,
				"context": te.Context,
			},
		})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", te.Code, te.Message)
	if te.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", te.Err)
	}
	if hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", hint)
	}
}

// exitCode is 2 for usage and configuration errors and 1 otherwise.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.CodeInvalidInput, errors.CodeConfig:
		return 2
	default:
		return 1
	}
}
