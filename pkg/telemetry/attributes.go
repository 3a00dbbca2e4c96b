// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry and slog for tessera and defines
// the attribute names shared by its spans.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used by tessera spans and metrics.
const (
	// Run attributes
	AttrRunID     = "tessera.run.id"
	AttrRunSteps  = "tessera.run.steps"
	AttrRunStatus = "tessera.run.status"

	// Step attributes
	AttrStepIndex    = "tessera.step.index"
	AttrStepStatus   = "tessera.step.status"
	AttrStepAttempts = "tessera.step.attempts"
	AttrAgentID      = "tessera.agent.id"

	// Sandbox attributes
	AttrSandboxSession  = "tessera.sandbox.session"
	AttrSandboxDigest   = "tessera.sandbox.module_digest"
	AttrSandboxFuel     = "tessera.sandbox.fuel_budget"
	AttrSandboxConsumed = "tessera.sandbox.fuel_consumed"
	AttrSandboxState    = "tessera.sandbox.state"
	AttrSandboxInput    = "tessera.sandbox.input_bytes"

	// Planner attributes
	AttrPlanStart      = "tessera.plan.start"
	AttrPlanGoal       = "tessera.plan.goal"
	AttrPlanK          = "tessera.plan.k"
	AttrPlanFound      = "tessera.plan.pipelines"
	AttrPlanExpansions = "tessera.plan.expansions"

	// Error attributes
	AttrErrorCode = "tessera.error.code"
)

// RunAttributes returns the attributes of a run span.
func RunAttributes(runID string, steps int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrRunSteps, steps),
	}
}

// StepAttributes returns the attributes of a step span.
func StepAttributes(runID string, index int, agentID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrStepIndex, index),
	}
	if agentID != "" {
		attrs = append(attrs, attribute.String(AttrAgentID, agentID))
	}
	return attrs
}

// StepOutcomeAttributes describes how a step ended.
func StepOutcomeAttributes(status string, attempts int, fuel uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStepStatus, status),
		attribute.Int(AttrStepAttempts, attempts),
		attribute.Int64(AttrSandboxConsumed, clampInt64(fuel)),
	}
}

// SandboxAttributes returns the attributes of a sandbox run span.
func SandboxAttributes(session, digest string, fuel uint64, inputBytes int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrSandboxSession, session),
		attribute.Int64(AttrSandboxFuel, clampInt64(fuel)),
		attribute.Int(AttrSandboxInput, inputBytes),
	}
	if digest != "" {
		attrs = append(attrs, attribute.String(AttrSandboxDigest, digest))
	}
	return attrs
}

// PlanAttributes returns the attributes of a planning span.
func PlanAttributes(start, goal string, k int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPlanStart, start),
		attribute.String(AttrPlanGoal, goal),
		attribute.Int(AttrPlanK, k),
	}
}

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}
