// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"math"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRunAttributes(t *testing.T) {
	assertAttributes(t, RunAttributes("run-1", 3), map[string]any{
		AttrRunID:    "run-1",
		AttrRunSteps: 3,
	})
}

func TestStepAttributes(t *testing.T) {
	assertAttributes(t, StepAttributes("run-1", 2, "ocr"), map[string]any{
		AttrRunID:     "run-1",
		AttrStepIndex: 2,
		AttrAgentID:   "ocr",
	})
	if attrs := StepAttributes("run-1", 1, ""); len(attrs) != 2 {
		t.Errorf("expected agent id omitted, got %d attributes", len(attrs))
	}
}

func TestStepOutcomeAttributes(t *testing.T) {
	assertAttributes(t, StepOutcomeAttributes("failed", 2, 1500), map[string]any{
		AttrStepStatus:      "failed",
		AttrStepAttempts:    2,
		AttrSandboxConsumed: int64(1500),
	})
}

func TestSandboxAttributes(t *testing.T) {
	assertAttributes(t, SandboxAttributes("s-1", "sha256:ab", math.MaxUint64, 12), map[string]any{
		AttrSandboxSession: "s-1",
		AttrSandboxDigest:  "sha256:ab",
		AttrSandboxFuel:    int64(math.MaxInt64),
		AttrSandboxInput:   12,
	})
}

func TestPlanAttributes(t *testing.T) {
	assertAttributes(t, PlanAttributes("image[jpg]", "summary", 3), map[string]any{
		AttrPlanStart: "image[jpg]",
		AttrPlanGoal:  "summary",
		AttrPlanK:     3,
	})
}

func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()
	got := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value
	}
	for key, want := range expected {
		v, ok := got[key]
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}
		switch w := want.(type) {
		case string:
			if v.AsString() != w {
				t.Errorf("%s: got %q, want %q", key, v.AsString(), w)
			}
		case int:
			if v.AsInt64() != int64(w) {
				t.Errorf("%s: got %d, want %d", key, v.AsInt64(), w)
			}
		case int64:
			if v.AsInt64() != w {
				t.Errorf("%s: got %d, want %d", key, v.AsInt64(), w)
			}
		case bool:
			if v.AsBool() != w {
				t.Errorf("%s: got %v, want %v", key, v.AsBool(), w)
			}
		default:
			t.Fatalf("unsupported expectation type %T", want)
		}
	}
}
