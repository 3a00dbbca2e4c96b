// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/sandbox"
)

func docAgents() []AgentSpec {
	return []AgentSpec{
		Agent("ocr", "image->text", Append("o")),
		Agent("summarize", "text->summary", Append("s")),
		Agent("upper", "text->text", func(in []byte) ([]byte, error) {
			return []byte(strings.ToUpper(string(in))), nil
		}),
	}
}

func TestScenarioBasic(t *testing.T) {
	h := NewHarness(t, docAgents())

	scenario := NewScenario("basic test").
		WithPipeline("ocr", "summarize").
		WithInputString("scan").
		ExpectNoError().
		ExpectStatus(orchestrator.StatusCompleted).
		ExpectSteps("ocr", "summarize").
		ExpectOutput(Equals("scanos")).
		ExpectEvent(events.RunFinished)

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
	AssertLifecycle(t, result.Events, 2)
}

func TestScenarioPlansFromGoal(t *testing.T) {
	h := NewHarness(t, docAgents())

	scenario := NewScenario("planned").
		WithGoal("image", "summary").
		WithInputString("x").
		ExpectSteps("ocr", "summarize").
		ExpectOutput(HasPrefix("xo"))

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
}

func TestScenarioNoPath(t *testing.T) {
	h := NewHarness(t, docAgents())

	scenario := NewScenario("no path").
		WithGoal("audio", "video").
		ExpectErrorCode(errors.CodeNoPathFound)

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
	if result.Run != nil || h.Executor.CallCount() != 0 {
		t.Errorf("nothing should run without a plan")
	}
}

func TestScenarioStepFailure(t *testing.T) {
	h := NewHarness(t, docAgents())
	h.Executor.QueueError("summarize", errors.New(errors.CodeRuntimeTrap, "unreachable", nil))

	scenario := NewScenario("failure").
		WithPipeline("ocr", "summarize", "upper").
		WithInputString("in").
		ExpectStatus(orchestrator.StatusFailed).
		ExpectErrorCode(errors.CodeStepFailed).
		ExpectError(Contains("step 2 (summarize) failed")).
		ExpectFailedStep(2).
		ExpectSteps("ocr", "summarize").
		ExpectOutput(Equals(""))

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
	AssertLifecycle(t, result.Events, 2)

	NewAssertions(t).AssertRun(result.Run).
		FailedAt(2).
		HasStep(1, "ocr", orchestrator.StatusCompleted).
		HasStep(2, "summarize", orchestrator.StatusFailed)
}

func TestScenarioRetriesWithMoreFuel(t *testing.T) {
	h := NewHarness(t, docAgents(),
		WithFuel(1000),
		WithRetry(orchestrator.RetryPolicy{MaxAttempts: 3, FuelMultiplier: 2}),
	)
	h.Executor.Queue("ocr", ScriptedInvocation{Err: errors.New(errors.CodeResourceExhausted, "fuel exhausted", nil)})

	scenario := NewScenario("retry").
		WithPipeline("ocr").
		WithInputString("x").
		ExpectNoError().
		ExpectOutput(Equals("xo"))

	result := scenario.Run(t, h)
	result.Assert(t, scenario)

	NewAssertions(t).AssertRun(result.Run).Completed().HasAttempts(1, 2)
	reqs := h.Executor.Requests()
	if len(reqs) != 2 || reqs[0].Fuel != 1000 || reqs[1].Fuel != 2000 {
		t.Errorf("expected fuel 1000 then 2000, got %+v", reqs)
	}
}

func TestScenarioFuelBudget(t *testing.T) {
	h := NewHarness(t, docAgents(), WithFuel(10))
	h.Executor.Queue("ocr", ScriptedInvocation{Output: []byte("text"), Fuel: 11})

	scenario := NewScenario("exhausted").
		WithPipeline("ocr").
		ExpectStatus(orchestrator.StatusFailed).
		ExpectMaxFuel(10)

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
	if cause := result.Run.Steps[0].Err; !errors.HasCode(cause, errors.CodeResourceExhausted) {
		t.Errorf("expected RESOURCE_EXHAUSTED, got %v", cause)
	}
}

func TestScenarioTimeout(t *testing.T) {
	h := NewHarness(t, docAgents())
	h.Executor.Queue("ocr", ScriptedInvocation{Output: []byte("late"), Delay: time.Second})

	scenario := NewScenario("timeout").
		WithPipeline("ocr").
		WithTimeout(50 * time.Millisecond).
		ExpectStatus(orchestrator.StatusCanceled).
		ExpectErrorCode(errors.CodeCanceled).
		ExpectMaxDuration(500 * time.Millisecond)

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
}

func TestScenarioDuration(t *testing.T) {
	h := NewHarness(t, docAgents())
	h.Executor.Queue("ocr", ScriptedInvocation{Output: []byte("ok"), Delay: 50 * time.Millisecond})

	scenario := NewScenario("duration").
		WithPipeline("ocr").
		WithTimeout(time.Second).
		ExpectNoError().
		ExpectMinDuration(40 * time.Millisecond).
		ExpectMaxDuration(500 * time.Millisecond)

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
}

func TestScenarioSetupTeardown(t *testing.T) {
	h := NewHarness(t, docAgents())
	var order []string

	scenario := NewScenario("hooks").
		WithPipeline("upper").
		WithInputString("abc").
		WithSetup(func() error { order = append(order, "setup"); return nil }).
		WithTeardown(func() error { order = append(order, "teardown"); return nil }).
		ExpectOutput(Equals("ABC"))

	result := scenario.Run(t, h)
	result.Assert(t, scenario)
	if strings.Join(order, ",") != "setup,teardown" {
		t.Errorf("unexpected hook order %v", order)
	}
}

func TestScriptedExecutorConditionAndDefault(t *testing.T) {
	e := NewScriptedExecutor()
	e.Queue("a", ScriptedInvocation{
		Output:    []byte("big"),
		Condition: func(req sandbox.Request) bool { return len(req.Input) > 3 },
	})
	ctx := context.Background()

	if _, err := e.Run(ctx, sandbox.Request{Module: ModuleFor("a"), Input: []byte("x")}); !errors.HasCode(err, errors.CodeModuleLoadFailed) {
		t.Fatalf("unscripted module should fail to load, got %v", err)
	}
	res, err := e.Run(ctx, sandbox.Request{Module: ModuleFor("a"), Input: []byte("long input")})
	if err != nil || string(res.Output) != "big" {
		t.Fatalf("conditional answer not used: %v %v", res, err)
	}

	e.WithDefaultError(errors.New(errors.CodeRuntimeTrap, "trap", nil))
	if _, err := e.Run(ctx, sandbox.Request{Module: ModuleFor("b")}); !errors.HasCode(err, errors.CodeRuntimeTrap) {
		t.Errorf("expected the default error, got %v", err)
	}
	if e.CallCount() != 3 {
		t.Errorf("expected 3 calls, got %d", e.CallCount())
	}
	e.Reset()
	if e.CallCount() != 0 {
		t.Errorf("reset should clear requests")
	}
}

func TestScriptedExecutorOversizedOutput(t *testing.T) {
	e := NewScriptedExecutor().Handle("big", func([]byte) ([]byte, error) {
		return make([]byte, sandbox.MaxPayload+1), nil
	})
	_, err := e.Run(context.Background(), sandbox.Request{Module: ModuleFor("big")})
	if !errors.HasCode(err, errors.CodeMemoryBoundsViolation) {
		t.Errorf("expected MEMORY_BOUNDS_VIOLATION, got %v", err)
	}
}

func TestMatchers(t *testing.T) {
	tests := []struct {
		matcher StringMatcher
		input   string
		want    bool
	}{
		{Contains("ell"), "hello", true},
		{Contains("xyz"), "hello", false},
		{Equals("hello"), "hello", true},
		{Equals("Hello"), "hello", false},
		{Regex(`^h.*o$`), "hello", true},
		{Regex(`[`), "hello", false},
		{HasPrefix("he"), "hello", true},
		{HasPrefix("lo"), "hello", false},
	}
	for _, tt := range tests {
		if got := tt.matcher.Match(tt.input); got != tt.want {
			t.Errorf("%s on %q = %v, want %v", tt.matcher.Description(), tt.input, got, tt.want)
		}
	}
}

func TestEventCollector(t *testing.T) {
	c := NewEventCollector()
	_ = c.Publish(context.Background(), events.Event{Type: events.RunStarted, RunID: "a"})
	c.Collect(events.Event{Type: events.RunStarted, RunID: "b"})
	c.Collect(events.Event{Type: events.RunFinished, RunID: "a"})

	if c.Count() != 3 || !c.HasEvent(events.RunFinished) || c.HasEvent(events.StepStarted) {
		t.Fatalf("unexpected collector state %v", c.EventTypes())
	}
	if got := c.ForRun("a"); len(got) != 2 || got[1].Type != events.RunFinished {
		t.Errorf("unexpected events for run a: %+v", got)
	}
	c.Reset()
	if c.Count() != 0 || len(c.Events()) != 0 {
		t.Errorf("reset should clear events")
	}
}

func TestFormatSteps(t *testing.T) {
	if FormatSteps(nil) != "(none)" {
		t.Errorf("empty steps should format as (none)")
	}
	got := FormatSteps([]orchestrator.StepResult{
		{Index: 1, AgentID: "ocr", Status: orchestrator.StatusCompleted},
		{Index: 2, AgentID: "summarize", Status: orchestrator.StatusFailed},
	})
	if got != "[1:ocr=completed, 2:summarize=failed]" {
		t.Errorf("unexpected format %q", got)
	}
}
