// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package testing provides utilities for testing agent pipelines.
//
// This package includes:
//   - Scenario definitions for declarative pipeline testing
//   - A scripted executor that answers for agent modules
//   - Assertion helpers for runs, steps and pipelines
//   - An event collector for verifying run lifecycles
//
// Example usage:
//
//	h := testing.NewHarness(t, []testing.AgentSpec{
//	    testing.Agent("ocr", "image->text", testing.Append("o")),
//	})
//	scenario := testing.NewScenario("ocr").
//	    WithPipeline("ocr").
//	    WithInputString("scan").
//	    ExpectOutput(testing.Equals("scano"))
//
//	result := scenario.Run(t, h)
//	result.Assert(t, scenario)
package testing

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
)

// Scenario defines one pipeline run and what it must produce.
type Scenario struct {
	name          string
	description   string
	pipeline      []string
	start, goal   string
	input         []byte
	context       context.Context
	timeout       time.Duration
	expectations  []Expectation
	setupFuncs    []func() error
	teardownFuncs []func() error
}

// Expectation is a named condition checked after a scenario runs.
type Expectation struct {
	Name  string
	Check func(r *ScenarioResult) error
}

// ScenarioResult contains the outcome of running a scenario.
type ScenarioResult struct {
	// Run is nil when the run was rejected before any step started.
	Run      *orchestrator.RunResult
	Output   string
	Error    error
	Events   []events.Event
	Duration time.Duration
}

// NewScenario creates a scenario with the given name.
func NewScenario(name string) *Scenario {
	return &Scenario{
		name:    name,
		timeout: 30 * time.Second,
		context: context.Background(),
	}
}

// WithDescription adds a description to the scenario.
func (s *Scenario) WithDescription(desc string) *Scenario {
	s.description = desc
	return s
}

// WithPipeline runs the given agents in order.
func (s *Scenario) WithPipeline(agentIDs ...string) *Scenario {
	s.pipeline = agentIDs
	return s
}

// WithGoal plans the pipeline from start to goal, in compact capability
// notation.
func (s *Scenario) WithGoal(start, goal string) *Scenario {
	s.start, s.goal = start, goal
	return s
}

// WithInput sets the input of the first step.
func (s *Scenario) WithInput(input []byte) *Scenario {
	s.input = input
	return s
}

// WithInputString sets the input of the first step.
func (s *Scenario) WithInputString(input string) *Scenario {
	return s.WithInput([]byte(input))
}

// WithContext sets the parent context of the run.
func (s *Scenario) WithContext(ctx context.Context) *Scenario {
	s.context = ctx
	return s
}

// WithTimeout bounds the run.
func (s *Scenario) WithTimeout(d time.Duration) *Scenario {
	s.timeout = d
	return s
}

// WithSetup adds a function to run before the scenario.
func (s *Scenario) WithSetup(fn func() error) *Scenario {
	s.setupFuncs = append(s.setupFuncs, fn)
	return s
}

// WithTeardown adds a function to run after the scenario.
func (s *Scenario) WithTeardown(fn func() error) *Scenario {
	s.teardownFuncs = append(s.teardownFuncs, fn)
	return s
}

// Expect adds an expectation to the scenario.
func (s *Scenario) Expect(name string, check func(r *ScenarioResult) error) *Scenario {
	s.expectations = append(s.expectations, Expectation{Name: name, Check: check})
	return s
}

// ExpectOutput matches the final output.
func (s *Scenario) ExpectOutput(m StringMatcher) *Scenario {
	return s.Expect("output "+m.Description(), func(r *ScenarioResult) error {
		if !m.Match(r.Output) {
			return fmt.Errorf("output is %q", r.Output)
		}
		return nil
	})
}

// ExpectNoError expects the run to complete.
func (s *Scenario) ExpectNoError() *Scenario {
	return s.Expect("no error", func(r *ScenarioResult) error {
		if r.Error != nil {
			return fmt.Errorf("run failed: %w", r.Error)
		}
		return nil
	})
}

// ExpectError matches the run error message.
func (s *Scenario) ExpectError(m StringMatcher) *Scenario {
	return s.Expect("error "+m.Description(), func(r *ScenarioResult) error {
		switch {
		case r.Error == nil:
			return fmt.Errorf("run did not fail")
		case !m.Match(r.Error.Error()):
			return fmt.Errorf("error is %q", r.Error.Error())
		}
		return nil
	})
}

// ExpectErrorCode expects the run error to carry code.
func (s *Scenario) ExpectErrorCode(code errors.ErrorCode) *Scenario {
	return s.Expect("error code "+string(code), func(r *ScenarioResult) error {
		if r.Error == nil || errors.CodeOf(r.Error) != code {
			return fmt.Errorf("error is %v", r.Error)
		}
		return nil
	})
}

// ExpectStatus expects the run to end in status.
func (s *Scenario) ExpectStatus(status orchestrator.RunStatus) *Scenario {
	return s.Expect("status "+string(status), func(r *ScenarioResult) error {
		if r.Run == nil {
			return fmt.Errorf("no run was started: %v", r.Error)
		}
		if r.Run.Status != status {
			return fmt.Errorf("status is %s", r.Run.Status)
		}
		return nil
	})
}

// ExpectSteps expects exactly these agents to have executed, in order.
func (s *Scenario) ExpectSteps(agentIDs ...string) *Scenario {
	return s.Expect(fmt.Sprintf("steps %v", agentIDs), func(r *ScenarioResult) error {
		var ran []string
		if r.Run != nil {
			for _, st := range r.Run.Steps {
				ran = append(ran, st.AgentID)
			}
		}
		if !slices.Equal(ran, agentIDs) {
			return fmt.Errorf("executed %v", ran)
		}
		return nil
	})
}

// ExpectFailedStep expects the run to stop at the 1-based step index.
func (s *Scenario) ExpectFailedStep(index int) *Scenario {
	return s.Expect(fmt.Sprintf("fails at step %d", index), func(r *ScenarioResult) error {
		if r.Run == nil {
			return fmt.Errorf("no run was started")
		}
		if r.Run.FailedStep != index {
			return fmt.Errorf("failed step is %d", r.Run.FailedStep)
		}
		return nil
	})
}

// ExpectEvent expects an event of the given type for the run.
func (s *Scenario) ExpectEvent(typ events.Type) *Scenario {
	return s.Expect(fmt.Sprintf("event %q", typ), func(r *ScenarioResult) error {
		if !slices.ContainsFunc(r.Events, func(ev events.Event) bool { return ev.Type == typ }) {
			return fmt.Errorf("not published")
		}
		return nil
	})
}

// ExpectMaxFuel bounds the fuel consumed by all steps together.
func (s *Scenario) ExpectMaxFuel(limit uint64) *Scenario {
	return s.Expect(fmt.Sprintf("fuel <= %d", limit), func(r *ScenarioResult) error {
		if used := r.Fuel(); used > limit {
			return fmt.Errorf("consumed %d", used)
		}
		return nil
	})
}

// ExpectMinDuration expects the run to take at least d.
func (s *Scenario) ExpectMinDuration(d time.Duration) *Scenario {
	return s.Expect(fmt.Sprintf("duration >= %v", d), func(r *ScenarioResult) error {
		if r.Duration < d {
			return fmt.Errorf("took %v", r.Duration)
		}
		return nil
	})
}

// ExpectMaxDuration expects the run to finish within d.
func (s *Scenario) ExpectMaxDuration(d time.Duration) *Scenario {
	return s.Expect(fmt.Sprintf("duration <= %v", d), func(r *ScenarioResult) error {
		if r.Duration > d {
			return fmt.Errorf("took %v", r.Duration)
		}
		return nil
	})
}

// Run executes the scenario on the harness. Setup failures and scenarios
// with neither a pipeline nor a goal end the test.
func (s *Scenario) Run(t *testing.T, h *Harness) *ScenarioResult {
	t.Helper()
	for i, fn := range s.setupFuncs {
		if err := fn(); err != nil {
			t.Fatalf("scenario %q: setup %d: %v", s.name, i+1, err)
		}
	}
	defer func() {
		for i, fn := range s.teardownFuncs {
			if err := fn(); err != nil {
				t.Errorf("scenario %q: teardown %d: %v", s.name, i+1, err)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(s.context, s.timeout)
	defer cancel()

	began := time.Now()
	res, err := s.execute(ctx, t, h)
	out := &ScenarioResult{Run: res, Error: err, Duration: time.Since(began)}
	if res != nil {
		out.Output = string(res.Output)
		out.Events = h.Events.ForRun(res.RunID)
	}
	return out
}

func (s *Scenario) execute(ctx context.Context, t *testing.T, h *Harness) (*orchestrator.RunResult, error) {
	t.Helper()
	if len(s.pipeline) > 0 {
		return h.Orchestrator.Execute(ctx, planner.Pipeline{AgentIDs: s.pipeline}, s.input)
	}
	if s.start == "" || s.goal == "" {
		t.Fatalf("scenario %q needs a pipeline or a start and goal", s.name)
	}
	start, err := capability.Parse(s.start)
	if err != nil {
		t.Fatalf("scenario %q: start: %v", s.name, err)
	}
	goal, err := capability.Parse(s.goal)
	if err != nil {
		t.Fatalf("scenario %q: goal: %v", s.name, err)
	}
	return h.Orchestrator.PlanAndExecute(ctx, h.Catalog.Load(), planner.Request{Start: start, Goal: goal}, s.input)
}

// Fuel sums the fuel consumed by every step of the run.
func (r *ScenarioResult) Fuel() uint64 {
	var total uint64
	if r.Run != nil {
		for _, st := range r.Run.Steps {
			total += st.FuelConsumed
		}
	}
	return total
}

// Assert checks every expectation and reports each failure to the test.
func (r *ScenarioResult) Assert(t *testing.T, scenario *Scenario) {
	t.Helper()
	for _, exp := range scenario.expectations {
		if err := exp.Check(r); err != nil {
			t.Errorf("scenario %q: expected %s: %v", scenario.name, exp.Name, err)
		}
	}
}
