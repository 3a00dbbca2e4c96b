// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
)

// Assertions provides assertion helpers for testing.
type Assertions struct {
	t      testing.TB
	failed bool
}

// NewAssertions creates a new assertions helper.
func NewAssertions(t testing.TB) *Assertions {
	return &Assertions{t: t}
}

// Failed returns true if any assertion has failed.
func (a *Assertions) Failed() bool {
	return a.failed
}

func (a *Assertions) fail(format string, args ...any) {
	a.t.Helper()
	a.t.Errorf(format, args...)
	a.failed = true
}

// AssertEqual asserts that two comparable values are equal.
func (a *Assertions) AssertEqual(expected, actual any, msg string) {
	a.t.Helper()
	if expected != actual {
		a.fail("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertTrue asserts that the value is true.
func (a *Assertions) AssertTrue(value bool, msg string) {
	a.t.Helper()
	if !value {
		a.fail("%s: expected true", msg)
	}
}

// AssertNoError asserts that the error is nil.
func (a *Assertions) AssertNoError(err error, msg string) {
	a.t.Helper()
	if err != nil {
		a.fail("%s: unexpected error: %v", msg, err)
	}
}

// AssertErrorCode asserts that err is a typed error with code.
func (a *Assertions) AssertErrorCode(err error, code errors.ErrorCode, msg string) {
	a.t.Helper()
	if err == nil {
		a.fail("%s: expected %s, got nil", msg, code)
		return
	}
	if got := errors.CodeOf(err); got != code {
		a.fail("%s: expected %s, got %s (%v)", msg, code, got, err)
	}
}

// AssertErrorContains asserts that the error message contains the substring.
func (a *Assertions) AssertErrorContains(err error, substr, msg string) {
	a.t.Helper()
	if err == nil {
		a.fail("%s: expected error containing %q, got nil", msg, substr)
		return
	}
	if !strings.Contains(err.Error(), substr) {
		a.fail("%s: error %q does not contain %q", msg, err.Error(), substr)
	}
}

// RunAssertions checks a run result.
type RunAssertions struct {
	*Assertions
	run *orchestrator.RunResult
}

// AssertRun creates assertions for a run result.
func (a *Assertions) AssertRun(run *orchestrator.RunResult) *RunAssertions {
	a.t.Helper()
	if run == nil {
		a.fail("run result is nil")
		return &RunAssertions{Assertions: a, run: &orchestrator.RunResult{}}
	}
	return &RunAssertions{Assertions: a, run: run}
}

// Completed asserts every step ran and the output is set.
func (r *RunAssertions) Completed() *RunAssertions {
	r.t.Helper()
	if r.run.Status != orchestrator.StatusCompleted {
		r.fail("expected completed run, got %s (%v)", r.run.Status, r.run.Err)
	}
	return r
}

// FailedAt asserts the run failed at the 1-based step index.
func (r *RunAssertions) FailedAt(index int) *RunAssertions {
	r.t.Helper()
	if r.run.Status != orchestrator.StatusFailed {
		r.fail("expected failed run, got %s", r.run.Status)
	}
	if r.run.FailedStep != index {
		r.fail("expected failure at step %d, got %d", index, r.run.FailedStep)
	}
	if r.run.Output != nil {
		r.fail("a failed run must not carry output, got %q", r.run.Output)
	}
	return r
}

// HasStatus asserts the run status.
func (r *RunAssertions) HasStatus(status orchestrator.RunStatus) *RunAssertions {
	r.t.Helper()
	if r.run.Status != status {
		r.fail("expected status %s, got %s", status, r.run.Status)
	}
	return r
}

// HasStepCount asserts how many steps were attempted.
func (r *RunAssertions) HasStepCount(n int) *RunAssertions {
	r.t.Helper()
	if len(r.run.Steps) != n {
		r.fail("expected %d steps, got %d: %s", n, len(r.run.Steps), FormatSteps(r.run.Steps))
	}
	return r
}

// HasStep asserts the agent and status of the 1-based step index.
func (r *RunAssertions) HasStep(index int, agentID string, status orchestrator.RunStatus) *RunAssertions {
	r.t.Helper()
	if index < 1 || index > len(r.run.Steps) {
		r.fail("no step %d in %s", index, FormatSteps(r.run.Steps))
		return r
	}
	st := r.run.Steps[index-1]
	if st.AgentID != agentID || st.Status != status {
		r.fail("step %d: expected %s %s, got %s %s", index, agentID, status, st.AgentID, st.Status)
	}
	return r
}

// HasAttempts asserts the attempts of the 1-based step index.
func (r *RunAssertions) HasAttempts(index, attempts int) *RunAssertions {
	r.t.Helper()
	if index < 1 || index > len(r.run.Steps) {
		r.fail("no step %d in %s", index, FormatSteps(r.run.Steps))
		return r
	}
	if got := r.run.Steps[index-1].Attempts; got != attempts {
		r.fail("step %d: expected %d attempts, got %d", index, attempts, got)
	}
	return r
}

// OutputEquals asserts the final output.
func (r *RunAssertions) OutputEquals(expected string) *RunAssertions {
	r.t.Helper()
	if string(r.run.Output) != expected {
		r.fail("expected output %q, got %q", expected, r.run.Output)
	}
	return r
}

// PipelineAssertions checks a planned pipeline.
type PipelineAssertions struct {
	*Assertions
	p planner.Pipeline
}

// AssertPipeline creates assertions for a pipeline.
func (a *Assertions) AssertPipeline(p planner.Pipeline) *PipelineAssertions {
	return &PipelineAssertions{Assertions: a, p: p}
}

// HasAgents asserts the agent sequence.
func (p *PipelineAssertions) HasAgents(agentIDs ...string) *PipelineAssertions {
	p.t.Helper()
	if !slices.Equal(p.p.AgentIDs, agentIDs) {
		p.fail("expected pipeline %v, got %v", agentIDs, p.p.AgentIDs)
	}
	return p
}

// CostAtMost asserts an upper bound on the pipeline cost.
func (p *PipelineAssertions) CostAtMost(cost float64) *PipelineAssertions {
	p.t.Helper()
	if p.p.Cost > cost {
		p.fail("pipeline %s costs more than %.2f", p.p, cost)
	}
	return p
}

// AssertLifecycle checks that evs is a complete run lifecycle: run started,
// a started/finished pair per step, run finished.
func AssertLifecycle(t testing.TB, evs []events.Event, steps int) {
	t.Helper()
	want := []events.Type{events.RunStarted}
	for range steps {
		want = append(want, events.StepStarted, events.StepFinished)
	}
	want = append(want, events.RunFinished)
	got := make([]events.Type, len(evs))
	for i, ev := range evs {
		got[i] = ev.Type
	}
	if !slices.Equal(got, want) {
		t.Errorf("expected lifecycle %v, got %v", want, got)
	}
}

// RequireNoError fails the test immediately if err is not nil.
func RequireNoError(t testing.TB, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// RequireEqual fails the test immediately if values are not equal.
func RequireEqual(t testing.TB, expected, actual any, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// FormatSteps formats steps for error messages.
func FormatSteps(steps []orchestrator.StepResult) string {
	if len(steps) == 0 {
		return "(none)"
	}
	parts := make([]string, len(steps))
	for i, st := range steps {
		parts[i] = fmt.Sprintf("%d:%s=%s", st.Index, st.AgentID, st.Status)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
