// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/tessera/internal/wasmtest"
	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/sandbox"
)

type fixture struct {
	orch     *Orchestrator
	recorder *MemoryRecorder
	broker   *events.Broker
	scratch  *countingScratch
}

type countingScratch struct {
	allocated atomic.Int32
	released  atomic.Int32
	factory   sandbox.ScratchFactory
}

func (c *countingScratch) Factory() sandbox.ScratchFactory {
	return func(ctx context.Context, runID string, step int) (sandbox.Scratch, error) {
		s, err := c.factory(ctx, runID, step)
		if err != nil {
			return nil, err
		}
		c.allocated.Add(1)
		return releaseHook{Scratch: s, onRelease: func() { c.released.Add(1) }}, nil
	}
}

type releaseHook struct {
	sandbox.Scratch
	onRelease func()
}

func (r releaseHook) Release() error {
	r.onRelease()
	return r.Scratch.Release()
}

func agent(id string, c capability.Capability) catalog.Agent {
	return catalog.Agent{ID: id, Capability: c, Module: catalog.ModuleRef{Name: id + ".wasm"}}
}

func newFixture(t *testing.T, runner Runner, modules map[string][]byte, retry RetryPolicy, agents ...catalog.Agent) *fixture {
	t.Helper()
	if runner == nil {
		ex, err := sandbox.New(context.Background(), sandbox.DefaultConfig())
		if err != nil {
			t.Fatalf("executor: %v", err)
		}
		t.Cleanup(func() { _ = ex.Close(context.Background()) })
		runner = ex
	}
	if len(agents) == 0 {
		for id := range modules {
			agents = append(agents, agent(id, capability.New("bytes", "bytes")))
		}
	}
	f := &fixture{
		recorder: NewMemoryRecorder(),
		broker:   events.NewBroker(),
		scratch:  &countingScratch{factory: sandbox.TempScratch(t.TempDir())},
	}
	orch, err := New(Options{
		Executor: runner,
		Modules: ModuleLookupFunc(func(_ context.Context, a catalog.Agent) ([]byte, error) {
			bin, ok := modules[a.ID]
			if !ok {
				return nil, errors.Newf(errors.CodeNotFound, "module %s missing", a.Module.Name)
			}
			return bin, nil
		}),
		Catalog:   catalog.NewHolder(catalog.MustNew(agents...)),
		Scratch:   f.scratch.Factory(),
		Retry:     retry,
		Recorder:  f.recorder,
		Publisher: f.broker,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func pipeline(ids ...string) planner.Pipeline {
	return planner.Pipeline{AgentIDs: ids, Cost: float64(len(ids))}
}

func TestExecuteChainsOutputs(t *testing.T) {
	f := newFixture(t, nil, map[string][]byte{
		"A": wasmtest.AppendByte('a'),
		"B": wasmtest.AppendByte('b'),
		"C": wasmtest.AppendByte('c'),
	}, NoRetry())

	res, err := f.orch.Execute(context.Background(), pipeline("A", "B", "C"), []byte("x"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusCompleted || string(res.Output) != "xabc" {
		t.Fatalf("expected completed xabc, got %s %q", res.Status, res.Output)
	}
	for i, want := range []string{"xa", "xab", "xabc"} {
		if string(res.Steps[i].Output) != want || res.Steps[i].Index != i+1 {
			t.Fatalf("step %d: expected %q, got %q", i+1, want, res.Steps[i].Output)
		}
		if res.Steps[i].FuelConsumed == 0 || res.Steps[i].Attempts != 1 {
			t.Fatalf("step %d: unexpected accounting %+v", i+1, res.Steps[i])
		}
	}
	if f.scratch.allocated.Load() != 3 || f.scratch.released.Load() != 3 {
		t.Fatalf("expected 3 scratch roots allocated and released, got %d/%d",
			f.scratch.allocated.Load(), f.scratch.released.Load())
	}

	run, err := f.recorder.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusCompleted || run.OutputRef != OutputRef([]byte("xabc")) {
		t.Fatalf("unexpected run record %+v", run)
	}
}

func TestExecuteStopsAtFailingStep(t *testing.T) {
	f := newFixture(t, nil, map[string][]byte{
		"A": wasmtest.AppendByte('a'),
		"B": wasmtest.Trap(),
		"C": wasmtest.AppendByte('c'),
	}, NoRetry())

	res, err := f.orch.Execute(context.Background(), pipeline("A", "B", "C"), []byte("in"))
	if errors.CodeOf(err) != errors.CodeStepFailed {
		t.Fatalf("expected STEP_FAILED, got %v", err)
	}
	if !errors.HasCode(err, errors.CodeRuntimeTrap) {
		t.Fatalf("expected runtime trap cause in chain: %v", err)
	}
	if res.Status != StatusFailed || res.FailedStep != 2 {
		t.Fatalf("expected failure at step 2, got %s at %d", res.Status, res.FailedStep)
	}
	if len(res.Steps) != 2 || string(res.Steps[0].Output) != "ina" {
		t.Fatalf("expected step 1 output retained, got %+v", res.Steps)
	}
	if res.Output != nil {
		t.Fatalf("failed run must not carry output")
	}

	steps, _ := f.recorder.ListSteps(context.Background(), res.RunID)
	if len(steps) != 2 {
		t.Fatalf("expected 2 recorded steps, got %d", len(steps))
	}
	if steps[0].Status != StatusCompleted || steps[0].OutputRef != OutputRef([]byte("ina")) || steps[0].Error != "" {
		t.Fatalf("unexpected step 1 record %+v", steps[0])
	}
	if steps[1].Status != StatusFailed || steps[1].OutputRef != "" || steps[1].ErrorCode != string(errors.CodeRuntimeTrap) {
		t.Fatalf("unexpected step 2 record %+v", steps[1])
	}
	run, _ := f.recorder.GetRun(context.Background(), res.RunID)
	if run.Status != StatusFailed || run.FailedStep != 2 {
		t.Fatalf("unexpected run record %+v", run)
	}

	var types []events.Type
	for _, ev := range f.broker.History(res.RunID) {
		types = append(types, ev.Type)
	}
	want := []events.Type{events.RunStarted, events.StepStarted, events.StepFinished, events.StepStarted, events.StepFinished, events.RunFinished}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestExecuteValidatesPipeline(t *testing.T) {
	f := newFixture(t, nil, map[string][]byte{"A": wasmtest.Echo()}, NoRetry())
	if _, err := f.orch.Execute(context.Background(), planner.Pipeline{}, nil); errors.CodeOf(err) != errors.CodeInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.orch.Execute(context.Background(), pipeline("A", "missing"), nil); errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.scratch.allocated.Load() != 0 {
		t.Fatalf("no step may run before the pipeline resolves")
	}
}

func TestExecuteMissingModule(t *testing.T) {
	f := newFixture(t, nil, map[string][]byte{}, NoRetry(), agent("A", capability.New("bytes", "bytes")))
	res, err := f.orch.Execute(context.Background(), pipeline("A"), nil)
	if !errors.HasCode(err, errors.CodeNotFound) || res.FailedStep != 1 {
		t.Fatalf("expected step 1 to fail with NOT_FOUND, got %v", err)
	}
}

type scriptedRunner struct {
	mu    sync.Mutex
	fuels []uint64
	fail  func(attempt int) error
}

func (s *scriptedRunner) Run(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	s.mu.Lock()
	s.fuels = append(s.fuels, req.Fuel)
	attempt := len(s.fuels)
	s.mu.Unlock()
	if err := s.fail(attempt); err != nil {
		return nil, &sandbox.ExecutionError{
			Kind:         errors.CodeOf(err),
			FuelConsumed: req.Fuel,
			Err:          err.(*errors.Error),
		}
	}
	return &sandbox.Result{Output: req.Input, FuelConsumed: 1, State: sandbox.StateCompleted}, nil
}

func TestRetryRaisesFuel(t *testing.T) {
	runner := &scriptedRunner{fail: func(attempt int) error {
		if attempt < 3 {
			return errors.New(errors.CodeResourceExhausted, "out of fuel", nil)
		}
		return nil
	}}
	f := newFixture(t, runner, map[string][]byte{"A": wasmtest.Echo()}, RetryPolicy{MaxAttempts: 3, FuelMultiplier: 2})
	f.orch.baseFuel = 100

	res, err := f.orch.Execute(context.Background(), pipeline("A"), []byte("ok"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Steps[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Steps[0].Attempts)
	}
	if fmt.Sprint(runner.fuels) != "[100 200 400]" {
		t.Fatalf("unexpected fuel progression %v", runner.fuels)
	}
	if res.Steps[0].FuelConsumed != 100+200+1 {
		t.Fatalf("expected fuel of all attempts summed, got %d", res.Steps[0].FuelConsumed)
	}
	steps, _ := f.recorder.ListSteps(context.Background(), res.RunID)
	if steps[0].Attempts != 3 {
		t.Fatalf("expected attempts recorded, got %d", steps[0].Attempts)
	}
	if f.scratch.allocated.Load() != 3 {
		t.Fatalf("expected a fresh scratch root per attempt, got %d", f.scratch.allocated.Load())
	}
}

func TestRetrySkipsNonRetryableErrors(t *testing.T) {
	runner := &scriptedRunner{fail: func(int) error {
		return errors.New(errors.CodeRuntimeTrap, "trap", nil)
	}}
	f := newFixture(t, runner, map[string][]byte{"A": wasmtest.Echo()}, RetryPolicy{MaxAttempts: 5})
	res, err := f.orch.Execute(context.Background(), pipeline("A"), nil)
	if err == nil || res.Steps[0].Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d (%v)", res.Steps[0].Attempts, err)
	}
	if errors.IsRecoverable(err) {
		t.Fatalf("step failure must inherit non-recoverable cause")
	}
}

func TestStepFailureInheritsRecoverable(t *testing.T) {
	f := newFixture(t, nil, map[string][]byte{"A": wasmtest.InfiniteLoop()}, NoRetry())
	f.orch.baseFuel = 10_000
	_, err := f.orch.Execute(context.Background(), pipeline("A"), nil)
	if !errors.HasCode(err, errors.CodeResourceExhausted) || !errors.IsRecoverable(err) {
		t.Fatalf("expected recoverable resource exhaustion, got %v", err)
	}
}

func TestExecuteCanceled(t *testing.T) {
	f := newFixture(t, nil, map[string][]byte{"A": wasmtest.InfiniteLoop(), "B": wasmtest.Echo()}, NoRetry())
	f.orch.baseFuel = 1 << 62
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := f.orch.Execute(ctx, pipeline("A", "B"), nil)
	if errors.CodeOf(err) != errors.CodeCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if res.Status != StatusCanceled || res.FailedStep != 1 {
		t.Fatalf("unexpected result %s at %d", res.Status, res.FailedStep)
	}
	if f.scratch.released.Load() != f.scratch.allocated.Load() {
		t.Fatalf("scratch roots leaked on cancellation")
	}
	run, _ := f.recorder.GetRun(context.Background(), res.RunID)
	if run.Status != StatusCanceled {
		t.Fatalf("expected canceled run recorded despite canceled context, got %s", run.Status)
	}
}

func TestPlanAndExecute(t *testing.T) {
	cat := catalog.MustNew(
		agent("A", capability.New("image", "text", "jpg")),
		agent("B", capability.New("text", "summary", "jpg", "txt")),
	)
	f := newFixture(t, nil, map[string][]byte{
		"A": wasmtest.AppendByte('A'),
		"B": wasmtest.AppendByte('B'),
	}, NoRetry(), cat.Agents()...)

	res, err := f.orch.PlanAndExecute(context.Background(), cat, planner.Request{
		Start: capability.State("image", "jpg"),
		Goal:  capability.State("summary"),
	}, []byte(">"))
	if err != nil {
		t.Fatalf("plan and execute: %v", err)
	}
	if fmt.Sprint(res.Pipeline.AgentIDs) != "[A B]" || string(res.Output) != ">AB" {
		t.Fatalf("unexpected run %s output %q", res.Pipeline, res.Output)
	}

	_, err = f.orch.PlanAndExecute(context.Background(), cat, planner.Request{
		Start: capability.State("audio"),
		Goal:  capability.State("video"),
	}, nil)
	if errors.CodeOf(err) != errors.CodeNoPathFound {
		t.Fatalf("expected no path, got %v", err)
	}
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	f := newFixture(t, nil, map[string][]byte{
		"A": wasmtest.AppendByte('a'),
	}, NoRetry())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := fmt.Sprintf("run-%02d:", i)
			res, err := f.orch.Execute(context.Background(), pipeline("A", "A"), []byte(in))
			if err != nil {
				errs <- err
				return
			}
			if string(res.Output) != in+"aa" {
				errs <- fmt.Errorf("run %d: got %q", i, res.Output)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent run: %v", err)
	}
	runs, _ := f.recorder.ListRuns(context.Background(), RunFilter{Status: StatusCompleted})
	if len(runs) != 16 {
		t.Fatalf("expected 16 completed runs, got %d", len(runs))
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); errors.CodeOf(err) != errors.CodeConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRetryPolicyFuel(t *testing.T) {
	p := RetryPolicy{FuelMultiplier: 1.5}
	if p.fuelFor(1000, 1) != 1000 || p.fuelFor(1000, 2) != 1500 || p.fuelFor(1000, 3) != 2250 {
		t.Fatalf("unexpected fuel schedule")
	}
	if (RetryPolicy{}).fuelFor(10, 4) != 10 {
		t.Fatalf("without multiplier fuel stays constant")
	}
	if !(RetryPolicy{}).retryable(errors.New(errors.CodeResourceExhausted, "x", nil)) {
		t.Fatalf("resource exhaustion is retryable by default")
	}
	if (RetryPolicy{}).retryable(errors.New(errors.CodeRuntimeTrap, "x", nil)) {
		t.Fatalf("traps are not retryable by default")
	}
}
