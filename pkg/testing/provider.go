// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/sandbox"
)

// Transform computes a step output from its input.
type Transform func(input []byte) ([]byte, error)

// ScriptedExecutor stands in for the sandbox executor. Each agent's module
// answers from a queue of scripted invocations and then from its
// transform, so pipelines can be tested without compiling WebAssembly.
type ScriptedExecutor struct {
	mu           sync.Mutex
	handlers     map[string]Transform
	queues       map[string][]ScriptedInvocation
	requests     []sandbox.Request
	defaultError error
	onRun        func(req sandbox.Request) (*sandbox.Result, error)
}

// ScriptedInvocation is one queued answer for a module.
type ScriptedInvocation struct {
	Output []byte
	Err    error
	// Fuel is reported as consumed; zero reports the input length.
	Fuel uint64
	// Delay blocks the invocation, honoring cancellation.
	Delay time.Duration
	// Condition skips this answer for requests it rejects.
	Condition func(req sandbox.Request) bool
}

// NewScriptedExecutor returns an executor with no scripts.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		handlers: make(map[string]Transform),
		queues:   make(map[string][]ScriptedInvocation),
	}
}

// ModuleFor returns the module bytes the harness registers for agentID.
func ModuleFor(agentID string) []byte {
	return []byte("scripted:" + agentID)
}

// Handle answers every invocation of agentID's module with fn once its
// queue is empty.
func (e *ScriptedExecutor) Handle(agentID string, fn Transform) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[string(ModuleFor(agentID))] = fn
	return e
}

// Queue appends scripted answers for agentID's module.
func (e *ScriptedExecutor) Queue(agentID string, inv ...ScriptedInvocation) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := string(ModuleFor(agentID))
	e.queues[key] = append(e.queues[key], inv...)
	return e
}

// QueueError makes the next invocation of agentID fail with err.
func (e *ScriptedExecutor) QueueError(agentID string, err error) *ScriptedExecutor {
	return e.Queue(agentID, ScriptedInvocation{Err: err})
}

// WithDefaultError sets the error for modules with neither queue nor
// handler.
func (e *ScriptedExecutor) WithDefaultError(err error) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultError = err
	return e
}

// WithRunFunc replaces scripting entirely.
func (e *ScriptedExecutor) WithRunFunc(fn func(req sandbox.Request) (*sandbox.Result, error)) *ScriptedExecutor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRun = fn
	return e
}

// Run implements orchestrator.Runner.
func (e *ScriptedExecutor) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	if e.onRun != nil {
		fn := e.onRun
		e.mu.Unlock()
		return fn(req)
	}
	inv, ok := e.next(req)
	handler := e.handlers[string(req.Module)]
	defaultErr := e.defaultError
	e.mu.Unlock()

	start := time.Now()
	if inv.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, errors.New(errors.CodeCanceled, "scripted run canceled", ctx.Err())
		case <-time.After(inv.Delay):
		}
	}

	var out []byte
	switch {
	case ok && inv.Err != nil:
		return nil, inv.Err
	case ok:
		out = inv.Output
	case handler != nil:
		var err error
		if out, err = handler(req.Input); err != nil {
			return nil, err
		}
	case defaultErr != nil:
		return nil, defaultErr
	default:
		return nil, errors.New(errors.CodeModuleLoadFailed, fmt.Sprintf("no script for module %q", req.Module), nil)
	}
	if len(out) > sandbox.MaxPayload {
		return nil, errors.Newf(errors.CodeMemoryBoundsViolation, "output of %d bytes exceeds the data channel", len(out))
	}

	fuel := inv.Fuel
	if fuel == 0 {
		fuel = uint64(len(req.Input)) + 1
	}
	if req.Fuel > 0 && fuel > req.Fuel {
		return nil, errors.New(errors.CodeResourceExhausted, "fuel exhausted", nil).
			WithContext("fuel", req.Fuel)
	}
	return &sandbox.Result{
		Output:       out,
		FuelConsumed: fuel,
		State:        sandbox.StateCompleted,
		Duration:     time.Since(start),
	}, nil
}

// next pops the first queued answer whose condition accepts req. Callers
// hold e.mu.
func (e *ScriptedExecutor) next(req sandbox.Request) (ScriptedInvocation, bool) {
	key := string(req.Module)
	q := e.queues[key]
	for i, inv := range q {
		if inv.Condition != nil && !inv.Condition(req) {
			continue
		}
		e.queues[key] = append(q[:i:i], q[i+1:]...)
		return inv, true
	}
	return ScriptedInvocation{}, false
}

// Requests returns every captured request.
func (e *ScriptedExecutor) Requests() []sandbox.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sandbox.Request, len(e.requests))
	copy(out, e.requests)
	return out
}

// CallCount returns the number of Run calls.
func (e *ScriptedExecutor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

// Reset clears captured requests and queues. Handlers stay.
func (e *ScriptedExecutor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = e.requests[:0]
	e.queues = make(map[string][]ScriptedInvocation)
}

// AgentSpec declares one agent of a harness catalog.
type AgentSpec struct {
	ID         string
	Capability string
	Transform  Transform
}

// Agent declares an agent by id and compact capability, answering with fn.
func Agent(id, capability string, fn Transform) AgentSpec {
	return AgentSpec{ID: id, Capability: capability, Transform: fn}
}

// Append returns a transform that appends suffix to its input.
func Append(suffix string) Transform {
	return func(in []byte) ([]byte, error) {
		out := make([]byte, 0, len(in)+len(suffix))
		return append(append(out, in...), suffix...), nil
	}
}

// Harness wires an orchestrator over a scripted executor, an in-memory
// catalog, recorder and event collector.
type Harness struct {
	Executor     *ScriptedExecutor
	Catalog      *catalog.Holder
	Recorder     *orchestrator.MemoryRecorder
	Events       *EventCollector
	Planner      *planner.Planner
	Orchestrator *orchestrator.Orchestrator
}

// HarnessOption adjusts the orchestrator options of a harness.
type HarnessOption func(*orchestrator.Options)

// WithRetry sets the retry policy.
func WithRetry(p orchestrator.RetryPolicy) HarnessOption {
	return func(o *orchestrator.Options) { o.Retry = p }
}

// WithFuel sets the first-attempt budget of every step.
func WithFuel(fuel uint64) HarnessOption {
	return func(o *orchestrator.Options) { o.Fuel = fuel }
}

// WithPlanner replaces the default planner.
func WithPlanner(p *planner.Planner) HarnessOption {
	return func(o *orchestrator.Options) { o.Planner = p }
}

// NewHarness builds a harness over agents. It fails the test on an invalid
// catalog.
func NewHarness(t testing.TB, agents []AgentSpec, opts ...HarnessOption) *Harness {
	t.Helper()
	exec := NewScriptedExecutor()
	list := make([]catalog.Agent, 0, len(agents))
	for _, def := range agents {
		c, err := capability.Parse(def.Capability)
		if err != nil {
			t.Fatalf("agent %q: %v", def.ID, err)
		}
		list = append(list, catalog.Agent{
			ID:         def.ID,
			Capability: c,
			Module:     catalog.ModuleRef{Name: def.ID + ".wasm"},
		})
		if def.Transform != nil {
			exec.Handle(def.ID, def.Transform)
		}
	}
	cat, err := catalog.New(list...)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}

	h := &Harness{
		Executor: exec,
		Catalog:  catalog.NewHolder(cat),
		Recorder: orchestrator.NewMemoryRecorder(),
		Events:   NewEventCollector(),
	}
	o := orchestrator.Options{
		Executor: exec,
		Modules: orchestrator.ModuleLookupFunc(func(_ context.Context, a catalog.Agent) ([]byte, error) {
			return ModuleFor(a.ID), nil
		}),
		Catalog:   h.Catalog,
		Planner:   planner.New(planner.DefaultOptions()),
		Scratch:   sandbox.NoScratch(),
		Recorder:  h.Recorder,
		Publisher: events.PublisherFunc(h.Events.Publish),
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.Planner = o.Planner
	orch, err := orchestrator.New(o)
	if err != nil {
		t.Fatalf("build orchestrator: %v", err)
	}
	h.Orchestrator = orch
	return h
}
