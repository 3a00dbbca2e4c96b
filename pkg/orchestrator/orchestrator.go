// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator executes planned pipelines: each agent runs in its
// own sandbox invocation and its output becomes the next agent's input.
//
// Steps of one run are strictly sequential. Separate runs share nothing but
// the executor and may run in parallel. The first failing step ends the
// run; outputs of the steps before it are kept in the result.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/sandbox"
	"github.com/jllopis/tessera/pkg/telemetry"
)

// Runner executes one sandbox invocation. *sandbox.Executor implements it.
type Runner interface {
	Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// ModuleLookup returns the module bytes of an agent.
type ModuleLookup interface {
	Module(ctx context.Context, agent catalog.Agent) ([]byte, error)
}

// ModuleLookupFunc adapts a function to ModuleLookup.
type ModuleLookupFunc func(ctx context.Context, agent catalog.Agent) ([]byte, error)

func (f ModuleLookupFunc) Module(ctx context.Context, agent catalog.Agent) ([]byte, error) {
	return f(ctx, agent)
}

// CatalogSource yields the current catalog. *catalog.Holder implements it.
type CatalogSource interface {
	Load() *catalog.Catalog
}

// Options wires the orchestrator collaborators. Executor, Modules and
// Catalog are required.
type Options struct {
	Executor Runner
	Modules  ModuleLookup
	Catalog  CatalogSource
	Planner  *planner.Planner
	Scratch  sandbox.ScratchFactory
	// Fuel is the budget of a step's first attempt; zero uses the
	// executor default.
	Fuel      uint64
	Retry     RetryPolicy
	Recorder  Recorder
	Publisher events.Publisher
	Logger    *slog.Logger
	// Errors counts step failures and retried recoveries when set.
	Errors *telemetry.ErrorMetrics
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Index        int           `json:"index"`
	AgentID      string        `json:"agent_id"`
	Status       RunStatus     `json:"status"`
	Output       []byte        `json:"output,omitempty"`
	Attempts     int           `json:"attempts"`
	FuelConsumed uint64        `json:"fuel_consumed"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
}

// RunResult is the outcome of a run. Output is set only when every step
// completed; FailedStep is the 1-based index of the failing step.
type RunResult struct {
	RunID      string           `json:"run_id"`
	Pipeline   planner.Pipeline `json:"pipeline"`
	Status     RunStatus        `json:"status"`
	Steps      []StepResult     `json:"steps"`
	Output     []byte           `json:"output,omitempty"`
	FailedStep int              `json:"failed_step,omitempty"`
	Err        error            `json:"-"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Orchestrator runs pipelines. It is safe for concurrent use.
type Orchestrator struct {
	opts     Options
	baseFuel uint64
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New validates opts and returns an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Executor == nil || opts.Modules == nil || opts.Catalog == nil {
		return nil, errors.New(errors.CodeConfig, "orchestrator requires executor, modules and catalog", nil)
	}
	if opts.Scratch == nil {
		opts.Scratch = sandbox.TempScratch("")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	if opts.Planner == nil {
		opts.Planner = planner.New(planner.DefaultOptions())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := opts.Fuel
	if base == 0 {
		base = sandbox.DefaultConfig().Fuel
		if c, ok := opts.Executor.(interface{ Config() sandbox.Config }); ok {
			base = c.Config().Fuel
		}
	}
	initOrchestratorMetrics()
	return &Orchestrator{
		opts:     opts,
		baseFuel: base,
		logger:   logger,
		tracer:   otel.Tracer("tessera/orchestrator"),
	}, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Execute runs pipeline on input under a new run id.
func (o *Orchestrator) Execute(ctx context.Context, pipeline planner.Pipeline, input []byte) (*RunResult, error) {
	return o.ExecuteWithID(ctx, NewRunID(), pipeline, input)
}

// PlanAndExecute plans on cat and executes the cheapest pipeline found.
func (o *Orchestrator) PlanAndExecute(ctx context.Context, cat *catalog.Catalog, req planner.Request, input []byte) (*RunResult, error) {
	res, err := o.opts.Planner.Plan(ctx, cat, req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, cat, NewRunID(), res.Best(), input)
}

// ExecuteWithID is Execute with a caller-chosen run id, so the id can be
// handed out before the run finishes.
func (o *Orchestrator) ExecuteWithID(ctx context.Context, runID string, pipeline planner.Pipeline, input []byte) (*RunResult, error) {
	return o.execute(ctx, o.opts.Catalog.Load(), runID, pipeline, input)
}

func (o *Orchestrator) execute(ctx context.Context, cat *catalog.Catalog, runID string, pipeline planner.Pipeline, input []byte) (*RunResult, error) {
	if runID == "" {
		return nil, errors.New(errors.CodeInvalidInput, "empty run id", nil)
	}
	if pipeline.Len() == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "pipeline has no steps", nil)
	}
	if cat == nil {
		return nil, errors.New(errors.CodeNotFound, "no catalog loaded", nil)
	}
	agents := make([]catalog.Agent, pipeline.Len())
	for i, id := range pipeline.AgentIDs {
		agent, ok := cat.Get(id)
		if !ok {
			return nil, errors.Newf(errors.CodeNotFound, "agent %q not in catalog", id).
				WithContext("step", i+1)
		}
		agents[i] = agent
	}

	ctx = telemetry.WithRun(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(telemetry.RunAttributes(runID, len(agents))...),
	)
	defer span.End()

	res := &RunResult{
		RunID:     runID,
		Pipeline:  pipeline,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	o.recordRun(ctx, res, input)
	o.publish(ctx, events.Event{Type: events.RunStarted, RunID: runID, Status: string(StatusRunning)})
	o.logger.InfoContext(ctx, "orchestrator.run.start",
		slog.String("run_id", runID),
		slog.String("pipeline", pipeline.String()),
		slog.Int("input_bytes", len(input)),
	)

	current := input
	for i, agent := range agents {
		step := o.runStep(ctx, runID, i+1, agent, current)
		res.Steps = append(res.Steps, step)
		if step.Err != nil {
			res.FailedStep = step.Index
			res.Status = step.Status
			if step.Status == StatusCanceled {
				res.Err = step.Err
			} else {
				res.Err = stepFailed(step)
			}
			break
		}
		current = step.Output
	}
	if res.Err == nil {
		res.Status = StatusCompleted
		res.Output = current
	}
	res.FinishedAt = time.Now().UTC()

	span.SetAttributes(attribute.String(telemetry.AttrRunStatus, string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	runsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	o.recordRun(ctx, res, input)
	finished := events.Event{Type: events.RunFinished, RunID: runID, Status: string(res.Status), StepIndex: res.FailedStep}
	if res.Err != nil {
		finished.Error = res.Err.Error()
	}
	o.publish(ctx, finished)

	attrs := []any{
		slog.String("run_id", runID),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	}
	if res.Err != nil {
		o.logger.WarnContext(ctx, "orchestrator.run.complete",
			append(attrs, slog.Int("failed_step", res.FailedStep), slog.String("error", res.Err.Error()))...)
		return res, res.Err
	}
	o.logger.InfoContext(ctx, "orchestrator.run.complete", attrs...)
	return res, nil
}

func (o *Orchestrator) runStep(ctx context.Context, runID string, index int, agent catalog.Agent, input []byte) StepResult {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(telemetry.StepAttributes(runID, index, agent.ID)...),
	)
	defer span.End()

	started := time.Now().UTC()
	step := StepResult{Index: index, AgentID: agent.ID}
	o.publish(ctx, events.Event{Type: events.StepStarted, RunID: runID, StepIndex: index, AgentID: agent.ID, Status: string(StatusRunning)})

	var lastRetried errors.ErrorCode
	module, err := o.opts.Modules.Module(ctx, agent)
	if err == nil {
		rc := o.opts.Retry.config().WithOnRetry(func(attempt int, prev error, delay time.Duration) {
			lastRetried = errors.CodeOf(prev)
			retriesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(errors.CodeOf(prev)))))
			o.logger.WarnContext(ctx, "orchestrator.step.retry",
				slog.String("run_id", runID),
				slog.Int("step", index),
				slog.String("agent_id", agent.ID),
				slog.Int("attempt", attempt),
				slog.Uint64("fuel", o.opts.Retry.fuelFor(o.baseFuel, attempt)),
				slog.Duration("delay", delay),
				slog.String("error", prev.Error()),
			)
		})
		step.Attempts, err = rc.DoAttempt(ctx, func(attempt int) error {
			out, fuel, runErr := o.attempt(ctx, runID, index, module, input, o.opts.Retry.fuelFor(o.baseFuel, attempt))
			step.FuelConsumed += fuel
			if runErr != nil {
				return runErr
			}
			step.Output = out
			return nil
		})
	}
	step.Duration = time.Since(started)
	step.Err = err

	switch {
	case err == nil:
		step.Status = StatusCompleted
		if step.Attempts > 1 {
			o.opts.Errors.RecordRecovery(ctx, lastRetried)
		}
	case errors.CodeOf(err) == errors.CodeCanceled:
		step.Status = StatusCanceled
	default:
		step.Status = StatusFailed
	}

	stepsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(step.Status))))
	fuelCounter.Add(ctx, int64(step.FuelConsumed))
	span.SetAttributes(telemetry.StepOutcomeAttributes(string(step.Status), step.Attempts, step.FuelConsumed)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.opts.Errors.RecordErrorMetric(ctx, err, "orchestrator")
	}

	rec := StepRecord{
		RunID:        runID,
		StepIndex:    index,
		AgentID:      agent.ID,
		Status:       step.Status,
		Attempts:     step.Attempts,
		FuelConsumed: step.FuelConsumed,
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	ev := events.Event{
		Type:         events.StepFinished,
		RunID:        runID,
		StepIndex:    index,
		AgentID:      agent.ID,
		Status:       string(step.Status),
		Attempts:     step.Attempts,
		FuelConsumed: step.FuelConsumed,
	}
	if err != nil {
		rec.Error, rec.ErrorCode = err.Error(), string(errors.CodeOf(err))
		ev.Error = err.Error()
	} else {
		rec.OutputRef = OutputRef(step.Output)
	}
	o.recordStep(ctx, rec)
	o.publish(ctx, ev)

	o.logger.DebugContext(ctx, "orchestrator.step.complete",
		slog.String("run_id", runID),
		slog.Int("step", index),
		slog.String("agent_id", agent.ID),
		slog.String("status", string(step.Status)),
		slog.Int("attempts", step.Attempts),
		slog.Uint64("fuel_consumed", step.FuelConsumed),
		slog.Duration("duration", step.Duration),
	)
	return step
}

// attempt is one sandbox invocation with its own scratch root.
func (o *Orchestrator) attempt(ctx context.Context, runID string, index int, module, input []byte, fuel uint64) ([]byte, uint64, error) {
	scratch, err := o.opts.Scratch(ctx, runID, index)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if err := scratch.Release(); err != nil {
			o.logger.WarnContext(ctx, "orchestrator.scratch.release",
				slog.String("run_id", runID),
				slog.Int("step", index),
				slog.String("error", err.Error()),
			)
		}
	}()

	res, err := o.opts.Executor.Run(ctx, sandbox.Request{
		Module:      module,
		Input:       input,
		Fuel:        fuel,
		ScratchRoot: scratch.Root(),
	})
	if err != nil {
		var consumed uint64
		var ee *sandbox.ExecutionError
		if stderrors.As(err, &ee) {
			consumed = ee.FuelConsumed
		}
		return nil, consumed, err
	}
	return res.Output, res.FuelConsumed, nil
}

func stepFailed(step StepResult) error {
	cause, _ := errors.As(step.Err)
	recoverable := cause != nil && cause.Recoverable
	return errors.New(errors.CodeStepFailed, fmt.Sprintf("step %d (%s) failed", step.Index, step.AgentID), step.Err).
		WithContext("step", step.Index).
		WithContext("agent_id", step.AgentID).
		WithContext("cause_code", string(errors.CodeOf(step.Err))).
		WithRecoverable(recoverable)
}

func (o *Orchestrator) recordRun(ctx context.Context, res *RunResult, input []byte) {
	if o.opts.Recorder == nil {
		return
	}
	rec := RunRecord{
		RunID:      res.RunID,
		AgentIDs:   res.Pipeline.AgentIDs,
		Cost:       res.Pipeline.Cost,
		Status:     res.Status,
		FailedStep: res.FailedStep,
		InputRef:   OutputRef(input),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Err != nil {
		rec.Error, rec.ErrorCode = res.Err.Error(), string(errors.CodeOf(res.Err))
	}
	if res.Status == StatusCompleted {
		rec.OutputRef = OutputRef(res.Output)
	}
	if err := o.opts.Recorder.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		recordErrors.Add(ctx, 1)
		o.logger.WarnContext(ctx, "orchestrator.record.run.error",
			slog.String("run_id", res.RunID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) recordStep(ctx context.Context, rec StepRecord) {
	if o.opts.Recorder == nil {
		return
	}
	if err := o.opts.Recorder.RecordStep(context.WithoutCancel(ctx), rec); err != nil {
		recordErrors.Add(ctx, 1)
		o.logger.WarnContext(ctx, "orchestrator.record.step.error",
			slog.String("run_id", rec.RunID),
			slog.Int("step", rec.StepIndex),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := o.opts.Publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.logger.DebugContext(ctx, "orchestrator.publish.error",
			slog.String("run_id", ev.RunID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
