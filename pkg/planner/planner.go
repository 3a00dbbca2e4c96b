// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package planner searches a catalog for low-cost agent pipelines that turn
// a start capability into a goal capability.
//
// The search is A* over agents with the capability distance as both edge
// cost and heuristic. Because that heuristic is not admissible the planner
// is satisficing: it returns the best pipelines it finds within a bounded
// number of expansions. Small catalogs are searched exhaustively (h = 0),
// which makes the single best result optimal there.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/telemetry"
)

// Options tunes the planner. Zero fields take their defaults.
type Options struct {
	Policy               capability.Policy
	StepCost             float64
	ExhaustiveThreshold  int
	DefaultK             int
	DefaultMaxExpansions int
}

// DefaultOptions returns the planner defaults.
func DefaultOptions() Options {
	return Options{
		Policy:               capability.DefaultPolicy(),
		StepCost:             1,
		ExhaustiveThreshold:  12,
		DefaultK:             1,
		DefaultMaxExpansions: 10000,
	}
}

// Request describes one planning call.
type Request struct {
	// Start is what the caller holds; its OutputType is matched against the
	// first agent's input.
	Start capability.Capability `json:"start"`
	// Goal is what the caller needs; the last agent's output is matched
	// against its InputType.
	Goal capability.Capability `json:"goal"`
	// K bounds the number of distinct pipelines returned.
	K int `json:"k,omitempty"`
	// MaxExpansions bounds search work.
	MaxExpansions int `json:"max_expansions,omitempty"`
	// Epsilon is the goal tolerance on the heuristic distance.
	Epsilon float64 `json:"epsilon,omitempty"`
}

// Pipeline is an ordered, non-empty agent sequence with its total cost.
type Pipeline struct {
	AgentIDs []string `json:"agent_ids"`
	Cost     float64  `json:"cost"`
}

// Len returns the number of steps.
func (p Pipeline) Len() int { return len(p.AgentIDs) }

func (p Pipeline) String() string {
	return fmt.Sprintf("%s (cost %.2f)", strings.Join(p.AgentIDs, " -> "), p.Cost)
}

// Result is a successful planning outcome.
type Result struct {
	Pipelines  []Pipeline `json:"pipelines"`
	Expansions int        `json:"expansions"`
	// Truncated is set when the expansion bound stopped the search after at
	// least one pipeline had been found.
	Truncated bool `json:"truncated,omitempty"`
	// Exhaustive is set when the catalog was small enough for uniform-cost search.
	Exhaustive bool `json:"exhaustive,omitempty"`
}

// Best returns the cheapest pipeline.
func (r *Result) Best() Pipeline {
	return r.Pipelines[0]
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Planner is safe for concurrent use. It holds configuration only.
type Planner struct {
	opts   Options
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a planner.
func New(opts Options, options ...Option) *Planner {
	def := DefaultOptions()
	if opts.Policy == (capability.Policy{}) {
		opts.Policy = def.Policy
	}
	if opts.StepCost <= 0 {
		opts.StepCost = def.StepCost
	}
	if opts.ExhaustiveThreshold < 0 {
		opts.ExhaustiveThreshold = 0
	} else if opts.ExhaustiveThreshold == 0 {
		opts.ExhaustiveThreshold = def.ExhaustiveThreshold
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = def.DefaultK
	}
	if opts.DefaultMaxExpansions <= 0 {
		opts.DefaultMaxExpansions = def.DefaultMaxExpansions
	}
	p := &Planner{
		opts:   opts,
		tracer: otel.Tracer("tessera/planner"),
		logger: slog.Default(),
	}
	for _, o := range options {
		o(p)
	}
	initPlannerMetrics()
	return p
}

// Options returns the effective options.
func (p *Planner) Options() Options { return p.opts }

// Plan searches cat for up to req.K pipelines from req.Start to req.Goal.
//
// Errors carry errors.CodeNoPathFound when the frontier empties without a
// goal, errors.CodePlanningTimeout when the expansion bound is hit before
// any goal is found, errors.CodeInvalidInput for bad requests and
// errors.CodeCanceled when ctx ends.
func (p *Planner) Plan(ctx context.Context, cat *catalog.Catalog, req Request) (*Result, error) {
	req, err := p.normalize(req)
	if err != nil {
		return nil, err
	}

	ctx, span := p.tracer.Start(ctx, "planner.plan",
		trace.WithAttributes(telemetry.PlanAttributes(req.Start.String(), req.Goal.String(), req.K)...),
		trace.WithAttributes(
			attribute.Int("tessera.plan.max_expansions", req.MaxExpansions),
			attribute.Int("tessera.catalog.agents", cat.Len()),
		),
	)
	defer span.End()

	start := time.Now()
	s := newSearch(p.opts, cat, req)
	res, err := s.run(ctx)
	elapsed := time.Since(start)

	outcome := "found"
	if err != nil {
		outcome = strings.ToLower(string(errors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int(telemetry.AttrPlanExpansions, s.expansions),
		attribute.String("tessera.plan.outcome", outcome),
	)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	plansCounter.Add(ctx, 1, attrs)
	expansionsHist.Record(ctx, int64(s.expansions), attrs)
	durationMs.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)

	p.logger.DebugContext(ctx, "planner.plan.complete",
		slog.String("start", req.Start.String()),
		slog.String("goal", req.Goal.String()),
		slog.String("outcome", outcome),
		slog.Int("expansions", s.expansions),
		slog.Bool("exhaustive", s.exhaustive),
		slog.Duration("duration", elapsed),
	)
	return res, err
}

func (p *Planner) normalize(req Request) (Request, error) {
	if req.K == 0 {
		req.K = p.opts.DefaultK
	}
	if req.MaxExpansions == 0 {
		req.MaxExpansions = p.opts.DefaultMaxExpansions
	}
	if req.K < 1 {
		return req, errors.Newf(errors.CodeInvalidInput, "k must be >= 1, got %d", req.K)
	}
	if req.MaxExpansions < 1 {
		return req, errors.Newf(errors.CodeInvalidInput, "max_expansions must be >= 1, got %d", req.MaxExpansions)
	}
	if req.Epsilon < 0 {
		return req, errors.Newf(errors.CodeInvalidInput, "epsilon must be >= 0, got %v", req.Epsilon)
	}
	if err := req.Start.Validate(); err != nil {
		return req, errors.New(errors.CodeInvalidInput, "invalid start capability", err)
	}
	if err := req.Goal.Validate(); err != nil {
		return req, errors.New(errors.CodeInvalidInput, "invalid goal capability", err)
	}
	req.Start = req.Start.Normalize()
	req.Goal = req.Goal.Normalize()
	return req, nil
}
