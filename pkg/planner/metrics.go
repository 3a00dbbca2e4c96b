package planner

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	plannerMetricsOnce sync.Once
	plansCounter       metric.Int64Counter
	expansionsHist     metric.Int64Histogram
	durationMs         metric.Float64Histogram
)

func initPlannerMetrics() {
	plannerMetricsOnce.Do(func() {
		meter := otel.Meter("tessera/planner")
		plansCounter, _ = meter.Int64Counter("tessera.planner.plans",
			metric.WithDescription("Planning calls by outcome"))
		expansionsHist, _ = meter.Int64Histogram("tessera.planner.expansions",
			metric.WithDescription("Nodes expanded per planning call"))
		durationMs, _ = meter.Float64Histogram("tessera.planner.duration_ms",
			metric.WithDescription("Planning latency in milliseconds"))
	})
}
