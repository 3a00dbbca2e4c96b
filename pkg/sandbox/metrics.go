package sandbox

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	sandboxMetricsOnce sync.Once
	runsCounter        metric.Int64Counter
	fuelHist           metric.Int64Histogram
	runDurationMs      metric.Float64Histogram
	sweptCounter       metric.Int64Counter
	sweepErrorCounter  metric.Int64Counter
)

func initSandboxMetrics() {
	sandboxMetricsOnce.Do(func() {
		meter := otel.Meter("tessera/sandbox")
		runsCounter, _ = meter.Int64Counter("tessera.sandbox.runs",
			metric.WithDescription("Sandbox invocations by outcome"))
		fuelHist, _ = meter.Int64Histogram("tessera.sandbox.fuel_consumed",
			metric.WithDescription("Fuel consumed per invocation"))
		runDurationMs, _ = meter.Float64Histogram("tessera.sandbox.duration_ms",
			metric.WithDescription("Invocation latency in milliseconds"))
		sweptCounter, _ = meter.Int64Counter("tessera.sandbox.scratch.swept")
		sweepErrorCounter, _ = meter.Int64Counter("tessera.sandbox.scratch.sweep.error")
	})
}
