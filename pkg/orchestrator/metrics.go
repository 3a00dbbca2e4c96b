package orchestrator

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	orchestratorMetricsOnce sync.Once
	runsCounter             metric.Int64Counter
	stepsCounter            metric.Int64Counter
	retriesCounter          metric.Int64Counter
	fuelCounter             metric.Int64Counter
	recordErrors            metric.Int64Counter
)

func initOrchestratorMetrics() {
	orchestratorMetricsOnce.Do(func() {
		meter := otel.Meter("tessera/orchestrator")
		runsCounter, _ = meter.Int64Counter("tessera.orchestrator.runs",
			metric.WithDescription("Pipeline runs by final status"))
		stepsCounter, _ = meter.Int64Counter("tessera.orchestrator.steps",
			metric.WithDescription("Pipeline steps by status"))
		retriesCounter, _ = meter.Int64Counter("tessera.orchestrator.step.retries")
		fuelCounter, _ = meter.Int64Counter("tessera.orchestrator.fuel_consumed")
		recordErrors, _ = meter.Int64Counter("tessera.orchestrator.record.errors")
	})
}
