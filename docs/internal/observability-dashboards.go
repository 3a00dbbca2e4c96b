//go:build ignore

// SPDX-License-Identifier: Apache-2.0
// Tessera Observability Dashboards
// This file documents dashboard templates for an OpenTelemetry UI or Grafana.
//
// DASHBOARD: Runs & Steps
//   Pipeline throughput and outcome.
//
//   Queries:
//   - tessera.orchestrator.runs{status} (rate 5m)
//     Metric: Finished runs by status (completed, failed, canceled)
//     Display: Stacked area chart
//
//   - tessera.orchestrator.steps{status} (rate 5m)
//     Metric: Executed steps by status
//     Display: Line chart
//
//   - tessera.orchestrator.step.retries (rate 5m)
//     Metric: Step attempts beyond the first
//     Display: Single stat
//     Insight: A rising retry rate with RESOURCE_EXHAUSTED means the base fuel is too low
//
//   - tessera_runs_in_flight (Prometheus, serve only)
//     Metric: Runs accepted by the HTTP service and not yet finished
//     Display: Gauge
//
// DASHBOARD: Sandbox
//   Cost of agent execution.
//
//   Queries:
//   - tessera.sandbox.fuel_consumed (histogram, p50/p95/p99)
//     Metric: Fuel per sandbox run
//     Display: Heatmap
//
//   - tessera.sandbox.duration_ms (histogram)
//     Metric: Wall time per sandbox run
//     Alert Threshold: p99 close to sandbox.timeout
//
//   - tessera.sandbox.runs{outcome}
//     Metric: Runs by outcome (completed, resource_exhausted, runtime_trap, ...)
//
//   - tessera.sandbox.scratch.swept / tessera.sandbox.scratch.sweep.error
//     Metric: Stale scratch roots removed by the sweeper
//
// DASHBOARD: Planner
//   - tessera.planner.plans{outcome}
//     Metric: Planning calls by outcome (found, no_path_found, planning_timeout)
//   - tessera.planner.expansions (histogram)
//     Insight: expansions close to planner.max_expansions precede PLANNING_TIMEOUT
//   - tessera.planner.duration_ms (histogram)
//
// DASHBOARD: Errors & Recovery
//   - tessera.errors.total{error.code, component} (rate 5m)
//     Display: Line chart (RESOURCE_EXHAUSTED, RUNTIME_TRAP, MODULE_LOAD_FAILED, NO_PATH_FOUND, ...)
//   - tessera.errors.recovered{error.code} (rate 5m)
//     Goal: recovered / total for RESOURCE_EXHAUSTED > 50% when retries are enabled
//   - tessera.circuitbreaker.state{component}
//     Metric: Redis relay breaker state (0=open, 1=half-open, 2=closed)
//
// ALERT RULES (Prometheus/AlertManager format):
//
// Alert 1: High Step Failure Rate
//   Name: TesseraStepFailures
//   Condition: rate(tessera.orchestrator.steps{status="failed"}[5m]) > 1
//   Duration: 5m
//   Severity: warning
//   Action: Check tessera.errors.total by error.code for the dominant cause
//
// Alert 2: Fuel Exhaustion
//   Name: TesseraFuelExhausted
//   Condition: rate(tessera.errors.total{error.code="RESOURCE_EXHAUSTED"}[5m]) > 0.5
//   Duration: 10m
//   Severity: warning
//   Action: Raise sandbox.fuel or enable orchestrator.retry with a fuel multiplier
//
// Alert 3: Status Relay Down
//   Name: TesseraRelayBreakerOpen
//   Condition: tessera.circuitbreaker.state{component="events.redis"} == 0
//   Duration: 1m
//   Severity: warning
//   Action: Check Redis; local WebSocket streams keep working
//
// Alert 4: HTTP Rejections
//   Name: TesseraRateLimited
//   Condition: rate(tessera_rate_limited_total[5m]) > 5
//   Duration: 5m
//   Severity: info
//   Action: Review server.rate_limit for the affected subjects
//
package main

// This file is documentation only and is not compiled.
