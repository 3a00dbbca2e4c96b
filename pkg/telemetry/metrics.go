// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/tessera/pkg/errors"
)

// ErrorMetrics counts typed failures, the failures a retry overcame, and
// the state of circuit breakers. A nil *ErrorMetrics records nothing.
type ErrorMetrics struct {
	failures  metric.Int64Counter
	recovered metric.Int64Counter
	breakers  metric.Int64Gauge
}

// NewErrorMetrics registers the instruments on the global meter provider.
func NewErrorMetrics(ctx context.Context) (*ErrorMetrics, error) {
	return NewErrorMetricsFrom(otel.GetMeterProvider())
}

// NewErrorMetricsFrom registers the instruments on mp.
func NewErrorMetricsFrom(mp metric.MeterProvider) (*ErrorMetrics, error) {
	meter := mp.Meter("tessera/errors")
	em := &ErrorMetrics{}
	var err error
	if em.failures, err = meter.Int64Counter("tessera.errors.total",
		metric.WithDescription("Failures by error code and component"),
	); err != nil {
		return nil, err
	}
	if em.recovered, err = meter.Int64Counter("tessera.errors.recovered",
		metric.WithDescription("Failures overcome by a later attempt, by error code"),
	); err != nil {
		return nil, err
	}
	if em.breakers, err = meter.Int64Gauge("tessera.circuitbreaker.state",
		metric.WithDescription("Breaker state per component (0=open, 1=half-open, 2=closed)"),
	); err != nil {
		return nil, err
	}
	return em, nil
}

// RecordErrorMetric counts err for component. Errors without a code count
// as UNKNOWN.
func (em *ErrorMetrics) RecordErrorMetric(ctx context.Context, err error, component string) {
	if em == nil || err == nil {
		return
	}
	code, recoverable := errors.ErrorCode("UNKNOWN"), "unknown"
	if te, ok := errors.As(err); ok {
		code, recoverable = te.Code, te.RecoverableString()
	}
	em.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error.code", string(code)),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}

// RecordRecovery counts a failure with code that a retry overcame.
func (em *ErrorMetrics) RecordRecovery(ctx context.Context, code errors.ErrorCode) {
	if em == nil {
		return
	}
	em.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("error.code", string(code))))
}

// RecordCircuitBreakerState records the breaker state of component.
func (em *ErrorMetrics) RecordCircuitBreakerState(ctx context.Context, component string, state int64) {
	if em == nil {
		return
	}
	em.breakers.Record(ctx, state, metric.WithAttributes(attribute.String("component", component)))
}
