// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jllopis/tessera/pkg/errors"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestErrorMetricsCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	em, err := NewErrorMetricsFrom(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	ctx := context.Background()

	em.RecordErrorMetric(ctx, errors.New(errors.CodeRuntimeTrap, "trap", nil), "sandbox")
	em.RecordErrorMetric(ctx, errors.New(errors.CodeRuntimeTrap, "trap", nil), "orchestrator")
	em.RecordErrorMetric(ctx, stderrors.New("plain"), "server")
	em.RecordErrorMetric(ctx, nil, "server")
	em.RecordRecovery(ctx, errors.CodeResourceExhausted)

	got := collect(t, reader)
	require.EqualValues(t, 2, sumFor(t, got["tessera.errors.total"], "error.code", "RUNTIME_TRAP"))
	require.EqualValues(t, 1, sumFor(t, got["tessera.errors.total"], "error.code", "UNKNOWN"))
	require.EqualValues(t, 1, sumFor(t, got["tessera.errors.recovered"], "error.code", "RESOURCE_EXHAUSTED"))
}

func TestErrorMetricsBreakerGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	em, err := NewErrorMetricsFrom(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	em.RecordCircuitBreakerState(context.Background(), "events.redis", 0)
	gauge, ok := collect(t, reader)["tessera.circuitbreaker.state"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	require.EqualValues(t, 0, gauge.DataPoints[0].Value)
}

func TestNilErrorMetrics(t *testing.T) {
	var em *ErrorMetrics
	ctx := context.Background()
	em.RecordErrorMetric(ctx, errors.New(errors.CodeRuntimeTrap, "trap", nil), "sandbox")
	em.RecordRecovery(ctx, errors.CodeResourceExhausted)
	em.RecordCircuitBreakerState(ctx, "events.redis", 2)

	global, err := NewErrorMetrics(ctx)
	require.NoError(t, err)
	require.NotNil(t, global)
}
