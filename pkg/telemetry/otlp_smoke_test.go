// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TestOTLPCollector pushes one run span and one error count to a live
// collector. It only runs when TESSERA_OTLP_ENDPOINT is set.
func TestOTLPCollector(t *testing.T) {
	endpoint := os.Getenv("TESSERA_OTLP_ENDPOINT")
	if endpoint == "" {
		t.Skip("TESSERA_OTLP_ENDPOINT not set")
	}
	cfg := Config{
		Exporter:       ExporterOTLP,
		OTLPEndpoint:   endpoint,
		OTLPInsecure:   os.Getenv("TESSERA_OTLP_INSECURE") == "true",
		OTLPTimeout:    5 * time.Second,
		MetricInterval: time.Second,
	}
	shutdown, err := InitWithConfig("tessera-otlp-check", "dev", cfg)
	require.NoError(t, err)

	ctx, span := otel.Tracer("tessera/otlp-check").Start(context.Background(), "orchestrator.run",
		trace.WithAttributes(RunAttributes("otlp-check", 1)...))
	em, err := NewErrorMetrics(ctx)
	require.NoError(t, err)
	em.RecordCircuitBreakerState(ctx, "otlp-check", 2)
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
}
