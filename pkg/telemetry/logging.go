// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// logLevel is shared by every handler built here, so a configuration reload
// changes verbosity without rebuilding loggers.
var logLevel = new(slog.LevelVar)

type runKey struct{}

// WithRun tags ctx with a run id. Records logged with that context carry
// it as run_id, including those emitted deep inside the sandbox.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFromContext returns the run id set by WithRun.
func RunFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(runKey{}).(string)
	return id, ok && id != ""
}

// ConfigureSlog builds the process logger, writing text or json to output,
// and installs it as the slog default.
func ConfigureSlog(output io.Writer, lvl, format string) *slog.Logger {
	SetLogLevel(lvl)
	opts := &slog.HandlerOptions{Level: logLevel}
	var inner slog.Handler = slog.NewTextHandler(output, opts)
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		inner = slog.NewJSONHandler(output, opts)
	}
	logger := slog.New(contextHandler{inner: inner})
	slog.SetDefault(logger)
	return logger
}

// SetLogLevel changes the level of every logger built by ConfigureSlog.
func SetLogLevel(lvl string) {
	logLevel.Set(ParseLevel(lvl))
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// contextHandler copies the run id and the active span ids from the
// record context into the record, unless the caller already set them.
type contextHandler struct {
	inner slog.Handler
}

func (h contextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	present := map[string]bool{}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "run_id", "trace_id", "span_id":
			present[a.Key] = true
		}
		return true
	})
	add := func(key, value string) {
		if value != "" && !present[key] {
			r.AddAttrs(slog.String(key, value))
		}
	}
	if id, ok := RunFromContext(ctx); ok {
		add("run_id", id)
	}
	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			add("trace_id", sc.TraceID().String())
			add("span_id", sc.SpanID().String())
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{inner: h.inner.WithGroup(name)}
}
