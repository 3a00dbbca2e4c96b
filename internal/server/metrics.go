// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tessera",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	plansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "plans_total",
		Help:      "Planning requests by outcome.",
	}, []string{"outcome"})
	runsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "runs_accepted_total",
		Help:      "Runs accepted for asynchronous execution.",
	})
	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "runs_finished_total",
		Help:      "Finished runs by final status.",
	}, []string{"status"})
	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tessera",
		Name:      "runs_in_flight",
		Help:      "Runs currently executing.",
	})
	fuelConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "fuel_consumed_total",
		Help:      "Fuel consumed by the steps of finished runs.",
	})
	authFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "auth_failures_total",
		Help:      "Requests rejected for a missing or invalid token.",
	})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tessera",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limit.",
	})
	streamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tessera",
		Name:      "event_streams_active",
		Help:      "Open run event WebSocket streams.",
	})
)

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
