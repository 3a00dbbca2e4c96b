// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
)

// capField accepts a capability either as an object or in the compact
// notation understood by capability.Parse.
type capField struct {
	capability.Capability
}

func (c *capField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := capability.Parse(s)
		if err != nil {
			return err
		}
		c.Capability = parsed
		return nil
	}
	return json.Unmarshal(data, &c.Capability)
}

type suggestRequest struct {
	Start         capField `json:"start"`
	Goal          capField `json:"goal"`
	K             int      `json:"k,omitempty"`
	MaxExpansions int      `json:"max_expansions,omitempty"`
	Epsilon       float64  `json:"epsilon,omitempty"`
}

func (r suggestRequest) planRequest() planner.Request {
	return planner.Request{
		Start:         r.Start.Capability,
		Goal:          r.Goal.Capability,
		K:             r.K,
		MaxExpansions: r.MaxExpansions,
		Epsilon:       r.Epsilon,
	}
}

type createRunRequest struct {
	Pipeline []string  `json:"pipeline,omitempty"`
	Start    *capField `json:"start,omitempty"`
	Goal     *capField `json:"goal,omitempty"`
	// Input is the base64 payload handed to the first step.
	Input string `json:"input"`
}

type runAccepted struct {
	RunID    string           `json:"run_id"`
	Pipeline planner.Pipeline `json:"pipeline"`
	Status   string           `json:"status"`
}

type runView struct {
	Run   orchestrator.RunRecord    `json:"run"`
	Steps []orchestrator.StepRecord `json:"steps"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.opts.Planner.Plan(r.Context(), s.opts.Catalog.Load(), req.planRequest())
	if err != nil {
		plansTotal.WithLabelValues(string(errors.CodeOf(err))).Inc()
		s.respondError(w, r, err)
		return
	}
	plansTotal.WithLabelValues("ok").Inc()
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	input, err := base64.StdEncoding.DecodeString(req.Input)
	if err != nil {
		s.respondError(w, r, errors.New(errors.CodeInvalidInput, "input must be base64", err))
		return
	}
	if len(input) > s.cfg.MaxInputBytes {
		s.respondError(w, r, errors.Newf(errors.CodeInvalidInput, "input exceeds %d bytes", s.cfg.MaxInputBytes))
		return
	}

	cat := s.opts.Catalog.Load()
	pipeline, err := s.resolvePipeline(r.Context(), cat, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	runID := orchestrator.NewRunID()
	s.accepted.Store(runID, time.Now().UTC())
	s.inflight.Add(1)
	runsAccepted.Inc()
	go s.execute(runID, pipeline, input)

	w.Header().Set("Location", "/api/v1/runs/"+runID)
	respondJSON(w, http.StatusAccepted, runAccepted{
		RunID:    runID,
		Pipeline: pipeline,
		Status:   string(orchestrator.StatusRunning),
	})
}

// resolvePipeline validates an explicit pipeline against cat, or plans one
// from start and goal.
func (s *Server) resolvePipeline(ctx context.Context, cat *catalog.Catalog, req createRunRequest) (planner.Pipeline, error) {
	if len(req.Pipeline) > 0 {
		if req.Start != nil || req.Goal != nil {
			return planner.Pipeline{}, errors.New(errors.CodeInvalidInput, "pass either pipeline or start and goal", nil)
		}
		if cat == nil {
			return planner.Pipeline{}, errors.New(errors.CodeNotFound, "no catalog loaded", nil)
		}
		for i, id := range req.Pipeline {
			if _, ok := cat.Get(id); !ok {
				return planner.Pipeline{}, errors.Newf(errors.CodeNotFound, "agent %q not in catalog", id).
					WithContext("step", i+1)
			}
		}
		return planner.Pipeline{AgentIDs: req.Pipeline}, nil
	}
	if req.Start == nil || req.Goal == nil {
		return planner.Pipeline{}, errors.New(errors.CodeInvalidInput, "pipeline or start and goal are required", nil)
	}
	res, err := s.opts.Planner.Plan(ctx, cat, planner.Request{
		Start: req.Start.Capability,
		Goal:  req.Goal.Capability,
	})
	if err != nil {
		plansTotal.WithLabelValues(string(errors.CodeOf(err))).Inc()
		return planner.Pipeline{}, err
	}
	plansTotal.WithLabelValues("ok").Inc()
	return res.Best(), nil
}

func (s *Server) execute(runID string, pipeline planner.Pipeline, input []byte) {
	defer s.inflight.Done()
	defer s.accepted.Delete(runID)
	runsInFlight.Inc()
	defer runsInFlight.Dec()

	res, err := s.opts.Orchestrator.ExecuteWithID(s.runCtx, runID, pipeline, input)
	status := string(orchestrator.StatusFailed)
	if res != nil {
		status = string(res.Status)
		for _, st := range res.Steps {
			fuelConsumed.Add(float64(st.FuelConsumed))
		}
	}
	runsFinished.WithLabelValues(status).Inc()
	if err != nil {
		s.opts.Errors.RecordErrorMetric(context.Background(), err, "server")
		s.logger.Debug("server.run.failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.opts.Runs.GetRun(r.Context(), runID)
	if errors.HasCode(err, errors.CodeNotFound) {
		// Accepted runs that have not recorded their first state yet.
		if at, ok := s.accepted.Load(runID); ok {
			respondJSON(w, http.StatusOK, runView{Run: orchestrator.RunRecord{
				RunID:     runID,
				Status:    orchestrator.StatusRunning,
				StartedAt: at.(time.Time),
			}})
			return
		}
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	steps, err := s.opts.Runs.ListSteps(r.Context(), runID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, runView{Run: *run, Steps: steps})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := orchestrator.RunFilter{
		Status: orchestrator.RunStatus(r.URL.Query().Get("status")),
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 50),
	}
	runs, err := s.opts.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if runs == nil {
		runs = []orchestrator.RunRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := []catalog.Agent{}
	if cat := s.opts.Catalog.Load(); cat != nil {
		agents = cat.Agents()
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// decode reads a JSON body bounded by the configured input size plus the
// base64 and envelope overhead.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	limit := int64(base64.StdEncoding.EncodedLen(s.cfg.MaxInputBytes)) + 64<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New(errors.CodeInvalidInput, "invalid request body", err)
	}
	return nil
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

// respondJSON writes payload with the standard API headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	setAPIHeaders(w)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

type errorBody struct {
	Error   string         `json:"error"`
	Status  int            `json:"status"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// respondError maps err to its HTTP status and writes a structured body.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := errorBody{
		Error:   http.StatusText(status),
		Status:  status,
		Code:    string(errors.CodeInternal),
		Message: err.Error(),
	}
	if status == 499 {
		body.Error = "Client Closed Request"
	}
	if te, ok := errors.As(err); ok {
		body.Code = string(te.Code)
		body.Message = te.Message
		if len(te.Context) > 0 {
			body.Context = te.Context
		}
	}
	if status >= http.StatusInternalServerError {
		s.opts.Errors.RecordErrorMetric(r.Context(), err, "server")
		s.logger.ErrorContext(r.Context(), "server.request.error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		body.Message = "internal error"
	}
	respondJSON(w, status, body)
}

func setAPIHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
}
