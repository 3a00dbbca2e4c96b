// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/tessera/internal/wasmtest"
	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/config"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/sandbox"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type harness struct {
	srv      *Server
	http     *httptest.Server
	recorder *orchestrator.MemoryRecorder
}

func newHarness(t *testing.T, mutate ...func(*config.ServerConfig)) *harness {
	t.Helper()
	sbCfg := sandbox.DefaultConfig()
	sbCfg.Fuel = 1 << 50
	sbCfg.Timeout = time.Minute
	ex, err := sandbox.New(context.Background(), sbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ex.Close(context.Background()) })

	modules := map[string][]byte{
		"ocr":       wasmtest.AppendByte('o'),
		"summarize": wasmtest.AppendByte('s'),
		"spin":      wasmtest.InfiniteLoop(),
	}
	cat := catalog.MustNew(
		catalog.Agent{ID: "ocr", Capability: capability.New("image", "text"), Module: catalog.ModuleRef{Name: "ocr.wasm"}},
		catalog.Agent{ID: "summarize", Capability: capability.New("text", "summary"), Module: catalog.ModuleRef{Name: "summarize.wasm"}},
		catalog.Agent{ID: "spin", Capability: capability.New("blob", "blob"), Module: catalog.ModuleRef{Name: "spin.wasm"}},
	)
	holder := catalog.NewHolder(cat)
	recorder := orchestrator.NewMemoryRecorder()
	broker := events.NewBroker()
	pl := planner.New(planner.DefaultOptions())

	orch, err := orchestrator.New(orchestrator.Options{
		Executor: ex,
		Modules: orchestrator.ModuleLookupFunc(func(_ context.Context, a catalog.Agent) ([]byte, error) {
			bin, ok := modules[a.ID]
			if !ok {
				return nil, errors.Newf(errors.CodeNotFound, "module %s missing", a.Module.Name)
			}
			return bin, nil
		}),
		Catalog:   holder,
		Planner:   pl,
		Scratch:   sandbox.NoScratch(),
		Recorder:  recorder,
		Publisher: broker,
	})
	require.NoError(t, err)

	cfg := config.ServerConfig{MaxInputBytes: 1024}
	for _, m := range mutate {
		m(&cfg)
	}
	srv, err := New(Options{
		Config:       cfg,
		Orchestrator: orch,
		Planner:      pl,
		Catalog:      holder,
		Runs:         recorder,
		Events:       broker,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &harness{srv: srv, http: ts, recorder: recorder}
}

func (h *harness) do(t *testing.T, method, path string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func (h *harness) waitRun(t *testing.T, runID string) map[string]any {
	t.Helper()
	var view map[string]any
	require.Eventually(t, func() bool {
		resp, out := h.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		view = out
		run := out["run"].(map[string]any)
		return run["status"] != string(orchestrator.StatusRunning)
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])
	assert.EqualValues(t, 3, out["agents"])
}

func TestSuggestPipelines(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodPost, "/api/v1/pipelines/suggest", map[string]any{
		"start": "image",
		"goal":  map[string]any{"input_type": "summary", "output_type": "summary"},
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pipelines := out["pipelines"].([]any)
	require.NotEmpty(t, pipelines)
	best := pipelines[0].(map[string]any)
	assert.Equal(t, []any{"ocr", "summarize"}, best["agent_ids"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestSuggestErrors(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		body   any
		status int
		code   errors.ErrorCode
	}{
		{"no path", map[string]any{"start": "audio", "goal": "video"}, http.StatusUnprocessableEntity, errors.CodeNoPathFound},
		{"bad capability", map[string]any{"start": "image@", "goal": "text"}, http.StatusBadRequest, errors.CodeInvalidInput},
		{"unknown field", map[string]any{"start": "image", "goal": "text", "depth": 3}, http.StatusBadRequest, errors.CodeInvalidInput},
		{"negative k", map[string]any{"start": "image", "goal": "text", "k": -1}, http.StatusBadRequest, errors.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := h.do(t, http.MethodPost, "/api/v1/pipelines/suggest", tt.body, "")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.code), out["code"])
		})
	}
}

func TestCreateRunWithPipeline(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"pipeline": []string{"ocr", "summarize"},
		"input":    b64(">"),
	}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	runID, _ := out["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "/api/v1/runs/"+runID, resp.Header.Get("Location"))

	view := h.waitRun(t, runID)
	run := view["run"].(map[string]any)
	assert.Equal(t, string(orchestrator.StatusCompleted), run["status"])
	assert.Equal(t, orchestrator.OutputRef([]byte(">os")), run["output_ref"])
	assert.Len(t, view["steps"], 2)
}

func TestCreateRunPlansFromStartAndGoal(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"start": "image",
		"goal":  "summary",
		"input": b64(""),
	}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	pipeline := out["pipeline"].(map[string]any)
	assert.Equal(t, []any{"ocr", "summarize"}, pipeline["agent_ids"])

	view := h.waitRun(t, out["run_id"].(string))
	assert.Equal(t, string(orchestrator.StatusCompleted), view["run"].(map[string]any)["status"])
}

func TestCreateRunRejectsBadRequests(t *testing.T) {
	h := newHarness(t, func(c *config.ServerConfig) { c.MaxInputBytes = 4 })
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"unknown agent", map[string]any{"pipeline": []string{"ocr", "nope"}, "input": b64("x")}, http.StatusNotFound},
		{"bad base64", map[string]any{"pipeline": []string{"ocr"}, "input": "%%%"}, http.StatusBadRequest},
		{"input too large", map[string]any{"pipeline": []string{"ocr"}, "input": b64("12345")}, http.StatusBadRequest},
		{"nothing to run", map[string]any{"input": b64("x")}, http.StatusBadRequest},
		{"both forms", map[string]any{"pipeline": []string{"ocr"}, "start": "image", "goal": "text", "input": b64("x")}, http.StatusBadRequest},
		{"no path", map[string]any{"start": "audio", "goal": "video", "input": b64("x")}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := h.do(t, http.MethodPost, "/api/v1/runs", tt.body, "")
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	runs, err := h.recorder.ListRuns(context.Background(), orchestrator.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGetRunNotFound(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodGet, "/api/v1/runs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(errors.CodeNotFound), out["code"])
}

func TestListAgentsAndRuns(t *testing.T) {
	h := newHarness(t)
	resp, out := h.do(t, http.MethodGet, "/api/v1/agents", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := out["agents"].([]any)
	require.Len(t, agents, 3)
	assert.Equal(t, "ocr", agents[0].(map[string]any)["id"])

	_, created := h.do(t, http.MethodPost, "/api/v1/runs", map[string]any{"pipeline": []string{"ocr"}, "input": b64("x")}, "")
	h.waitRun(t, created["run_id"].(string))

	resp, out = h.do(t, http.MethodGet, "/api/v1/runs?status=completed", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["runs"], 1)
}

func TestAuth(t *testing.T) {
	h := newHarness(t, func(c *config.ServerConfig) {
		c.Auth = config.AuthConfig{Enabled: true, Secret: testSecret, Issuer: "tessera"}
	})

	valid, err := IssueToken(testSecret, "tessera", "alice", time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "tessera", "alice", -time.Hour)
	require.NoError(t, err)
	wrongKey, err := IssueToken("ffffffffffffffffffffffffffffffff", "tessera", "alice", time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := IssueToken(testSecret, "someone-else", "alice", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"valid", valid, http.StatusOK},
		{"expired", expired, http.StatusUnauthorized},
		{"wrong key", wrongKey, http.StatusUnauthorized},
		{"wrong issuer", wrongIssuer, http.StatusUnauthorized},
		{"garbage", "not.a.token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := h.do(t, http.MethodGet, "/api/v1/agents", nil, tt.token)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}

	resp, _ := h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays public")
}

func TestIssueTokenValidation(t *testing.T) {
	_, err := IssueToken("short", "", "alice", time.Minute)
	assert.True(t, errors.HasCode(err, errors.CodeConfig))
	_, err = IssueToken(testSecret, "", " ", time.Minute)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New(Options{
		Config: config.ServerConfig{Auth: config.AuthConfig{Enabled: true, Secret: "short"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.ServerConfig) {
		c.RateLimit = config.RateConfig{RPS: 0.01, Burst: 2}
	})
	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, http.MethodGet, "/api/v1/agents", nil, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, out := h.do(t, http.MethodGet, "/api/v1/agents", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, string(errors.CodeRateLimit), out["code"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestClientLimiterKeysAndSweep(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Now()
	ok, _ := l.allow("a", now)
	assert.True(t, ok)
	ok, wait := l.allow("a", now)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	ok, _ = l.allow("b", now)
	assert.True(t, ok, "clients are limited independently")
	assert.Equal(t, 2, l.size())

	ok, _ = l.allow("c", now.Add(2*limiterIdleTTL))
	assert.True(t, ok)
	assert.Equal(t, 1, l.size(), "idle clients are swept")

	var disabled *clientLimiter
	ok, _ = disabled.allow("a", now)
	assert.True(t, ok)
	assert.Nil(t, newClientLimiter(0, 5))
}

func TestRunStream(t *testing.T) {
	h := newHarness(t)
	_, created := h.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"pipeline": []string{"ocr", "summarize"},
		"input":    b64("x"),
	}, "")
	runID := created["run_id"].(string)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/runs/" + runID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []events.Type
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			break
		}
		assert.Equal(t, runID, ev.RunID)
		got = append(got, ev.Type)
	}
	assert.Equal(t, []events.Type{
		events.RunStarted,
		events.StepStarted, events.StepFinished,
		events.StepStarted, events.StepFinished,
		events.RunFinished,
	}, got)
}

func TestShutdownCancelsInflightRuns(t *testing.T) {
	h := newHarness(t)
	_, created := h.do(t, http.MethodPost, "/api/v1/runs", map[string]any{
		"pipeline": []string{"spin"},
		"input":    b64("x"),
	}, "")
	runID := created["run_id"].(string)

	require.Eventually(t, func() bool {
		_, err := h.recorder.GetRun(context.Background(), runID)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	run, err := h.recorder.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCanceled, run.Status)
}

func TestCapFieldDecoding(t *testing.T) {
	var req suggestRequest
	err := json.Unmarshal([]byte(`{"start":"image@PNG","goal":{"input_type":"text","output_type":"text"}}`), &req)
	require.NoError(t, err)
	assert.Equal(t, capability.State("image", "png"), req.Start.Capability)
	assert.Equal(t, "text", req.Goal.InputType)
}
