// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/tessera/pkg/errors"
)

// RunStatus is the lifecycle status of a run or step.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	AgentIDs   []string  `json:"agent_ids"`
	Cost       float64   `json:"cost"`
	Status     RunStatus `json:"status"`
	FailedStep int       `json:"failed_step,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	InputRef   string    `json:"input_ref"`
	OutputRef  string    `json:"output_ref,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// StepRecord is the persisted outcome of one step. OutputRef and Error are
// mutually exclusive.
type StepRecord struct {
	RunID        string    `json:"run_id"`
	StepIndex    int       `json:"step_index"`
	AgentID      string    `json:"agent_id"`
	Status       RunStatus `json:"status"`
	OutputRef    string    `json:"output_ref,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Attempts     int       `json:"attempts"`
	FuelConsumed uint64    `json:"fuel_consumed"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Recorder persists run progress.
type Recorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
	RecordStep(ctx context.Context, step StepRecord) error
}

// RunFilter limits run queries.
type RunFilter struct {
	Status RunStatus
	Limit  int
}

// RunReader reads persisted runs.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListSteps(ctx context.Context, runID string) ([]StepRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}

// OutputRef returns the reference stored in place of step output bytes.
func OutputRef(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MemoryRecorder keeps records in memory.
type MemoryRecorder struct {
	mu    sync.Mutex
	runs  map[string]RunRecord
	steps map[string][]StepRecord
}

// NewMemoryRecorder returns an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		runs:  make(map[string]RunRecord),
		steps: make(map[string][]StepRecord),
	}
}

// RecordRun inserts or replaces a run.
func (m *MemoryRecorder) RecordRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.AgentIDs = append([]string(nil), run.AgentIDs...)
	m.runs[run.RunID] = run
	return nil
}

// RecordStep inserts or replaces a step.
func (m *MemoryRecorder) RecordStep(_ context.Context, step StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[step.RunID]
	for i := range steps {
		if steps[i].StepIndex == step.StepIndex {
			steps[i] = step
			return nil
		}
	}
	steps = append(steps, step)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	m.steps[step.RunID] = steps
	return nil
}

// GetRun returns a run or NOT_FOUND.
func (m *MemoryRecorder) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "run not found", nil).WithContext("run_id", runID)
	}
	run.AgentIDs = append([]string(nil), run.AgentIDs...)
	return &run, nil
}

// ListSteps returns a run's steps in order.
func (m *MemoryRecorder) ListSteps(_ context.Context, runID string) ([]StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepRecord(nil), m.steps[runID]...), nil
}

// ListRuns returns runs matching filter, newest first.
func (m *MemoryRecorder) ListRuns(_ context.Context, filter RunFilter) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunRecord, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
