// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/orchestrator"
)

// RunStore persists runs and their steps. It implements
// orchestrator.Recorder and orchestrator.RunReader.
type RunStore struct {
	db *DB
}

var (
	_ orchestrator.Recorder  = (*RunStore)(nil)
	_ orchestrator.RunReader = (*RunStore)(nil)
)

// NewRunStore returns a run store on db.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// RecordRun upserts the run row. The pipeline sequence is written with the
// first record of a run and never changes afterwards.
func (s *RunStore) RecordRun(ctx context.Context, run orchestrator.RunRecord) error {
	if strings.TrimSpace(run.RunID) == "" {
		return errors.New(errors.CodeInvalidInput, "run id is required", nil)
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeInternal, "begin record run", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.rebind(`
		INSERT INTO runs (run_id, status, cost, failed_step, error_text, error_code, input_ref, output_ref, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`),
		run.RunID, string(run.Status), run.Cost, run.FailedStep, run.Error, run.ErrorCode,
		run.InputRef, run.OutputRef, unixNano(run.StartedAt), unixNano(run.FinishedAt),
	)
	if err != nil {
		return errors.New(errors.CodeInternal, "insert run", err).WithContext("run_id", run.RunID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		for i, id := range run.AgentIDs {
			if _, err := tx.ExecContext(ctx, s.db.rebind(
				"INSERT INTO pipeline_steps (run_id, position, agent_id) VALUES (?, ?, ?)"),
				run.RunID, i+1, id,
			); err != nil {
				return errors.New(errors.CodeInternal, "insert pipeline step", err).WithContext("run_id", run.RunID)
			}
		}
	} else {
		if _, err := tx.ExecContext(ctx, s.db.rebind(`
			UPDATE runs SET status = ?, failed_step = ?, error_text = ?, error_code = ?, output_ref = ?, finished_at = ?
			WHERE run_id = ?
		`),
			string(run.Status), run.FailedStep, run.Error, run.ErrorCode, run.OutputRef,
			unixNano(run.FinishedAt), run.RunID,
		); err != nil {
			return errors.New(errors.CodeInternal, "update run", err).WithContext("run_id", run.RunID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeInternal, "commit record run", err).WithContext("run_id", run.RunID)
	}
	return nil
}

// RecordStep upserts one step result.
func (s *RunStore) RecordStep(ctx context.Context, step orchestrator.StepRecord) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO step_results (run_id, step_index, agent_id, status, output_ref, error_text, error_code,
			attempts, fuel_consumed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			status = excluded.status,
			output_ref = excluded.output_ref,
			error_text = excluded.error_text,
			error_code = excluded.error_code,
			attempts = excluded.attempts,
			fuel_consumed = excluded.fuel_consumed,
			finished_at = excluded.finished_at
	`,
		step.RunID, step.StepIndex, step.AgentID, string(step.Status), step.OutputRef, step.Error, step.ErrorCode,
		step.Attempts, int64(step.FuelConsumed), unixNano(step.StartedAt), unixNano(step.FinishedAt),
	)
	if err != nil {
		return errors.New(errors.CodeInternal, "record step", err).
			WithContext("run_id", step.RunID).
			WithContext("step", step.StepIndex)
	}
	return nil
}

const runColumns = `run_id, status, cost, failed_step, error_text, error_code, input_ref, output_ref, started_at, finished_at`

// GetRun returns one run with its pipeline, or NOT_FOUND.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*orchestrator.RunRecord, error) {
	run, err := scanRun(s.db.queryRow(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", runID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, "run not found", nil).WithContext("run_id", runID)
	}
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "get run", err).WithContext("run_id", runID)
	}
	if run.AgentIDs, err = s.pipeline(ctx, runID); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns runs matching filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter orchestrator.RunFilter) ([]orchestrator.RunRecord, error) {
	query := "SELECT " + runColumns + " FROM runs"
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC, run_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list runs", err)
	}
	var runs []orchestrator.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, errors.New(errors.CodeInternal, "scan run", err)
		}
		runs = append(runs, run)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list runs", err)
	}
	for i := range runs {
		if runs[i].AgentIDs, err = s.pipeline(ctx, runs[i].RunID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// ListSteps returns the recorded steps of a run in order.
func (s *RunStore) ListSteps(ctx context.Context, runID string) ([]orchestrator.StepRecord, error) {
	rows, err := s.db.query(ctx, `
		SELECT run_id, step_index, agent_id, status, output_ref, error_text, error_code,
			attempts, fuel_consumed, started_at, finished_at
		FROM step_results WHERE run_id = ? ORDER BY step_index
	`, runID)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list steps", err).WithContext("run_id", runID)
	}
	defer rows.Close()

	var steps []orchestrator.StepRecord
	for rows.Next() {
		var (
			st               orchestrator.StepRecord
			status           string
			fuel             int64
			started, finished int64
		)
		if err := rows.Scan(&st.RunID, &st.StepIndex, &st.AgentID, &status, &st.OutputRef, &st.Error,
			&st.ErrorCode, &st.Attempts, &fuel, &started, &finished); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan step", err).WithContext("run_id", runID)
		}
		st.Status = orchestrator.RunStatus(status)
		st.FuelConsumed = uint64(fuel)
		st.StartedAt, st.FinishedAt = fromUnixNano(started), fromUnixNano(finished)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "list steps", err).WithContext("run_id", runID)
	}
	return steps, nil
}

func (s *RunStore) pipeline(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.query(ctx, "SELECT agent_id FROM pipeline_steps WHERE run_id = ? ORDER BY position", runID)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "read pipeline", err).WithContext("run_id", runID)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan pipeline", err).WithContext("run_id", runID)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (orchestrator.RunRecord, error) {
	var (
		run               orchestrator.RunRecord
		status            string
		started, finished int64
	)
	err := row.Scan(&run.RunID, &status, &run.Cost, &run.FailedStep, &run.Error, &run.ErrorCode,
		&run.InputRef, &run.OutputRef, &started, &finished)
	if err != nil {
		return run, err
	}
	run.Status = orchestrator.RunStatus(status)
	run.StartedAt, run.FinishedAt = fromUnixNano(started), fromUnixNano(finished)
	return run, nil
}
