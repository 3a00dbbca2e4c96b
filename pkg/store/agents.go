// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
)

// AgentRegistry stores agents. Registered agents are immutable.
type AgentRegistry struct {
	db *DB
}

// NewAgentRegistry returns a registry on db.
func NewAgentRegistry(db *DB) *AgentRegistry {
	return &AgentRegistry{db: db}
}

// Register adds agents in one transaction. An id that is already registered
// fails the whole call with INVALID_INPUT.
func (r *AgentRegistry) Register(ctx context.Context, agents ...catalog.Agent) error {
	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.New(errors.CodeInternal, "begin register", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for _, a := range agents {
		a.ID = strings.TrimSpace(a.ID)
		if err := a.Validate(); err != nil {
			return errors.New(errors.CodeInvalidInput, "invalid agent", err).WithContext("agent_id", a.ID)
		}
		capJSON, err := json.Marshal(a.Capability.Normalize())
		if err != nil {
			return errors.New(errors.CodeInternal, "encode capability", err).WithContext("agent_id", a.ID)
		}
		res, err := tx.ExecContext(ctx, r.db.rebind(`
			INSERT INTO agents (id, name, description, capability_json, module_name, module_digest, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`), a.ID, a.Name, a.Description, string(capJSON), a.Module.Name, a.Module.Digest, now)
		if err != nil {
			return errors.New(errors.CodeInternal, "insert agent", err).WithContext("agent_id", a.ID)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return errors.New(errors.CodeInvalidInput, "agent already registered", nil).WithContext("agent_id", a.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.New(errors.CodeInternal, "commit register", err)
	}
	return nil
}

// List returns all agents ordered by id.
func (r *AgentRegistry) List(ctx context.Context) ([]catalog.Agent, error) {
	rows, err := r.db.query(ctx, `
		SELECT id, name, description, capability_json, module_name, module_digest
		FROM agents ORDER BY id
	`)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list agents", err)
	}
	defer rows.Close()

	var agents []catalog.Agent
	for rows.Next() {
		var (
			a       catalog.Agent
			capJSON string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &capJSON, &a.Module.Name, &a.Module.Digest); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan agent", err)
		}
		var c capability.Capability
		if err := json.Unmarshal([]byte(capJSON), &c); err != nil {
			return nil, errors.New(errors.CodeInternal, "decode capability", err).WithContext("agent_id", a.ID)
		}
		a.Capability = c
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "list agents", err)
	}
	return agents, nil
}

// Catalog returns a snapshot of the registry.
func (r *AgentRegistry) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	c, err := catalog.New(agents...)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "build catalog from registry", err)
	}
	return c, nil
}
