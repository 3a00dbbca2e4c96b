// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog holds the registered agents the planner searches over.
//
// A Catalog is an immutable snapshot: it is validated once at construction
// and never mutated afterwards, so any number of planning calls may read it
// concurrently. Reloading produces a new snapshot that is swapped in through
// a Holder.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/errors"
)

// ModuleRef points at the compiled module of an agent in an external store.
type ModuleRef struct {
	Name   string `json:"name" yaml:"name"`
	Digest string `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// Agent is a registered unit of computation with one capability.
type Agent struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Capability  capability.Capability `json:"capability" yaml:"capability"`
	Module      ModuleRef             `json:"module" yaml:"module"`
}

// Validate checks identity, capability and module reference.
func (a Agent) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("agent id is required")
	}
	if err := a.Capability.Validate(); err != nil {
		return fmt.Errorf("agent %q: %w", a.ID, err)
	}
	if strings.TrimSpace(a.Module.Name) == "" {
		return fmt.Errorf("agent %q: module name is required", a.ID)
	}
	if d := a.Module.Digest; d != "" && !strings.HasPrefix(d, "sha256:") {
		return fmt.Errorf("agent %q: digest must use the sha256: prefix", a.ID)
	}
	return nil
}

// Catalog is a read-only, id-ordered set of agents.
type Catalog struct {
	agents []Agent
	index  map[string]int
}

// New validates the agents and builds a snapshot ordered by id.
// Capabilities are normalized on the way in.
func New(agents ...Agent) (*Catalog, error) {
	c := &Catalog{
		agents: make([]Agent, 0, len(agents)),
		index:  make(map[string]int, len(agents)),
	}
	for _, a := range agents {
		a.ID = strings.TrimSpace(a.ID)
		if err := a.Validate(); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "invalid agent", err)
		}
		if _, dup := c.index[a.ID]; dup {
			return nil, errors.New(errors.CodeInvalidInput, fmt.Sprintf("duplicate agent id %q", a.ID), nil)
		}
		a.Capability = a.Capability.Normalize()
		c.index[a.ID] = -1
		c.agents = append(c.agents, a)
	}
	sort.Slice(c.agents, func(i, j int) bool { return c.agents[i].ID < c.agents[j].ID })
	for i, a := range c.agents {
		c.index[a.ID] = i
	}
	return c, nil
}

// MustNew is New for fixtures; it panics on error.
func MustNew(agents ...Agent) *Catalog {
	c, err := New(agents...)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of agents.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.agents)
}

// At returns the agent at position i in id order.
func (c *Catalog) At(i int) Agent {
	return c.agents[i]
}

// Get looks an agent up by id.
func (c *Catalog) Get(id string) (Agent, bool) {
	if c == nil {
		return Agent{}, false
	}
	i, ok := c.index[id]
	if !ok {
		return Agent{}, false
	}
	return c.agents[i], true
}

// Agents returns a copy of all agents in id order.
func (c *Catalog) Agents() []Agent {
	if c == nil {
		return nil
	}
	out := make([]Agent, len(c.agents))
	copy(out, c.agents)
	return out
}

// Producers returns the agents whose output type is typ.
func (c *Catalog) Producers(typ string) []Agent {
	if c == nil {
		return nil
	}
	var out []Agent
	for _, a := range c.agents {
		if a.Capability.OutputType == typ {
			out = append(out, a)
		}
	}
	return out
}

// Holder publishes the current catalog snapshot to concurrent readers.
type Holder struct {
	current atomic.Pointer[Catalog]
}

// NewHolder returns a holder seeded with c.
func NewHolder(c *Catalog) *Holder {
	h := &Holder{}
	if c == nil {
		c = MustNew()
	}
	h.current.Store(c)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Catalog {
	return h.current.Load()
}

// Store swaps in a new snapshot.
func (h *Holder) Store(c *Catalog) {
	if c != nil {
		h.current.Store(c)
	}
}
