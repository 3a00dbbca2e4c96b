// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"container/heap"
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
)

const cancelCheckInterval = 64

// node is one search state. Nodes live in the search arena and refer to
// their predecessor by index; -1 marks a first step.
type node struct {
	agent  int
	g, h   float64
	parent int
	depth  int
	dead   bool
}

// search holds the state of a single Plan call. It is never shared.
type search struct {
	opts       Options
	cat        *catalog.Catalog
	req        Request
	exhaustive bool
	keep       int

	arena    []node
	frontier frontier
	seq      int
	// closed maps an agent index to the arena indices of the best nodes
	// generated for it, ascending by g, at most keep long.
	closed     map[int][]int
	found      []int
	expansions int
}

func newSearch(opts Options, cat *catalog.Catalog, req Request) *search {
	return &search{
		opts:       opts,
		cat:        cat,
		req:        req,
		exhaustive: cat.Len() <= opts.ExhaustiveThreshold,
		keep:       req.K,
		closed:     make(map[int][]int),
	}
}

func (s *search) run(ctx context.Context) (*Result, error) {
	if s.cat.Len() == 0 {
		return nil, errors.New(errors.CodeNoPathFound, "no viable pipeline: catalog is empty", nil)
	}

	for i := 0; i < s.cat.Len(); i++ {
		c := s.cat.At(i).Capability
		if !capability.Compatible(s.req.Start, c) {
			continue
		}
		s.push(i, s.opts.Policy.Distance(s.req.Start, c)+s.opts.StepCost, -1)
	}

	for s.frontier.Len() > 0 && len(s.found) < s.req.K {
		if s.expansions%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.New(errors.CodeCanceled, "planning canceled", err)
			}
		}

		it := heap.Pop(&s.frontier).(item)
		n := s.arena[it.node]
		if n.dead {
			continue
		}
		if s.isGoal(n.agent) {
			s.found = append(s.found, it.node)
			continue
		}
		// Goals cost no expansion, so the budget only stops the next expand.
		if s.expansions >= s.req.MaxExpansions {
			if len(s.found) == 0 {
				return nil, errors.New(errors.CodePlanningTimeout, "planning exceeded max_expansions", nil).
					WithContext("expansions", s.expansions).
					WithContext("max_expansions", s.req.MaxExpansions)
			}
			res := s.result()
			res.Truncated = true
			return res, nil
		}
		s.expand(it.node)
	}

	if len(s.found) == 0 {
		return nil, errors.New(errors.CodeNoPathFound, "no viable pipeline", nil).
			WithContext("expansions", s.expansions).
			WithContext("goal", s.req.Goal.String())
	}
	return s.result(), nil
}

func (s *search) isGoal(agent int) bool {
	return s.opts.Policy.Distance(s.cat.At(agent).Capability, s.req.Goal) <= s.req.Epsilon
}

func (s *search) heuristic(agent int) float64 {
	if s.exhaustive {
		return 0
	}
	return s.opts.Policy.Distance(s.cat.At(agent).Capability, s.req.Goal)
}

func (s *search) expand(idx int) {
	s.expansions++
	cur := s.arena[idx]
	from := s.cat.At(cur.agent).Capability
	for j := 0; j < s.cat.Len(); j++ {
		to := s.cat.At(j).Capability
		if !capability.Compatible(from, to) || s.onPath(idx, j) {
			continue
		}
		s.push(j, cur.g+s.opts.Policy.Distance(from, to)+s.opts.StepCost, idx)
	}
}

// onPath reports whether agent already appears on the path ending at idx.
func (s *search) onPath(idx, agent int) bool {
	for i := idx; i >= 0; i = s.arena[i].parent {
		if s.arena[i].agent == agent {
			return true
		}
	}
	return false
}

// push admits a node unless the closed set already holds keep nodes for
// the agent that are at least as cheap.
func (s *search) push(agent int, g float64, parent int) {
	kept := s.closed[agent]
	if len(kept) >= s.keep {
		worst := kept[len(kept)-1]
		if g >= s.arena[worst].g {
			return
		}
		s.arena[worst].dead = true
		kept = kept[:len(kept)-1]
	}

	depth := 1
	if parent >= 0 {
		depth = s.arena[parent].depth + 1
	}
	idx := len(s.arena)
	s.arena = append(s.arena, node{
		agent:  agent,
		g:      g,
		h:      s.heuristic(agent),
		parent: parent,
		depth:  depth,
	})

	pos := sort.Search(len(kept), func(i int) bool { return s.arena[kept[i]].g > g })
	kept = slices.Insert(kept, pos, idx)
	s.closed[agent] = kept

	n := s.arena[idx]
	heap.Push(&s.frontier, item{
		node: idx,
		f:    n.g + n.h,
		g:    n.g,
		id:   s.cat.At(agent).ID,
		seq:  s.seq,
	})
	s.seq++
}

func (s *search) path(idx int) []string {
	ids := make([]string, s.arena[idx].depth)
	for i, pos := idx, len(ids)-1; i >= 0; i, pos = s.arena[i].parent, pos-1 {
		ids[pos] = s.cat.At(s.arena[i].agent).ID
	}
	return ids
}

func (s *search) result() *Result {
	seen := make(map[string]struct{}, len(s.found))
	pipelines := make([]Pipeline, 0, len(s.found))
	for _, idx := range s.found {
		ids := s.path(idx)
		key := strings.Join(ids, "\x00")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		pipelines = append(pipelines, Pipeline{AgentIDs: ids, Cost: s.arena[idx].g})
	}
	sort.SliceStable(pipelines, func(i, j int) bool {
		if pipelines[i].Cost != pipelines[j].Cost {
			return pipelines[i].Cost < pipelines[j].Cost
		}
		return slices.Compare(pipelines[i].AgentIDs, pipelines[j].AgentIDs) < 0
	})
	if len(pipelines) > s.req.K {
		pipelines = pipelines[:s.req.K]
	}
	return &Result{
		Pipelines:  pipelines,
		Expansions: s.expansions,
		Exhaustive: s.exhaustive,
	}
}

// item is a frontier entry.
type item struct {
	node int
	f, g float64
	id   string
	seq  int
}

// frontier is a min-heap ordered by f, then g, then agent id, then
// insertion order.
type frontier []item

func (f frontier) Len() int { return len(f) }

func (f frontier) Less(i, j int) bool {
	a, b := f[i], f[j]
	if a.f != b.f {
		return a.f < b.f
	}
	if a.g != b.g {
		return a.g < b.g
	}
	if a.id != b.id {
		return a.id < b.id
	}
	return a.seq < b.seq
}

func (f frontier) Swap(i, j int) { f[i], f[j] = f[j], f[i] }

func (f *frontier) Push(x any) { *f = append(*f, x.(item)) }

func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	*f = old[:n-1]
	return it
}
