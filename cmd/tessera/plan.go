// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/planner"
)

type planFlags struct {
	Start         string
	Goal          string
	K             int
	MaxExpansions int
	Epsilon       float64
	Format        string
}

type planOutput struct {
	Start      string             `json:"start"`
	Goal       string             `json:"goal"`
	Pipelines  []planner.Pipeline `json:"pipelines"`
	Expansions int                `json:"expansions"`
	Truncated  bool               `json:"truncated,omitempty"`
}

func newPlanCmd(a *app) *cobra.Command {
	var f planFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Suggest the cheapest pipelines from a start to a goal capability",
		Example: `  tessera plan --start image@jpg --goal summary
  tessera plan --start image --goal text -k 3 --format mermaid`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := newPlanningRuntime(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			cat := rt.holder.Load()
			res, err := rt.planner.Plan(ctx, cat, req)
			if err != nil {
				return err
			}
			format := f.Format
			if a.flags.JSON {
				format = "json"
			}
			return renderPlan(cmd.OutOrStdout(), format, req, cat, res)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.Start, "start", "", "Start capability (required)")
	fl.StringVar(&f.Goal, "goal", "", "Goal capability (required)")
	fl.IntVarP(&f.K, "k", "k", 0, "Number of distinct pipelines (default planner.k)")
	fl.IntVar(&f.MaxExpansions, "max-expansions", 0, "Search expansion bound (default planner.max_expansions)")
	fl.Float64Var(&f.Epsilon, "epsilon", 0, "Accept agents within this distance of the goal")
	fl.StringVar(&f.Format, "format", "text", "Output format: text, json, mermaid")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func (f planFlags) request() (planner.Request, error) {
	start, err := capability.Parse(f.Start)
	if err != nil {
		return planner.Request{}, newInvalidArgumentError("--start", err.Error())
	}
	goal, err := capability.Parse(f.Goal)
	if err != nil {
		return planner.Request{}, newInvalidArgumentError("--goal", err.Error())
	}
	switch f.Format {
	case "text", "json", "mermaid":
	default:
		return planner.Request{}, newInvalidArgumentError("--format", fmt.Sprintf("unknown format %q; use text, json or mermaid", f.Format))
	}
	return planner.Request{
		Start:         start,
		Goal:          goal,
		K:             f.K,
		MaxExpansions: f.MaxExpansions,
		Epsilon:       f.Epsilon,
	}, nil
}

func renderPlan(w io.Writer, format string, req planner.Request, cat *catalog.Catalog, res *planner.Result) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(planOutput{
			Start:      req.Start.String(),
			Goal:       req.Goal.String(),
			Pipelines:  res.Pipelines,
			Expansions: res.Expansions,
			Truncated:  res.Truncated,
		})
	case "mermaid":
		_, err := io.WriteString(w, toMermaid(req, cat, res.Pipelines))
		return err
	default:
		_, err := io.WriteString(w, toText(req, cat, res))
		return err
	}
}

func toText(req planner.Request, cat *catalog.Catalog, res *planner.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s => %s\n", req.Start, req.Goal)
	for i, p := range res.Pipelines {
		fmt.Fprintf(&sb, "\n#%d  cost %.2f  (%d steps)\n", i+1, p.Cost, p.Len())
		for j, id := range p.AgentIDs {
			capStr := ""
			if a, ok := cat.Get(id); ok {
				capStr = a.Capability.String()
			}
			fmt.Fprintf(&sb, "  %d. %-20s %s\n", j+1, id, capStr)
		}
	}
	if res.Truncated {
		sb.WriteString("\n(search truncated by max expansions)\n")
	}
	return sb.String()
}

// toMermaid draws every pipeline as a left-to-right chain between shared
// start and goal nodes. Agents used by several pipelines appear once.
func toMermaid(req planner.Request, cat *catalog.Catalog, pipelines []planner.Pipeline) string {
	var sb strings.Builder
	sb.WriteString("graph LR\n")
	fmt.Fprintf(&sb, "    start([%s])\n", mermaidLabel(req.Start.String()))
	fmt.Fprintf(&sb, "    goal([%s])\n", mermaidLabel(req.Goal.String()))

	seenNode := map[string]bool{}
	seenEdge := map[string]bool{}
	edge := func(from, to, label string) {
		key := from + "->" + to
		if seenEdge[key] {
			return
		}
		seenEdge[key] = true
		if label != "" {
			fmt.Fprintf(&sb, "    %s -->|%s| %s\n", from, label, to)
			return
		}
		fmt.Fprintf(&sb, "    %s --> %s\n", from, to)
	}
	for i, p := range pipelines {
		prev := "start"
		for _, id := range p.AgentIDs {
			node := mermaidID(id)
			if !seenNode[node] {
				seenNode[node] = true
				label := id
				if a, ok := cat.Get(id); ok {
					label = id + "<br/>" + a.Capability.String()
				}
				fmt.Fprintf(&sb, "    %s[%s]\n", node, mermaidLabel(label))
			}
			edge(prev, node, "")
			prev = node
		}
		edge(prev, "goal", fmt.Sprintf("#%d %.2f", i+1, p.Cost))
	}
	sb.WriteString("    style start fill:#90EE90\n")
	sb.WriteString("    style goal fill:#87CEFA\n")
	return sb.String()
}

func mermaidID(id string) string {
	var sb strings.Builder
	sb.WriteString("a_")
	for _, r := range id {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

func mermaidLabel(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "#quot;") + `"`
}
