// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/modstore"
	"github.com/jllopis/tessera/pkg/sandbox"
	"github.com/jllopis/tessera/pkg/store"
)

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // ok, warn, error
	Message string `json:"message,omitempty"`
}

type validateResult struct {
	Path    string        `json:"path"`
	Agents  int           `json:"agents"`
	Checks  []checkResult `json:"checks"`
	Overall string        `json:"overall"`
}

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and manage the agent catalog",
	}
	cmd.AddCommand(newCatalogValidateCmd(a), newCatalogImportCmd(a), newCatalogListCmd(a))
	return cmd
}

func newCatalogValidateCmd(a *app) *cobra.Command {
	var checkModules bool
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a catalog file and, optionally, the modules it references",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Catalog.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return newInvalidArgumentError("path", "no catalog path given and catalog.path is not set")
			}
			res := validateCatalog(cmd.Context(), a, path, checkModules)
			if a.flags.JSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printValidate(cmd.OutOrStdout(), res)
			}
			if res.Overall == "error" {
				return errors.New(errors.CodeInvalidInput, "catalog validation failed", nil).WithContext("path", path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkModules, "modules", false, "Also load, verify and compile every agent module")
	return cmd
}

func validateCatalog(ctx context.Context, a *app, path string, checkModules bool) validateResult {
	res := validateResult{Path: path, Checks: []checkResult{}}
	add := func(c checkResult) {
		res.Checks = append(res.Checks, c)
	}

	cat, err := catalog.Load(path)
	if err != nil {
		add(checkResult{Name: "catalog", Status: "error", Message: err.Error()})
		res.Overall = "error"
		return res
	}
	res.Agents = cat.Len()
	add(checkResult{Name: "catalog", Status: "ok", Message: fmt.Sprintf("%d agents", cat.Len())})

	if checkModules {
		for _, c := range checkAgentModules(ctx, a, cat) {
			add(c)
		}
	}

	res.Overall = "ok"
	for _, c := range res.Checks {
		switch c.Status {
		case "error":
			res.Overall = "error"
		case "warn":
			if res.Overall == "ok" {
				res.Overall = "warn"
			}
		}
	}
	return res
}

func checkAgentModules(ctx context.Context, a *app, cat *catalog.Catalog) []checkResult {
	modules, err := modstore.NewFS(a.cfg.Modules.Root, 0)
	if err != nil {
		return []checkResult{{Name: "modules", Status: "error", Message: err.Error()}}
	}
	ex, err := sandbox.New(ctx, a.cfg.Sandbox, sandbox.WithLogger(a.logger))
	if err != nil {
		return []checkResult{{Name: "sandbox", Status: "error", Message: err.Error()}}
	}
	defer ex.Close(context.WithoutCancel(ctx))

	var out []checkResult
	for _, agent := range cat.Agents() {
		name := "module " + agent.Module.Name
		bin, err := modules.Module(ctx, agent)
		if err != nil {
			out = append(out, checkResult{Name: name, Status: "error", Message: err.Error()})
			continue
		}
		if err := ex.Precompile(ctx, bin); err != nil {
			out = append(out, checkResult{Name: name, Status: "error", Message: err.Error()})
			continue
		}
		msg := modstore.Digest(bin)
		status := "ok"
		if agent.Module.Digest == "" {
			status, msg = "warn", "no digest pinned; current "+msg
		}
		out = append(out, checkResult{Name: name, Status: status, Message: msg})
	}
	return out
}

func printValidate(w io.Writer, res validateResult) {
	fmt.Fprintf(w, "%s (%d agents)\n", res.Path, res.Agents)
	for _, c := range res.Checks {
		line := fmt.Sprintf("  [%s] %s", c.Status, c.Name)
		if c.Message != "" {
			line += ": " + c.Message
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "overall: %s\n", res.Overall)
}

func newCatalogImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Register the agents of a catalog file in the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, err := catalog.Load(args[0])
			if err != nil {
				return err
			}
			db, err := store.Open(ctx, a.cfg.Store.Config, a.logger)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.NewAgentRegistry(db).Register(ctx, cat.Agents()...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d agents\n", cat.Len())
			return nil
		},
	}
}

func newCatalogListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the agents of the configured catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newPlanningRuntime(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)
			cat := rt.holder.Load()
			if a.flags.JSON {
				return catalog.Encode(cmd.OutOrStdout(), cat, catalog.FormatJSON)
			}
			for _, agent := range cat.Agents() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-40s %s\n", agent.ID, agent.Capability, agent.Module.Name)
			}
			return nil
		},
	}
}
