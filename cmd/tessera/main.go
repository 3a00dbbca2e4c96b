// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the tessera CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jllopis/tessera/pkg/config"
	"github.com/jllopis/tessera/pkg/telemetry"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	ConfigPath string
	Profile    string
	Overrides  []string
	LogLevel   string
	LogFormat  string
	JSON       bool
}

// app carries what every command needs after the persistent pre-run.
type app struct {
	flags  globalFlags
	cfg    *config.Config
	logger *slog.Logger
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stderr: os.Stderr}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		printError(os.Stderr, err, a.flags.JSON)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "tessera",
		Short: "Plan and run pipelines of sandboxed WebAssembly agents",
		Long: `tessera composes registered agents into the cheapest pipeline that turns
a start capability into a goal capability, then runs each agent in its own
fuel-metered WebAssembly sandbox, feeding every output to the next step.

Capabilities use a compact notation:
  image                 an artifact of type image
  image@jpg,png         restricted to formats
  image->text@jpg       a transformation
  image@png#1920x1080   with a maximum resolution`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfig(cmd) {
				return nil
			}
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.ConfigPath, "config", "c", os.Getenv("TESSERA_CONFIG"), "Path to the YAML configuration file")
	pf.StringVar(&a.flags.Profile, "profile", "", "Configuration profile overlay (default $TESSERA_PROFILE)")
	pf.StringArrayVar(&a.flags.Overrides, "set", nil, "Override a configuration key (key=value, repeatable)")
	pf.StringVar(&a.flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&a.flags.LogFormat, "log-format", "", "Log format: text, json")
	pf.BoolVar(&a.flags.JSON, "json", false, "JSON output")

	root.AddCommand(
		newPlanCmd(a),
		newRunCmd(a),
		newServeCmd(a),
		newCatalogCmd(a),
		newTokenCmd(a),
		newVersionCmd(),
	)
	return root
}

func skipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["config"] == "skip" {
			return true
		}
	}
	return false
}

// load builds the configuration from file, profile, environment and flags,
// then configures logging.
func (a *app) load(cmd *cobra.Command) error {
	overrides := append([]string(nil), a.flags.Overrides...)
	if a.flags.LogLevel != "" {
		overrides = append(overrides, "log.level="+a.flags.LogLevel)
	}
	if a.flags.LogFormat != "" {
		overrides = append(overrides, "log.format="+a.flags.LogFormat)
	}
	cfg, err := config.LoadWith(a.options(overrides))
	if err != nil {
		return newConfigError(err, a.flags.ConfigPath)
	}
	a.cfg = cfg
	a.logger = telemetry.ConfigureSlog(a.stderr, cfg.Log.Level, cfg.Log.Format)
	a.logger.Debug("config.loaded",
		slog.String("command", cmd.CommandPath()),
		slog.String("path", a.flags.ConfigPath),
		slog.String("profile", a.flags.Profile),
	)
	return nil
}

func (a *app) options(overrides []string) config.Options {
	return config.Options{
		Path:      a.flags.ConfigPath,
		Profile:   a.flags.Profile,
		Overrides: overrides,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"config": "skip"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tessera %s (%s)\n", version, commit)
		},
	}
}
