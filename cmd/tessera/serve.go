// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/tessera/internal/server"
	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/config"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/sandbox"
	"github.com/jllopis/tessera/pkg/telemetry"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the planning and execution API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return a.serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	return cmd
}

func (a *app) serve(ctx context.Context, cfg *config.Config) error {
	shutdownTelemetry, err := telemetry.InitWithConfig("tessera", version, cfg.Telemetry)
	if err != nil {
		return errors.New(errors.CodeConfig, "init telemetry", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			a.logger.Warn("telemetry.shutdown.error", slog.String("error", err.Error()))
		}
	}()

	rt, err := newExecRuntime(ctx, cfg, a.logger, true)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	n := rt.precompile(ctx, rt.holder.Load())
	a.logger.Info("sandbox.precompiled", slog.Int("modules", n), slog.Int("agents", rt.holder.Load().Len()))

	if rt.watcher != nil {
		rt.watcher.OnChange(func(c *catalog.Catalog) {
			rt.precompile(ctx, c)
		})
		if err := rt.watcher.Start(ctx); err != nil {
			return errors.New(errors.CodeConfig, "watch catalog", err).WithContext("path", cfg.Catalog.Path)
		}
	}

	if cfg.Scratch.Enabled {
		sweeper, err := sandbox.NewScratchSweeper(sandbox.SweeperConfig{
			Base:     cfg.Scratch.Base,
			Schedule: cfg.Scratch.SweepSchedule,
			MaxAge:   cfg.Scratch.MaxAge,
		}, a.logger)
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	// Log level and format follow the configuration file without a restart;
	// everything else needs one.
	if a.flags.ConfigPath != "" {
		cw, err := config.NewWatcher(a.options(a.flags.Overrides), config.WithWatchLogger(a.logger))
		if err != nil {
			return err
		}
		cw.OnChange(func(c *config.Config) {
			telemetry.SetLogLevel(c.Log.Level)
			a.logger.Info("config.reloaded", slog.String("log_level", c.Log.Level))
		})
		cw.Start(ctx)
		defer cw.Stop()
	}

	srv, err := server.New(server.Options{
		Config:       cfg.Server,
		Orchestrator: rt.orch,
		Planner:      rt.planner,
		Catalog:      rt.holder,
		Runs:         rt.runs,
		Events:       rt.broker,
		Errors:       rt.metrics,
		Logger:       a.logger,
	})
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}
