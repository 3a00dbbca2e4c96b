// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/jllopis/tessera/pkg/catalog"
	"github.com/jllopis/tessera/pkg/config"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/modstore"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/sandbox"
	"github.com/jllopis/tessera/pkg/store"
	"github.com/jllopis/tessera/pkg/telemetry"
)

// runtime holds the wired components shared by plan, run and serve.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	holder  *catalog.Holder
	planner *planner.Planner
	metrics *telemetry.ErrorMetrics

	executor *sandbox.Executor
	modules  *modstore.FS
	orch     *orchestrator.Orchestrator
	broker   *events.Broker
	runs     orchestrator.RunReader
	db       *store.DB
	watcher  *catalog.Watcher

	closers []func(context.Context) error
}

// loadCatalog fills holder from the configured source. File catalogs are
// watched when catalog.watch is set and withWatch is true.
func loadCatalog(ctx context.Context, cfg *config.Config, db *store.DB, holder *catalog.Holder, logger *slog.Logger, withWatch bool) (*catalog.Watcher, error) {
	switch cfg.Catalog.Source {
	case "store":
		if db == nil {
			return nil, errors.New(errors.CodeConfig, "catalog.source=store requires an open store", nil)
		}
		c, err := store.NewAgentRegistry(db).Catalog(ctx)
		if err != nil {
			return nil, err
		}
		holder.Store(c)
		return nil, nil
	default:
		if cfg.Catalog.Path == "" {
			return nil, errors.New(errors.CodeConfig, "catalog.path is required", nil)
		}
		if !withWatch || !cfg.Catalog.Watch {
			c, err := catalog.Load(cfg.Catalog.Path)
			if err != nil {
				return nil, err
			}
			holder.Store(c)
			return nil, nil
		}
		w, err := catalog.NewWatcher(cfg.Catalog.Path, holder,
			catalog.WithDebounce(cfg.Catalog.Debounce),
			catalog.WithWatchLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

// newPlanningRuntime wires only what planning needs: no executor, no store
// unless the catalog lives there.
func newPlanningRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		holder:  catalog.NewHolder(nil),
		planner: planner.New(cfg.Planner.Options(), planner.WithLogger(logger)),
	}
	if cfg.Catalog.Source == "store" {
		if err := rt.openStore(ctx); err != nil {
			return nil, err
		}
	}
	if _, err := loadCatalog(ctx, cfg, rt.db, rt.holder, logger, false); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// newExecRuntime wires the full execution stack.
func newExecRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, watch bool) (*runtime, error) {
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		holder:  catalog.NewHolder(nil),
		planner: planner.New(cfg.Planner.Options(), planner.WithLogger(logger)),
	}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(ctx)
		}
	}()

	em, err := telemetry.NewErrorMetrics(ctx)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "create error metrics", err)
	}
	rt.metrics = em

	if cfg.Store.Enabled {
		if err := rt.openStore(ctx); err != nil {
			return nil, err
		}
	}
	w, err := loadCatalog(ctx, cfg, rt.db, rt.holder, logger, watch)
	if err != nil {
		return nil, err
	}
	rt.watcher = w

	modules, err := modstore.NewFS(cfg.Modules.Root, cfg.Modules.CacheSize)
	if err != nil {
		return nil, err
	}
	rt.modules = modules

	ex, err := sandbox.New(ctx, cfg.Sandbox, sandbox.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	rt.executor = ex
	rt.closers = append(rt.closers, ex.Close)

	scratch := sandbox.NoScratch()
	if cfg.Scratch.Enabled {
		scratch = sandbox.TempScratch(cfg.Scratch.Base)
	}

	rt.broker = events.NewBroker(
		events.WithRetainedRuns(cfg.Events.RetainedRuns),
		events.WithBrokerLogger(logger),
	)
	publisher := events.Publisher(rt.broker)
	if cfg.Events.Redis.Enabled {
		client := events.NewRedisClient(cfg.Events.Redis.RedisConfig)
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
		publisher = events.Fanout(rt.broker, events.NewRedisPublisher(client, logger, events.WithBreakerMetrics(em)))
	}

	var recorder orchestrator.Recorder
	if rt.db != nil {
		rs := store.NewRunStore(rt.db)
		recorder, rt.runs = rs, rs
	} else {
		mem := orchestrator.NewMemoryRecorder()
		recorder, rt.runs = mem, mem
	}

	rt.orch, err = orchestrator.New(orchestrator.Options{
		Executor:  ex,
		Modules:   modules,
		Catalog:   rt.holder,
		Planner:   rt.planner,
		Scratch:   scratch,
		Fuel:      cfg.Sandbox.Fuel,
		Retry:     cfg.Orchestrator.Retry,
		Recorder:  recorder,
		Publisher: publisher,
		Logger:    logger,
		Errors:    em,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	db, err := store.Open(ctx, rt.cfg.Store.Config, rt.logger)
	if err != nil {
		return err
	}
	rt.db = db
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	return nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}

// precompile compiles the modules of every agent in cat so first runs do
// not pay for compilation. Agents whose module cannot be loaded are
// reported and skipped.
func (rt *runtime) precompile(ctx context.Context, cat *catalog.Catalog) int {
	var bins [][]byte
	for _, a := range cat.Agents() {
		bin, err := rt.modules.Module(ctx, a)
		if err != nil {
			rt.logger.Warn("catalog.module.unavailable",
				slog.String("agent_id", a.ID),
				slog.String("module", a.Module.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		bins = append(bins, bin)
	}
	if err := rt.executor.Precompile(ctx, bins...); err != nil {
		rt.logger.Warn("sandbox.precompile.error", slog.String("error", err.Error()))
		return 0
	}
	return len(bins)
}
