// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/tessera/pkg/errors"
)

// SweeperConfig schedules removal of scratch roots left behind by crashed
// processes.
type SweeperConfig struct {
	// Base is the directory TempScratch allocates under.
	Base string `koanf:"base"`
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 10m".
	Schedule string `koanf:"schedule"`
	// MaxAge is how old a scratch root must be before it is removed.
	MaxAge time.Duration `koanf:"max_age"`
}

// ScratchSweeper periodically deletes stale scratch roots.
type ScratchSweeper struct {
	cfg    SweeperConfig
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

// NewScratchSweeper validates the schedule and returns a stopped sweeper.
func NewScratchSweeper(cfg SweeperConfig, logger *slog.Logger) (*ScratchSweeper, error) {
	if cfg.Base == "" {
		cfg.Base = os.TempDir()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &ScratchSweeper{
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { _, _ = s.Sweep(context.Background()) }); err != nil {
		return nil, errors.New(errors.CodeConfig, "invalid scratch sweep schedule", err).
			WithContext("schedule", cfg.Schedule)
	}
	initSandboxMetrics()
	return s, nil
}

// Start begins the schedule. Calling it twice is a no-op.
func (s *ScratchSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("sandbox.scratch.sweeper.start",
		slog.String("base", s.cfg.Base),
		slog.String("schedule", s.cfg.Schedule),
		slog.Duration("max_age", s.cfg.MaxAge),
	)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *ScratchSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("sandbox.scratch.sweeper.stop")
}

// Sweep removes every scratch root under Base older than MaxAge and returns
// how many were removed.
func (s *ScratchSweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("tessera/sandbox").Start(ctx, "sandbox.scratch.sweep",
		trace.WithAttributes(attribute.String("base", s.cfg.Base)),
	)
	defer span.End()

	entries, err := os.ReadDir(s.cfg.Base)
	if err != nil {
		sweepErrorCounter.Add(ctx, 1)
		span.RecordError(err)
		return 0, errors.New(errors.CodeInternal, "read scratch base", err).WithContext("base", s.cfg.Base)
	}
	cutoff := s.now().Add(-s.cfg.MaxAge)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ScratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(s.cfg.Base, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			sweepErrorCounter.Add(ctx, 1)
			s.logger.Warn("sandbox.scratch.sweep.error",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	sweptCounter.Add(ctx, int64(removed))
	span.SetAttributes(attribute.Int("removed", removed))
	s.logger.Info("sandbox.scratch.sweep.complete",
		slog.String("base", s.cfg.Base),
		slog.Int("removed", removed),
	)
	return removed, nil
}
