// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knadh/koanf/providers/file"
)

// Watcher reloads the configuration when its file or the active profile
// overlay is written. A reload that fails to load or validate keeps the
// previous configuration.
type Watcher struct {
	opts     Options
	paths    []string
	debounce time.Duration
	logger   *slog.Logger
	current  atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
	providers []*file.File
	pending   *time.Timer
	stopped   bool
	stopOnce  sync.Once
	done      chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets how long writes must settle before a reload.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads the configuration described by opts. Files are not
// watched until Start.
func NewWatcher(opts Options, options ...WatcherOption) (*Watcher, error) {
	cfg, err := LoadWith(opts)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		opts:     opts,
		debounce: 200 * time.Millisecond,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range options {
		o(w)
	}
	w.current.Store(cfg)
	if opts.Path != "" {
		profile := opts.Profile
		if profile == "" {
			profile = os.Getenv(ProfileEnv)
		}
		w.paths = []string{opts.Path}
		if p := profilePath(opts.Path, profile); p != "" {
			w.paths = append(w.paths, p)
		}
	}
	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// Start watches every existing configuration file until ctx ends or Stop
// is called. Files that cannot be watched are logged and skipped.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	for _, path := range w.paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		fp := file.Provider(path)
		err := fp.Watch(func(_ any, err error) {
			if err != nil {
				w.logger.Warn("config.watch.error", slog.String("path", path), slog.String("error", err.Error()))
				return
			}
			w.schedule()
		})
		if err != nil {
			w.logger.Warn("config.watch.error", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		w.providers = append(w.providers, fp)
	}
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()
}

// Stop releases the file watches. Pending reloads are dropped. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		if w.pending != nil {
			w.pending.Stop()
		}
		providers := w.providers
		w.providers = nil
		w.mu.Unlock()

		for _, fp := range providers {
			_ = fp.Unwatch()
		}
		close(w.done)
	})
}

// schedule coalesces a burst of write events into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.pending == nil {
		w.pending = time.AfterFunc(w.debounce, w.reload)
		return
	}
	w.pending.Reset(w.debounce)
}

func (w *Watcher) reload() {
	cfg, err := LoadWith(w.opts)
	if err != nil {
		w.logger.Warn("config.reload.error", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.current.Store(cfg)
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()

	w.logger.Info("config.reload", slog.Any("paths", w.paths))
	for _, fn := range listeners {
		fn(cfg)
	}
}
