// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a catalog file on change and publishes the new snapshot
// into a Holder. A file that fails to load leaves the previous snapshot in
// place.
type Watcher struct {
	mu        sync.Mutex
	path      string
	holder    *Holder
	debounce  time.Duration
	listeners []func(*Catalog)
	logger    *slog.Logger
	fsw       *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long to wait for writes to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
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

// NewWatcher loads path into holder and prepares to watch it.
func NewWatcher(path string, holder *Holder, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		holder:   holder,
		debounce: 250 * time.Millisecond,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	holder.Store(c)
	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Catalog)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start watches the catalog's directory, since editors often replace files
// by rename.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsw = fsw
	w.logger.Info("catalog.watch.start", slog.String("path", w.path))
	go w.loop(ctx)
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.fsw == nil {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	_ = w.fsw.Close()
	w.fsw = nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			w.logger.Info("catalog.watch.stop", slog.String("path", w.path))
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.isCatalogEvent(ev) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("catalog.watch.error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) isCatalogEvent(ev fsnotify.Event) bool {
	evPath, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(w.path)
	if err != nil {
		return false
	}
	return evPath == target
}

func (w *Watcher) reload() {
	start := time.Now()
	c, err := Load(w.path)
	if err != nil {
		w.logger.Warn("catalog.reload.error",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	w.holder.Store(c)
	w.logger.Info("catalog.reload",
		slog.String("path", w.path),
		slog.Int("agents", c.Len()),
		slog.Duration("duration", time.Since(start)),
	)

	w.mu.Lock()
	listeners := append([]func(*Catalog){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}
