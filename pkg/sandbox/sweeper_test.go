package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTempScratchLifecycle(t *testing.T) {
	base := t.TempDir()
	s, err := TempScratch(base)(context.Background(), "run/1", 2)
	if err != nil {
		t.Fatalf("scratch: %v", err)
	}
	name := filepath.Base(s.Root())
	if filepath.Dir(s.Root()) != mustEval(t, base) {
		t.Fatalf("expected root under %s, got %s", base, s.Root())
	}
	if want := ScratchPrefix + "run_1-2-"; len(name) <= len(want) || name[:len(want)] != want {
		t.Fatalf("unexpected scratch name %q", name)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(s.Root()); !os.IsNotExist(err) {
		t.Fatalf("expected scratch root removed")
	}
}

func TestTempScratchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := TempScratch(t.TempDir())(ctx, "r", 1); err == nil {
		t.Fatalf("expected canceled allocation to fail")
	}
}

func mustEval(t *testing.T, p string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(p)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	return r
}

func TestScratchSweeperRemovesStaleRoots(t *testing.T) {
	base := t.TempDir()
	stale := filepath.Join(base, ScratchPrefix+"old")
	fresh := filepath.Join(base, ScratchPrefix+"new")
	other := filepath.Join(base, "unrelated")
	for _, dir := range []string{stale, fresh, other} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, dir := range []string{stale, other} {
		if err := os.Chtimes(dir, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	sw, err := NewScratchSweeper(SweeperConfig{Base: base, MaxAge: time.Hour}, nil)
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	removed, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale root removed")
	}
	for _, dir := range []string{fresh, other} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("expected %s kept: %v", dir, err)
		}
	}
}

func TestScratchSweeperSchedule(t *testing.T) {
	if _, err := NewScratchSweeper(SweeperConfig{Schedule: "not a schedule"}, nil); err == nil {
		t.Fatalf("expected invalid schedule to be rejected")
	}
	sw, err := NewScratchSweeper(SweeperConfig{Base: t.TempDir(), Schedule: "@every 1h"}, nil)
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	sw.Start()
	sw.Start()
	sw.Stop()
	sw.Stop()
}
