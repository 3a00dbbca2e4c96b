// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox_test

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jllopis/tessera/internal/wasmtest"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/sandbox"
)

func newExecutor(t *testing.T, mutate ...func(*sandbox.Config)) *sandbox.Executor {
	t.Helper()
	cfg := sandbox.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	ex, err := sandbox.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	t.Cleanup(func() { _ = ex.Close(context.Background()) })
	return ex
}

func expectKind(t *testing.T, err error, kind errors.ErrorCode) *sandbox.ExecutionError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got success", kind)
	}
	var ee *sandbox.ExecutionError
	if !stderrors.As(err, &ee) {
		t.Fatalf("expected *ExecutionError, got %T: %v", err, err)
	}
	if ee.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, ee.Kind, err)
	}
	if errors.CodeOf(err) != kind {
		t.Fatalf("expected code %s via CodeOf, got %s", kind, errors.CodeOf(err))
	}
	return ee
}

func TestRunEcho(t *testing.T) {
	ex := newExecutor(t)
	res, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.Echo(), Input: []byte("hello")})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(res.Output) != "hello" {
		t.Fatalf("expected echo, got %q", res.Output)
	}
	if res.State != sandbox.StateCompleted {
		t.Fatalf("expected completed, got %s", res.State)
	}
	if res.FuelConsumed == 0 {
		t.Fatalf("expected fuel to be consumed")
	}
}

func TestRunEmptyAndMaxInput(t *testing.T) {
	ex := newExecutor(t)
	for _, input := range [][]byte{nil, bytes.Repeat([]byte{'x'}, sandbox.MaxPayload)} {
		res, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.Echo(), Input: input})
		if err != nil {
			t.Fatalf("run with %d bytes: %v", len(input), err)
		}
		if !bytes.Equal(res.Output, input) {
			t.Fatalf("expected %d bytes echoed, got %d", len(input), len(res.Output))
		}
	}
}

func TestRunInputTooLarge(t *testing.T) {
	ex := newExecutor(t)
	_, err := ex.Run(context.Background(), sandbox.Request{
		Module: wasmtest.Echo(),
		Input:  make([]byte, sandbox.MaxPayload+1),
	})
	if errors.CodeOf(err) != errors.CodeInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRunFreshInstancePerInvocation(t *testing.T) {
	ex := newExecutor(t)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.GlobalCounter()})
			if err != nil {
				errs <- err
				return
			}
			if got := binary.LittleEndian.Uint32(res.Output); got != 1 {
				errs <- stderrors.New("guest state leaked between invocations")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent run: %v", err)
	}
}

func TestRunMissingEntryPoint(t *testing.T) {
	ex := newExecutor(t)
	for name, mod := range map[string][]byte{
		"absent":          wasmtest.NoEntryPoint(),
		"wrong signature": wasmtest.WrongSignature(),
	} {
		_, err := ex.Run(context.Background(), sandbox.Request{Module: mod})
		ee := expectKind(t, err, errors.CodeMissingEntryPoint)
		if ee.FuelConsumed != 0 {
			t.Fatalf("%s: expected no fuel consumed, got %d", name, ee.FuelConsumed)
		}
		if ee.State != sandbox.StateFaulted {
			t.Fatalf("%s: expected faulted, got %s", name, ee.State)
		}
	}
}

func TestRunMissingMemoryExport(t *testing.T) {
	ex := newExecutor(t)
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.NoMemory()})
	expectKind(t, err, errors.CodeMissingMemoryExport)
}

func TestRunModuleLoadFailed(t *testing.T) {
	ex := newExecutor(t)
	_, err := ex.Run(context.Background(), sandbox.Request{Module: []byte("definitely not wasm")})
	ee := expectKind(t, err, errors.CodeModuleLoadFailed)
	if ee.State != sandbox.StateFaulted {
		t.Fatalf("expected faulted, got %s", ee.State)
	}
}

func TestRunTrap(t *testing.T) {
	ex := newExecutor(t)
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.Trap()})
	ee := expectKind(t, err, errors.CodeRuntimeTrap)
	if ee.State != sandbox.StateFaulted {
		t.Fatalf("expected faulted, got %s", ee.State)
	}
}

func TestRunNonZeroStatus(t *testing.T) {
	ex := newExecutor(t)
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.Status(7)})
	expectKind(t, err, errors.CodeRuntimeTrap)
}

func TestRunProcExit(t *testing.T) {
	ex := newExecutor(t)
	if _, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.Exit(0)}); err != nil {
		t.Fatalf("exit 0 should complete: %v", err)
	}
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.Exit(3)})
	expectKind(t, err, errors.CodeRuntimeTrap)
}

func TestRunFuelExhausted(t *testing.T) {
	ex := newExecutor(t)
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.InfiniteLoop(), Fuel: 50_000})
	ee := expectKind(t, err, errors.CodeResourceExhausted)
	if ee.State != sandbox.StateResourceExhausted {
		t.Fatalf("expected resource_exhausted, got %s", ee.State)
	}
	if ee.FuelConsumed != 50_000 {
		t.Fatalf("expected whole budget consumed, got %d", ee.FuelConsumed)
	}
	if !errors.IsRecoverable(err) {
		t.Fatalf("expected resource exhaustion to be recoverable")
	}
}

func TestRunFuelBudgets(t *testing.T) {
	ex := newExecutor(t)
	for _, n := range []int32{1, 10, 1_000} {
		mod := wasmtest.Spin(n)
		res, err := ex.Run(context.Background(), sandbox.Request{Module: mod, Fuel: 1 << 40})
		if err != nil {
			t.Fatalf("spin(%d): %v", n, err)
		}
		cost := res.FuelConsumed

		res, err = ex.Run(context.Background(), sandbox.Request{Module: mod, Fuel: cost})
		if err != nil {
			t.Fatalf("spin(%d) with exact budget %d: %v", n, cost, err)
		}
		if res.FuelConsumed != cost {
			t.Fatalf("spin(%d): expected deterministic cost %d, got %d", n, cost, res.FuelConsumed)
		}

		_, err = ex.Run(context.Background(), sandbox.Request{Module: mod, Fuel: cost - 1})
		expectKind(t, err, errors.CodeResourceExhausted)
	}
}

func TestRunDefaultFuel(t *testing.T) {
	ex := newExecutor(t, func(c *sandbox.Config) { c.Fuel = 10_000 })
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.InfiniteLoop()})
	ee := expectKind(t, err, errors.CodeResourceExhausted)
	if ee.FuelConsumed != 10_000 {
		t.Fatalf("expected default budget to apply, consumed %d", ee.FuelConsumed)
	}
}

func TestRunWallClockLimit(t *testing.T) {
	ex := newExecutor(t, func(c *sandbox.Config) { c.Timeout = 50 * time.Millisecond })
	start := time.Now()
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.InfiniteLoop(), Fuel: 1 << 62})
	expectKind(t, err, errors.CodeResourceExhausted)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("wall-clock limit not enforced, ran %s", elapsed)
	}
}

func TestRunCanceled(t *testing.T) {
	ex := newExecutor(t, func(c *sandbox.Config) { c.Timeout = time.Minute })
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := ex.Run(ctx, sandbox.Request{Module: wasmtest.InfiniteLoop(), Fuel: 1 << 62})
	if errors.CodeOf(err) != errors.CodeCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestSharedCompileSurvivesCanceledCaller(t *testing.T) {
	ex := newExecutor(t)
	mod := wasmtest.Spin(5000)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = ex.Run(ctx, sandbox.Request{Module: mod, Input: []byte("x")})
	}()
	cancel()

	outputs := make([]string, 8)
	errs := make([]error, 8)
	for i := range outputs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ex.Run(context.Background(), sandbox.Request{Module: mod, Input: []byte("x")})
			if err != nil {
				errs[i] = err
				return
			}
			outputs[i] = string(res.Output)
		}(i)
	}
	wg.Wait()
	for i := range outputs {
		if errs[i] != nil {
			t.Fatalf("run %d failed: %v", i, errs[i])
		}
		if outputs[i] != "x" {
			t.Fatalf("run %d: expected %q, got %q", i, "x", outputs[i])
		}
	}
}

func TestRunOutputBounds(t *testing.T) {
	ex := newExecutor(t)
	_, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.OversizedOutput()})
	expectKind(t, err, errors.CodeMemoryBoundsViolation)

	_, err = ex.Run(context.Background(), sandbox.Request{Module: wasmtest.OutOfBoundsLoad()})
	expectKind(t, err, errors.CodeMemoryBoundsViolation)
}

func TestRunStartSection(t *testing.T) {
	ex := newExecutor(t)
	res, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.StartMarker()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !bytes.Equal(res.Output, []byte{42}) {
		t.Fatalf("expected start function to run first, got %v", res.Output)
	}

	_, err = ex.Run(context.Background(), sandbox.Request{Module: wasmtest.StartSpin(), Fuel: 10_000})
	expectKind(t, err, errors.CodeResourceExhausted)
}

func errno(t *testing.T, res *sandbox.Result) uint32 {
	t.Helper()
	if len(res.Output) != 4 {
		t.Fatalf("expected 4-byte errno, got %v", res.Output)
	}
	return binary.LittleEndian.Uint32(res.Output)
}

func TestRunScratchConfinement(t *testing.T) {
	ex := newExecutor(t)
	base := t.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")
	for _, dir := range []string{root, outside} {
		if err := os.Mkdir(dir, 0o700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	run := func(path string, create bool) uint32 {
		res, err := ex.Run(context.Background(), sandbox.Request{
			Module:      wasmtest.OpenFile(path, create),
			ScratchRoot: root,
		})
		if err != nil {
			t.Fatalf("open %q: %v", path, err)
		}
		return errno(t, res)
	}

	if e := run("inside.txt", true); e != 0 {
		t.Fatalf("expected create inside root to succeed, errno %d", e)
	}
	if _, err := os.Stat(filepath.Join(root, "inside.txt")); err != nil {
		t.Fatalf("expected file inside root: %v", err)
	}

	if e := run("/etc/passwd", false); e == 0 {
		t.Fatalf("expected /etc/passwd to be unreachable")
	}
	run("../escape.txt", true)
	if _, err := os.Stat(filepath.Join(base, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("guest escaped scratch root with ..")
	}
	if e := run("link/secret.txt", true); e == 0 {
		t.Fatalf("expected symlink traversal to be refused")
	}
	if _, err := os.Stat(filepath.Join(outside, "secret.txt")); !os.IsNotExist(err) {
		t.Fatalf("guest escaped scratch root through a symlink")
	}

	if err := os.WriteFile(filepath.Join(outside, "planted.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("plant: %v", err)
	}
	call := func(name string, mod []byte) uint32 {
		res, err := ex.Run(context.Background(), sandbox.Request{Module: mod, ScratchRoot: root})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		return errno(t, res)
	}
	if e := call("filestat inside", wasmtest.FileStat("inside.txt")); e != 0 {
		t.Fatalf("expected filestat inside root to succeed, errno %d", e)
	}
	if e := call("filestat link", wasmtest.FileStat("link")); e != 0 {
		t.Fatalf("expected lstat of the link itself to succeed, errno %d", e)
	}
	if e := call("filestat through link", wasmtest.FileStat("link/planted.txt")); e == 0 {
		t.Fatalf("expected filestat through a symlinked directory to be refused")
	}
	if e := call("readlink", wasmtest.ReadLink("link")); e == 0 {
		t.Fatalf("expected readlink to be refused")
	}
}

func TestRunWithoutScratchHasNoFilesystem(t *testing.T) {
	ex := newExecutor(t)
	res, err := ex.Run(context.Background(), sandbox.Request{Module: wasmtest.OpenFile("x.txt", true)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if errno(t, res) == 0 {
		t.Fatalf("expected path_open to fail without a preopened directory")
	}
}

func TestPrecompileAndEviction(t *testing.T) {
	ex := newExecutor(t, func(c *sandbox.Config) { c.CacheSize = 1 })
	if err := ex.Precompile(context.Background(), wasmtest.Echo(), wasmtest.AppendByte('!')); err != nil {
		t.Fatalf("precompile: %v", err)
	}
	if ex.Cached() != 1 {
		t.Fatalf("expected cache bounded to 1, got %d", ex.Cached())
	}
	for i := 0; i < 3; i++ {
		for _, tc := range []struct {
			mod  []byte
			want string
		}{
			{wasmtest.Echo(), "ab"},
			{wasmtest.AppendByte('!'), "ab!"},
		} {
			res, err := ex.Run(context.Background(), sandbox.Request{Module: tc.mod, Input: []byte("ab")})
			if err != nil {
				t.Fatalf("run after eviction: %v", err)
			}
			if string(res.Output) != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, res.Output)
			}
		}
	}

	if err := ex.Precompile(context.Background(), []byte("junk")); err == nil {
		t.Fatalf("expected precompile of junk to fail")
	}
}

func TestDigest(t *testing.T) {
	a, b := sandbox.Digest([]byte("a")), sandbox.Digest([]byte("b"))
	if a == b || len(a) != len("sha256:")+64 {
		t.Fatalf("unexpected digests %q %q", a, b)
	}
}
