// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs untrusted WebAssembly agents under a fuel budget, a
// wall-clock limit and a single confined filesystem root.
//
// An Executor owns one shared wazero runtime and a cache of compiled
// modules. Every Run gets its own module instance, linear memory, fuel
// counter and Session, so concurrent runs share nothing mutable.
//
// Guests exchange data through a fixed channel in linear memory: the host
// writes a length-prefixed input at InputOffset and calls the exported
// entry point with the input length; the guest writes a length-prefixed
// output at OutputOffset and returns 0 on success.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/telemetry"
	"github.com/jllopis/tessera/pkg/sandbox/metering"
)

// Config tunes an Executor. Zero fields take their defaults.
type Config struct {
	// Fuel is the budget used when a Request does not set one.
	Fuel uint64 `koanf:"fuel"`
	// Timeout bounds the wall-clock time of one invocation.
	Timeout time.Duration `koanf:"timeout"`
	// MemoryLimitPages caps guest linear memory (64 KiB pages).
	MemoryLimitPages uint32 `koanf:"memory_limit_pages"`
	// CacheSize is the number of compiled modules kept.
	CacheSize int `koanf:"cache_size"`
	// CacheDir persists native compilation across processes when set.
	CacheDir string `koanf:"cache_dir"`
	// EntryPoint is the exported function called with the input length.
	EntryPoint string `koanf:"entry_point"`
	// MemoryExport is the exported memory holding the data channel.
	MemoryExport string `koanf:"memory_export"`
	// StdioLimit caps captured guest stdout and stderr, per stream.
	StdioLimit int `koanf:"stdio_limit"`
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		Fuel:             100_000_000,
		Timeout:          5 * time.Second,
		MemoryLimitPages: 256,
		CacheSize:        64,
		EntryPoint:       "run",
		MemoryExport:     "memory",
		StdioLimit:       64 << 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Fuel == 0 {
		c.Fuel = def.Fuel
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = def.MemoryLimitPages
	}
	if c.CacheSize <= 0 {
		c.CacheSize = def.CacheSize
	}
	if c.EntryPoint == "" {
		c.EntryPoint = def.EntryPoint
	}
	if c.MemoryExport == "" {
		c.MemoryExport = def.MemoryExport
	}
	if c.StdioLimit <= 0 {
		c.StdioLimit = def.StdioLimit
	}
	return c
}

// Request is one sandbox invocation.
type Request struct {
	Module      []byte
	Input       []byte
	Fuel        uint64
	ScratchRoot string
	Env         map[string]string
}

// Result is a completed invocation.
type Result struct {
	Output       []byte
	FuelConsumed uint64
	State        State
	Duration     time.Duration
	Stdout       string
	Stderr       string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Executor runs sandboxed modules. It is safe for concurrent use.
type Executor struct {
	cfg     Config
	runtime wazero.Runtime
	cache   *lru.Cache[string, *compiledModule]
	flight  singleflight.Group
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New builds an executor with its shared runtime and WASI host module.
func New(ctx context.Context, cfg Config, opts ...Option) (*Executor, error) {
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("tessera/sandbox"),
	}
	for _, opt := range opts {
		opt(e)
	}

	rcfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.MemoryLimitPages)
	if cfg.CacheDir != "" {
		cc, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.New(errors.CodeConfig, "open compilation cache", err).
				WithContext("cache_dir", cfg.CacheDir)
		}
		rcfg = rcfg.WithCompilationCache(cc)
	}
	e.runtime = wazero.NewRuntimeWithConfig(ctx, rcfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, errors.New(errors.CodeInternal, "instantiate wasi", err)
	}

	cache, err := lru.NewWithEvict(cfg.CacheSize, func(_ string, cm *compiledModule) {
		cm.evict(context.Background())
	})
	if err != nil {
		_ = e.runtime.Close(ctx)
		return nil, errors.New(errors.CodeConfig, "create module cache", err)
	}
	e.cache = cache
	initSandboxMetrics()
	return e, nil
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Close releases the runtime and every compiled module.
func (e *Executor) Close(ctx context.Context) error {
	e.cache.Purge()
	return e.runtime.Close(ctx)
}

// Precompile instruments and compiles modules concurrently so later runs
// skip compilation. It fails on the first module that does not load.
func (e *Executor) Precompile(ctx context.Context, modules ...[]byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, bin := range modules {
		g.Go(func() error {
			if _, err := e.compile(gctx, bin); err != nil {
				return fmt.Errorf("module %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Cached reports how many compiled modules are held.
func (e *Executor) Cached() int { return e.cache.Len() }

// Digest is the cache key of a module.
func Digest(bin []byte) string {
	sum := sha256.Sum256(bin)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Run executes one module invocation. Failures are *ExecutionError values
// for guest faults and *errors.Error values for invalid requests or
// cancellation; no failure is retried here.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	fuel := req.Fuel
	if fuel == 0 {
		fuel = e.cfg.Fuel
	}
	if len(req.Input) > MaxPayload {
		return nil, errors.Newf(errors.CodeInvalidInput, "input of %d bytes exceeds channel capacity %d", len(req.Input), MaxPayload)
	}
	s := newSession(fuel, req.ScratchRoot, req.Input)

	ctx, span := e.tracer.Start(ctx, "sandbox.run",
		trace.WithAttributes(telemetry.SandboxAttributes(s.ID, "", fuel, len(req.Input))...),
	)
	defer span.End()

	res, err := e.run(ctx, s, req)

	outcome := "completed"
	if err != nil {
		outcome = strings.ToLower(string(errors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String(telemetry.AttrSandboxState, s.State().String()),
		attribute.Int64(telemetry.AttrSandboxConsumed, clampFuel(s.Consumed())),
	)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	runsCounter.Add(ctx, 1, attrs)
	fuelHist.Record(ctx, int64(s.Consumed()), attrs)
	runDurationMs.Record(ctx, float64(time.Since(s.Started).Microseconds())/1000, attrs)

	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "sandbox.run.complete",
		slog.String("session", s.ID),
		slog.String("state", s.State().String()),
		slog.String("outcome", outcome),
		slog.Uint64("fuel_budget", s.Fuel),
		slog.Uint64("fuel_consumed", s.Consumed()),
		slog.Duration("duration", time.Since(s.Started)),
	)
	return res, err
}

func (e *Executor) run(ctx context.Context, s *Session, req Request) (*Result, error) {
	cm, err := e.acquire(ctx, req.Module)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeCanceled {
			return nil, err
		}
		_ = s.transition(StateFaulted)
		return nil, newExecutionError(s, errors.CodeModuleLoadFailed, "module failed to load", err)
	}
	defer cm.release(context.Background())
	if err := s.transition(StateLoaded); err != nil {
		return nil, err
	}

	if err := e.checkExports(cm.module); err != nil {
		_ = s.transition(StateFaulted)
		te, _ := errors.As(err)
		return nil, newExecutionError(s, te.Code, te.Message, nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	stdout := newCappedBuffer(e.cfg.StdioLimit)
	stderr := newCappedBuffer(e.cfg.StdioLimit)
	mcfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs("agent")
	if s.ScratchRoot != "" {
		fsConfig := wazero.NewFSConfig().(sysfs.FSConfig).WithSysFSMount(newConfinedFS(s.ScratchRoot), "/")
		mcfg = mcfg.WithFSConfig(fsConfig)
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mcfg = mcfg.WithEnv(k, req.Env[k])
	}

	mod, err := e.runtime.InstantiateModule(runCtx, cm.module, mcfg)
	if err != nil {
		if cerr := e.contextError(ctx, runCtx, s); cerr != nil {
			return nil, cerr
		}
		_ = s.transition(StateFaulted)
		return nil, newExecutionError(s, errors.CodeModuleLoadFailed, "module failed to instantiate", err)
	}
	defer mod.Close(context.Background())

	fuelGlobal, ok := mod.ExportedGlobal(metering.FuelExport).(api.MutableGlobal)
	if !ok {
		_ = s.transition(StateFaulted)
		return nil, newExecutionError(s, errors.CodeModuleLoadFailed, "fuel counter missing after instrumentation", nil)
	}
	fuelGlobal.Set(uint64(s.remaining))
	if err := s.transition(StateRunning); err != nil {
		return nil, err
	}

	status, callErr := e.invoke(runCtx, mod, req.Input)
	s.observeFuel(int64(fuelGlobal.Get()))
	var exit *sys.ExitError
	if stderrors.As(callErr, &exit) && exit.ExitCode() == 0 {
		// proc_exit(0) ends a command-style guest successfully.
		callErr = nil
	}
	if callErr != nil {
		return nil, e.classify(ctx, runCtx, s, callErr, stderr.String())
	}
	if status != 0 {
		_ = s.transition(StateFaulted)
		ee := newExecutionError(s, errors.CodeRuntimeTrap, fmt.Sprintf("entry point returned status %d", status), nil)
		ee.Stderr = stderr.String()
		return nil, ee
	}

	var out []byte
	if mem := mod.ExportedMemory(e.cfg.MemoryExport); mem != nil {
		out, err = readOutput(mem)
	}
	if err != nil {
		_ = s.transition(StateFaulted)
		return nil, newExecutionError(s, errors.CodeMemoryBoundsViolation, "invalid output buffer", err)
	}
	s.Output = out
	if err := s.transition(StateCompleted); err != nil {
		return nil, err
	}
	if stdout.Len() > 0 || stderr.Len() > 0 {
		e.logger.DebugContext(ctx, "sandbox.run.stdio",
			slog.String("session", s.ID),
			slog.String("stdout", stdout.String()),
			slog.String("stderr", stderr.String()),
		)
	}
	return &Result{
		Output:       out,
		FuelConsumed: s.Consumed(),
		State:        s.State(),
		Duration:     time.Since(s.Started),
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
	}, nil
}

// invoke runs the deferred start function, a reactor initializer when
// present, then the entry point after staging the input.
func (e *Executor) invoke(ctx context.Context, mod api.Module, input []byte) (uint32, error) {
	for _, name := range []string{metering.StartExport, "_initialize"} {
		if fn := mod.ExportedFunction(name); fn != nil {
			if _, err := fn.Call(ctx); err != nil {
				return 0, err
			}
		}
	}
	mem := mod.ExportedMemory(e.cfg.MemoryExport)
	if err := ensureChannel(mem); err != nil {
		return 0, err
	}
	if err := writeInput(mem, input); err != nil {
		return 0, err
	}
	res, err := mod.ExportedFunction(e.cfg.EntryPoint).Call(ctx, uint64(len(input)))
	if err != nil {
		return 0, err
	}
	return uint32(res[0]), nil
}

func (e *Executor) checkExports(cm wazero.CompiledModule) error {
	fn, ok := cm.ExportedFunctions()[e.cfg.EntryPoint]
	if !ok {
		return errors.Newf(errors.CodeMissingEntryPoint, "module does not export function %q", e.cfg.EntryPoint)
	}
	params, results := fn.ParamTypes(), fn.ResultTypes()
	if len(params) != 1 || params[0] != api.ValueTypeI32 || len(results) != 1 || results[0] != api.ValueTypeI32 {
		return errors.Newf(errors.CodeMissingEntryPoint, "export %q must have signature (i32) -> i32", e.cfg.EntryPoint)
	}
	if _, ok := cm.ExportedMemories()[e.cfg.MemoryExport]; !ok {
		return errors.Newf(errors.CodeMissingMemoryExport, "module does not export memory %q", e.cfg.MemoryExport)
	}
	return nil
}

// contextError maps a done context to its outcome: the caller abandoning
// the run is a cancellation, our own deadline is resource exhaustion.
func (e *Executor) contextError(parent, runCtx context.Context, s *Session) error {
	if parent.Err() != nil {
		return errors.New(errors.CodeCanceled, "sandbox run canceled", parent.Err()).
			WithContext("session", s.ID)
	}
	if runCtx.Err() != nil {
		if s.State() == StateRunning {
			_ = s.transition(StateResourceExhausted)
		} else {
			_ = s.transition(StateFaulted)
		}
		return newExecutionError(s, errors.CodeResourceExhausted,
			fmt.Sprintf("wall-clock limit of %s exceeded", e.cfg.Timeout), runCtx.Err())
	}
	return nil
}

func (e *Executor) classify(parent, runCtx context.Context, s *Session, err error, stderr string) error {
	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			if cerr := e.contextError(parent, runCtx, s); cerr != nil {
				return cerr
			}
		}
	}

	var kind errors.ErrorCode
	var msg string
	var bounds errBounds
	switch {
	case s.remaining < 0:
		kind, msg = errors.CodeResourceExhausted, "fuel budget exhausted"
		_ = s.transition(StateResourceExhausted)
	case stderrors.As(err, &bounds), strings.Contains(err.Error(), "out of bounds memory access"):
		kind, msg = errors.CodeMemoryBoundsViolation, "memory access out of bounds"
		_ = s.transition(StateFaulted)
	case exit != nil:
		kind, msg = errors.CodeRuntimeTrap, fmt.Sprintf("module exited with code %d", exit.ExitCode())
		_ = s.transition(StateFaulted)
	default:
		kind, msg = errors.CodeRuntimeTrap, "module trapped"
		_ = s.transition(StateFaulted)
	}
	ee := newExecutionError(s, kind, msg, err)
	ee.Stderr = stderr
	return ee
}

// compiledModule is a cache entry. It is closed once evicted and no run
// holds it any more.
type compiledModule struct {
	module wazero.CompiledModule
	points int

	mu      sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

func (c *compiledModule) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.refs++
	return true
}

func (c *compiledModule) release(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	c.closeIfIdle(ctx)
}

func (c *compiledModule) evict(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = true
	c.closeIfIdle(ctx)
}

func (c *compiledModule) closeIfIdle(ctx context.Context) {
	if c.evicted && c.refs == 0 && !c.closed {
		c.closed = true
		_ = c.module.Close(ctx)
	}
}

func (e *Executor) acquire(ctx context.Context, bin []byte) (*compiledModule, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cm, err := e.compile(ctx, bin)
		if err != nil {
			return nil, err
		}
		if cm.acquire() {
			return cm, nil
		}
	}
	return nil, errors.New(errors.CodeInternal, "compiled module evicted repeatedly", nil)
}

func (e *Executor) compile(ctx context.Context, bin []byte) (*compiledModule, error) {
	key := Digest(bin)
	if cm, ok := e.cache.Get(key); ok {
		return cm, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeCanceled, "compile canceled", err)
	}
	// The compile is shared by every caller waiting on key, so it must not
	// die with whichever of them started it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := e.flight.Do(key, func() (any, error) {
		if cm, ok := e.cache.Get(key); ok {
			return cm, nil
		}
		start := time.Now()
		inst, err := metering.Instrument(bin)
		if err != nil {
			return nil, err
		}
		mod, err := e.runtime.CompileModule(shared, inst.Binary)
		if err != nil {
			return nil, err
		}
		cm := &compiledModule{module: mod, points: inst.Points}
		e.cache.Add(key, cm)
		e.logger.DebugContext(shared, "sandbox.module.compiled",
			slog.String("digest", key),
			slog.Int("bytes", len(bin)),
			slog.Int("metering_points", inst.Points),
			slog.Duration("duration", time.Since(start)),
		)
		return cm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiledModule), nil
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newCappedBuffer(max int) *cappedBuffer { return &cappedBuffer{max: max} }

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *cappedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
