// Copyright 2026 © The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the tessera configuration from defaults, an optional
// YAML file with profile overlay, the environment and explicit overrides,
// in that order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jllopis/tessera/pkg/capability"
	"github.com/jllopis/tessera/pkg/errors"
	"github.com/jllopis/tessera/pkg/events"
	"github.com/jllopis/tessera/pkg/orchestrator"
	"github.com/jllopis/tessera/pkg/planner"
	"github.com/jllopis/tessera/pkg/sandbox"
	"github.com/jllopis/tessera/pkg/store"
	"github.com/jllopis/tessera/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nesting levels: TESSERA_SANDBOX__FUEL sets sandbox.fuel.
const EnvPrefix = "TESSERA_"

// ProfileEnv selects a profile when none is passed explicitly.
const ProfileEnv = "TESSERA_PROFILE"

type Config struct {
	Log          LogConfig          `koanf:"log"`
	Telemetry    telemetry.Config   `koanf:"telemetry"`
	Planner      PlannerConfig      `koanf:"planner"`
	Sandbox      sandbox.Config     `koanf:"sandbox"`
	Scratch      ScratchConfig      `koanf:"scratch"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Catalog      CatalogConfig      `koanf:"catalog"`
	Modules      ModulesConfig      `koanf:"modules"`
	Store        StoreConfig        `koanf:"store"`
	Events       EventsConfig       `koanf:"events"`
	Server       ServerConfig       `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type PlannerConfig struct {
	Policy              capability.Policy `koanf:"policy"`
	StepCost            float64           `koanf:"step_cost"`
	ExhaustiveThreshold int               `koanf:"exhaustive_threshold"`
	K                   int               `koanf:"k"`
	MaxExpansions       int               `koanf:"max_expansions"`
}

type ScratchConfig struct {
	// Enabled mounts a fresh directory per step; disabled steps get no
	// filesystem.
	Enabled       bool          `koanf:"enabled"`
	Base          string        `koanf:"base"`
	SweepSchedule string        `koanf:"sweep_schedule"`
	MaxAge        time.Duration `koanf:"max_age"`
}

type OrchestratorConfig struct {
	Retry orchestrator.RetryPolicy `koanf:"retry"`
}

type CatalogConfig struct {
	Path     string        `koanf:"path"`
	Watch    bool          `koanf:"watch"`
	Debounce time.Duration `koanf:"debounce"`
	// Source is file or store.
	Source string `koanf:"source"`
}

type ModulesConfig struct {
	Root      string `koanf:"root"`
	CacheSize int    `koanf:"cache_size"`
}

type StoreConfig struct {
	Enabled bool `koanf:"enabled"`
	store.Config `koanf:",squash"`
}

type EventsConfig struct {
	RetainedRuns int         `koanf:"retained_runs"`
	Redis        RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Enabled            bool `koanf:"enabled"`
	events.RedisConfig `koanf:",squash"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxInputBytes   int           `koanf:"max_input_bytes"`
	Auth            AuthConfig    `koanf:"auth"`
	RateLimit       RateConfig    `koanf:"rate_limit"`
}

type AuthConfig struct {
	Enabled bool   `koanf:"enabled"`
	Secret  string `koanf:"secret"`
	Issuer  string `koanf:"issuer"`
}

type RateConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// Options controls Load.
type Options struct {
	// Path is the YAML file; empty loads defaults and environment only.
	Path string
	// Profile merges <name>.<profile><ext> next to Path when it exists.
	Profile string
	// Overrides are key=value pairs applied last. Values are decoded as
	// JSON when possible, so "true", "12" and objects keep their type.
	Overrides []string
}

func defaults() map[string]any {
	sb := sandbox.DefaultConfig()
	pol := capability.DefaultPolicy()
	return map[string]any{
		"log.level":                       "info",
		"log.format":                      "text",
		"telemetry.exporter":              "none",
		"telemetry.otlp_timeout":          "10s",
		"telemetry.sample_ratio":          1.0,
		"telemetry.metric_interval":       "1m",
		"planner.policy.type_mismatch":    pol.TypeMismatchPenalty,
		"planner.policy.format_mismatch":  pol.FormatMismatchPenalty,
		"planner.step_cost":               1.0,
		"planner.exhaustive_threshold":    12,
		"planner.k":                       1,
		"planner.max_expansions":          10000,
		"sandbox.fuel":                    sb.Fuel,
		"sandbox.timeout":                 sb.Timeout.String(),
		"sandbox.memory_limit_pages":      sb.MemoryLimitPages,
		"sandbox.cache_size":              sb.CacheSize,
		"sandbox.entry_point":             sb.EntryPoint,
		"sandbox.memory_export":           sb.MemoryExport,
		"sandbox.stdio_limit":             sb.StdioLimit,
		"scratch.enabled":                 true,
		"scratch.sweep_schedule":          "@every 10m",
		"scratch.max_age":                 "1h",
		"orchestrator.retry.max_attempts": 1,
		"catalog.source":                  "file",
		"catalog.debounce":                "250ms",
		"modules.root":                    "modules",
		"modules.cache_size":              32,
		"store.driver":                    store.DriverSQLite,
		"store.dsn":                       "tessera.db",
		"events.retained_runs":            1024,
		"events.redis.addr":               "localhost:6379",
		"events.redis.timeout":            "3s",
		"server.addr":                     ":8080",
		"server.read_timeout":             "15s",
		"server.write_timeout":            "30s",
		"server.shutdown_timeout":         "10s",
		"server.max_input_bytes":          sandbox.MaxPayload,
		"server.rate_limit.rps":           10.0,
		"server.rate_limit.burst":         20,
		"server.auth.issuer":              "tessera",
	}
}

// Load reads path (optional) layered over defaults and the environment.
func Load(path string) (*Config, error) {
	return LoadWith(Options{Path: path})
}

// LoadWithProfile is Load with a profile overlay.
func LoadWithProfile(path, profile string) (*Config, error) {
	return LoadWith(Options{Path: path, Profile: profile})
}

// LoadWith builds a fresh configuration on every call.
func LoadWith(opts Options) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, errors.New(errors.CodeConfig, "set default", err).WithContext("key", key)
		}
	}

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeConfig, "load config file", err).WithContext("path", opts.Path)
		}
		profile := opts.Profile
		if profile == "" {
			profile = os.Getenv(ProfileEnv)
		}
		if p := profilePath(opts.Path, profile); p != "" {
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return nil, errors.New(errors.CodeConfig, "load profile file", err).WithContext("path", p)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.New(errors.CodeConfig, "load environment", err)
	}

	for _, o := range opts.Overrides {
		key, value, err := parseOverride(o)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, errors.New(errors.CodeConfig, "apply override", err).WithContext("key", key)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeConfig, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps TESSERA_SANDBOX__MEMORY_LIMIT_PAGES to sandbox.memory_limit_pages.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "profile" {
		return ""
	}
	return strings.ReplaceAll(s, "__", ".")
}

func profilePath(base, profile string) string {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	p := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func parseOverride(s string) (string, any, error) {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, errors.New(errors.CodeConfig, fmt.Sprintf("override %q must be key=value", s), nil)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return key, v, nil
	}
	return key, raw, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New(errors.CodeConfig, "invalid log level", nil).WithContext("level", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.New(errors.CodeConfig, "invalid log format", nil).WithContext("format", c.Log.Format)
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New(errors.CodeConfig, "telemetry.otlp_endpoint is required for the otlp exporter", nil)
		}
	default:
		return errors.New(errors.CodeConfig, "invalid telemetry exporter", nil).WithContext("exporter", c.Telemetry.Exporter)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return errors.New(errors.CodeConfig, "telemetry.sample_ratio must be within [0, 1]", nil).WithContext("sample_ratio", r)
	}
	if c.Sandbox.Fuel == 0 || c.Sandbox.Timeout <= 0 {
		return errors.New(errors.CodeConfig, "sandbox fuel and timeout must be positive", nil)
	}
	if c.Planner.Policy.TypeMismatchPenalty < 0 || c.Planner.Policy.FormatMismatchPenalty < 0 || c.Planner.StepCost < 0 {
		return errors.New(errors.CodeConfig, "planner costs must not be negative", nil)
	}
	switch c.Catalog.Source {
	case "file", "store":
	default:
		return errors.New(errors.CodeConfig, "catalog.source must be file or store", nil).WithContext("source", c.Catalog.Source)
	}
	if c.Catalog.Source == "store" && !c.Store.Enabled {
		return errors.New(errors.CodeConfig, "catalog.source=store requires store.enabled", nil)
	}
	if c.Server.Auth.Enabled && len(c.Server.Auth.Secret) < 16 {
		return errors.New(errors.CodeConfig, "server.auth.secret must be at least 16 bytes", nil)
	}
	return nil
}

// Options converts the planner section.
func (c PlannerConfig) Options() planner.Options {
	return planner.Options{
		Policy:               c.Policy,
		StepCost:             c.StepCost,
		ExhaustiveThreshold:  c.ExhaustiveThreshold,
		DefaultK:             c.K,
		DefaultMaxExpansions: c.MaxExpansions,
	}
}
