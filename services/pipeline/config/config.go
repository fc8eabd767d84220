// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the gateway configuration from yaml with
// environment overrides. Data source credentials are sealed into
// memguard enclaves immediately after parsing so plaintext DSNs do not
// linger on the heap.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port    string `yaml:"port"`
	LogDir  string `yaml:"log_dir"`
	Metrics bool   `yaml:"metrics"`
}

// IntentConfig configures the Intent Resolver.
type IntentConfig struct {
	// Backend selects the inference capability: anthropic, openai,
	// ollama, or static.
	Backend string `yaml:"backend"`
	Model   string `yaml:"model"`
	// ConfidenceThreshold below which a resolution is surfaced as a
	// clarification request instead of proceeding to synthesis.
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	Timeout             time.Duration `yaml:"timeout"`
}

// DataSourceConfig configures one pooled data source.
type DataSourceConfig struct {
	ID      string `yaml:"id"`
	Dialect string `yaml:"dialect"`
	// DSN may reference an environment variable with the env: prefix
	// (env:SALES_DB_DSN). The resolved value is sealed after Load.
	DSN string `yaml:"dsn"`

	MaxOpenConns   int           `yaml:"max_open_conns"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	// EstimateCost enables EXPLAIN-based cost budgeting for this source.
	EstimateCost bool `yaml:"estimate_cost"`

	dsn *memguard.Enclave
}

// OpenDSN opens the sealed DSN. The returned string is a copy; callers
// must not retain it longer than the connection setup.
func (d *DataSourceConfig) OpenDSN() (string, error) {
	if d.dsn == nil {
		return "", fmt.Errorf("data source %s: no DSN configured", d.ID)
	}
	buf, err := d.dsn.Open()
	if err != nil {
		return "", fmt.Errorf("data source %s: open DSN enclave: %w", d.ID, err)
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// BreakerConfig configures the per-source circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RetryConfig configures transient-error retry inside the pool.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxEntries  int           `yaml:"max_entries"`
	MaxMemoryMB int           `yaml:"max_memory_mb"`
}

// AdmissionConfig bounds concurrent work.
type AdmissionConfig struct {
	GlobalLimit    int           `yaml:"global_limit"`
	PerUserLimit   int           `yaml:"per_user_limit"`
	PerUserRate    float64       `yaml:"per_user_rate"`
	PerUserBurst   int           `yaml:"per_user_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SafetyConfig bounds what generated SQL may do.
type SafetyConfig struct {
	MaxRows    int     `yaml:"max_rows"`
	CostBudget float64 `yaml:"cost_budget"`
}

// SessionConfig configures dashboard sessions.
type SessionConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	ClientQueueLen int           `yaml:"client_queue_len"`
	GracePeriod    time.Duration `yaml:"grace_period"`
}

// HistoryConfig configures the query history store.
type HistoryConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Intent    IntentConfig       `yaml:"intent"`
	Sources   []DataSourceConfig `yaml:"sources"`
	Breaker   BreakerConfig      `yaml:"breaker"`
	Retry     RetryConfig        `yaml:"retry"`
	Cache     CacheConfig        `yaml:"cache"`
	Admission AdmissionConfig    `yaml:"admission"`
	Safety    SafetyConfig       `yaml:"safety"`
	Session   SessionConfig      `yaml:"session"`
	History   HistoryConfig      `yaml:"history"`
	// CatalogPath points at the schema/policy yaml file.
	CatalogPath string `yaml:"catalog_path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "12400", Metrics: true},
		Intent: IntentConfig{
			Backend:             "static",
			ConfidenceThreshold: 0.7,
			Timeout:             30 * time.Second,
		},
		Breaker: BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Cache: CacheConfig{TTL: 5 * time.Minute, MaxEntries: 1024, MaxMemoryMB: 256},
		Admission: AdmissionConfig{
			GlobalLimit:    64,
			PerUserLimit:   4,
			PerUserRate:    5,
			PerUserBurst:   10,
			RequestTimeout: 60 * time.Second,
		},
		Safety:  SafetyConfig{MaxRows: 1000, CostBudget: 1e7},
		Session: SessionConfig{BufferSize: 256, ClientQueueLen: 64, GracePeriod: 30 * time.Second},
		History: HistoryConfig{Path: "/var/lib/queryloom/history"},
	}
}

// Load reads the yaml file at path over the defaults, applies env
// overrides, and seals all DSNs.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.sealSecrets(); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QUERYLOOM_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("QUERYLOOM_INTENT_BACKEND"); v != "" {
		cfg.Intent.Backend = v
	}
	if v := os.Getenv("QUERYLOOM_CATALOG"); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv("QUERYLOOM_MAX_ROWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Safety.MaxRows = n
		}
	}
}

// sealSecrets resolves env: DSN references and moves every DSN into a
// memguard enclave, wiping the yaml-held plaintext.
func (c *Config) sealSecrets() error {
	for i := range c.Sources {
		src := &c.Sources[i]
		dsn := src.DSN
		if len(dsn) > 4 && dsn[:4] == "env:" {
			dsn = os.Getenv(dsn[4:])
			if dsn == "" {
				return fmt.Errorf("data source %s: env var %s is empty", src.ID, src.DSN[4:])
			}
		}
		if dsn == "" {
			return fmt.Errorf("data source %s: DSN is required", src.ID)
		}
		src.dsn = memguard.NewEnclave([]byte(dsn))
		src.DSN = ""
	}
	return nil
}

func (c *Config) validate() error {
	if c.Safety.MaxRows <= 0 {
		return fmt.Errorf("safety.max_rows must be positive")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Intent.ConfidenceThreshold < 0 || c.Intent.ConfidenceThreshold > 1 {
		return fmt.Errorf("intent.confidence_threshold must be within [0,1]")
	}
	seen := map[string]bool{}
	for _, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("every data source needs an id")
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate data source id %q", src.ID)
		}
		seen[src.ID] = true
	}
	return nil
}
