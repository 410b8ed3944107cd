// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads engine configuration with priority env > file >
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianEnhance/services/engine/breaker"
	"github.com/AleutianAI/AleutianEnhance/services/engine/orchestrator"
	"github.com/AleutianAI/AleutianEnhance/services/engine/scheduler"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// validate is the shared validator instance for config structs.
var validate = validator.New()

// Config is the top-level engine configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `json:"server" yaml:"server"`

	// Logging contains log output settings.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Breaker contains circuit breaker defaults plus per-class overrides.
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`

	// Scheduler contains admission pool settings.
	Scheduler scheduler.Config `json:"scheduler" yaml:"scheduler"`

	// Cache contains result cache settings.
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Orchestrator contains pipeline settings including retry policy.
	Orchestrator orchestrator.Config `json:"orchestrator" yaml:"orchestrator"`

	// Watch contains model weight directory watching settings.
	Watch WatchConfig `json:"watch" yaml:"watch"`

	// Resource contains host memory monitoring settings.
	Resource ResourceConfig `json:"resource" yaml:"resource"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the bind address (default: ":8090").
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" validate:"required"`

	// ReadTimeout bounds request reads (default: 30s).
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gt=0"`

	// WriteTimeout bounds response writes (default: 60s).
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Format is "json" or "text" (default: json).
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
}

// BreakerConfig wraps the breaker defaults with per-class overrides.
type BreakerConfig struct {
	// Defaults apply to classes without an override.
	Defaults breaker.Config `json:"defaults" yaml:"defaults"`

	// PerClass overrides keyed by operation class name.
	PerClass map[task.OperationClass]breaker.Config `json:"per_class" yaml:"per_class"`
}

// CacheConfig contains result cache settings.
type CacheConfig struct {
	// CapacityBytes bounds total cached result size (default: 512 MiB).
	CapacityBytes int64 `json:"capacity_bytes" yaml:"capacity_bytes" validate:"gt=0"`

	// SweepInterval is how often expired entries are collected. Zero
	// disables the sweeper; expiry is then lazy only (default: 1m).
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" validate:"gte=0"`
}

// WatchConfig contains model weight watching settings.
type WatchConfig struct {
	// Enabled turns the file watcher on (default: false).
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dirs are the directories holding model weights, keyed by the
	// fingerprint prefix to invalidate when a file in them changes.
	Dirs map[string]string `json:"dirs" yaml:"dirs"`

	// DebounceInterval batches rapid change bursts (default: 2s).
	DebounceInterval time.Duration `json:"debounce_interval" yaml:"debounce_interval" validate:"gte=0"`
}

// ResourceConfig contains host memory monitoring settings.
type ResourceConfig struct {
	// Enabled turns the memory monitor on. When off, pool budgets stay
	// at their configured values (default: false).
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often host memory is sampled (default: 10s).
	Interval time.Duration `json:"interval" yaml:"interval" validate:"gt=0"`

	// ReservedBytes is memory kept free for the rest of the host;
	// pool budgets shrink when available memory drops below this
	// (default: 2 GiB).
	ReservedBytes int64 `json:"reserved_bytes" yaml:"reserved_bytes" validate:"gte=0"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:   ":8090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Breaker: BreakerConfig{
			Defaults: breaker.DefaultConfig(),
		},
		Scheduler: scheduler.DefaultConfig(),
		Cache: CacheConfig{
			CapacityBytes: 512 << 20,
			SweepInterval: time.Minute,
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Watch: WatchConfig{
			DebounceInterval: 2 * time.Second,
		},
		Resource: ResourceConfig{
			Interval:      10 * time.Second,
			ReservedBytes: 2 << 30,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: Path to a YAML/JSON config file. Empty or missing files are
//     not an error; defaults apply.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file exists but is invalid, or validation
//     fails.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		if err := loadFile(path, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(config *Config) {
	if v := os.Getenv("ENHANCE_LISTEN_ADDR"); v != "" {
		config.Server.ListenAddr = v
	}
	if v := os.Getenv("ENHANCE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("ENHANCE_LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
	if v := os.Getenv("ENHANCE_CACHE_CAPACITY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Cache.CapacityBytes = n
		}
	}
	if v := os.Getenv("ENHANCE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Orchestrator.CacheTTL = d
		}
	}
	if v := os.Getenv("ENHANCE_GPU_MEMORY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if pool, ok := config.Scheduler.Pools[task.ResourceGPU]; ok {
				pool.MemoryBudgetBytes = n
				config.Scheduler.Pools[task.ResourceGPU] = pool
			}
		}
	}
	if v := os.Getenv("ENHANCE_CPU_MEMORY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			if pool, ok := config.Scheduler.Pools[task.ResourceCPU]; ok {
				pool.MemoryBudgetBytes = n
				config.Scheduler.Pools[task.ResourceCPU] = pool
			}
		}
	}
	if v := os.Getenv("ENHANCE_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Breaker.Defaults.FailureThreshold = n
		}
	}
	if v := os.Getenv("ENHANCE_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Breaker.Defaults.Timeout = d
		}
	}
}

// Validate checks structural constraints via struct tags plus the
// cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if len(c.Scheduler.Pools) == 0 {
		return fmt.Errorf("scheduler: at least one resource pool is required")
	}
	for class, pool := range c.Scheduler.Pools {
		if pool.MaxConcurrent <= 0 {
			return fmt.Errorf("scheduler pool %s: max_concurrent must be positive", class)
		}
		if pool.MemoryBudgetBytes <= 0 {
			return fmt.Errorf("scheduler pool %s: memory_budget_bytes must be positive", class)
		}
	}
	for class := range c.Breaker.PerClass {
		if !class.Valid() {
			return fmt.Errorf("breaker override for unknown class %q", class)
		}
	}
	if c.Watch.Enabled && len(c.Watch.Dirs) == 0 {
		return fmt.Errorf("watch: enabled but no directories configured")
	}
	return nil
}
