// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds process-level defaults for the pipeline runtime:
// timeouts, cache sizing, snapshot cadence, and back-pressure buffering.
// Precedence is defaults, then an optional YAML file, then environment
// variables, matching the layering the rest of the codebase uses for
// logging configuration.
package config

import (
	"os"
	"strconv"
	"time"

	writeiterrors "github.com/nibzard/writeit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Runtime holds the tunables consumed by the storage, cache, and executor
// components.
type Runtime struct {
	// StepTimeout bounds a single step's execution. Default 5 minutes.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// RunTimeout bounds an entire run. Default 30 minutes.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// MaxStepsPerTemplate caps how many steps a template may declare.
	MaxStepsPerTemplate int `yaml:"max_steps_per_template"`

	// SnapshotInterval is how many events accumulate between automatic
	// state_snapshot events. A starting default, not a fixed rule.
	SnapshotInterval int `yaml:"snapshot_interval"`

	// CacheMemoryEntries bounds the in-memory LRU tier of the LLM cache.
	CacheMemoryEntries int `yaml:"cache_memory_entries"`

	// CacheDefaultTTL is applied to cache entries that don't specify
	// their own TTL.
	CacheDefaultTTL time.Duration `yaml:"cache_default_ttl"`

	// ProgressBufferSize bounds the per-subscriber progress channel.
	// When full, the oldest progress message is dropped (never a token
	// chunk).
	ProgressBufferSize int `yaml:"progress_buffer_size"`

	// MaxConcurrentSteps bounds how many independent DAG branches may
	// execute at once within a single run. Zero means GOMAXPROCS.
	MaxConcurrentSteps int `yaml:"max_concurrent_steps"`

	// StorageMaxMapBytes is the ceiling past which writes fail with
	// StorageFullError rather than silently growing forever. Zero means
	// unbounded (bbolt's own mmap growth only).
	StorageMaxMapBytes int64 `yaml:"storage_max_map_bytes"`
}

// Default returns a Runtime populated with spec-mandated defaults.
func Default() *Runtime {
	return &Runtime{
		StepTimeout:         5 * time.Minute,
		RunTimeout:          30 * time.Minute,
		MaxStepsPerTemplate: 50,
		SnapshotInterval:    100,
		CacheMemoryEntries:  1000,
		CacheDefaultTTL:     24 * time.Hour,
		ProgressBufferSize:  256,
		MaxConcurrentSteps:  0,
		StorageMaxMapBytes:  0,
	}
}

// Load builds a Runtime by starting from Default, overlaying an optional
// YAML file at path (ignored if it doesn't exist), and finally applying
// environment variable overrides.
func Load(path string) (*Runtime, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, &writeiterrors.ConfigError{Key: path, Reason: "invalid YAML", Cause: err}
			}
		} else if !os.IsNotExist(err) {
			return nil, &writeiterrors.ConfigError{Key: path, Reason: "could not read config file", Cause: err}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Runtime) {
	if v := os.Getenv("WRITEIT_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StepTimeout = d
		}
	}
	if v := os.Getenv("WRITEIT_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RunTimeout = d
		}
	}
	if v := os.Getenv("WRITEIT_SNAPSHOT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SnapshotInterval = n
		}
	}
	if v := os.Getenv("WRITEIT_CACHE_MEMORY_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheMemoryEntries = n
		}
	}
	if v := os.Getenv("WRITEIT_CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheDefaultTTL = d
		}
	}
	if v := os.Getenv("WRITEIT_PROGRESS_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProgressBufferSize = n
		}
	}
}
