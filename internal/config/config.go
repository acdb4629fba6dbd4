// Copyright 2025 Arbor Works
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

// Package config loads daemon and CLI configuration from a YAML file with
// environment variable overrides. Environment variables take precedence
// over file values; file values take precedence over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	arborerrors "github.com/arborworks/arbor/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete Arbor configuration.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	Worktree WorktreeConfig `yaml:"worktree"`
	Tracing  TracingConfig  `yaml:"tracing"`

	// Providers maps provider names to the commands that implement them.
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
}

// DaemonConfig configures the arbord HTTP server.
type DaemonConfig struct {
	// ListenAddr is the TCP address the API server binds
	// (default 127.0.0.1:7411).
	// Environment: ARBOR_LISTEN_ADDR
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// BaseURL is where the CLI reaches the daemon.
	// Environment: ARBOR_BASE_URL
	BaseURL string `yaml:"base_url,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Environment: ARBOR_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// RequestTimeout bounds one API request, streaming excluded.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// StoreConfig configures storage.
type StoreConfig struct {
	// Type is "sqlite" or "memory".
	// Environment: ARBOR_STORE_TYPE
	Type string `yaml:"type,omitempty"`

	// Path is the sqlite database file.
	// Environment: ARBOR_STORE_PATH
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging for the sqlite store.
	WAL bool `yaml:"wal"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is trace, debug, info, warn, or error.
	// Environment: ARBOR_LOG_LEVEL
	Level string `yaml:"level,omitempty"`

	// Format is text or json.
	// Environment: ARBOR_LOG_FORMAT
	Format string `yaml:"format,omitempty"`
}

// EngineConfig configures run execution.
type EngineConfig struct {
	// MaxConcurrentNodes bounds parallel node dispatch per run.
	// Environment: ARBOR_MAX_CONCURRENT_NODES
	MaxConcurrentNodes int `yaml:"max_concurrent_nodes,omitempty"`

	// NodeTimeout bounds one node attempt.
	// Environment: ARBOR_NODE_TIMEOUT
	NodeTimeout time.Duration `yaml:"node_timeout,omitempty"`

	// DispatchRate throttles node dispatches per second; zero disables.
	DispatchRate float64 `yaml:"dispatch_rate,omitempty"`
}

// WorktreeConfig configures run working directories.
type WorktreeConfig struct {
	// BaseDir is where run worktrees are created.
	// Environment: ARBOR_WORKTREE_DIR
	BaseDir string `yaml:"base_dir,omitempty"`

	// RepositoryRoot holds cloned repositories by name.
	// Environment: ARBOR_REPOSITORY_ROOT
	RepositoryRoot string `yaml:"repository_root,omitempty"`

	// CleanupOnExit removes worktrees when their run's loop exits.
	CleanupOnExit bool `yaml:"cleanup_on_exit"`
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	// Enabled activates the stdout trace exporter.
	// Environment: ARBOR_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`
}

// ProviderConfig describes one external agent provider command.
type ProviderConfig struct {
	// Command is the executable to run.
	Command string `yaml:"command"`

	// Args are passed before the prompt is written to stdin.
	Args []string `yaml:"args,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Daemon: DaemonConfig{
			ListenAddr:      "127.0.0.1:7411",
			BaseURL:         "http://127.0.0.1:7411",
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Type: "sqlite",
			Path: filepath.Join(dataDir, "arbor.db"),
			WAL:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			MaxConcurrentNodes: 4,
			NodeTimeout:        30 * time.Minute,
		},
		Worktree: WorktreeConfig{
			BaseDir:       filepath.Join(dataDir, "worktrees"),
			CleanupOnExit: true,
		},
	}
}

// Load reads configuration from an optional YAML file, fills defaults, and
// applies environment overrides. An empty path loads defaults plus
// environment only.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &arborerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyDefaults fills zero values so minimal config files work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = defaults.Daemon.ListenAddr
	}
	if c.Daemon.BaseURL == "" {
		c.Daemon.BaseURL = defaults.Daemon.BaseURL
	}
	if c.Daemon.ShutdownTimeout == 0 {
		c.Daemon.ShutdownTimeout = defaults.Daemon.ShutdownTimeout
	}
	if c.Daemon.RequestTimeout == 0 {
		c.Daemon.RequestTimeout = defaults.Daemon.RequestTimeout
	}

	if c.Store.Type == "" {
		c.Store.Type = defaults.Store.Type
	}
	if c.Store.Path == "" {
		c.Store.Path = defaults.Store.Path
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Engine.MaxConcurrentNodes == 0 {
		c.Engine.MaxConcurrentNodes = defaults.Engine.MaxConcurrentNodes
	}
	if c.Engine.NodeTimeout == 0 {
		c.Engine.NodeTimeout = defaults.Engine.NodeTimeout
	}

	if c.Worktree.BaseDir == "" {
		c.Worktree.BaseDir = defaults.Worktree.BaseDir
	}
}

// loadFromEnv overrides config fields from the environment.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("ARBOR_LISTEN_ADDR"); val != "" {
		c.Daemon.ListenAddr = val
	}
	if val := os.Getenv("ARBOR_BASE_URL"); val != "" {
		c.Daemon.BaseURL = val
	}
	if val := os.Getenv("ARBOR_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Daemon.ShutdownTimeout = d
		}
	}
	if val := os.Getenv("ARBOR_STORE_TYPE"); val != "" {
		c.Store.Type = val
	}
	if val := os.Getenv("ARBOR_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("ARBOR_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("ARBOR_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("ARBOR_MAX_CONCURRENT_NODES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			c.Engine.MaxConcurrentNodes = n
		}
	}
	if val := os.Getenv("ARBOR_NODE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.NodeTimeout = d
		}
	}
	if val := os.Getenv("ARBOR_WORKTREE_DIR"); val != "" {
		c.Worktree.BaseDir = val
	}
	if val := os.Getenv("ARBOR_REPOSITORY_ROOT"); val != "" {
		c.Worktree.RepositoryRoot = val
	}
	if val := os.Getenv("ARBOR_TRACING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Tracing.Enabled = b
		}
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "memory":
	default:
		return &arborerrors.ConfigError{
			Key:    "store.type",
			Reason: fmt.Sprintf("unsupported store type %q (want sqlite or memory)", c.Store.Type),
		}
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		return &arborerrors.ConfigError{
			Key:    "store.path",
			Reason: "sqlite store requires a database path",
		}
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return &arborerrors.ConfigError{
			Key:    "log.level",
			Reason: fmt.Sprintf("unknown log level %q", c.Log.Level),
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return &arborerrors.ConfigError{
			Key:    "log.format",
			Reason: fmt.Sprintf("unknown log format %q (want text or json)", c.Log.Format),
		}
	}

	if c.Engine.MaxConcurrentNodes < 1 {
		return &arborerrors.ConfigError{
			Key:    "engine.max_concurrent_nodes",
			Reason: "must be at least 1",
		}
	}

	for name, p := range c.Providers {
		if p.Command == "" {
			return &arborerrors.ConfigError{
				Key:    fmt.Sprintf("providers.%s.command", name),
				Reason: "provider command is required",
			}
		}
	}
	return nil
}

// DefaultConfigPath returns the conventional config file location,
// honoring XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "arbor", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "arbor.yaml"
	}
	return filepath.Join(home, ".config", "arbor", "config.yaml")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "arbor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbor"
	}
	return filepath.Join(home, ".local", "share", "arbor")
}
