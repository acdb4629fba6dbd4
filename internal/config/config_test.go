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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	arborerrors "github.com/arborworks/arbor/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Daemon.ListenAddr != "127.0.0.1:7411" {
		t.Errorf("expected listen addr 127.0.0.1:7411, got %q", cfg.Daemon.ListenAddr)
	}
	if cfg.Daemon.BaseURL != "http://127.0.0.1:7411" {
		t.Errorf("expected base URL http://127.0.0.1:7411, got %q", cfg.Daemon.BaseURL)
	}
	if cfg.Daemon.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected shutdown timeout 30s, got %v", cfg.Daemon.ShutdownTimeout)
	}
	if cfg.Daemon.RequestTimeout != 60*time.Second {
		t.Errorf("expected request timeout 60s, got %v", cfg.Daemon.RequestTimeout)
	}

	if cfg.Store.Type != "sqlite" {
		t.Errorf("expected store type sqlite, got %q", cfg.Store.Type)
	}
	if cfg.Store.Path == "" {
		t.Error("expected a default sqlite path")
	}
	if !cfg.Store.WAL {
		t.Error("expected WAL enabled by default")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected log format 'text', got %q", cfg.Log.Format)
	}

	if cfg.Engine.MaxConcurrentNodes != 4 {
		t.Errorf("expected max concurrent nodes 4, got %d", cfg.Engine.MaxConcurrentNodes)
	}
	if cfg.Engine.NodeTimeout != 30*time.Minute {
		t.Errorf("expected node timeout 30m, got %v", cfg.Engine.NodeTimeout)
	}

	if cfg.Worktree.BaseDir == "" {
		t.Error("expected a default worktree base dir")
	}
	if !cfg.Worktree.CleanupOnExit {
		t.Error("expected worktree cleanup enabled by default")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Type != "sqlite" {
		t.Errorf("expected default store type, got %q", cfg.Store.Type)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
daemon:
  listen_addr: "0.0.0.0:9000"
store:
  type: memory
log:
  level: debug
engine:
  max_concurrent_nodes: 8
  node_timeout: 5m
providers:
  claude:
    command: claude
    args: ["--output-format", "stream-json"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Daemon.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("expected listen addr 0.0.0.0:9000, got %q", cfg.Daemon.ListenAddr)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("expected store type memory, got %q", cfg.Store.Type)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Log.Level)
	}
	if cfg.Engine.MaxConcurrentNodes != 8 {
		t.Errorf("expected max concurrent nodes 8, got %d", cfg.Engine.MaxConcurrentNodes)
	}
	if cfg.Engine.NodeTimeout != 5*time.Minute {
		t.Errorf("expected node timeout 5m, got %v", cfg.Engine.NodeTimeout)
	}

	// Unset fields still get defaults.
	if cfg.Daemon.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown timeout, got %v", cfg.Daemon.ShutdownTimeout)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected default log format, got %q", cfg.Log.Format)
	}

	p, ok := cfg.Providers["claude"]
	if !ok {
		t.Fatal("expected claude provider entry")
	}
	if p.Command != "claude" {
		t.Errorf("expected provider command claude, got %q", p.Command)
	}
	if len(p.Args) != 2 {
		t.Errorf("expected 2 provider args, got %d", len(p.Args))
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	var cfgErr *arborerrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
	if cfgErr.Key != "config_file" {
		t.Errorf("expected key config_file, got %q", cfgErr.Key)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: debug
store:
  type: sqlite
  path: /tmp/from-file.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ARBOR_LOG_LEVEL", "warn")
	t.Setenv("ARBOR_STORE_PATH", "/tmp/from-env.db")
	t.Setenv("ARBOR_MAX_CONCURRENT_NODES", "16")
	t.Setenv("ARBOR_NODE_TIMEOUT", "90s")
	t.Setenv("ARBOR_TRACING_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("expected env to win over file for log level, got %q", cfg.Log.Level)
	}
	if cfg.Store.Path != "/tmp/from-env.db" {
		t.Errorf("expected env store path, got %q", cfg.Store.Path)
	}
	if cfg.Engine.MaxConcurrentNodes != 16 {
		t.Errorf("expected max concurrent nodes 16, got %d", cfg.Engine.MaxConcurrentNodes)
	}
	if cfg.Engine.NodeTimeout != 90*time.Second {
		t.Errorf("expected node timeout 90s, got %v", cfg.Engine.NodeTimeout)
	}
	if !cfg.Tracing.Enabled {
		t.Error("expected tracing enabled via env")
	}
}

func TestLoadEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("ARBOR_MAX_CONCURRENT_NODES", "not-a-number")
	t.Setenv("ARBOR_NODE_TIMEOUT", "soon")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.MaxConcurrentNodes != 4 {
		t.Errorf("expected default max concurrent nodes, got %d", cfg.Engine.MaxConcurrentNodes)
	}
	if cfg.Engine.NodeTimeout != 30*time.Minute {
		t.Errorf("expected default node timeout, got %v", cfg.Engine.NodeTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errText string
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "unsupported store type",
			modify: func(c *Config) {
				c.Store.Type = "postgres"
			},
			wantErr: true,
			errText: "unsupported store type",
		},
		{
			name: "sqlite without path",
			modify: func(c *Config) {
				c.Store.Path = ""
			},
			wantErr: true,
			errText: "sqlite store requires a database path",
		},
		{
			name: "memory store without path is fine",
			modify: func(c *Config) {
				c.Store.Type = "memory"
				c.Store.Path = ""
			},
			wantErr: false,
		},
		{
			name: "unknown log level",
			modify: func(c *Config) {
				c.Log.Level = "loud"
			},
			wantErr: true,
			errText: "unknown log level",
		},
		{
			name: "unknown log format",
			modify: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: true,
			errText: "unknown log format",
		},
		{
			name: "zero concurrent nodes",
			modify: func(c *Config) {
				c.Engine.MaxConcurrentNodes = 0
			},
			wantErr: true,
			errText: "at least 1",
		},
		{
			name: "provider without command",
			modify: func(c *Config) {
				c.Providers = map[string]ProviderConfig{
					"broken": {},
				}
			},
			wantErr: true,
			errText: "provider command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error, got nil")
				}
				var cfgErr *arborerrors.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.errText) {
					t.Errorf("expected error containing %q, got %q", tt.errText, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestDefaultConfigPathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	got := DefaultConfigPath()
	want := filepath.Join("/custom/config", "arbor", "config.yaml")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
