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

package shared

import (
	"errors"
	"os"
	"time"

	"github.com/arborworks/arbor/internal/client"
	"github.com/arborworks/arbor/internal/config"
	"github.com/spf13/cobra"
)

// Global flag values shared across commands.
var (
	jsonOutput bool
	serverURL  string
	configPath string
)

// Version metadata, injected by main at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version, commit, and build date.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// RegisterGlobalFlags attaches the global flags to the root command.
func RegisterGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "Daemon base URL (default from config or http://127.0.0.1:7411)")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

// JSONOutput reports whether --json was set.
func JSONOutput() bool { return jsonOutput }

// ConfigPath returns the --config value, falling back to the conventional
// location when the file exists there.
func ConfigPath() string {
	if configPath != "" {
		return configPath
	}
	path := config.DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// NewClient builds the daemon client from flags and config.
func NewClient() (*client.Client, error) {
	cfg, err := config.Load(ConfigPath())
	if err != nil {
		return nil, NewUsageError("invalid configuration", err)
	}
	baseURL := cfg.Daemon.BaseURL
	if serverURL != "" {
		baseURL = serverURL
	}
	return client.New(client.Config{
		BaseURL: baseURL,
		Timeout: cfg.Daemon.RequestTimeout,
	}), nil
}

// LongTimeout is used for sync launches, which block for the whole run.
const LongTimeout = 24 * time.Hour

// NewLongClient builds a daemon client whose requests may block for hours,
// for sync launches that return only once the run is terminal.
func NewLongClient() (*client.Client, error) {
	cfg, err := config.Load(ConfigPath())
	if err != nil {
		return nil, NewUsageError("invalid configuration", err)
	}
	baseURL := cfg.Daemon.BaseURL
	if serverURL != "" {
		baseURL = serverURL
	}
	return client.New(client.Config{
		BaseURL: baseURL,
		Timeout: LongTimeout,
	}), nil
}

// WrapClientError maps a daemon API error onto a CLI exit code.
func WrapClientError(err error, action string) error {
	if err == nil {
		return nil
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.NotFound() {
			return NewNotFoundError(action+" failed", apiErr)
		}
		if apiErr.Status >= 400 && apiErr.Status < 500 && apiErr.Status != 409 {
			return NewUsageError(action+" failed", apiErr)
		}
	}
	return NewRuntimeError(action+" failed", err)
}
