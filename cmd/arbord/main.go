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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arborworks/arbor/internal/config"
	"github.com/arborworks/arbor/internal/daemon"
	"github.com/arborworks/arbor/internal/daemon/api"
	"github.com/arborworks/arbor/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		listenAddr  = flag.String("listen", "", "Address to listen on")
		storeType   = flag.String("store", "", "Storage backend (sqlite, memory)")
		storePath   = flag.String("store-path", "", "SQLite database path")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("arbord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		if p := config.DefaultConfigPath(); fileExists(p) {
			path = p
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arbord: %v\n", err)
		os.Exit(1)
	}

	// CLI flag overrides
	if *listenAddr != "" {
		cfg.Daemon.ListenAddr = *listenAddr
	}
	if *storeType != "" {
		cfg.Store.Type = *storeType
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
	})
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, logger)
	if err != nil {
		logger.Error("failed to start daemon", log.Error(err))
		os.Exit(1)
	}

	router := api.NewRouter(api.RouterConfig{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, d.Service(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Serve(ctx, router); err != nil {
		logger.Error("daemon exited with error", log.Error(err))
		os.Exit(1)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
