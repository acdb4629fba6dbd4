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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/arborworks/arbor/internal/config"
	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/internal/store/memory"
	"github.com/arborworks/arbor/internal/store/sqlite"
	"github.com/arborworks/arbor/internal/tracing"
	"github.com/arborworks/arbor/internal/worktree"
	"github.com/arborworks/arbor/pkg/engine"
	"github.com/arborworks/arbor/pkg/provider"
	"github.com/arborworks/arbor/pkg/stream"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the assembled arbord process: storage, engine, broker, and the
// HTTP server lifecycle around them.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	service *Service
	server  *http.Server

	shutdownTracing func(context.Context) error
}

// New assembles a daemon from configuration. The HTTP handler is installed
// by the caller via Serve, which keeps the api package free to depend on
// this one.
func New(cfg *config.Config, info BuildInfo, logger *slog.Logger) (*Daemon, error) {
	shutdownTracing, err := tracing.Setup("arbord", info.Version, cfg.Tracing.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	registry := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		if err := registry.Register(provider.NewCommandProvider(name, pc.Command, pc.Args...)); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to register provider %s: %w", name, err)
		}
	}

	broker := stream.NewBroker(st, logger)
	worktrees := worktree.NewManager(worktree.Config{
		BaseDir:        cfg.Worktree.BaseDir,
		RepositoryRoot: cfg.Worktree.RepositoryRoot,
	}, st, logger)

	executor := engine.NewExecutor(engine.Config{
		MaxConcurrentNodes: cfg.Engine.MaxConcurrentNodes,
		NodeTimeout:        cfg.Engine.NodeTimeout,
		DispatchRate:       cfg.Engine.DispatchRate,
		Diagnostics:        engine.DefaultDiagnosticsConfig(),
	}, st, registry, broker, worktrees, logger)

	planner := engine.NewPlanner(st, registry, logger)
	controller := engine.NewController(st, logger)
	service := NewService(st, planner, executor, controller, broker, cfg.Worktree.CleanupOnExit, logger)

	return &Daemon{
		cfg:             cfg,
		logger:          log.WithComponent(logger, "daemon"),
		store:           st,
		service:         service,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Service returns the run service for the API layer.
func (d *Daemon) Service() *Service {
	return d.service
}

// Serve runs the HTTP server with the given handler until ctx is
// cancelled, then drains active runs and shuts everything down.
func (d *Daemon) Serve(ctx context.Context, handler http.Handler) error {
	d.server = &http.Server{
		Addr:              d.cfg.Daemon.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("daemon listening", "listen_addr", d.cfg.Daemon.ListenAddr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		d.close()
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.ShutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http server shutdown failed", log.Error(err))
	}
	d.service.Shutdown(d.cfg.Daemon.ShutdownTimeout)
	d.close()
	return nil
}

func (d *Daemon) close() {
	if err := d.store.Close(); err != nil {
		d.logger.Warn("failed to close store", log.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.shutdownTracing(ctx); err != nil {
		d.logger.Warn("failed to shut down tracing", log.Error(err))
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	default:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		return sqlite.New(sqlite.Config{Path: cfg.Path, WAL: cfg.WAL})
	}
}
