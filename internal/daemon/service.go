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

// Package daemon wires storage, the run engine, and the stream broker
// behind the arbord HTTP API.
package daemon

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/engine"
	"github.com/arborworks/arbor/pkg/stream"
	"github.com/arborworks/arbor/pkg/tree"
)

var (
	// ErrRunActive is returned when a second executor loop is requested
	// for a run that already has one.
	ErrRunActive = stderrors.New("run already has an active executor")

	// ErrDraining is returned for launches during graceful shutdown.
	ErrDraining = stderrors.New("daemon is shutting down")
)

// Service coordinates run lifecycle across the planner, executor,
// controller, and broker. It enforces the one-executor-per-run rule: a
// run's ID is held in the active set for the whole life of its loop, and a
// second loop is refused rather than queued.
type Service struct {
	store      store.Store
	planner    *engine.Planner
	executor   *engine.Executor
	controller *engine.Controller
	broker     *stream.Broker
	logger     *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	active   map[int64]struct{}
	draining bool
	wg       sync.WaitGroup

	cleanupWorktrees bool
}

// NewService assembles the run service.
func NewService(st store.Store, planner *engine.Planner, executor *engine.Executor, controller *engine.Controller, broker *stream.Broker, cleanupWorktrees bool, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:            st,
		planner:          planner,
		executor:         executor,
		controller:       controller,
		broker:           broker,
		logger:           log.WithComponent(logger, "service"),
		baseCtx:          ctx,
		cancel:           cancel,
		active:           make(map[int64]struct{}),
		cleanupWorktrees: cleanupWorktrees,
	}
}

// Execution modes for Launch.
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

// LaunchParams describes one launch request.
type LaunchParams struct {
	TreeKey         string
	TreeVersion     int
	RepositoryName  string
	Branch          string
	Mode            string
	Scope           engine.LaunchScope
	NodeKey         string
	CleanupWorktree *bool
}

// LaunchResult reports a launch: accepted for async, completed for sync.
type LaunchResult struct {
	WorkflowRunID    int64           `json:"workflowRunId"`
	RunKey           string          `json:"runKey"`
	Mode             string          `json:"mode"`
	Status           string          `json:"status"`
	RunStatus        store.RunStatus `json:"runStatus"`
	ExecutionOutcome string          `json:"executionOutcome,omitempty"`
	ExecutedNodes    int             `json:"executedNodes"`
}

// Launch materializes a run and starts its executor loop. Sync mode blocks
// until the loop exits; async returns once the run exists and the loop is
// running in the background.
func (s *Service) Launch(ctx context.Context, params LaunchParams) (*LaunchResult, error) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return nil, ErrDraining
	}

	run, _, err := s.planner.MaterializeRun(ctx, engine.LaunchRequest{
		TreeKey:        params.TreeKey,
		TreeVersion:    params.TreeVersion,
		Scope:          params.Scope,
		NodeKey:        params.NodeKey,
		RepositoryName: params.RepositoryName,
		Branch:         params.Branch,
	})
	if err != nil {
		return nil, err
	}

	opts := engine.ExecuteOptions{
		Scope:           params.Scope,
		NodeKey:         params.NodeKey,
		CleanupWorktree: s.cleanupWorktrees,
	}
	if params.CleanupWorktree != nil {
		opts.CleanupWorktree = *params.CleanupWorktree
	}

	if params.Mode == ModeSync {
		if err := s.acquire(run.ID); err != nil {
			return nil, err
		}
		defer s.release(run.ID)

		result, err := s.executor.ExecuteRun(ctx, run.ID, opts)
		if err != nil && result == nil {
			return nil, err
		}
		return &LaunchResult{
			WorkflowRunID:    run.ID,
			RunKey:           run.RunKey,
			Mode:             ModeSync,
			Status:           "completed",
			RunStatus:        result.RunStatus,
			ExecutionOutcome: result.Outcome,
			ExecutedNodes:    result.ExecutedNodes,
		}, nil
	}

	if err := s.startLoop(run.ID, opts); err != nil {
		return nil, err
	}
	return &LaunchResult{
		WorkflowRunID: run.ID,
		RunKey:        run.RunKey,
		Mode:          ModeAsync,
		Status:        "accepted",
		RunStatus:     run.Status,
	}, nil
}

// startLoop runs the executor loop in the background, holding the run's
// active slot until it exits on any path.
func (s *Service) startLoop(runID int64, opts engine.ExecuteOptions) error {
	if err := s.acquire(runID); err != nil {
		return err
	}
	s.launchAcquired(runID, opts)
	return nil
}

// launchAcquired starts the executor loop for a run whose active slot the
// caller already holds. The slot is released when the loop exits.
func (s *Service) launchAcquired(runID int64, opts engine.ExecuteOptions) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(runID)
		if _, err := s.executor.ExecuteRun(s.baseCtx, runID, opts); err != nil {
			s.logger.Error("background run loop failed", log.RunIDKey, runID, log.Error(err))
		}
	}()
}

func (s *Service) acquire(runID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrDraining
	}
	if _, ok := s.active[runID]; ok {
		return ErrRunActive
	}
	s.active[runID] = struct{}{}
	return nil
}

func (s *Service) release(runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, runID)
}

// Pause requests a run stop dispatching after the current round.
func (s *Service) Pause(ctx context.Context, runID int64) (*engine.ControlResult, error) {
	return s.controller.Pause(ctx, runID)
}

// Resume flips a paused run back to running and restarts its loop.
func (s *Service) Resume(ctx context.Context, runID int64) (*engine.ControlResult, error) {
	result, err := s.controller.Resume(ctx, runID)
	if err != nil {
		return nil, err
	}
	if result.Outcome == engine.OutcomeApplied {
		if err := s.startLoop(runID, engine.ExecuteOptions{CleanupWorktree: s.cleanupWorktrees}); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Cancel flips the run to cancelled; its loop observes the change before
// the next dispatch round.
func (s *Service) Cancel(ctx context.Context, runID int64) (*engine.ControlResult, error) {
	return s.controller.Cancel(ctx, runID)
}

// Retry resets failed nodes and restarts the run's loop. The run's active
// slot is reserved before anything is reset, so a retry racing a live loop
// is refused without mutating the run.
func (s *Service) Retry(ctx context.Context, runID int64) (*engine.ControlResult, error) {
	if err := s.acquire(runID); err != nil {
		return nil, err
	}
	result, err := s.controller.Retry(ctx, runID)
	if err != nil {
		s.release(runID)
		return nil, err
	}
	s.launchAcquired(runID, engine.ExecuteOptions{CleanupWorktree: s.cleanupWorktrees})
	return result, nil
}

// PublishTree validates and stores a tree definition.
func (s *Service) PublishTree(ctx context.Context, def *tree.Definition) (*store.Tree, error) {
	record, nodes, edges := def.Records()
	if err := s.store.PublishTree(ctx, record, nodes, edges); err != nil {
		return nil, err
	}
	s.logger.Info("tree published", log.TreeKeyKey, record.TreeKey, "tree_version", record.Version)
	return record, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, runID int64) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// ListRunNodes returns a run's nodes.
func (s *Service) ListRunNodes(ctx context.Context, runID int64) ([]*store.RunNode, error) {
	return s.store.ListRunNodes(ctx, runID)
}

// Broker exposes the stream broker to the API layer.
func (s *Service) Broker() *stream.Broker {
	return s.broker
}

// Shutdown stops accepting launches and waits for active loops to finish,
// cancelling them when the timeout expires.
func (s *Service) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("shutdown timeout reached, cancelling active runs")
		s.cancel()
		<-done
	}
	s.cancel()
}
