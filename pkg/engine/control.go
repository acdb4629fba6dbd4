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

package engine

import (
	"context"
	"log/slog"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
)

// Control outcomes. An action that found the run already in its target
// state reports noop instead of failing; anything else is an error.
const (
	OutcomeApplied = "applied"
	OutcomeNoop    = "noop"
)

// ControlResult reports the effect of one control action on a run.
type ControlResult struct {
	Action            string          `json:"action"`
	Outcome           string          `json:"outcome"`
	WorkflowRunID     int64           `json:"workflowRunId"`
	PreviousRunStatus store.RunStatus `json:"previousRunStatus"`
	RunStatus         store.RunStatus `json:"runStatus"`
	RetriedRunNodeIDs []int64         `json:"retriedRunNodeIds,omitempty"`
}

// Controller applies pause, resume, cancel, and retry actions to runs. It
// only writes guarded status transitions; the executor loop observes them
// between dispatch rounds, so control never interrupts an in-flight node.
type Controller struct {
	store  store.Store
	logger *slog.Logger
}

// NewController creates a run controller.
func NewController(st store.Store, logger *slog.Logger) *Controller {
	return &Controller{
		store:  st,
		logger: log.WithComponent(logger, "controller"),
	}
}

// Pause requests a running run stop dispatching after its current round.
func (c *Controller) Pause(ctx context.Context, runID int64) (*ControlResult, error) {
	return c.transition(ctx, runID, ActionPause, store.RunRunning, store.RunPaused, store.RunPaused)
}

// Resume moves a paused run back to running. The caller restarts the
// execution loop; resuming only flips the status.
func (c *Controller) Resume(ctx context.Context, runID int64) (*ControlResult, error) {
	return c.transition(ctx, runID, ActionResume, store.RunPaused, store.RunRunning, store.RunRunning)
}

// Cancel marks a run cancelled. In-flight nodes are left to finish their
// current attempt; the executor stops dispatching and cancels what is still
// pending.
func (c *Controller) Cancel(ctx context.Context, runID int64) (*ControlResult, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case store.RunCancelled:
		return c.noop(ActionCancel, run), nil
	case store.RunPending, store.RunRunning, store.RunPaused:
	default:
		return nil, &errors.InvalidTransitionError{
			Entity:   "run",
			ID:       runID,
			Action:   ActionCancel,
			Expected: "pending or running or paused",
			Actual:   string(run.Status),
		}
	}

	if err := c.store.UpdateRunStatus(ctx, runID, run.Status, store.RunCancelled, ActionCancel); err != nil {
		return nil, err
	}
	c.logger.Info("run cancelled", log.RunIDKey, runID, "previous_status", string(run.Status))
	return &ControlResult{
		Action:            ActionCancel,
		Outcome:           OutcomeApplied,
		WorkflowRunID:     runID,
		PreviousRunStatus: run.Status,
		RunStatus:         store.RunCancelled,
	}, nil
}

// Retry resets every failed node of a failed run back to pending with an
// incremented attempt, then moves the run to running. The caller restarts
// the execution loop. A failed run with no failed nodes (the failure was
// structural, not a node outcome) has nothing to reset and is rejected.
func (c *Controller) Retry(ctx context.Context, runID int64) (*ControlResult, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunFailed {
		return nil, &errors.InvalidTransitionError{
			Entity:   "run",
			ID:       runID,
			Action:   ActionRetry,
			Expected: string(store.RunFailed),
			Actual:   string(run.Status),
		}
	}

	nodes, err := c.store.ListRunNodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	var failed []*store.RunNode
	for _, node := range nodes {
		if node.Status == store.NodeFailed {
			failed = append(failed, node)
		}
	}
	if len(failed) == 0 {
		return nil, &errors.RetryTargetsNotFoundError{WorkflowRunID: runID}
	}

	retried := make([]int64, 0, len(failed))
	for _, node := range failed {
		if _, err := c.store.ResetNodeForRetry(ctx, node.ID); err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return nil, err
		}
		retried = append(retried, node.ID)
	}

	if err := c.store.UpdateRunStatus(ctx, runID, store.RunFailed, store.RunRunning, ActionRetry); err != nil {
		return nil, err
	}
	c.logger.Info("run retried", log.RunIDKey, runID, "retried_nodes", len(retried))
	return &ControlResult{
		Action:            ActionRetry,
		Outcome:           OutcomeApplied,
		WorkflowRunID:     runID,
		PreviousRunStatus: store.RunFailed,
		RunStatus:         store.RunRunning,
		RetriedRunNodeIDs: retried,
	}, nil
}

func (c *Controller) transition(ctx context.Context, runID int64, action string, from, to, noopAt store.RunStatus) (*ControlResult, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == noopAt {
		return c.noop(action, run), nil
	}
	if err := c.store.UpdateRunStatus(ctx, runID, from, to, action); err != nil {
		return nil, err
	}
	c.logger.Info("control action applied", log.RunIDKey, runID, "action", action, "run_status", string(to))
	return &ControlResult{
		Action:            action,
		Outcome:           OutcomeApplied,
		WorkflowRunID:     runID,
		PreviousRunStatus: run.Status,
		RunStatus:         to,
	}, nil
}

func (c *Controller) noop(action string, run *store.Run) *ControlResult {
	return &ControlResult{
		Action:            action,
		Outcome:           OutcomeNoop,
		WorkflowRunID:     run.ID,
		PreviousRunStatus: run.Status,
		RunStatus:         run.Status,
	}
}
