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
	stderrors "errors"
	"testing"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
	"github.com/arborworks/arbor/pkg/provider"
	"github.com/stretchr/testify/require"
)

func TestControllerPauseResume(t *testing.T) {
	h := newHarness(t)
	run := h.launch(t, linearYAML)
	ctx := context.Background()

	// Pausing a pending run is not a transition the lifecycle allows.
	_, err := h.controller.Pause(ctx, run.ID)
	require.Error(t, err)
	require.True(t, errors.IsConflict(err))

	require.NoError(t, h.store.UpdateRunStatus(ctx, run.ID, store.RunPending, store.RunRunning, ActionStart))

	result, err := h.controller.Pause(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, store.RunRunning, result.PreviousRunStatus)
	require.Equal(t, store.RunPaused, result.RunStatus)

	// Pausing a paused run is a noop, not an error.
	result, err = h.controller.Pause(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, result.Outcome)

	result, err = h.controller.Resume(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, store.RunRunning, result.RunStatus)
}

func TestControllerCancel(t *testing.T) {
	h := newHarness(t)
	run := h.launch(t, linearYAML)
	ctx := context.Background()

	result, err := h.controller.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, store.RunPending, result.PreviousRunStatus)
	require.Equal(t, store.RunCancelled, result.RunStatus)

	result, err = h.controller.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeNoop, result.Outcome)
}

func TestControllerCancelCompletedRun(t *testing.T) {
	h := newHarness(t)
	run := h.launch(t, linearYAML)
	ctx := context.Background()

	_, err := h.executor.ExecuteRun(ctx, run.ID, ExecuteOptions{})
	require.NoError(t, err)

	_, err = h.controller.Cancel(ctx, run.ID)
	require.True(t, errors.IsConflict(err))
}

func TestControllerRetry(t *testing.T) {
	h := newHarness(t)
	run := h.launch(t, `
key: retry-tree
nodes:
  - key: build
    provider: scripted
`)
	ctx := context.Background()

	h.scripted.SetScript("build", provider.Script{
		Events: []provider.Event{{Type: provider.EventMessage, Content: "broken"}},
	})
	_, err := h.executor.ExecuteRun(ctx, run.ID, ExecuteOptions{})
	require.NoError(t, err)

	result, err := h.controller.Retry(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Equal(t, store.RunFailed, result.PreviousRunStatus)
	require.Equal(t, store.RunRunning, result.RunStatus)
	require.Len(t, result.RetriedRunNodeIDs, 1)

	nodes := h.nodesByKey(t, run.ID)
	require.Equal(t, store.NodePending, nodes["build"].Status)
	require.Equal(t, 2, nodes["build"].Attempt)
	require.Empty(t, nodes["build"].FailureKind)

	// With a fixed script the re-entered loop drives the run to completed.
	h.scripted.SetScript("build", provider.Script{
		Result: &provider.Result{
			Artifact: &provider.ArtifactResult{Type: "note", ContentType: "text", Content: "built"},
		},
	})
	execResult, err := h.executor.ExecuteRun(ctx, run.ID, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, execResult.RunStatus)
}

func TestControllerRetryRequiresFailedRun(t *testing.T) {
	h := newHarness(t)
	run := h.launch(t, linearYAML)

	_, err := h.controller.Retry(context.Background(), run.ID)
	require.True(t, errors.IsConflict(err))
}

func TestControllerRetryWithoutFailedNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A run can fail structurally with every node completed; retry then has
	// nothing to reset.
	run := &store.Run{RunKey: "manual", TreeKey: "manual", Status: store.RunFailed}
	nodes := []*store.RunNode{{NodeKey: "done", NodeType: store.NodeTypeAgent, NodeRole: store.RoleStandard, Attempt: 1, Status: store.NodeCompleted}}
	require.NoError(t, h.store.CreateRun(ctx, run, nodes))

	_, err := h.controller.Retry(ctx, run.ID)
	var targetsErr *errors.RetryTargetsNotFoundError
	require.True(t, stderrors.As(err, &targetsErr))
	require.Equal(t, run.ID, targetsErr.WorkflowRunID)
}
