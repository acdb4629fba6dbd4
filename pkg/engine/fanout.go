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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
	"github.com/arborworks/arbor/pkg/provider"
)

// spawnManifest is the shape a spawner's artifact must carry. Either an
// items array (one child per item, the item becomes the child's prompt) or a
// bare expected_children count (children inherit the spawner's prompt).
type spawnManifest struct {
	Items            []json.RawMessage `json:"items"`
	ExpectedChildren int               `json:"expected_children"`
}

// childPrompts extracts the per-child prompts from a spawner artifact.
func childPrompts(content, fallbackPrompt string) ([]string, error) {
	var manifest spawnManifest
	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		return nil, &errors.ValidationError{
			Field:      "artifact",
			Message:    fmt.Sprintf("spawner artifact is not a valid spawn manifest: %v", err),
			Suggestion: "emit a JSON object with an items array or an expected_children count",
		}
	}

	if len(manifest.Items) > 0 {
		prompts := make([]string, len(manifest.Items))
		for i, item := range manifest.Items {
			var s string
			if err := json.Unmarshal(item, &s); err == nil {
				prompts[i] = s
				continue
			}
			prompts[i] = string(item)
		}
		return prompts, nil
	}

	if manifest.ExpectedChildren < 0 {
		return nil, &errors.ValidationError{
			Field:   "artifact.expected_children",
			Message: "expected_children must not be negative",
		}
	}
	if manifest.ExpectedChildren == 0 && manifest.Items == nil {
		return nil, &errors.ValidationError{
			Field:      "artifact",
			Message:    "spawn manifest declares no children",
			Suggestion: "emit a JSON object with an items array or an expected_children count",
		}
	}

	prompts := make([]string, manifest.ExpectedChildren)
	for i := range prompts {
		prompts[i] = fallbackPrompt
	}
	return prompts, nil
}

// spawnChildren materializes a completed spawner's fan-out: one child node
// per manifest entry plus the fan-out group that the join node waits on.
// The group is created first so a crash between the two writes leaves a
// group the join can still resolve against.
func (e *Executor) spawnChildren(ctx context.Context, run *store.Run, spawner *store.RunNode, result *provider.Result, artifactID int64) error {
	if result.Artifact == nil {
		return &errors.ValidationError{
			Field:      "artifact",
			Message:    "spawner produced no artifact",
			Suggestion: "spawner nodes must emit a spawn manifest artifact",
		}
	}

	prompts, err := childPrompts(result.Artifact.Content, spawner.Prompt)
	if err != nil {
		return err
	}

	join, err := e.findJoinNode(ctx, run.ID, spawner)
	if err != nil {
		return err
	}

	base := strconv.Itoa(spawner.SequenceIndex)
	if spawner.SequencePath != nil {
		base = *spawner.SequencePath
	}

	children := make([]*store.RunNode, len(prompts))
	for i, prompt := range prompts {
		path := fmt.Sprintf("%s.%d", base, i+1)
		children[i] = &store.RunNode{
			RunID:         run.ID,
			NodeKey:       fmt.Sprintf("%s[%d]", spawner.NodeKey, i+1),
			NodeType:      store.NodeTypeAgent,
			NodeRole:      store.RoleStandard,
			Provider:      spawner.Provider,
			Prompt:        prompt,
			Status:        store.NodePending,
			Attempt:       1,
			MaxRetries:    spawner.MaxRetries,
			SpawnerNodeID: &spawner.ID,
			JoinNodeID:    &join.ID,
			LineageDepth:  spawner.LineageDepth + 1,
			SequencePath:  &path,
			SequenceIndex: spawner.SequenceIndex,
		}
	}

	group := &store.FanOutGroup{
		RunID:                 run.ID,
		SpawnerNodeID:         spawner.ID,
		JoinNodeID:            join.ID,
		SpawnSourceArtifactID: artifactID,
		ExpectedChildren:      len(children),
		Status:                store.GroupOpen,
	}
	if len(children) == 0 {
		group.Status = store.GroupComplete
	}
	if err := e.store.CreateFanOutGroup(ctx, group); err != nil {
		return err
	}
	if len(children) > 0 {
		if err := e.store.CreateRunNodes(ctx, children); err != nil {
			return err
		}
	}

	recordFanOut(len(children))
	log.WithNodeContext(e.logger, run.ID, spawner.ID, spawner.NodeKey).Info("fan-out spawned",
		"expected_children", len(children),
		"join_node_id", join.ID)
	return nil
}

// findJoinNode resolves the top-level join node a spawner feeds.
func (e *Executor) findJoinNode(ctx context.Context, runID int64, spawner *store.RunNode) (*store.RunNode, error) {
	nodes, err := e.store.ListRunNodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.NodeRole == store.RoleJoin && node.NodeKey == spawner.JoinForKey && !node.Linked() {
			return node, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "join node", ID: spawner.JoinForKey}
}

// recordChildTerminal folds a fan-out child's terminal status into its
// group. The store call is idempotent per child, so a retried write cannot
// double-count.
func (e *Executor) recordChildTerminal(ctx context.Context, child *store.RunNode, completed bool) error {
	group, err := e.store.GetFanOutGroup(ctx, *child.SpawnerNodeID, *child.JoinNodeID)
	if err != nil {
		return err
	}
	updated, err := e.store.RecordChildTerminal(ctx, group.ID, child.ID, completed)
	if err != nil {
		return err
	}
	if updated.Status == store.GroupComplete {
		e.logger.Debug("fan-out group complete",
			"group_id", updated.ID,
			"expected_children", updated.ExpectedChildren,
			"completed_children", updated.CompletedChildren,
			"failed_children", updated.FailedChildren)
	}
	return nil
}

// completeJoin executes a ready join node. Joins run without a provider:
// the outcome is purely the group's child tallies, failing when any child
// failed terminally.
func (e *Executor) completeJoin(ctx context.Context, run *store.Run, join *store.RunNode) error {
	group, err := e.store.GetFanOutGroupForJoin(ctx, join.ID)
	if err != nil {
		return err
	}

	if err := e.store.UpdateNodeStatus(ctx, join.ID, store.NodePending, store.NodeRunning, ActionDispatch); err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return err
	}
	recordDispatch("join")

	logger := log.WithNodeContext(e.logger, run.ID, join.ID, join.NodeKey)
	if group.FailedChildren > 0 {
		msg := fmt.Sprintf("%d of %d fan-out children failed", group.FailedChildren, group.ExpectedChildren)
		if err := e.store.RecordNodeFailure(ctx, join.ID, string(errors.FailureUnknown), msg); err != nil {
			return err
		}
		if err := e.store.UpdateNodeStatus(ctx, join.ID, store.NodeRunning, store.NodeFailed, ActionFail); err != nil {
			return err
		}
		recordAttemptTerminal("join", string(store.NodeFailed), 0)
		logger.Warn("join failed", "failed_children", group.FailedChildren, "expected_children", group.ExpectedChildren)
		return nil
	}

	if err := e.store.UpdateNodeStatus(ctx, join.ID, store.NodeRunning, store.NodeCompleted, ActionComplete); err != nil {
		return err
	}
	recordAttemptTerminal("join", string(store.NodeCompleted), 0)
	logger.Info("join completed", "completed_children", group.CompletedChildren)
	return nil
}
