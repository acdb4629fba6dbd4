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

package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
)

// createTestStore creates a SQLite store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{
		Path: filepath.Join(t.TempDir(), "arbor.db"),
		WAL:  true,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// publishTestTree publishes a two-node tree and returns it with its nodes.
func publishTestTree(t *testing.T, s *Store, version int) (*store.Tree, []*store.TreeNode) {
	t.Helper()

	tree := &store.Tree{TreeKey: "review-flow", Version: version, Name: "Review Flow"}
	nodes := []*store.TreeNode{
		{NodeKey: "plan", NodeType: store.NodeTypeAgent, NodeRole: store.RoleStandard, Provider: "scripted", Prompt: "plan it", MaxRetries: 1, SequenceIndex: 0},
		{NodeKey: "implement", NodeType: store.NodeTypeAgent, NodeRole: store.RoleStandard, Provider: "scripted", Prompt: "build it", SequenceIndex: 1},
	}
	edges := []*store.TreeEdge{
		{FromNodeKey: "plan", ToNodeKey: "implement", Guard: `decision.type == "approved"`},
	}
	if err := s.PublishTree(context.Background(), tree, nodes, edges); err != nil {
		t.Fatalf("failed to publish tree: %v", err)
	}
	return tree, nodes
}

// createTestRun creates a pending run with two pending nodes.
func createTestRun(t *testing.T, s *Store, tree *store.Tree) (*store.Run, []*store.RunNode) {
	t.Helper()

	run := &store.Run{
		RunKey:      "run-" + tree.TreeKey,
		TreeID:      tree.ID,
		TreeKey:     tree.TreeKey,
		TreeVersion: tree.Version,
		Status:      store.RunPending,
	}
	nodes := []*store.RunNode{
		{NodeKey: "plan", NodeType: store.NodeTypeAgent, NodeRole: store.RoleStandard, Provider: "scripted", Prompt: "plan it", Attempt: 1, MaxRetries: 1, Status: store.NodePending, SequenceIndex: 0},
		{NodeKey: "implement", NodeType: store.NodeTypeAgent, NodeRole: store.RoleStandard, Provider: "scripted", Prompt: "build it", Attempt: 1, Status: store.NodePending, SequenceIndex: 1},
	}
	if err := s.CreateRun(context.Background(), run, nodes); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run, nodes
}

func TestSQLiteStore_PublishAndGetTree(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, nodes := publishTestTree(t, s, 1)
	if tree.ID == 0 {
		t.Fatal("expected tree ID to be assigned")
	}
	if nodes[0].ID == 0 || nodes[0].TreeID != tree.ID {
		t.Errorf("expected node IDs bound to tree, got id=%d tree_id=%d", nodes[0].ID, nodes[0].TreeID)
	}

	got, err := s.GetTree(ctx, "review-flow", 1)
	if err != nil {
		t.Fatalf("failed to get tree: %v", err)
	}
	if got.Name != "Review Flow" {
		t.Errorf("expected name 'Review Flow', got %q", got.Name)
	}
	if got.PublishedAt.IsZero() {
		t.Error("expected published_at to be set")
	}

	gotNodes, err := s.ListTreeNodes(ctx, tree.ID)
	if err != nil {
		t.Fatalf("failed to list tree nodes: %v", err)
	}
	if len(gotNodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(gotNodes))
	}
	if gotNodes[0].NodeKey != "plan" || gotNodes[1].NodeKey != "implement" {
		t.Errorf("expected nodes ordered by sequence index, got %s, %s", gotNodes[0].NodeKey, gotNodes[1].NodeKey)
	}
	if gotNodes[0].MaxRetries != 1 {
		t.Errorf("expected max retries 1, got %d", gotNodes[0].MaxRetries)
	}

	edges, err := s.ListTreeEdges(ctx, tree.ID)
	if err != nil {
		t.Fatalf("failed to list tree edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].Guard != `decision.type == "approved"` {
		t.Errorf("unexpected guard: %q", edges[0].Guard)
	}
}

func TestSQLiteStore_GetTreeVersionResolution(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	publishTestTree(t, s, 1)
	publishTestTree(t, s, 2)

	latest, err := s.GetTree(ctx, "review-flow", 0)
	if err != nil {
		t.Fatalf("failed to get latest tree: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("expected version 0 to resolve to latest (2), got %d", latest.Version)
	}

	pinned, err := s.GetTree(ctx, "review-flow", 1)
	if err != nil {
		t.Fatalf("failed to get pinned tree: %v", err)
	}
	if pinned.Version != 1 {
		t.Errorf("expected pinned version 1, got %d", pinned.Version)
	}

	_, err = s.GetTree(ctx, "missing-tree", 0)
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestSQLiteStore_DuplicateTreeVersionRejected(t *testing.T) {
	s := createTestStore(t)

	publishTestTree(t, s, 1)
	tree := &store.Tree{TreeKey: "review-flow", Version: 1}
	err := s.PublishTree(context.Background(), tree, nil, nil)
	if err == nil {
		t.Fatal("expected duplicate (tree_key, version) to be rejected")
	}
}

func TestSQLiteStore_CreateAndGetRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	run, nodes := createTestRun(t, s, tree)
	if run.ID == 0 {
		t.Fatal("expected run ID to be assigned")
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.RunKey != run.RunKey {
		t.Errorf("expected run key %q, got %q", run.RunKey, got.RunKey)
	}
	if got.Status != store.RunPending {
		t.Errorf("expected status pending, got %s", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("expected started_at unset for pending run")
	}

	gotNodes, err := s.ListRunNodes(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list run nodes: %v", err)
	}
	if len(gotNodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(gotNodes))
	}
	if gotNodes[0].ID != nodes[0].ID {
		t.Errorf("expected node IDs round-tripped, got %d want %d", gotNodes[0].ID, nodes[0].ID)
	}
	if gotNodes[0].Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", gotNodes[0].Attempt)
	}

	_, err = s.GetRun(ctx, 9999)
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestSQLiteStore_UpdateRunStatusGuard(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	run, _ := createTestRun(t, s, tree)

	if err := s.UpdateRunStatus(ctx, run.ID, store.RunPending, store.RunRunning, "start"); err != nil {
		t.Fatalf("failed to start run: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != store.RunRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("expected started_at stamped on transition to running")
	}

	// Guard mismatch reports the actual status.
	err = s.UpdateRunStatus(ctx, run.ID, store.RunPending, store.RunRunning, "start")
	var transErr *errors.InvalidTransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if transErr.Actual != string(store.RunRunning) {
		t.Errorf("expected actual status running, got %q", transErr.Actual)
	}

	if err := s.UpdateRunStatus(ctx, run.ID, store.RunRunning, store.RunCompleted, "complete"); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at stamped on terminal transition")
	}

	err = s.UpdateRunStatus(ctx, 9999, store.RunPending, store.RunRunning, "start")
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found error for unknown run, got %v", err)
	}
}

func TestSQLiteStore_NodeStatusAndRetry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	_, nodes := createTestRun(t, s, tree)
	nodeID := nodes[0].ID

	if err := s.UpdateNodeStatus(ctx, nodeID, store.NodePending, store.NodeRunning, "dispatch"); err != nil {
		t.Fatalf("failed to dispatch node: %v", err)
	}
	if err := s.UpdateNodeStatus(ctx, nodeID, store.NodeRunning, store.NodeFailed, "fail"); err != nil {
		t.Fatalf("failed to fail node: %v", err)
	}
	if err := s.RecordNodeFailure(ctx, nodeID, "timeout", "attempt deadline exceeded"); err != nil {
		t.Fatalf("failed to record failure: %v", err)
	}

	node, err := s.GetRunNode(ctx, nodeID)
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if node.FailureKind != "timeout" {
		t.Errorf("expected failure kind timeout, got %q", node.FailureKind)
	}
	if node.CompletedAt == nil {
		t.Error("expected completed_at stamped on failure")
	}

	attempt, err := s.ResetNodeForRetry(ctx, nodeID)
	if err != nil {
		t.Fatalf("failed to reset node for retry: %v", err)
	}
	if attempt != 2 {
		t.Errorf("expected attempt 2 after reset, got %d", attempt)
	}

	node, err = s.GetRunNode(ctx, nodeID)
	if err != nil {
		t.Fatalf("failed to get node: %v", err)
	}
	if node.Status != store.NodePending {
		t.Errorf("expected status pending after reset, got %s", node.Status)
	}
	if node.FailureKind != "" || node.Error != "" {
		t.Errorf("expected failure fields cleared, got kind=%q error=%q", node.FailureKind, node.Error)
	}
	if node.StartedAt != nil || node.CompletedAt != nil {
		t.Error("expected attempt timestamps cleared after reset")
	}

	// Only failed nodes can be reset.
	_, err = s.ResetNodeForRetry(ctx, nodeID)
	var transErr *errors.InvalidTransitionError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if transErr.Actual != string(store.NodePending) {
		t.Errorf("expected actual status pending, got %q", transErr.Actual)
	}
}

func TestSQLiteStore_FanOutGroupCounters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	run, nodes := createTestRun(t, s, tree)

	children := []*store.RunNode{
		{RunID: run.ID, NodeKey: "plan[0]", NodeType: store.NodeTypeAgent, NodeRole: store.RoleStandard, Provider: "scripted", Attempt: 1, Status: store.NodePending, SequenceIndex: 0, LineageDepth: 1},
		{RunID: run.ID, NodeKey: "plan[1]", NodeType: store.NodeTypeAgent, NodeRole: store.RoleStandard, Provider: "scripted", Attempt: 1, Status: store.NodePending, SequenceIndex: 0, LineageDepth: 1},
	}
	if err := s.CreateRunNodes(ctx, children); err != nil {
		t.Fatalf("failed to create children: %v", err)
	}

	group := &store.FanOutGroup{
		RunID:                 run.ID,
		SpawnerNodeID:         nodes[0].ID,
		JoinNodeID:            nodes[1].ID,
		SpawnSourceArtifactID: 1,
		ExpectedChildren:      2,
		Status:                store.GroupOpen,
		ChildNodeIDs:          []int64{},
	}
	if err := s.CreateFanOutGroup(ctx, group); err != nil {
		t.Fatalf("failed to create fan-out group: %v", err)
	}

	got, err := s.GetFanOutGroup(ctx, nodes[0].ID, nodes[1].ID)
	if err != nil {
		t.Fatalf("failed to get group: %v", err)
	}
	if got.ID != group.ID || got.ExpectedChildren != 2 {
		t.Errorf("unexpected group round-trip: %+v", got)
	}

	got, err = s.RecordChildTerminal(ctx, group.ID, children[0].ID, true)
	if err != nil {
		t.Fatalf("failed to record child terminal: %v", err)
	}
	if got.TerminalChildren != 1 || got.CompletedChildren != 1 {
		t.Errorf("expected 1 terminal/1 completed, got %d/%d", got.TerminalChildren, got.CompletedChildren)
	}
	if got.Status != store.GroupOpen {
		t.Errorf("expected group still open, got %s", got.Status)
	}

	// Recording the same child again is a no-op.
	got, err = s.RecordChildTerminal(ctx, group.ID, children[0].ID, true)
	if err != nil {
		t.Fatalf("failed to re-record child terminal: %v", err)
	}
	if got.TerminalChildren != 1 {
		t.Errorf("expected repeat record not to double count, got %d", got.TerminalChildren)
	}

	got, err = s.RecordChildTerminal(ctx, group.ID, children[1].ID, false)
	if err != nil {
		t.Fatalf("failed to record second child: %v", err)
	}
	if got.TerminalChildren != 2 || got.FailedChildren != 1 {
		t.Errorf("expected 2 terminal/1 failed, got %d/%d", got.TerminalChildren, got.FailedChildren)
	}
	if got.Status != store.GroupComplete {
		t.Errorf("expected group complete, got %s", got.Status)
	}

	byJoin, err := s.GetFanOutGroupForJoin(ctx, nodes[1].ID)
	if err != nil {
		t.Fatalf("failed to get group by join: %v", err)
	}
	if len(byJoin.ChildNodeIDs) != 2 {
		t.Errorf("expected 2 recorded children, got %d", len(byJoin.ChildNodeIDs))
	}
}

func TestSQLiteStore_ArtifactsAndDecisions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	_, nodes := createTestRun(t, s, tree)
	nodeID := nodes[0].ID

	first := &store.Artifact{RunNodeID: nodeID, ArtifactType: store.ArtifactNote, ContentType: store.ContentText, ContentPreview: "first"}
	second := &store.Artifact{RunNodeID: nodeID, ArtifactType: store.ArtifactReport, ContentType: store.ContentMarkdown, ContentPreview: "second"}
	if err := s.CreateArtifact(ctx, first); err != nil {
		t.Fatalf("failed to create artifact: %v", err)
	}
	if err := s.CreateArtifact(ctx, second); err != nil {
		t.Fatalf("failed to create artifact: %v", err)
	}

	latest, err := s.GetLatestArtifact(ctx, nodeID)
	if err != nil {
		t.Fatalf("failed to get latest artifact: %v", err)
	}
	if latest.ContentPreview != "second" {
		t.Errorf("expected latest artifact 'second', got %q", latest.ContentPreview)
	}

	_, err = s.GetLatestArtifact(ctx, nodes[1].ID)
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found for node without artifacts, got %v", err)
	}

	decision := &store.RoutingDecision{RunNodeID: nodeID, DecisionType: store.DecisionApproved, Rationale: "looks good"}
	if err := s.CreateRoutingDecision(ctx, decision); err != nil {
		t.Fatalf("failed to create routing decision: %v", err)
	}
	gotDecision, err := s.GetLatestRoutingDecision(ctx, nodeID)
	if err != nil {
		t.Fatalf("failed to get routing decision: %v", err)
	}
	if gotDecision.DecisionType != store.DecisionApproved {
		t.Errorf("expected approved decision, got %s", gotDecision.DecisionType)
	}
}

func TestSQLiteStore_DiagnosticsSnapshotPerAttempt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	_, nodes := createTestRun(t, s, tree)
	nodeID := nodes[0].ID

	snap := &store.DiagnosticsSnapshot{
		RunNodeID:          nodeID,
		Attempt:            1,
		Outcome:            "failed",
		EventCount:         4,
		RetainedEventCount: 2,
		DroppedEventCount:  2,
		Redacted:           true,
		Truncated:          true,
		PayloadChars:       120,
		Diagnostics:        []byte(`{"events":[]}`),
	}
	if err := s.CreateDiagnosticsSnapshot(ctx, snap); err != nil {
		t.Fatalf("failed to create snapshot: %v", err)
	}

	got, err := s.GetDiagnosticsSnapshot(ctx, nodeID, 1)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	if got.Outcome != "failed" || got.EventCount != 4 || !got.Redacted || !got.Truncated {
		t.Errorf("unexpected snapshot round-trip: %+v", got)
	}
	if string(got.Diagnostics) != `{"events":[]}` {
		t.Errorf("unexpected diagnostics payload: %s", got.Diagnostics)
	}

	// One snapshot per (node, attempt).
	dup := &store.DiagnosticsSnapshot{RunNodeID: nodeID, Attempt: 1, Outcome: "failed"}
	if err := s.CreateDiagnosticsSnapshot(ctx, dup); err == nil {
		t.Error("expected duplicate snapshot for same attempt to be rejected")
	}

	_, err = s.GetDiagnosticsSnapshot(ctx, nodeID, 2)
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found for missing attempt, got %v", err)
	}
}

func TestSQLiteStore_StreamEvents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	run, nodes := createTestRun(t, s, tree)
	nodeID := nodes[0].ID

	for seq := int64(1); seq <= 3; seq++ {
		event := &store.StreamEvent{
			WorkflowRunID:  run.ID,
			RunNodeID:      nodeID,
			Attempt:        1,
			Sequence:       seq,
			Type:           "message",
			Timestamp:      time.Now(),
			ContentChars:   5,
			ContentPreview: "hello",
			Metadata:       map[string]any{"source": "provider"},
			Usage:          &store.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}
		if err := s.AppendStreamEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event %d: %v", seq, err)
		}
	}

	// Duplicate (node, attempt, sequence) violates the unique index.
	dup := &store.StreamEvent{WorkflowRunID: run.ID, RunNodeID: nodeID, Attempt: 1, Sequence: 2, Type: "message", Timestamp: time.Now()}
	if err := s.AppendStreamEvent(ctx, dup); err == nil {
		t.Error("expected duplicate sequence to be rejected")
	} else if !strings.Contains(err.Error(), "failed to append stream event") {
		t.Errorf("unexpected error: %v", err)
	}

	events, err := s.ListStreamEvents(ctx, nodeID, 1, 0, 0)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Sequence != 1 || events[2].Sequence != 3 {
		t.Errorf("expected events ordered by sequence, got %d..%d", events[0].Sequence, events[2].Sequence)
	}
	if events[0].Usage == nil || events[0].Usage.TotalTokens != 15 {
		t.Errorf("expected usage round-tripped, got %+v", events[0].Usage)
	}
	if events[0].Metadata["source"] != "provider" {
		t.Errorf("expected metadata round-tripped, got %v", events[0].Metadata)
	}

	tail, err := s.ListStreamEvents(ctx, nodeID, 1, 1, 1)
	if err != nil {
		t.Fatalf("failed to list event tail: %v", err)
	}
	if len(tail) != 1 || tail[0].Sequence != 2 {
		t.Errorf("expected one event with sequence 2, got %+v", tail)
	}

	latest, err := s.LatestSequence(ctx, nodeID, 1)
	if err != nil {
		t.Fatalf("failed to read latest sequence: %v", err)
	}
	if latest != 3 {
		t.Errorf("expected latest sequence 3, got %d", latest)
	}

	// Attempts are isolated streams.
	latest, err = s.LatestSequence(ctx, nodeID, 2)
	if err != nil {
		t.Fatalf("failed to read latest sequence for attempt 2: %v", err)
	}
	if latest != 0 {
		t.Errorf("expected latest sequence 0 for fresh attempt, got %d", latest)
	}
}

func TestSQLiteStore_ListRunsFilter(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	for i := 0; i < 3; i++ {
		run := &store.Run{
			RunKey:      "run-" + string(rune('a'+i)),
			TreeID:      tree.ID,
			TreeKey:     tree.TreeKey,
			TreeVersion: tree.Version,
			Status:      store.RunPending,
		}
		if err := s.CreateRun(ctx, run, nil); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		if i == 0 {
			if err := s.UpdateRunStatus(ctx, run.ID, store.RunPending, store.RunRunning, "start"); err != nil {
				t.Fatalf("failed to start run: %v", err)
			}
		}
	}

	all, err := s.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}

	running, err := s.ListRuns(ctx, store.RunFilter{Status: store.RunRunning})
	if err != nil {
		t.Fatalf("failed to list running runs: %v", err)
	}
	if len(running) != 1 {
		t.Errorf("expected 1 running run, got %d", len(running))
	}

	limited, err := s.ListRuns(ctx, store.RunFilter{Limit: 2})
	if err != nil {
		t.Fatalf("failed to list limited runs: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 runs with limit, got %d", len(limited))
	}

	// Offset applies without a limit, skipping newest-first.
	offset, err := s.ListRuns(ctx, store.RunFilter{Offset: 2})
	if err != nil {
		t.Fatalf("failed to list offset runs: %v", err)
	}
	if len(offset) != 1 {
		t.Fatalf("expected 1 run with offset 2, got %d", len(offset))
	}
	if offset[0].RunKey != "run-a" {
		t.Errorf("expected oldest run after offset, got %s", offset[0].RunKey)
	}

	paged, err := s.ListRuns(ctx, store.RunFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list paged runs: %v", err)
	}
	if len(paged) != 1 || paged[0].RunKey != "run-b" {
		t.Errorf("expected run-b on page 2, got %v", paged)
	}

	none, err := s.ListRuns(ctx, store.RunFilter{TreeKey: "other-tree"})
	if err != nil {
		t.Fatalf("failed to list filtered runs: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected 0 runs for unknown tree, got %d", len(none))
	}
}

func TestSQLiteStore_Worktrees(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tree, _ := publishTestTree(t, s, 1)
	run, _ := createTestRun(t, s, tree)

	worktree := &store.Worktree{
		RunID:        run.ID,
		RepositoryID: "arbor",
		Path:         "/tmp/worktrees/run-1",
		Branch:       "main",
		Status:       store.WorktreeActive,
	}
	if err := s.CreateWorktree(ctx, worktree); err != nil {
		t.Fatalf("failed to create worktree: %v", err)
	}

	got, err := s.GetWorktreeForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if got.Path != worktree.Path || got.Status != store.WorktreeActive {
		t.Errorf("unexpected worktree round-trip: %+v", got)
	}

	if err := s.MarkWorktreeRemoved(ctx, worktree.ID); err != nil {
		t.Fatalf("failed to mark worktree removed: %v", err)
	}
	got, err = s.GetWorktreeForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}
	if got.Status != store.WorktreeRemoved {
		t.Errorf("expected status removed, got %s", got.Status)
	}
	if got.RemovedAt == nil {
		t.Error("expected removed_at stamped")
	}

	err = s.MarkWorktreeRemoved(ctx, 9999)
	if !errors.IsNotFound(err) {
		t.Errorf("expected not-found for unknown worktree, got %v", err)
	}
}
