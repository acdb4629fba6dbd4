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

// Package memory provides an in-memory store implementation, used by tests
// and ephemeral daemons.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.TreeStore     = (*Store)(nil)
	_ store.RunStore      = (*Store)(nil)
	_ store.NodeStore     = (*Store)(nil)
	_ store.FanOutStore   = (*Store)(nil)
	_ store.OutputStore   = (*Store)(nil)
	_ store.EventStore    = (*Store)(nil)
	_ store.WorktreeStore = (*Store)(nil)
	_ store.Store         = (*Store)(nil)
)

// Store is an in-memory storage backend. All returned structs are copies;
// mutations only land through store methods, which is what keeps the
// guarded transitions honest.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	trees     map[int64]*store.Tree
	treeNodes map[int64][]*store.TreeNode // by tree ID
	treeEdges map[int64][]*store.TreeEdge // by tree ID
	runs      map[int64]*store.Run
	runNodes  map[int64]*store.RunNode
	groups    map[int64]*store.FanOutGroup
	artifacts map[int64]*store.Artifact
	decisions map[int64]*store.RoutingDecision
	snapshots map[int64]*store.DiagnosticsSnapshot
	events    []*store.StreamEvent
	worktrees map[int64]*store.Worktree
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		trees:     make(map[int64]*store.Tree),
		treeNodes: make(map[int64][]*store.TreeNode),
		treeEdges: make(map[int64][]*store.TreeEdge),
		runs:      make(map[int64]*store.Run),
		runNodes:  make(map[int64]*store.RunNode),
		groups:    make(map[int64]*store.FanOutGroup),
		artifacts: make(map[int64]*store.Artifact),
		decisions: make(map[int64]*store.RoutingDecision),
		snapshots: make(map[int64]*store.DiagnosticsSnapshot),
		worktrees: make(map[int64]*store.Worktree),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// PublishTree stores a tree definition with its nodes and edges.
func (s *Store) PublishTree(ctx context.Context, tree *store.Tree, nodes []*store.TreeNode, edges []*store.TreeEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.trees {
		if existing.TreeKey == tree.TreeKey && existing.Version == tree.Version {
			return fmt.Errorf("tree %s version %d already published", tree.TreeKey, tree.Version)
		}
	}

	tree.ID = s.id()
	tree.PublishedAt = time.Now()
	treeCopy := *tree
	s.trees[tree.ID] = &treeCopy

	for _, node := range nodes {
		node.ID = s.id()
		node.TreeID = tree.ID
		nodeCopy := *node
		s.treeNodes[tree.ID] = append(s.treeNodes[tree.ID], &nodeCopy)
	}
	for _, edge := range edges {
		edge.ID = s.id()
		edge.TreeID = tree.ID
		edgeCopy := *edge
		s.treeEdges[tree.ID] = append(s.treeEdges[tree.ID], &edgeCopy)
	}
	return nil
}

// GetTree retrieves a tree by key and version. Version 0 resolves to the
// latest published version.
func (s *Store) GetTree(ctx context.Context, treeKey string, version int) (*store.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *store.Tree
	for _, tree := range s.trees {
		if tree.TreeKey != treeKey {
			continue
		}
		if version > 0 {
			if tree.Version == version {
				best = tree
				break
			}
			continue
		}
		if best == nil || tree.Version > best.Version {
			best = tree
		}
	}
	if best == nil {
		return nil, &errors.TreeNotFoundError{TreeKey: treeKey, Version: version}
	}
	treeCopy := *best
	return &treeCopy, nil
}

// ListTreeNodes returns the tree's node templates ordered by sequence index.
func (s *Store) ListTreeNodes(ctx context.Context, treeID int64) ([]*store.TreeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []*store.TreeNode
	for _, node := range s.treeNodes[treeID] {
		nodeCopy := *node
		nodes = append(nodes, &nodeCopy)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SequenceIndex != nodes[j].SequenceIndex {
			return nodes[i].SequenceIndex < nodes[j].SequenceIndex
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// ListTreeEdges returns the tree's edges ordered by priority.
func (s *Store) ListTreeEdges(ctx context.Context, treeID int64) ([]*store.TreeEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var edges []*store.TreeEdge
	for _, edge := range s.treeEdges[treeID] {
		edgeCopy := *edge
		edges = append(edges, &edgeCopy)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Priority != edges[j].Priority {
			return edges[i].Priority < edges[j].Priority
		}
		return edges[i].ID < edges[j].ID
	})
	return edges, nil
}

// CreateRun creates the run row and its initial nodes.
func (s *Store) CreateRun(ctx context.Context, run *store.Run, nodes []*store.RunNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	run.ID = s.id()
	run.CreatedAt = now
	run.UpdatedAt = now
	runCopy := *run
	s.runs[run.ID] = &runCopy

	for _, node := range nodes {
		node.ID = s.id()
		node.RunID = run.ID
		node.CreatedAt = now
		nodeCopy := *node
		s.runNodes[node.ID] = &nodeCopy
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id int64) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("%d", id)}
	}
	runCopy := *run
	return &runCopy, nil
}

// ListRuns lists runs with optional filtering, newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*store.Run
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.TreeKey != "" && run.TreeKey != filter.TreeKey {
			continue
		}
		runCopy := *run
		runs = append(runs, &runCopy)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// UpdateRunStatus transitions the run's status guarded by the expected
// current status.
func (s *Store) UpdateRunStatus(ctx context.Context, runID int64, from, to store.RunStatus, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("%d", runID)}
	}
	if run.Status != from {
		return &errors.InvalidTransitionError{
			Entity:   "run",
			ID:       runID,
			Action:   action,
			Expected: string(from),
			Actual:   string(run.Status),
		}
	}

	now := time.Now()
	run.Status = to
	run.UpdatedAt = now
	if to == store.RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.Terminal() {
		run.CompletedAt = &now
	}
	return nil
}

// SetRunError records a run-level error message.
func (s *Store) SetRunError(ctx context.Context, runID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runID]
	if !exists {
		return &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("%d", runID)}
	}
	run.Error = message
	run.UpdatedAt = time.Now()
	return nil
}

// CreateRunNodes inserts fan-out child nodes.
func (s *Store) CreateRunNodes(ctx context.Context, nodes []*store.RunNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, node := range nodes {
		node.ID = s.id()
		node.CreatedAt = now
		nodeCopy := *node
		s.runNodes[node.ID] = &nodeCopy
	}
	return nil
}

// GetRunNode retrieves a run node by ID.
func (s *Store) GetRunNode(ctx context.Context, id int64) (*store.RunNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, exists := s.runNodes[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run node", ID: fmt.Sprintf("%d", id)}
	}
	nodeCopy := *node
	return &nodeCopy, nil
}

// ListRunNodes returns all nodes for a run ordered by sequence index then ID.
func (s *Store) ListRunNodes(ctx context.Context, runID int64) ([]*store.RunNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nodes []*store.RunNode
	for _, node := range s.runNodes {
		if node.RunID != runID {
			continue
		}
		nodeCopy := *node
		nodes = append(nodes, &nodeCopy)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].SequenceIndex != nodes[j].SequenceIndex {
			return nodes[i].SequenceIndex < nodes[j].SequenceIndex
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// UpdateNodeStatus transitions a node's status guarded by the expected
// current status.
func (s *Store) UpdateNodeStatus(ctx context.Context, nodeID int64, from, to store.NodeStatus, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.runNodes[nodeID]
	if !exists {
		return &errors.NotFoundError{Resource: "run node", ID: fmt.Sprintf("%d", nodeID)}
	}
	if node.Status != from {
		return &errors.InvalidTransitionError{
			Entity:   "node",
			ID:       nodeID,
			Action:   action,
			Expected: string(from),
			Actual:   string(node.Status),
		}
	}

	now := time.Now()
	node.Status = to
	if to == store.NodeRunning {
		node.StartedAt = &now
	}
	if to.Terminal() {
		node.CompletedAt = &now
	}
	return nil
}

// RecordNodeFailure stores the failure classification and message.
func (s *Store) RecordNodeFailure(ctx context.Context, nodeID int64, kind, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.runNodes[nodeID]
	if !exists {
		return &errors.NotFoundError{Resource: "run node", ID: fmt.Sprintf("%d", nodeID)}
	}
	node.FailureKind = kind
	node.Error = message
	return nil
}

// ResetNodeForRetry moves a failed node back to pending in place.
func (s *Store) ResetNodeForRetry(ctx context.Context, nodeID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.runNodes[nodeID]
	if !exists {
		return 0, &errors.NotFoundError{Resource: "run node", ID: fmt.Sprintf("%d", nodeID)}
	}
	if node.Status != store.NodeFailed {
		return 0, &errors.InvalidTransitionError{
			Entity:   "node",
			ID:       nodeID,
			Action:   "retry",
			Expected: string(store.NodeFailed),
			Actual:   string(node.Status),
		}
	}

	node.Status = store.NodePending
	node.Attempt++
	node.FailureKind = ""
	node.Error = ""
	node.StartedAt = nil
	node.CompletedAt = nil
	return node.Attempt, nil
}

// CreateFanOutGroup inserts a fan-out group.
func (s *Store) CreateFanOutGroup(ctx context.Context, group *store.FanOutGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.groups {
		if existing.SpawnerNodeID == group.SpawnerNodeID && existing.JoinNodeID == group.JoinNodeID {
			return fmt.Errorf("fan-out group already exists for spawner %d", group.SpawnerNodeID)
		}
	}

	now := time.Now()
	group.ID = s.id()
	group.CreatedAt = now
	group.UpdatedAt = now
	groupCopy := *group
	groupCopy.ChildNodeIDs = slices.Clone(group.ChildNodeIDs)
	s.groups[group.ID] = &groupCopy
	return nil
}

// GetFanOutGroup retrieves the group for a (spawner, join) pair.
func (s *Store) GetFanOutGroup(ctx context.Context, spawnerNodeID, joinNodeID int64) (*store.FanOutGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, group := range s.groups {
		if group.SpawnerNodeID == spawnerNodeID && group.JoinNodeID == joinNodeID {
			return cloneGroup(group), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "fan-out group", ID: fmt.Sprintf("spawner %d", spawnerNodeID)}
}

// GetFanOutGroupForJoin retrieves the group whose join node is the given node.
func (s *Store) GetFanOutGroupForJoin(ctx context.Context, joinNodeID int64) (*store.FanOutGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, group := range s.groups {
		if group.JoinNodeID == joinNodeID {
			return cloneGroup(group), nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "fan-out group", ID: fmt.Sprintf("join %d", joinNodeID)}
}

// RecordChildTerminal atomically folds one child's terminal outcome into the
// group counters, idempotent per child.
func (s *Store) RecordChildTerminal(ctx context.Context, groupID, childNodeID int64, completed bool) (*store.FanOutGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, exists := s.groups[groupID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "fan-out group", ID: fmt.Sprintf("%d", groupID)}
	}

	if !slices.Contains(group.ChildNodeIDs, childNodeID) {
		group.ChildNodeIDs = append(group.ChildNodeIDs, childNodeID)
		group.TerminalChildren++
		if completed {
			group.CompletedChildren++
		} else {
			group.FailedChildren++
		}
		if group.TerminalChildren >= group.ExpectedChildren {
			group.Status = store.GroupComplete
		}
		group.UpdatedAt = time.Now()
	}
	return cloneGroup(group), nil
}

func cloneGroup(group *store.FanOutGroup) *store.FanOutGroup {
	groupCopy := *group
	groupCopy.ChildNodeIDs = slices.Clone(group.ChildNodeIDs)
	return &groupCopy
}

// CreateArtifact inserts an artifact.
func (s *Store) CreateArtifact(ctx context.Context, artifact *store.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact.ID = s.id()
	artifact.CreatedAt = time.Now()
	artifactCopy := *artifact
	s.artifacts[artifact.ID] = &artifactCopy
	return nil
}

// GetLatestArtifact returns the most recent artifact for a node.
func (s *Store) GetLatestArtifact(ctx context.Context, runNodeID int64) (*store.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *store.Artifact
	for _, artifact := range s.artifacts {
		if artifact.RunNodeID != runNodeID {
			continue
		}
		if best == nil || artifact.ID > best.ID {
			best = artifact
		}
	}
	if best == nil {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: fmt.Sprintf("node %d", runNodeID)}
	}
	artifactCopy := *best
	return &artifactCopy, nil
}

// CreateRoutingDecision inserts a routing decision.
func (s *Store) CreateRoutingDecision(ctx context.Context, decision *store.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	decision.ID = s.id()
	decision.CreatedAt = time.Now()
	decisionCopy := *decision
	s.decisions[decision.ID] = &decisionCopy
	return nil
}

// GetLatestRoutingDecision returns the most recent routing decision for a node.
func (s *Store) GetLatestRoutingDecision(ctx context.Context, runNodeID int64) (*store.RoutingDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *store.RoutingDecision
	for _, decision := range s.decisions {
		if decision.RunNodeID != runNodeID {
			continue
		}
		if best == nil || decision.ID > best.ID {
			best = decision
		}
	}
	if best == nil {
		return nil, &errors.NotFoundError{Resource: "routing decision", ID: fmt.Sprintf("node %d", runNodeID)}
	}
	decisionCopy := *best
	return &decisionCopy, nil
}

// CreateDiagnosticsSnapshot inserts a diagnostics snapshot.
func (s *Store) CreateDiagnosticsSnapshot(ctx context.Context, snap *store.DiagnosticsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.snapshots {
		if existing.RunNodeID == snap.RunNodeID && existing.Attempt == snap.Attempt {
			return fmt.Errorf("diagnostics snapshot already exists for node %d attempt %d", snap.RunNodeID, snap.Attempt)
		}
	}

	snap.ID = s.id()
	snap.CreatedAt = time.Now()
	snapCopy := *snap
	snapCopy.Diagnostics = slices.Clone(snap.Diagnostics)
	s.snapshots[snap.ID] = &snapCopy
	return nil
}

// GetDiagnosticsSnapshot retrieves the snapshot for a node attempt.
func (s *Store) GetDiagnosticsSnapshot(ctx context.Context, runNodeID int64, attempt int) (*store.DiagnosticsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snapshots {
		if snap.RunNodeID == runNodeID && snap.Attempt == attempt {
			snapCopy := *snap
			snapCopy.Diagnostics = slices.Clone(snap.Diagnostics)
			return &snapCopy, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "diagnostics snapshot", ID: fmt.Sprintf("node %d attempt %d", runNodeID, attempt)}
}

// AppendStreamEvent inserts an event with its caller-assigned sequence.
func (s *Store) AppendStreamEvent(ctx context.Context, event *store.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.events {
		if existing.RunNodeID == event.RunNodeID && existing.Attempt == event.Attempt && existing.Sequence == event.Sequence {
			return fmt.Errorf("stream event sequence %d already exists for node %d attempt %d",
				event.Sequence, event.RunNodeID, event.Attempt)
		}
	}

	event.ID = s.id()
	event.CreatedAt = time.Now()
	eventCopy := *event
	s.events = append(s.events, &eventCopy)
	return nil
}

// ListStreamEvents returns events for a node attempt with
// sequence > afterSequence, ordered by sequence.
func (s *Store) ListStreamEvents(ctx context.Context, runNodeID int64, attempt int, afterSequence int64, limit int) ([]*store.StreamEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*store.StreamEvent
	for _, event := range s.events {
		if event.RunNodeID != runNodeID || event.Attempt != attempt || event.Sequence <= afterSequence {
			continue
		}
		eventCopy := *event
		events = append(events, &eventCopy)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// LatestSequence returns the highest persisted sequence for a node attempt.
func (s *Store) LatestSequence(ctx context.Context, runNodeID int64, attempt int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest int64
	for _, event := range s.events {
		if event.RunNodeID == runNodeID && event.Attempt == attempt && event.Sequence > latest {
			latest = event.Sequence
		}
	}
	return latest, nil
}

// CreateWorktree inserts a worktree row.
func (s *Store) CreateWorktree(ctx context.Context, worktree *store.Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worktree.ID = s.id()
	worktree.CreatedAt = time.Now()
	worktreeCopy := *worktree
	s.worktrees[worktree.ID] = &worktreeCopy
	return nil
}

// MarkWorktreeRemoved flips the worktree row to removed.
func (s *Store) MarkWorktreeRemoved(ctx context.Context, worktreeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worktree, exists := s.worktrees[worktreeID]
	if !exists {
		return &errors.NotFoundError{Resource: "worktree", ID: fmt.Sprintf("%d", worktreeID)}
	}
	now := time.Now()
	worktree.Status = store.WorktreeRemoved
	worktree.RemovedAt = &now
	return nil
}

// GetWorktreeForRun retrieves the worktree bound to a run.
func (s *Store) GetWorktreeForRun(ctx context.Context, runID int64) (*store.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *store.Worktree
	for _, worktree := range s.worktrees {
		if worktree.RunID != runID {
			continue
		}
		if best == nil || worktree.ID > best.ID {
			best = worktree
		}
	}
	if best == nil {
		return nil, &errors.NotFoundError{Resource: "worktree", ID: fmt.Sprintf("run %d", runID)}
	}
	worktreeCopy := *best
	return &worktreeCopy, nil
}
