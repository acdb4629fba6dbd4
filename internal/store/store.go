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

// Package store provides storage for workflow trees, runs, and everything a
// run produces.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend on the minimal
// surface they need:
//
//   - TreeStore: published tree definitions (immutable per key+version)
//   - RunStore: run rows and conditional run status writes
//   - NodeStore: run node rows, conditional node status writes, retry resets
//   - FanOutStore: fan-out group aggregates with atomic counter updates
//   - OutputStore: artifacts, routing decisions, diagnostics snapshots
//   - EventStore: append-only sequence-numbered stream events
//   - WorktreeStore: worktree lifecycle rows
//
// The Store interface composes all of these plus io.Closer. Status fields
// are only ever written through conditional updates guarded by the expected
// prior status; a mismatch surfaces as *errors.InvalidTransitionError rather
// than a silent overwrite. Nothing deletes rows: termination is a status
// value, not row removal.
package store

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// RunStatus is the lifecycle status of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the lifecycle status of a run node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether the node status admits no further transitions
// (failed nodes can still re-enter pending through the retry path).
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped || s == NodeCancelled
}

// NodeRole distinguishes ordinary nodes from fan-out spawners and joins.
type NodeRole string

const (
	RoleStandard NodeRole = "standard"
	RoleSpawner  NodeRole = "spawner"
	RoleJoin     NodeRole = "join"
)

// NodeType is the kind of step a tree node represents.
type NodeType string

const (
	NodeTypeAgent NodeType = "agent"
	NodeTypeHuman NodeType = "human"
	NodeTypeTool  NodeType = "tool"
)

// ArtifactType categorizes node output artifacts.
type ArtifactType string

const (
	ArtifactReport ArtifactType = "report"
	ArtifactNote   ArtifactType = "note"
	ArtifactLog    ArtifactType = "log"
)

// ContentType is the format of an artifact's content.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
	ContentJSON     ContentType = "json"
	ContentDiff     ContentType = "diff"
)

// DecisionType classifies a routing decision emitted by a node.
type DecisionType string

const (
	DecisionApproved         DecisionType = "approved"
	DecisionChangesRequested DecisionType = "changes_requested"
	DecisionBlocked          DecisionType = "blocked"
	DecisionRetry            DecisionType = "retry"
	DecisionNoRoute          DecisionType = "no_route"
)

// GroupStatus is the lifecycle status of a fan-out group.
type GroupStatus string

const (
	GroupOpen     GroupStatus = "open"
	GroupComplete GroupStatus = "complete"
)

// WorktreeStatus is the lifecycle status of a provisioned worktree.
type WorktreeStatus string

const (
	WorktreeActive  WorktreeStatus = "active"
	WorktreeRemoved WorktreeStatus = "removed"
)

// Tree is a published, immutable workflow tree definition.
type Tree struct {
	ID          int64     `json:"id"`
	TreeKey     string    `json:"tree_key"`
	Version     int       `json:"version"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// TreeNode is a node template within a published tree.
type TreeNode struct {
	ID            int64    `json:"id"`
	TreeID        int64    `json:"tree_id"`
	NodeKey       string   `json:"node_key"`
	NodeType      NodeType `json:"node_type"`
	NodeRole      NodeRole `json:"node_role"`
	Provider      string   `json:"provider"`
	Prompt        string   `json:"prompt,omitempty"`
	JoinForKey    string   `json:"join_for_key,omitempty"` // spawner nodes: node key of the designated join
	MaxRetries    int      `json:"max_retries"`
	SequenceIndex int      `json:"sequence_index"`
}

// TreeEdge is a directed, guarded, prioritized edge between tree nodes.
type TreeEdge struct {
	ID          int64  `json:"id"`
	TreeID      int64  `json:"tree_id"`
	FromNodeKey string `json:"from_node_key"`
	ToNodeKey   string `json:"to_node_key"`
	Guard       string `json:"guard,omitempty"` // boolean expression; empty means always
	Priority    int    `json:"priority"`
}

// Run is one execution of a tree.
type Run struct {
	ID             int64      `json:"id"`
	RunKey         string     `json:"run_key"` // external UUID identifier
	TreeID         int64      `json:"tree_id"`
	TreeKey        string     `json:"tree_key"`
	TreeVersion    int        `json:"tree_version"`
	Status         RunStatus  `json:"status"`
	RepositoryName string     `json:"repository_name,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RunNode is the execution instance of a tree node within a run.
//
// Invariants (enforced by the engine and the store schema):
//   - SpawnerNodeID and JoinNodeID are both set or both null
//   - a node with a non-standard role has LineageDepth 0
//   - a linked standard node carries a non-null SequencePath
type RunNode struct {
	ID            int64      `json:"id"`
	RunID         int64      `json:"run_id"`
	NodeKey       string     `json:"node_key"`
	NodeType      NodeType   `json:"node_type"`
	NodeRole      NodeRole   `json:"node_role"`
	Provider      string     `json:"provider"`
	Prompt        string     `json:"prompt,omitempty"`
	JoinForKey    string     `json:"join_for_key,omitempty"`
	SpawnerNodeID *int64     `json:"spawner_node_id,omitempty"`
	JoinNodeID    *int64     `json:"join_node_id,omitempty"`
	LineageDepth  int        `json:"lineage_depth"`
	SequencePath  *string    `json:"sequence_path,omitempty"`
	SequenceIndex int        `json:"sequence_index"`
	Attempt       int        `json:"attempt"`
	MaxRetries    int        `json:"max_retries"`
	Status        NodeStatus `json:"status"`
	FailureKind   string     `json:"failure_kind,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Linked reports whether the node is a fan-out child (carries spawner/join
// back-references).
func (n *RunNode) Linked() bool {
	return n.SpawnerNodeID != nil || n.JoinNodeID != nil
}

// FanOutGroup aggregates the children spawned for one (spawner, join) pair.
type FanOutGroup struct {
	ID                    int64       `json:"id"`
	RunID                 int64       `json:"run_id"`
	SpawnerNodeID         int64       `json:"spawner_node_id"`
	JoinNodeID            int64       `json:"join_node_id"`
	SpawnSourceArtifactID int64       `json:"spawn_source_artifact_id"`
	ExpectedChildren      int         `json:"expected_children"`
	TerminalChildren      int         `json:"terminal_children"`
	CompletedChildren     int         `json:"completed_children"`
	FailedChildren        int         `json:"failed_children"`
	Status                GroupStatus `json:"status"`
	ChildNodeIDs          []int64     `json:"child_node_ids"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

// Artifact is an immutable output produced by a node attempt.
type Artifact struct {
	ID             int64        `json:"id"`
	RunNodeID      int64        `json:"run_node_id"`
	ArtifactType   ArtifactType `json:"artifact_type"`
	ContentType    ContentType  `json:"content_type"`
	ContentPreview string       `json:"content_preview"`
	CreatedAt      time.Time    `json:"created_at"`
}

// RoutingDecision is an immutable routing outcome emitted by a node attempt.
type RoutingDecision struct {
	ID           int64        `json:"id"`
	RunNodeID    int64        `json:"run_node_id"`
	DecisionType DecisionType `json:"decision_type"`
	Rationale    string       `json:"rationale,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DiagnosticsSnapshot is the persisted, size-bounded summary of one node
// attempt's provider interaction. Diagnostics holds the structured payload
// as JSON; Redacted and Truncated record which normalizations were applied.
type DiagnosticsSnapshot struct {
	ID                 int64           `json:"id"`
	RunNodeID          int64           `json:"run_node_id"`
	Attempt            int             `json:"attempt"`
	Outcome            string          `json:"outcome"` // completed or failed
	EventCount         int             `json:"event_count"`
	RetainedEventCount int             `json:"retained_event_count"`
	DroppedEventCount  int             `json:"dropped_event_count"`
	Redacted           bool            `json:"redacted"`
	Truncated          bool            `json:"truncated"`
	PayloadChars       int             `json:"payload_chars"`
	Diagnostics        json.RawMessage `json:"diagnostics"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TokenUsage captures provider token consumption attached to a stream event.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// StreamEvent is one unit of live provider output, sequence-numbered per
// (run node, attempt). Sequence starts at 1 and increases by exactly 1
// within that key; rows are append-only and never resequenced.
type StreamEvent struct {
	ID             int64          `json:"id"`
	WorkflowRunID  int64          `json:"workflow_run_id"`
	RunNodeID      int64          `json:"run_node_id"`
	Attempt        int            `json:"attempt"`
	Sequence       int64          `json:"sequence"`
	Type           string         `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	ContentChars   int            `json:"content_chars"`
	ContentPreview string         `json:"content_preview,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Usage          *TokenUsage    `json:"usage,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Worktree records a provisioned working directory bound to a run.
type Worktree struct {
	ID           int64          `json:"id"`
	RunID        int64          `json:"run_id"`
	RepositoryID string         `json:"repository_id"`
	Path         string         `json:"path"`
	Branch       string         `json:"branch,omitempty"`
	CommitHash   string         `json:"commit_hash,omitempty"`
	Status       WorktreeStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	RemovedAt    *time.Time     `json:"removed_at,omitempty"`
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status  RunStatus
	TreeKey string
	Limit   int
	Offset  int
}

// TreeStore persists published tree definitions.
type TreeStore interface {
	// PublishTree stores a tree with its nodes and edges in one
	// transaction. The version must be greater than any published version
	// of the same key.
	PublishTree(ctx context.Context, tree *Tree, nodes []*TreeNode, edges []*TreeEdge) error

	// GetTree retrieves a tree by key and version. Version 0 means the
	// latest published version. Returns *errors.TreeNotFoundError on miss.
	GetTree(ctx context.Context, treeKey string, version int) (*Tree, error)

	// ListTreeNodes returns the tree's node templates ordered by
	// sequence index.
	ListTreeNodes(ctx context.Context, treeID int64) ([]*TreeNode, error)

	// ListTreeEdges returns the tree's edges ordered by priority.
	ListTreeEdges(ctx context.Context, treeID int64) ([]*TreeEdge, error)
}

// RunStore persists run rows.
type RunStore interface {
	// CreateRun creates the run row and its initial nodes transactionally,
	// populating the IDs on the passed structs.
	CreateRun(ctx context.Context, run *Run, nodes []*RunNode) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id int64) (*Run, error)

	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// UpdateRunStatus transitions the run's status with an expected-from
	// guard. StartedAt is stamped on the first transition to running,
	// CompletedAt on any terminal transition. A guard mismatch returns
	// *errors.InvalidTransitionError carrying the actual status.
	UpdateRunStatus(ctx context.Context, runID int64, from, to RunStatus, action string) error

	// SetRunError records a run-level error message without touching status.
	SetRunError(ctx context.Context, runID int64, message string) error
}

// NodeStore persists run node rows.
type NodeStore interface {
	// CreateRunNodes inserts fan-out child nodes, populating their IDs.
	CreateRunNodes(ctx context.Context, nodes []*RunNode) error

	// GetRunNode retrieves a run node by ID.
	GetRunNode(ctx context.Context, id int64) (*RunNode, error)

	// ListRunNodes returns all nodes for a run ordered by sequence index
	// then ID.
	ListRunNodes(ctx context.Context, runID int64) ([]*RunNode, error)

	// UpdateNodeStatus transitions a node's status with an expected-from
	// guard, stamping StartedAt/CompletedAt like UpdateRunStatus does.
	UpdateNodeStatus(ctx context.Context, nodeID int64, from, to NodeStatus, action string) error

	// RecordNodeFailure stores the failure classification and message for
	// the node's current attempt.
	RecordNodeFailure(ctx context.Context, nodeID int64, kind, message string) error

	// ResetNodeForRetry moves a failed node back to pending in place,
	// incrementing its attempt and clearing per-attempt fields. Returns
	// the new attempt number. Guarded on the node currently being failed.
	ResetNodeForRetry(ctx context.Context, nodeID int64) (int, error)
}

// FanOutStore persists fan-out group aggregates.
type FanOutStore interface {
	// CreateFanOutGroup inserts a group keyed by (spawner, join) with all
	// counters at zero.
	CreateFanOutGroup(ctx context.Context, group *FanOutGroup) error

	// GetFanOutGroup retrieves the group for a (spawner, join) pair.
	GetFanOutGroup(ctx context.Context, spawnerNodeID, joinNodeID int64) (*FanOutGroup, error)

	// GetFanOutGroupForJoin retrieves the group whose join node is the
	// given node.
	GetFanOutGroupForJoin(ctx context.Context, joinNodeID int64) (*FanOutGroup, error)

	// RecordChildTerminal atomically increments terminal_children and the
	// matching completed/failed counter and appends the child ID if absent.
	// Reprocessing the same child is a no-op, so callers may safely retry.
	// Returns the updated group.
	RecordChildTerminal(ctx context.Context, groupID, childNodeID int64, completed bool) (*FanOutGroup, error)
}

// OutputStore persists node outputs: artifacts, routing decisions, and
// diagnostics snapshots. All rows are immutable once created.
type OutputStore interface {
	CreateArtifact(ctx context.Context, artifact *Artifact) error
	GetLatestArtifact(ctx context.Context, runNodeID int64) (*Artifact, error)
	CreateRoutingDecision(ctx context.Context, decision *RoutingDecision) error
	GetLatestRoutingDecision(ctx context.Context, runNodeID int64) (*RoutingDecision, error)
	CreateDiagnosticsSnapshot(ctx context.Context, snap *DiagnosticsSnapshot) error
	GetDiagnosticsSnapshot(ctx context.Context, runNodeID int64, attempt int) (*DiagnosticsSnapshot, error)
}

// EventStore persists stream events.
type EventStore interface {
	// AppendStreamEvent inserts an event with its caller-assigned sequence.
	// The (run_node_id, attempt, sequence) triple is unique; the broker is
	// the single writer per key and assigns sequences contiguously from 1.
	AppendStreamEvent(ctx context.Context, event *StreamEvent) error

	// ListStreamEvents returns events for a node attempt with
	// sequence > afterSequence, ordered by sequence. limit 0 means no limit.
	ListStreamEvents(ctx context.Context, runNodeID int64, attempt int, afterSequence int64, limit int) ([]*StreamEvent, error)

	// LatestSequence returns the highest persisted sequence for a node
	// attempt, or 0 if none.
	LatestSequence(ctx context.Context, runNodeID int64, attempt int) (int64, error)
}

// WorktreeStore persists worktree lifecycle rows.
type WorktreeStore interface {
	CreateWorktree(ctx context.Context, worktree *Worktree) error
	MarkWorktreeRemoved(ctx context.Context, worktreeID int64) error
	GetWorktreeForRun(ctx context.Context, runID int64) (*Worktree, error)
}

// Store is the full storage interface composed from the segregated parts.
type Store interface {
	TreeStore
	RunStore
	NodeStore
	FanOutStore
	OutputStore
	EventStore
	WorktreeStore
	io.Closer
}
