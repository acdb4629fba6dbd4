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
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
)

// CreateFanOutGroup inserts a group keyed by (spawner, join) with all
// counters at zero.
func (s *Store) CreateFanOutGroup(ctx context.Context, group *store.FanOutGroup) error {
	childIDs, err := json.Marshal(group.ChildNodeIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal child node ids: %w", err)
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO fan_out_groups (run_id, spawner_node_id, join_node_id, spawn_source_artifact_id,
			expected_children, terminal_children, completed_children, failed_children,
			status, child_node_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		group.RunID, group.SpawnerNodeID, group.JoinNodeID, group.SpawnSourceArtifactID,
		group.ExpectedChildren, group.TerminalChildren, group.CompletedChildren, group.FailedChildren,
		group.Status, string(childIDs), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create fan-out group: %w", err)
	}
	group.ID, _ = result.LastInsertId()
	group.CreatedAt = now
	group.UpdatedAt = now
	return nil
}

const fanOutGroupSelect = `
	SELECT id, run_id, spawner_node_id, join_node_id, spawn_source_artifact_id,
		expected_children, terminal_children, completed_children, failed_children,
		status, child_node_ids, created_at, updated_at
	FROM fan_out_groups
`

func scanFanOutGroup(row rowScanner) (*store.FanOutGroup, error) {
	var group store.FanOutGroup
	var childIDs string
	var createdAt, updatedAt sql.NullString

	err := row.Scan(
		&group.ID, &group.RunID, &group.SpawnerNodeID, &group.JoinNodeID, &group.SpawnSourceArtifactID,
		&group.ExpectedChildren, &group.TerminalChildren, &group.CompletedChildren, &group.FailedChildren,
		&group.Status, &childIDs, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(childIDs), &group.ChildNodeIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal child node ids: %w", err)
	}
	group.CreatedAt = parseTime(createdAt)
	group.UpdatedAt = parseTime(updatedAt)
	return &group, nil
}

// GetFanOutGroup retrieves the group for a (spawner, join) pair.
func (s *Store) GetFanOutGroup(ctx context.Context, spawnerNodeID, joinNodeID int64) (*store.FanOutGroup, error) {
	group, err := scanFanOutGroup(s.db.QueryRowContext(ctx,
		fanOutGroupSelect+` WHERE spawner_node_id = ? AND join_node_id = ?`, spawnerNodeID, joinNodeID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "fan-out group", ID: fmt.Sprintf("spawner %d", spawnerNodeID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fan-out group: %w", err)
	}
	return group, nil
}

// GetFanOutGroupForJoin retrieves the group whose join node is the given node.
func (s *Store) GetFanOutGroupForJoin(ctx context.Context, joinNodeID int64) (*store.FanOutGroup, error) {
	group, err := scanFanOutGroup(s.db.QueryRowContext(ctx,
		fanOutGroupSelect+` WHERE join_node_id = ?`, joinNodeID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "fan-out group", ID: fmt.Sprintf("join %d", joinNodeID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fan-out group: %w", err)
	}
	return group, nil
}

// RecordChildTerminal atomically folds one child's terminal outcome into the
// group counters. A child already present in child_node_ids is a no-op so a
// retried caller cannot double count.
func (s *Store) RecordChildTerminal(ctx context.Context, groupID, childNodeID int64, completed bool) (*store.FanOutGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	group, err := scanFanOutGroup(tx.QueryRowContext(ctx, fanOutGroupSelect+` WHERE id = ?`, groupID))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "fan-out group", ID: fmt.Sprintf("%d", groupID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fan-out group: %w", err)
	}

	if slices.Contains(group.ChildNodeIDs, childNodeID) {
		return group, tx.Commit()
	}

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

	childIDs, err := json.Marshal(group.ChildNodeIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal child node ids: %w", err)
	}
	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE fan_out_groups SET terminal_children = ?, completed_children = ?, failed_children = ?,
			status = ?, child_node_ids = ?, updated_at = ?
		WHERE id = ?`,
		group.TerminalChildren, group.CompletedChildren, group.FailedChildren,
		group.Status, string(childIDs), now.Format(time.RFC3339), groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update fan-out group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	group.UpdatedAt = now
	return group, nil
}

// CreateArtifact inserts an artifact row.
func (s *Store) CreateArtifact(ctx context.Context, artifact *store.Artifact) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_node_id, artifact_type, content_type, content_preview, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		artifact.RunNodeID, artifact.ArtifactType, artifact.ContentType,
		nullString(artifact.ContentPreview), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	artifact.ID, _ = result.LastInsertId()
	artifact.CreatedAt = now
	return nil
}

// GetLatestArtifact returns the most recent artifact for a node, or a
// NotFoundError if the node produced none.
func (s *Store) GetLatestArtifact(ctx context.Context, runNodeID int64) (*store.Artifact, error) {
	var artifact store.Artifact
	var preview sql.NullString
	var createdAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_node_id, artifact_type, content_type, content_preview, created_at
		FROM artifacts WHERE run_node_id = ? ORDER BY id DESC LIMIT 1`, runNodeID).Scan(
		&artifact.ID, &artifact.RunNodeID, &artifact.ArtifactType, &artifact.ContentType, &preview, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "artifact", ID: fmt.Sprintf("node %d", runNodeID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	artifact.ContentPreview = preview.String
	artifact.CreatedAt = parseTime(createdAt)
	return &artifact, nil
}

// CreateRoutingDecision inserts a routing decision row.
func (s *Store) CreateRoutingDecision(ctx context.Context, decision *store.RoutingDecision) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_decisions (run_node_id, decision_type, rationale, created_at)
		VALUES (?, ?, ?, ?)`,
		decision.RunNodeID, decision.DecisionType, nullString(decision.Rationale), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create routing decision: %w", err)
	}
	decision.ID, _ = result.LastInsertId()
	decision.CreatedAt = now
	return nil
}

// GetLatestRoutingDecision returns the most recent routing decision for a node.
func (s *Store) GetLatestRoutingDecision(ctx context.Context, runNodeID int64) (*store.RoutingDecision, error) {
	var decision store.RoutingDecision
	var rationale, createdAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_node_id, decision_type, rationale, created_at
		FROM routing_decisions WHERE run_node_id = ? ORDER BY id DESC LIMIT 1`, runNodeID).Scan(
		&decision.ID, &decision.RunNodeID, &decision.DecisionType, &rationale, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "routing decision", ID: fmt.Sprintf("node %d", runNodeID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get routing decision: %w", err)
	}
	decision.Rationale = rationale.String
	decision.CreatedAt = parseTime(createdAt)
	return &decision, nil
}

// CreateDiagnosticsSnapshot inserts a diagnostics snapshot row.
func (s *Store) CreateDiagnosticsSnapshot(ctx context.Context, snap *store.DiagnosticsSnapshot) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnostics_snapshots (run_node_id, attempt, outcome, event_count,
			retained_event_count, dropped_event_count, redacted, truncated, payload_chars, diagnostics, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunNodeID, snap.Attempt, snap.Outcome, snap.EventCount,
		snap.RetainedEventCount, snap.DroppedEventCount, boolInt(snap.Redacted), boolInt(snap.Truncated),
		snap.PayloadChars, nullString(string(snap.Diagnostics)), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create diagnostics snapshot: %w", err)
	}
	snap.ID, _ = result.LastInsertId()
	snap.CreatedAt = now
	return nil
}

// GetDiagnosticsSnapshot retrieves the snapshot for a node attempt.
func (s *Store) GetDiagnosticsSnapshot(ctx context.Context, runNodeID int64, attempt int) (*store.DiagnosticsSnapshot, error) {
	var snap store.DiagnosticsSnapshot
	var redacted, truncated int
	var diagnostics, createdAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_node_id, attempt, outcome, event_count, retained_event_count,
			dropped_event_count, redacted, truncated, payload_chars, diagnostics, created_at
		FROM diagnostics_snapshots WHERE run_node_id = ? AND attempt = ?`, runNodeID, attempt).Scan(
		&snap.ID, &snap.RunNodeID, &snap.Attempt, &snap.Outcome, &snap.EventCount, &snap.RetainedEventCount,
		&snap.DroppedEventCount, &redacted, &truncated, &snap.PayloadChars, &diagnostics, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "diagnostics snapshot", ID: fmt.Sprintf("node %d attempt %d", runNodeID, attempt)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnostics snapshot: %w", err)
	}
	snap.Redacted = redacted != 0
	snap.Truncated = truncated != 0
	if diagnostics.Valid {
		snap.Diagnostics = json.RawMessage(diagnostics.String)
	}
	snap.CreatedAt = parseTime(createdAt)
	return &snap, nil
}

// AppendStreamEvent inserts an event with its caller-assigned sequence.
func (s *Store) AppendStreamEvent(ctx context.Context, event *store.StreamEvent) error {
	var metadataJSON, usageJSON []byte
	var err error
	if len(event.Metadata) > 0 {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if event.Usage != nil {
		usageJSON, err = json.Marshal(event.Usage)
		if err != nil {
			return fmt.Errorf("failed to marshal usage: %w", err)
		}
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_events (workflow_run_id, run_node_id, attempt, sequence, type, timestamp,
			content_chars, content_preview, metadata, usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.WorkflowRunID, event.RunNodeID, event.Attempt, event.Sequence, event.Type,
		event.Timestamp.Format(time.RFC3339Nano), event.ContentChars,
		nullString(event.ContentPreview), nullBytes(metadataJSON), nullBytes(usageJSON),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append stream event: %w", err)
	}
	event.ID, _ = result.LastInsertId()
	event.CreatedAt = now
	return nil
}

// ListStreamEvents returns events for a node attempt with
// sequence > afterSequence, ordered by sequence.
func (s *Store) ListStreamEvents(ctx context.Context, runNodeID int64, attempt int, afterSequence int64, limit int) ([]*store.StreamEvent, error) {
	query := `
		SELECT id, workflow_run_id, run_node_id, attempt, sequence, type, timestamp,
			content_chars, content_preview, metadata, usage, created_at
		FROM stream_events
		WHERE run_node_id = ? AND attempt = ? AND sequence > ?
		ORDER BY sequence
	`
	args := []any{runNodeID, attempt, afterSequence}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stream events: %w", err)
	}
	defer rows.Close()

	var events []*store.StreamEvent
	for rows.Next() {
		var event store.StreamEvent
		var timestamp string
		var preview, metadataJSON, usageJSON, createdAt sql.NullString
		if err := rows.Scan(
			&event.ID, &event.WorkflowRunID, &event.RunNodeID, &event.Attempt, &event.Sequence,
			&event.Type, &timestamp, &event.ContentChars, &preview, &metadataJSON, &usageJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stream event: %w", err)
		}
		event.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
		event.ContentPreview = preview.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		if usageJSON.Valid && usageJSON.String != "" {
			var usage store.TokenUsage
			if err := json.Unmarshal([]byte(usageJSON.String), &usage); err == nil {
				event.Usage = &usage
			}
		}
		event.CreatedAt = parseTime(createdAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest persisted sequence for a node attempt,
// or 0 if none.
func (s *Store) LatestSequence(ctx context.Context, runNodeID int64, attempt int) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM stream_events WHERE run_node_id = ? AND attempt = ?`,
		runNodeID, attempt).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest sequence: %w", err)
	}
	return seq.Int64, nil
}

// CreateWorktree inserts a worktree row.
func (s *Store) CreateWorktree(ctx context.Context, worktree *store.Worktree) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (run_id, repository_id, path, branch, commit_hash, status, created_at, removed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		worktree.RunID, worktree.RepositoryID, worktree.Path,
		nullString(worktree.Branch), nullString(worktree.CommitHash),
		worktree.Status, now.Format(time.RFC3339), formatTime(worktree.RemovedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create worktree: %w", err)
	}
	worktree.ID, _ = result.LastInsertId()
	worktree.CreatedAt = now
	return nil
}

// MarkWorktreeRemoved flips the worktree row to removed and stamps RemovedAt.
func (s *Store) MarkWorktreeRemoved(ctx context.Context, worktreeID int64) error {
	now := time.Now().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET status = ?, removed_at = ? WHERE id = ?`,
		store.WorktreeRemoved, now, worktreeID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark worktree removed: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "worktree", ID: fmt.Sprintf("%d", worktreeID)}
	}
	return nil
}

// GetWorktreeForRun retrieves the worktree bound to a run.
func (s *Store) GetWorktreeForRun(ctx context.Context, runID int64) (*store.Worktree, error) {
	var worktree store.Worktree
	var branch, commitHash, createdAt, removedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, repository_id, path, branch, commit_hash, status, created_at, removed_at
		FROM worktrees WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID).Scan(
		&worktree.ID, &worktree.RunID, &worktree.RepositoryID, &worktree.Path,
		&branch, &commitHash, &worktree.Status, &createdAt, &removedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "worktree", ID: fmt.Sprintf("run %d", runID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	worktree.Branch = branch.String
	worktree.CommitHash = commitHash.String
	worktree.CreatedAt = parseTime(createdAt)
	worktree.RemovedAt = parseTimePtr(removedAt)
	return &worktree, nil
}

// nullBytes returns nil if bytes is empty, otherwise the string value.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// boolInt stores a bool as 0/1.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
