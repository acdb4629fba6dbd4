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

// Package sqlite provides a SQLite store implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
	_ "modernc.org/sqlite"
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

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_key TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT,
			description TEXT,
			published_at TEXT NOT NULL,
			UNIQUE (tree_key, version)
		)`,
		`CREATE TABLE IF NOT EXISTS tree_nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_id INTEGER NOT NULL,
			node_key TEXT NOT NULL,
			node_type TEXT NOT NULL,
			node_role TEXT NOT NULL,
			provider TEXT,
			prompt TEXT,
			join_for_key TEXT,
			max_retries INTEGER NOT NULL DEFAULT 0,
			sequence_index INTEGER NOT NULL,
			UNIQUE (tree_id, node_key),
			FOREIGN KEY (tree_id) REFERENCES trees(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS tree_edges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tree_id INTEGER NOT NULL,
			from_node_key TEXT NOT NULL,
			to_node_key TEXT NOT NULL,
			guard TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (tree_id) REFERENCES trees(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_key TEXT NOT NULL UNIQUE,
			tree_id INTEGER NOT NULL,
			tree_key TEXT NOT NULL,
			tree_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			repository_name TEXT,
			branch TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (tree_id) REFERENCES trees(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_tree_key ON workflow_runs(tree_key)`,
		`CREATE TABLE IF NOT EXISTS run_nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			node_key TEXT NOT NULL,
			node_type TEXT NOT NULL,
			node_role TEXT NOT NULL,
			provider TEXT,
			prompt TEXT,
			join_for_key TEXT,
			spawner_node_id INTEGER,
			join_node_id INTEGER,
			lineage_depth INTEGER NOT NULL DEFAULT 0,
			sequence_path TEXT,
			sequence_index INTEGER NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			max_retries INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			failure_kind TEXT,
			error TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_nodes_run_id ON run_nodes(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_nodes_status ON run_nodes(status)`,
		`CREATE TABLE IF NOT EXISTS fan_out_groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			spawner_node_id INTEGER NOT NULL,
			join_node_id INTEGER NOT NULL,
			spawn_source_artifact_id INTEGER NOT NULL,
			expected_children INTEGER NOT NULL,
			terminal_children INTEGER NOT NULL DEFAULT 0,
			completed_children INTEGER NOT NULL DEFAULT 0,
			failed_children INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			child_node_ids TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (spawner_node_id, join_node_id),
			FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_node_id INTEGER NOT NULL,
			artifact_type TEXT NOT NULL,
			content_type TEXT NOT NULL,
			content_preview TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_node_id) REFERENCES run_nodes(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_node_id ON artifacts(run_node_id)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_node_id INTEGER NOT NULL,
			decision_type TEXT NOT NULL,
			rationale TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_node_id) REFERENCES run_nodes(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_decisions_run_node_id ON routing_decisions(run_node_id)`,
		`CREATE TABLE IF NOT EXISTS diagnostics_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_node_id INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			event_count INTEGER NOT NULL DEFAULT 0,
			retained_event_count INTEGER NOT NULL DEFAULT 0,
			dropped_event_count INTEGER NOT NULL DEFAULT 0,
			redacted INTEGER NOT NULL DEFAULT 0,
			truncated INTEGER NOT NULL DEFAULT 0,
			payload_chars INTEGER NOT NULL DEFAULT 0,
			diagnostics TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (run_node_id, attempt),
			FOREIGN KEY (run_node_id) REFERENCES run_nodes(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS stream_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_run_id INTEGER NOT NULL,
			run_node_id INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			content_chars INTEGER NOT NULL DEFAULT 0,
			content_preview TEXT,
			metadata TEXT,
			usage TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (run_node_id, attempt, sequence),
			FOREIGN KEY (run_node_id) REFERENCES run_nodes(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_events_node_attempt ON stream_events(run_node_id, attempt, sequence)`,
		`CREATE TABLE IF NOT EXISTS worktrees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			repository_id TEXT NOT NULL,
			path TEXT NOT NULL,
			branch TEXT,
			commit_hash TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			removed_at TEXT,
			FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// PublishTree stores a tree definition with its nodes and edges in one
// transaction.
func (s *Store) PublishTree(ctx context.Context, tree *store.Tree, nodes []*store.TreeNode, edges []*store.TreeEdge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO trees (tree_key, version, name, description, published_at) VALUES (?, ?, ?, ?, ?)`,
		tree.TreeKey, tree.Version, nullString(tree.Name), nullString(tree.Description), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert tree: %w", err)
	}
	treeID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read tree id: %w", err)
	}

	for _, node := range nodes {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO tree_nodes (tree_id, node_key, node_type, node_role, provider, prompt, join_for_key, max_retries, sequence_index)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			treeID, node.NodeKey, node.NodeType, node.NodeRole, nullString(node.Provider),
			nullString(node.Prompt), nullString(node.JoinForKey), node.MaxRetries, node.SequenceIndex,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tree node %s: %w", node.NodeKey, err)
		}
		node.ID, _ = result.LastInsertId()
		node.TreeID = treeID
	}

	for _, edge := range edges {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO tree_edges (tree_id, from_node_key, to_node_key, guard, priority) VALUES (?, ?, ?, ?, ?)`,
			treeID, edge.FromNodeKey, edge.ToNodeKey, nullString(edge.Guard), edge.Priority,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tree edge %s->%s: %w", edge.FromNodeKey, edge.ToNodeKey, err)
		}
		edge.ID, _ = result.LastInsertId()
		edge.TreeID = treeID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	tree.ID = treeID
	tree.PublishedAt = now
	return nil
}

// GetTree retrieves a tree by key and version. Version 0 resolves to the
// latest published version.
func (s *Store) GetTree(ctx context.Context, treeKey string, version int) (*store.Tree, error) {
	query := `SELECT id, tree_key, version, name, description, published_at FROM trees WHERE tree_key = ?`
	args := []any{treeKey}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var tree store.Tree
	var name, description sql.NullString
	var publishedAt string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&tree.ID, &tree.TreeKey, &tree.Version, &name, &description, &publishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.TreeNotFoundError{TreeKey: treeKey, Version: version}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tree: %w", err)
	}

	tree.Name = name.String
	tree.Description = description.String
	tree.PublishedAt, _ = time.Parse(time.RFC3339, publishedAt)
	return &tree, nil
}

// ListTreeNodes returns the tree's node templates ordered by sequence index.
func (s *Store) ListTreeNodes(ctx context.Context, treeID int64) ([]*store.TreeNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tree_id, node_key, node_type, node_role, provider, prompt, join_for_key, max_retries, sequence_index
		FROM tree_nodes WHERE tree_id = ? ORDER BY sequence_index, id`, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tree nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*store.TreeNode
	for rows.Next() {
		var node store.TreeNode
		var provider, prompt, joinForKey sql.NullString
		if err := rows.Scan(
			&node.ID, &node.TreeID, &node.NodeKey, &node.NodeType, &node.NodeRole,
			&provider, &prompt, &joinForKey, &node.MaxRetries, &node.SequenceIndex,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tree node: %w", err)
		}
		node.Provider = provider.String
		node.Prompt = prompt.String
		node.JoinForKey = joinForKey.String
		nodes = append(nodes, &node)
	}
	return nodes, rows.Err()
}

// ListTreeEdges returns the tree's edges ordered by priority.
func (s *Store) ListTreeEdges(ctx context.Context, treeID int64) ([]*store.TreeEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tree_id, from_node_key, to_node_key, guard, priority
		FROM tree_edges WHERE tree_id = ? ORDER BY priority, id`, treeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tree edges: %w", err)
	}
	defer rows.Close()

	var edges []*store.TreeEdge
	for rows.Next() {
		var edge store.TreeEdge
		var guard sql.NullString
		if err := rows.Scan(&edge.ID, &edge.TreeID, &edge.FromNodeKey, &edge.ToNodeKey, &guard, &edge.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan tree edge: %w", err)
		}
		edge.Guard = guard.String
		edges = append(edges, &edge)
	}
	return edges, rows.Err()
}

// CreateRun creates the run row and its initial nodes transactionally.
func (s *Store) CreateRun(ctx context.Context, run *store.Run, nodes []*store.RunNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (run_key, tree_id, tree_key, tree_version, status, repository_name, branch, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunKey, run.TreeID, run.TreeKey, run.TreeVersion, run.Status,
		nullString(run.RepositoryName), nullString(run.Branch), nullString(run.Error),
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	runID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}

	for _, node := range nodes {
		node.RunID = runID
		if err := insertRunNode(ctx, tx, node, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	run.ID = runID
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// execer abstracts *sql.DB and *sql.Tx for shared insert helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRunNode(ctx context.Context, e execer, node *store.RunNode, now time.Time) error {
	result, err := e.ExecContext(ctx,
		`INSERT INTO run_nodes (run_id, node_key, node_type, node_role, provider, prompt, join_for_key,
			spawner_node_id, join_node_id, lineage_depth, sequence_path, sequence_index,
			attempt, max_retries, status, failure_kind, error, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.RunID, node.NodeKey, node.NodeType, node.NodeRole, nullString(node.Provider),
		nullString(node.Prompt), nullString(node.JoinForKey),
		nullInt64(node.SpawnerNodeID), nullInt64(node.JoinNodeID),
		node.LineageDepth, nullStringPtr(node.SequencePath), node.SequenceIndex,
		node.Attempt, node.MaxRetries, node.Status,
		nullString(node.FailureKind), nullString(node.Error),
		formatTime(node.StartedAt), formatTime(node.CompletedAt), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run node %s: %w", node.NodeKey, err)
	}
	node.ID, _ = result.LastInsertId()
	node.CreatedAt = now
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id int64) (*store.Run, error) {
	query := `
		SELECT id, run_key, tree_id, tree_key, tree_version, status, repository_name, branch, error,
			started_at, completed_at, created_at, updated_at
		FROM workflow_runs WHERE id = ?
	`

	var run store.Run
	var repositoryName, branch, errorStr sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.RunKey, &run.TreeID, &run.TreeKey, &run.TreeVersion, &run.Status,
		&repositoryName, &branch, &errorStr,
		&startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("%d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.RepositoryName = repositoryName.String
	run.Branch = branch.String
	run.Error = errorStr.String
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

// ListRuns lists runs with optional filtering, newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `
		SELECT id, run_key, tree_id, tree_key, tree_version, status, repository_name, branch, error,
			started_at, completed_at, created_at, updated_at
		FROM workflow_runs WHERE 1=1
	`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TreeKey != "" {
		query += ` AND tree_key = ?`
		args = append(args, filter.TreeKey)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 || filter.Offset > 0 {
		// SQLite has no bare OFFSET; LIMIT -1 means unbounded.
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		var run store.Run
		var repositoryName, branch, errorStr sql.NullString
		var startedAt, completedAt, createdAt, updatedAt sql.NullString
		if err := rows.Scan(
			&run.ID, &run.RunKey, &run.TreeID, &run.TreeKey, &run.TreeVersion, &run.Status,
			&repositoryName, &branch, &errorStr,
			&startedAt, &completedAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.RepositoryName = repositoryName.String
		run.Branch = branch.String
		run.Error = errorStr.String
		run.StartedAt = parseTimePtr(startedAt)
		run.CompletedAt = parseTimePtr(completedAt)
		run.CreatedAt = parseTime(createdAt)
		run.UpdatedAt = parseTime(updatedAt)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus transitions the run's status guarded by the expected
// current status. A guard mismatch loses the race and surfaces as an
// InvalidTransitionError carrying the actual status.
func (s *Store) UpdateRunStatus(ctx context.Context, runID int64, from, to store.RunStatus, action string) error {
	now := time.Now().Format(time.RFC3339)
	query := `UPDATE workflow_runs SET status = ?, updated_at = ?`
	args := []any{to, now}
	if to == store.RunRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, runID, from)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return s.runTransitionConflict(ctx, runID, action, from)
	}
	return nil
}

func (s *Store) runTransitionConflict(ctx context.Context, runID int64, action string, expected store.RunStatus) error {
	var actual string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE id = ?`, runID).Scan(&actual)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("%d", runID)}
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}
	return &errors.InvalidTransitionError{
		Entity:   "run",
		ID:       runID,
		Action:   action,
		Expected: string(expected),
		Actual:   actual,
	}
}

// SetRunError records a run-level error message without touching status.
func (s *Store) SetRunError(ctx context.Context, runID int64, message string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET error = ?, updated_at = ? WHERE id = ?`,
		nullString(message), time.Now().Format(time.RFC3339), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to set run error: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "run", ID: fmt.Sprintf("%d", runID)}
	}
	return nil
}

// CreateRunNodes inserts fan-out child nodes.
func (s *Store) CreateRunNodes(ctx context.Context, nodes []*store.RunNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, node := range nodes {
		if err := insertRunNode(ctx, tx, node, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRunNode retrieves a run node by ID.
func (s *Store) GetRunNode(ctx context.Context, id int64) (*store.RunNode, error) {
	node, err := scanRunNode(s.db.QueryRowContext(ctx, runNodeSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run node", ID: fmt.Sprintf("%d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run node: %w", err)
	}
	return node, nil
}

// ListRunNodes returns all nodes for a run ordered by sequence index then ID.
func (s *Store) ListRunNodes(ctx context.Context, runID int64) ([]*store.RunNode, error) {
	rows, err := s.db.QueryContext(ctx, runNodeSelect+` WHERE run_id = ? ORDER BY sequence_index, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*store.RunNode
	for rows.Next() {
		node, err := scanRunNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

const runNodeSelect = `
	SELECT id, run_id, node_key, node_type, node_role, provider, prompt, join_for_key,
		spawner_node_id, join_node_id, lineage_depth, sequence_path, sequence_index,
		attempt, max_retries, status, failure_kind, error, started_at, completed_at, created_at
	FROM run_nodes
`

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunNode(row rowScanner) (*store.RunNode, error) {
	var node store.RunNode
	var provider, prompt, joinForKey, sequencePath, failureKind, errorStr sql.NullString
	var spawnerNodeID, joinNodeID sql.NullInt64
	var startedAt, completedAt, createdAt sql.NullString

	err := row.Scan(
		&node.ID, &node.RunID, &node.NodeKey, &node.NodeType, &node.NodeRole,
		&provider, &prompt, &joinForKey,
		&spawnerNodeID, &joinNodeID, &node.LineageDepth, &sequencePath, &node.SequenceIndex,
		&node.Attempt, &node.MaxRetries, &node.Status, &failureKind, &errorStr,
		&startedAt, &completedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	node.Provider = provider.String
	node.Prompt = prompt.String
	node.JoinForKey = joinForKey.String
	node.FailureKind = failureKind.String
	node.Error = errorStr.String
	if spawnerNodeID.Valid {
		node.SpawnerNodeID = &spawnerNodeID.Int64
	}
	if joinNodeID.Valid {
		node.JoinNodeID = &joinNodeID.Int64
	}
	if sequencePath.Valid {
		node.SequencePath = &sequencePath.String
	}
	node.StartedAt = parseTimePtr(startedAt)
	node.CompletedAt = parseTimePtr(completedAt)
	node.CreatedAt = parseTime(createdAt)
	return &node, nil
}

// UpdateNodeStatus transitions a node's status guarded by the expected
// current status.
func (s *Store) UpdateNodeStatus(ctx context.Context, nodeID int64, from, to store.NodeStatus, action string) error {
	now := time.Now().Format(time.RFC3339)
	query := `UPDATE run_nodes SET status = ?`
	args := []any{to}
	if to == store.NodeRunning {
		query += `, started_at = ?`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, nodeID, from)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return s.nodeTransitionConflict(ctx, nodeID, action, from)
	}
	return nil
}

func (s *Store) nodeTransitionConflict(ctx context.Context, nodeID int64, action string, expected store.NodeStatus) error {
	var actual string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM run_nodes WHERE id = ?`, nodeID).Scan(&actual)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: "run node", ID: fmt.Sprintf("%d", nodeID)}
	}
	if err != nil {
		return fmt.Errorf("failed to read node status: %w", err)
	}
	return &errors.InvalidTransitionError{
		Entity:   "node",
		ID:       nodeID,
		Action:   action,
		Expected: string(expected),
		Actual:   actual,
	}
}

// RecordNodeFailure stores the failure classification and message for the
// node's current attempt.
func (s *Store) RecordNodeFailure(ctx context.Context, nodeID int64, kind, message string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_nodes SET failure_kind = ?, error = ? WHERE id = ?`,
		nullString(kind), nullString(message), nodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to record node failure: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return &errors.NotFoundError{Resource: "run node", ID: fmt.Sprintf("%d", nodeID)}
	}
	return nil
}

// ResetNodeForRetry moves a failed node back to pending in place,
// incrementing its attempt and clearing per-attempt fields.
func (s *Store) ResetNodeForRetry(ctx context.Context, nodeID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE run_nodes SET status = ?, attempt = attempt + 1, failure_kind = NULL, error = NULL,
			started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?`,
		store.NodePending, nodeID, store.NodeFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset node for retry: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return 0, s.nodeTransitionConflict(ctx, nodeID, "retry", store.NodeFailed)
	}

	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT attempt FROM run_nodes WHERE id = ?`, nodeID).Scan(&attempt); err != nil {
		return 0, fmt.Errorf("failed to read node attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return attempt, nil
}

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

// parseTime parses an RFC3339 string column, returning the zero time on null.
func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s.String)
	return t
}

// parseTimePtr parses a nullable RFC3339 string column.
func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, _ := time.Parse(time.RFC3339, s.String)
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullStringPtr returns nil for a nil pointer, otherwise the value.
func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullInt64 returns nil for a nil pointer, otherwise the value.
func nullInt64(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
