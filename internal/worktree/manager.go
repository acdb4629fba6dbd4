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

// Package worktree provisions per-run working directories. Runs bound to a
// repository get a dedicated git worktree so concurrent runs never share a
// checkout; runs without one get a plain scratch directory.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
)

// Config configures the filesystem manager.
type Config struct {
	// BaseDir is where run worktrees are created.
	BaseDir string `yaml:"base_dir"`

	// RepositoryRoot is the directory holding cloned repositories, one
	// subdirectory per repository name.
	RepositoryRoot string `yaml:"repository_root"`
}

// Manager provisions and removes run worktrees, recording their lifecycle
// in the store.
type Manager struct {
	cfg    Config
	store  store.WorktreeStore
	logger *slog.Logger
}

// NewManager creates a filesystem worktree manager.
func NewManager(cfg Config, st store.WorktreeStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		logger: log.WithComponent(logger, "worktree"),
	}
}

// Provision creates the working directory for a run and records it. For
// repository-bound runs this is a git worktree on the run's branch; the
// branch is created at the repository head if it does not exist yet.
func (m *Manager) Provision(ctx context.Context, run *store.Run) (*store.Worktree, error) {
	path := filepath.Join(m.cfg.BaseDir, fmt.Sprintf("run-%s", run.RunKey))

	var commit string
	if run.RepositoryName != "" {
		repoPath := filepath.Join(m.cfg.RepositoryRoot, run.RepositoryName)
		if _, err := os.Stat(repoPath); err != nil {
			return nil, &errors.NotFoundError{Resource: "repository", ID: run.RepositoryName}
		}

		branch := run.Branch
		if branch == "" {
			branch = fmt.Sprintf("arbor/run-%s", run.RunKey)
		}
		args := []string{"worktree", "add", "-B", branch, path}
		if out, err := m.git(ctx, repoPath, args...); err != nil {
			return nil, fmt.Errorf("git worktree add failed: %w: %s", err, strings.TrimSpace(out))
		}

		if out, err := m.git(ctx, path, "rev-parse", "HEAD"); err == nil {
			commit = strings.TrimSpace(out)
		}
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
	}

	worktree := &store.Worktree{
		RunID:        run.ID,
		RepositoryID: run.RepositoryName,
		Path:         path,
		Branch:       run.Branch,
		CommitHash:   commit,
		Status:       store.WorktreeActive,
	}
	if err := m.store.CreateWorktree(ctx, worktree); err != nil {
		m.removeFiles(ctx, worktree)
		return nil, err
	}

	m.logger.Info("worktree provisioned",
		log.RunIDKey, run.ID,
		"worktree_path", path,
		"repository", run.RepositoryName)
	return worktree, nil
}

// Cleanup removes a run's worktree from disk and marks the record removed.
// The record is marked even when the filesystem removal failed, so stale
// paths never resurrect as active rows.
func (m *Manager) Cleanup(ctx context.Context, worktree *store.Worktree) error {
	m.removeFiles(ctx, worktree)
	if err := m.store.MarkWorktreeRemoved(ctx, worktree.ID); err != nil {
		return err
	}
	m.logger.Info("worktree removed", log.RunIDKey, worktree.RunID, "worktree_path", worktree.Path)
	return nil
}

func (m *Manager) removeFiles(ctx context.Context, worktree *store.Worktree) {
	if worktree.RepositoryID != "" {
		repoPath := filepath.Join(m.cfg.RepositoryRoot, worktree.RepositoryID)
		if out, err := m.git(ctx, repoPath, "worktree", "remove", "--force", worktree.Path); err != nil {
			m.logger.Warn("git worktree remove failed",
				"worktree_path", worktree.Path,
				"output", strings.TrimSpace(out),
				log.Error(err))
		}
	}
	if err := os.RemoveAll(worktree.Path); err != nil {
		m.logger.Warn("failed to remove worktree directory", "worktree_path", worktree.Path, log.Error(err))
	}
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
