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
	"fmt"
	"log/slog"

	"github.com/arborworks/arbor/internal/log"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/errors"
	"github.com/arborworks/arbor/pkg/provider"
	"github.com/google/uuid"
)

// LaunchScope selects how much of a tree a run materializes.
type LaunchScope string

const (
	// ScopeFull materializes every node of the tree.
	ScopeFull LaunchScope = "full"

	// ScopeSingleNode narrows execution to one node; the run still
	// materializes the whole tree.
	ScopeSingleNode LaunchScope = "single_node"
)

// LaunchRequest describes a run to materialize.
type LaunchRequest struct {
	// TreeKey identifies the published tree.
	TreeKey string `json:"tree_key"`

	// TreeVersion pins a published version; 0 means the latest.
	TreeVersion int `json:"tree_version,omitempty"`

	// Scope is full or single_node (defaults to full).
	Scope LaunchScope `json:"scope,omitempty"`

	// NodeKey names the node to execute when scope is single_node.
	// Empty picks the next runnable node.
	NodeKey string `json:"node_key,omitempty"`

	// RepositoryName and Branch select the worktree source, if any.
	RepositoryName string `json:"repository_name,omitempty"`
	Branch         string `json:"branch,omitempty"`
}

// Planner materializes runs from published trees. The run and all of its
// initial nodes are created pending in one transaction; nothing executes
// until the executor picks the run up.
type Planner struct {
	store    store.Store
	registry *provider.Registry
	logger   *slog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(st store.Store, registry *provider.Registry, logger *slog.Logger) *Planner {
	return &Planner{
		store:    st,
		registry: registry,
		logger:   log.WithComponent(logger, "planner"),
	}
}

// MaterializeRun resolves the tree, checks every agent node's provider
// against the registry, and creates the pending run with its initial nodes.
func (p *Planner) MaterializeRun(ctx context.Context, req LaunchRequest) (*store.Run, []*store.RunNode, error) {
	scope := req.Scope
	if scope == "" {
		scope = ScopeFull
	}
	if scope != ScopeFull && scope != ScopeSingleNode {
		return nil, nil, &errors.ValidationError{
			Field:      "scope",
			Message:    fmt.Sprintf("unknown launch scope: %s", scope),
			Suggestion: "use 'full' or 'single_node'",
		}
	}
	tree, err := p.store.GetTree(ctx, req.TreeKey, req.TreeVersion)
	if err != nil {
		return nil, nil, err
	}
	templates, err := p.store.ListTreeNodes(ctx, tree.ID)
	if err != nil {
		return nil, nil, err
	}

	// The scope only narrows execution; materialization always covers the
	// whole tree so a later full execution can pick up where a single-node
	// run left off. A named node must still exist.
	if scope == ScopeSingleNode && req.NodeKey != "" {
		found := false
		for _, template := range templates {
			if template.NodeKey == req.NodeKey {
				found = true
				break
			}
		}
		if !found {
			return nil, nil, &errors.NotFoundError{
				Resource: "tree node",
				ID:       fmt.Sprintf("%s/%s", req.TreeKey, req.NodeKey),
			}
		}
	}

	// Unknown providers fail the launch, not the first dispatch.
	for _, template := range templates {
		if template.NodeType != store.NodeTypeAgent {
			continue
		}
		if _, err := p.registry.Get(template.Provider); err != nil {
			return nil, nil, err
		}
	}

	run := &store.Run{
		RunKey:         uuid.NewString(),
		TreeID:         tree.ID,
		TreeKey:        tree.TreeKey,
		TreeVersion:    tree.Version,
		Status:         store.RunPending,
		RepositoryName: req.RepositoryName,
		Branch:         req.Branch,
	}

	nodes := make([]*store.RunNode, 0, len(templates))
	for _, template := range templates {
		nodes = append(nodes, &store.RunNode{
			NodeKey:       template.NodeKey,
			NodeType:      template.NodeType,
			NodeRole:      template.NodeRole,
			Provider:      template.Provider,
			Prompt:        template.Prompt,
			JoinForKey:    template.JoinForKey,
			SequenceIndex: template.SequenceIndex,
			Attempt:       1,
			MaxRetries:    template.MaxRetries,
			Status:        store.NodePending,
		})
	}

	if err := p.store.CreateRun(ctx, run, nodes); err != nil {
		return nil, nil, err
	}

	p.logger.Info("run materialized",
		log.RunIDKey, run.ID,
		log.TreeKeyKey, run.TreeKey,
		"tree_version", run.TreeVersion,
		"scope", string(scope),
		"nodes", len(nodes))
	return run, nodes, nil
}
