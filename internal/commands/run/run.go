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

// Package run implements `arbor run` subcommands.
package run

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/arborworks/arbor/internal/client"
	"github.com/arborworks/arbor/internal/commands/shared"
	"github.com/spf13/cobra"
)

// NewCommand creates the run command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch and control workflow runs",
	}
	cmd.AddCommand(newLaunchCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newControlCommand("pause", "Pause a running run after its current dispatch round"))
	cmd.AddCommand(newControlCommand("resume", "Resume a paused run"))
	cmd.AddCommand(newControlCommand("cancel", "Cancel a run without killing in-flight nodes"))
	cmd.AddCommand(newControlCommand("retry", "Retry a failed run's failed nodes"))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func newLaunchCommand() *cobra.Command {
	var (
		repo      string
		branch    string
		version   int
		sync      bool
		scope     string
		nodeKey   string
		noCleanup bool
	)

	cmd := &cobra.Command{
		Use:   "launch <tree-key>",
		Short: "Launch a run of a published tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newClient := shared.NewClient
			if sync {
				newClient = shared.NewLongClient
			}
			c, err := newClient()
			if err != nil {
				return err
			}

			req := client.LaunchRequest{
				TreeKey:        args[0],
				TreeVersion:    version,
				RepositoryName: repo,
				Branch:         branch,
				ExecutionMode:  "async",
				ExecutionScope: scope,
			}
			if sync {
				req.ExecutionMode = "sync"
			}
			if nodeKey != "" {
				req.ExecutionScope = "single_node"
				req.NodeSelector = &client.NodeSelector{Type: "node_key", NodeKey: nodeKey}
			} else if scope == "single_node" {
				req.NodeSelector = &client.NodeSelector{Type: "next_runnable"}
			}
			if noCleanup {
				cleanup := false
				req.CleanupWorktree = &cleanup
			}

			result, err := c.LaunchRun(cmd.Context(), req)
			if err != nil {
				return shared.WrapClientError(err, "launch")
			}

			if shared.JSONOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}
			if result.Mode == "sync" {
				fmt.Fprintf(cmd.OutOrStdout(), "Run %d finished: %s (%d nodes executed)\n",
					result.WorkflowRunID, result.ExecutionOutcome, result.ExecutedNodes)
				if result.RunStatus == "failed" {
					return shared.NewRuntimeError(fmt.Sprintf("run %d failed", result.WorkflowRunID), nil)
				}
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %d accepted (%s)\n", result.WorkflowRunID, result.RunStatus)
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "Repository to provision a worktree from")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch for the run's worktree")
	cmd.Flags().IntVar(&version, "tree-version", 0, "Published tree version (0 = latest)")
	cmd.Flags().BoolVar(&sync, "sync", false, "Block until the run reaches a terminal status")
	cmd.Flags().StringVar(&scope, "scope", "", "Execution scope: full or single_node")
	cmd.Flags().StringVar(&nodeKey, "node", "", "Node key to execute (implies --scope single_node)")
	cmd.Flags().BoolVar(&noCleanup, "no-cleanup", false, "Keep the run's worktree after the loop exits")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var showNodes bool

	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			c, err := shared.NewClient()
			if err != nil {
				return err
			}

			run, err := c.GetRun(cmd.Context(), runID)
			if err != nil {
				return shared.WrapClientError(err, "status")
			}

			if shared.JSONOutput() && !showNodes {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(run)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %d (%s v%d): %s\n", run.ID, run.TreeKey, run.TreeVersion, run.Status)
			if run.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  error: %s\n", run.Error)
			}

			if !showNodes {
				return nil
			}
			nodes, err := c.ListRunNodes(cmd.Context(), runID)
			if err != nil {
				return shared.WrapClientError(err, "status")
			}
			if shared.JSONOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"run": run, "nodes": nodes})
			}
			for _, node := range nodes {
				line := fmt.Sprintf("  %-24s %-10s attempt %d/%d", node.NodeKey, node.Status, node.Attempt, node.MaxRetries+1)
				if node.FailureKind != "" {
					line += fmt.Sprintf(" (%s)", node.FailureKind)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showNodes, "nodes", false, "Include per-node status")
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		status  string
		treeKey string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			runs, err := c.ListRuns(cmd.Context(), status, treeKey, limit)
			if err != nil {
				return shared.WrapClientError(err, "list")
			}
			if shared.JSONOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(runs)
			}
			for _, run := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%-6d %-24s v%-3d %-10s %s\n",
					run.ID, run.TreeKey, run.TreeVersion, run.Status, run.CreatedAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by run status")
	cmd.Flags().StringVar(&treeKey, "tree", "", "Filter by tree key")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

// newControlCommand builds one of pause/resume/cancel/retry. Each prints a
// one-line human summary plus one line of structured output.
func newControlCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			c, err := shared.NewClient()
			if err != nil {
				return err
			}

			result, err := c.Control(cmd.Context(), runID, action)
			if err != nil {
				return shared.WrapClientError(err, action)
			}

			if result.Outcome == "noop" {
				fmt.Fprintf(cmd.OutOrStdout(), "Run %d already %s, nothing to do\n", runID, result.RunStatus)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Run %d %s: %s -> %s\n",
					runID, action, result.PreviousRunStatus, result.RunStatus)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
		},
	}
}

func parseRunID(arg string) (int64, error) {
	runID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, shared.NewUsageError(fmt.Sprintf("invalid run id %q", arg), err)
	}
	return runID, nil
}
