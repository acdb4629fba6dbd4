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

package run

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/arborworks/arbor/internal/client"
	"github.com/arborworks/arbor/internal/commands/shared"
	"github.com/arborworks/arbor/internal/store"
	"github.com/arborworks/arbor/pkg/stream"
	"github.com/spf13/cobra"
)

func newWatchCommand() *cobra.Command {
	var (
		nodeKey string
		attempt int
	)

	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a node's event stream until the attempt ends",
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

			node, err := pickWatchNode(cmd, c, runID, nodeKey)
			if err != nil {
				return err
			}
			if attempt == 0 {
				attempt = node.Attempt
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			follower := stream.NewFollower(c.StreamSource(runID), stream.DefaultFollowerConfig(), logger)

			snap, err := follower.Follow(cmd.Context(), node.ID, attempt, 0, func(event *store.StreamEvent) error {
				return printEvent(cmd, event)
			})
			if err != nil {
				return shared.WrapClientError(err, "watch")
			}

			if shared.JSONOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"runNodeId":  node.ID,
					"attempt":    attempt,
					"nodeStatus": snap.NodeStatus,
					"ended":      snap.Ended,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stream ended: node %s attempt %d is %s\n", node.NodeKey, attempt, snap.NodeStatus)
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeKey, "node", "", "Node key to watch (defaults to the single running node)")
	cmd.Flags().IntVar(&attempt, "attempt", 0, "Attempt to watch (0 = current)")
	return cmd
}

// pickWatchNode resolves --node, or falls back to the run's single running
// node so `arbor run watch <id>` just works for linear trees.
func pickWatchNode(cmd *cobra.Command, c *client.Client, runID int64, nodeKey string) (*client.RunNode, error) {
	nodes, err := c.ListRunNodes(cmd.Context(), runID)
	if err != nil {
		return nil, shared.WrapClientError(err, "watch")
	}

	if nodeKey != "" {
		for _, node := range nodes {
			if node.NodeKey == nodeKey {
				return node, nil
			}
		}
		return nil, shared.NewNotFoundError(fmt.Sprintf("node %q not found in run %d", nodeKey, runID), nil)
	}

	var running []*client.RunNode
	for _, node := range nodes {
		if node.Status == "running" {
			running = append(running, node)
		}
	}
	switch len(running) {
	case 1:
		return running[0], nil
	case 0:
		return nil, shared.NewUsageError(fmt.Sprintf("run %d has no running node, pass --node", runID), nil)
	default:
		return nil, shared.NewUsageError(fmt.Sprintf("run %d has %d running nodes, pass --node", runID, len(running)), nil)
	}
}

func printEvent(cmd *cobra.Command, event *store.StreamEvent) error {
	if shared.JSONOutput() {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(event)
	}
	line := fmt.Sprintf("[%s] %s", event.Timestamp.Format("15:04:05"), event.Type)
	if event.ContentPreview != "" {
		line += ": " + event.ContentPreview
	}
	if event.Usage != nil {
		line += fmt.Sprintf(" (tokens in=%d out=%d)", event.Usage.InputTokens, event.Usage.OutputTokens)
	}
	fmt.Fprintln(cmd.OutOrStdout(), line)
	return nil
}
