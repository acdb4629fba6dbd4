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

// Package tree implements `arbor tree` subcommands.
package tree

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/arborworks/arbor/internal/commands/shared"
	treedef "github.com/arborworks/arbor/pkg/tree"
	"github.com/spf13/cobra"
)

// NewCommand creates the tree command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Manage workflow trees",
	}
	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newValidateCommand())
	return cmd
}

func newPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <file>",
		Short: "Publish a workflow tree definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return shared.NewUsageError("failed to read definition", err)
			}

			// Validate locally first for fast, suggestion-rich feedback.
			if _, err := treedef.ParseDefinition(data); err != nil {
				return shared.NewUsageError("invalid tree definition", err)
			}

			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			published, err := c.PublishTree(cmd.Context(), data)
			if err != nil {
				return shared.WrapClientError(err, "publish")
			}

			if shared.JSONOutput() {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(published)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published tree %s version %d\n", published.TreeKey, published.Version)
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow tree definition without publishing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return shared.NewUsageError("failed to read definition", err)
			}
			def, err := treedef.ParseDefinition(data)
			if err != nil {
				return shared.NewUsageError("invalid tree definition", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tree %s is valid: %d nodes, %d edges\n",
				def.Key, len(def.Nodes), len(def.Edges))
			return nil
		},
	}
}
