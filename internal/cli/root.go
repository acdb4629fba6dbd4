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

// Package cli assembles the arbor root command.
package cli

import (
	"github.com/arborworks/arbor/internal/commands/run"
	"github.com/arborworks/arbor/internal/commands/shared"
	treecmd "github.com/arborworks/arbor/internal/commands/tree"
	versioncmd "github.com/arborworks/arbor/internal/commands/version"
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root cobra command for arbor.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "arbor",
		Short: "Arbor - agent workflow runs",
		Long: `Arbor drives multi-step agent workflows: publish a workflow tree,
launch runs against it, and watch, pause, resume, cancel, or retry them
while arbord executes the nodes.`,
		SilenceUsage:  true,
		SilenceErrors: true, // errors map to exit codes in main
	}

	shared.RegisterGlobalFlags(cmd)

	cmd.AddCommand(treecmd.NewCommand())
	cmd.AddCommand(run.NewCommand())
	cmd.AddCommand(versioncmd.NewCommand())
	cmd.SetHelpCommand(newHelpCommand(cmd))

	return cmd
}

// HandleExitError prints err and exits with its code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
