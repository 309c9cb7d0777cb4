/*
	(c) Copyright NetFoundry Inc. Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package subcmd

import (
	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/engine"
	"github.com/openziti/vmlab/kernel/mcp"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewMCPServerCommand())
}

func NewMCPServerCommand() *cobra.Command {
	mcpCmd := &MCPServerCommand{}

	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Start an MCP server exposing testbed state",
		Long: `Start an MCP (Model Context Protocol) server on stdio.

The server provides tools for:
  - list_testbeds: List the recorded testbeds
  - get_testbed: Show the state record of one testbed and its instances
  - validate_testbed: Check a testbed declaration without creating anything
  - prune_testbed: Release testbeds whose controller is gone

And resources:
  - vmlab://status: Phase and instance count of every recorded testbed`,
		RunE: mcpCmd.run,
	}

	cmd.Flags().BoolVar(&mcpCmd.UseMemoryStore, "memory", false, "use an in-memory store (for testing)")

	return cmd
}

type MCPServerCommand struct {
	UseMemoryStore bool
}

func (m *MCPServerCommand) run(cmd *cobra.Command, args []string) error {
	log := pfxlog.Logger().Entry
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var s store.InstanceStore
	if m.UseMemoryStore {
		log.Info("using in-memory store")
		s = store.NewMemoryStore()
	} else {
		s = store.NewFileStore(cfg.StateDir)
	}

	log.Info("starting MCP server on stdio...")
	reconciler := engine.NewReconciler(cfg, hostDeps(cfg, s, log), log)
	return mcp.NewVmlabMCPServer(s, reconciler, Version).ServeStdio()
}
