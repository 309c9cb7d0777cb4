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
	"fmt"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/results"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewCleanCommand())
}

func NewCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the results of testbeds that are no longer recorded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			removed, err := results.Clean(cfg, store.NewFileStore(cfg.StateDir), pfxlog.Logger().Entry)
			for _, dir := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", dir)
			}
			return err
		},
	}
}
