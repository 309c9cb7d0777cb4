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
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/engine"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewPruneCommand())
}

func NewPruneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prune [tag...]",
		Short: "Release what testbeds left behind when their controller died",
		Long: `Prune releases the hypervisors, taps, switches, integrations and files recorded for
each named testbed, or for every recorded testbed whose controller is gone. Testbeds held by a
running controller are left alone. Running prune again is harmless.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := pfxlog.Logger().Entry
			s := store.NewFileStore(cfg.StateDir)
			result, err := engine.NewReconciler(cfg, hostDeps(cfg, s, log), log).Reconcile(context.Background(), args...)
			if result != nil {
				out := cmd.OutOrStdout()
				for _, tag := range result.Pruned {
					fmt.Fprintf(out, "pruned %s\n", tag)
				}
				for _, tag := range result.Unchanged {
					fmt.Fprintf(out, "left %s (controller running)\n", tag)
				}
				tags := make([]string, 0, len(result.Dangling))
				for tag := range result.Dangling {
					tags = append(tags, tag)
				}
				sort.Strings(tags)
				for _, tag := range tags {
					fmt.Fprintf(out, "dangling in %s: %s\n", tag, strings.Join(result.Dangling[tag], ", "))
				}
			}
			return err
		},
	}
}
