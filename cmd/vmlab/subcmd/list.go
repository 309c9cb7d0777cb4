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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/oliveagle/jsonpath"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewListCommand())
}

func NewListCommand() *cobra.Command {
	listCmd := &ListCommand{alive: vmm.Alive}

	cmd := &cobra.Command{
		Use:   "list [tag]",
		Short: "List recorded testbeds, or the instances of one testbed",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listCmd.list,
	}

	cmd.Flags().StringVarP(&listCmd.Query, "query", "q", "", "print the result of a JSONPath query over the records instead of a table (e.g. $.testbeds[0].phase)")

	return cmd
}

type ListCommand struct {
	Query string
	alive func(pid int) bool
}

type testbedRow struct {
	Tag           string                           `json:"tag"`
	Phase         string                           `json:"phase"`
	ControllerPid int                              `json:"controller_pid"`
	Alive         bool                             `json:"alive"`
	Dangling      []string                         `json:"dangling,omitempty"`
	Instances     map[string]*store.InstanceRecord `json:"instances"`
}

func (l *ListCommand) list(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s := store.NewFileStore(cfg.StateDir)

	tags := args
	if len(tags) == 0 {
		if tags, err = s.ListTestbeds(); err != nil {
			return err
		}
		sort.Strings(tags)
	}
	var rows []*testbedRow
	for _, tag := range tags {
		rec, err := s.GetTestbed(tag)
		if err != nil {
			return errors.Wrapf(err, "testbed [%s]", tag)
		}
		instances, err := s.GetInstances(tag)
		if err != nil {
			return err
		}
		rows = append(rows, &testbedRow{
			Tag:           tag,
			Phase:         string(rec.Phase),
			ControllerPid: rec.ControllerPid,
			Alive:         l.alive(rec.ControllerPid),
			Dangling:      rec.Dangling,
			Instances:     instances,
		})
	}

	out := cmd.OutOrStdout()
	if l.Query != "" {
		return query(out, map[string]any{"testbeds": rows}, l.Query)
	}
	if len(args) == 1 {
		renderInstances(out, rows[0])
		return nil
	}
	renderTestbeds(out, rows)
	return nil
}

// query evaluates expr against doc in its JSON form.
func query(w io.Writer, doc any, expr string) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	result, err := jsonpath.JsonPathLookup(generic, expr)
	if err != nil {
		return errors.Wrapf(err, "query [%s]", expr)
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}

func renderTestbeds(w io.Writer, rows []*testbedRow) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Tag", "Phase", "Controller", "Alive", "Instances", "Dangling"})
	for _, row := range rows {
		t.AppendRow(table.Row{row.Tag, row.Phase, row.ControllerPid, row.Alive, len(row.Instances), strings.Join(row.Dangling, ", ")})
	}
	t.Render()
}

func renderInstances(w io.Writer, row *testbedRow) {
	names := make([]string, 0, len(row.Instances))
	for name := range row.Instances {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s (%s)", row.Tag, row.Phase))
	t.AppendHeader(table.Row{"Instance", "State", "Pid", "Management", "Taps"})
	for _, name := range names {
		inst := row.Instances[name]
		t.AppendRow(table.Row{name, inst.State, inst.Pid, inst.ManagementAddress, strings.Join(inst.Taps, ", ")})
	}
	t.Render()
}
