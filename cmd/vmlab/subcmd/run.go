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
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/engine"
	"github.com/openziti/vmlab/kernel/loader"
	"github.com/openziti/vmlab/kernel/metrics"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/results"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewRunCommand())
}

func NewRunCommand() *cobra.Command {
	runCmd := &RunCommand{}

	cmd := &cobra.Command{
		Use:   "run <testbed>",
		Short: "Run a testbed from launch to dismantle",
		Long: `Run builds the testbed declared in <testbed> (a testbed.yml or the package directory
holding one), runs its experiment and dismantles it again.

--pause holds before the named phases (setup, experiment, dismantle, all) and reads operator
commands from stdin: status, attach, get, put, preserve, resume, restart, abort.`,
		Args: cobra.ExactArgs(1),
		RunE: runCmd.run,
	}

	cmd.Flags().StringVarP(&runCmd.Pause, "pause", "p", "", "pause before these phases (setup,experiment,dismantle,all)")
	cmd.Flags().BoolVar(&runCmd.DryRun, "dry-run", false, "validate the declaration without creating anything")
	cmd.Flags().BoolVar(&runCmd.NoSubstitution, "no-substitution", false, "do not replace {{VAR}} placeholders")

	return cmd
}

type RunCommand struct {
	Pause          string
	DryRun         bool
	NoSubstitution bool
}

func (r *RunCommand) run(cmd *cobra.Command, args []string) error {
	pause, err := model.ParsePauseSet(r.Pause)
	if err != nil {
		return model.Validation("cli", err)
	}
	tb, resolver, err := (&loader.Loader{SkipSubstitution: r.NoSubstitution}).Load(args[0])
	if err != nil {
		return err
	}
	log := pfxlog.Logger().Entry

	if r.DryRun {
		graph, err := engine.Validate(tb, resolver)
		if err != nil {
			return err
		}
		log.Infof("dry-run: testbed '%s' with %d network(s), %d instance(s), %d integration(s)",
			tb.Tag, len(tb.Networks), len(tb.Instances), len(tb.Integrations))
		for _, key := range graph.Order() {
			log.Infof("  application '%s'", key)
		}
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return model.Validation("cli", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := store.NewFileStore(cfg.StateDir)
	deps := hostDeps(cfg, s, log)
	sink, err := results.Open(cfg, tb.Tag, log)
	if err != nil {
		return model.Resource("cli", err)
	}
	deps.Sink = sink
	deps.Metrics = metrics.New()
	if cfg.MetricsListen != "" {
		go func() {
			if err := deps.Metrics.Serve(ctx, cfg.MetricsListen, log); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}
	if len(pause) > 0 {
		deps.Console = engine.NewConsole(cmd.InOrStdin(), cmd.OutOrStdout())
	}

	report := engine.New(model.NewContext(tb, cfg, resolver).WithPause(pause), deps, log).Run(ctx)
	printReport(cmd.OutOrStdout(), report)
	if code := report.ExitCode(); code != 0 {
		return &ExitError{Code: code, Err: errors.Errorf("testbed [%s] failed with %s", tb.Tag, report.Class())}
	}
	return nil
}

func printReport(w io.Writer, report *engine.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("testbed %s: %s", report.Tag, report.Final))
	t.AppendHeader(table.Row{"Phase", "Started", "Duration"})
	for _, p := range report.Phases {
		t.AppendRow(table.Row{p.Phase, p.Started.Format(time.TimeOnly), p.Duration.Round(time.Millisecond)})
	}
	if len(report.Dropped) > 0 {
		t.AppendFooter(table.Row{"dropped", fmt.Sprint(report.Dropped), ""})
	}
	t.Render()
	for _, err := range report.Errors {
		fmt.Fprintf(w, "%s: %v\n", model.ClassOf(err), err)
	}
}
