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
	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/engine"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/network"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:          "vmlab",
	Short:        "Disposable virtual machine testbeds for network experiments",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logrus.InfoLevel
		if verbose {
			level = logrus.DebugLevel
		}
		pfxlog.GlobalInit(level, pfxlog.DefaultOptions().SetTrimPrefix("github.com/openziti/"))
	},
}

var (
	verbose    bool
	configPath string
)

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "controller configuration (default $VMLAB_HOME/config.yml or ~/.vmlab/config.yml)")
}

// ExitError ends the process with Code once cobra returns.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func loadConfig() (*model.Config, error) {
	if configPath != "" {
		return model.LoadConfig(configPath)
	}
	return model.LoadDefaultConfig()
}

// hostDeps wires the collaborators that act on this host.
func hostDeps(cfg *model.Config, s store.InstanceStore, log *logrus.Entry) engine.Deps {
	return engine.Deps{
		Store:      s,
		Networks:   network.NewBuilder(nil, s, log),
		Hypervisor: vmm.NewQemu(cfg, log),
		Dialer:     agent.DefaultDialer{},
	}
}
