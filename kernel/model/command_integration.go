package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CommandIntegration runs a host program at its phase and, optionally, a paired stop program at
// dismantle. The stop program is where the integration reverts its own side effects.
type CommandIntegration struct {
	Start        []string
	Stop         []string
	AwaitExit    bool
	AwaitTimeout time.Duration
}

func (c *CommandIntegration) Label() string {
	return "command"
}

func (c *CommandIntegration) Configure(settings map[string]any) error {
	c.Start = SettingArgv(settings, "start")
	if len(c.Start) == 0 {
		return errors.New("command integration requires a 'start' setting")
	}
	c.Stop = SettingArgv(settings, "stop")
	c.AwaitExit = SettingBool(settings, "await", false)
	timeout, err := SettingDuration(settings, "await_timeout", time.Minute)
	if err != nil {
		return err
	}
	c.AwaitTimeout = timeout
	return nil
}

func (c *CommandIntegration) StartCommand() []string {
	return c.Start
}

func (c *CommandIntegration) StopCommand() []string {
	return c.Stop
}

func (c *CommandIntegration) Await() (bool, time.Duration) {
	return c.AwaitExit, c.AwaitTimeout
}

// DescriptorIntegration is an Integration type declared by a descriptor file in the testbed
// package. Declared args are appended to the descriptor's start command; await and
// await_timeout settings override the descriptor's.
type DescriptorIntegration struct {
	TypeName     string
	Start        []string
	Stop         []string
	AwaitExit    bool
	AwaitTimeout time.Duration
	args         []string
	await        bool
	timeout      time.Duration
}

func (d *DescriptorIntegration) Label() string {
	return d.TypeName
}

func (d *DescriptorIntegration) Configure(settings map[string]any) error {
	if len(d.Start) == 0 {
		return errors.Errorf("integration descriptor [%s] has no start command", d.TypeName)
	}
	switch args := settings["args"].(type) {
	case string:
		d.args = strings.Fields(args)
	case nil:
	default:
		d.args = SettingArgv(settings, "args")
	}
	d.await = SettingBool(settings, "await", d.AwaitExit)
	timeout, err := SettingDuration(settings, "await_timeout", d.AwaitTimeout)
	if err != nil {
		return err
	}
	d.timeout = timeout
	return nil
}

func (d *DescriptorIntegration) StartCommand() []string {
	return append(append([]string(nil), d.Start...), d.args...)
}

func (d *DescriptorIntegration) StopCommand() []string {
	return d.Stop
}

func (d *DescriptorIntegration) Await() (bool, time.Duration) {
	return d.await, d.timeout
}

func init() {
	RegisterIntegrationType("command", func() IntegrationType { return &CommandIntegration{} })
}
