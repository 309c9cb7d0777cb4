package model

import (
	"strings"

	"github.com/pkg/errors"
)

// CommandApp runs an arbitrary argv on the instance.
type CommandApp struct {
	Argv         []string
	Env          map[string]string
	ReadyPattern string
}

func (c *CommandApp) Label() string {
	return "command"
}

func (c *CommandApp) Configure(settings map[string]any) error {
	c.Argv = SettingArgv(settings, "command")
	if len(c.Argv) == 0 {
		return errors.New("command application requires a 'command' setting")
	}
	c.Env = SettingStringMap(settings, "env")
	c.ReadyPattern = SettingString(settings, "ready_pattern", "")
	return nil
}

func (c *CommandApp) Launch() AppCommand {
	return AppCommand{Argv: c.Argv, Env: c.Env, ReadyPattern: c.ReadyPattern}
}

// DescriptorApp is an Application type declared by a descriptor file in the testbed package.
// Declared args are appended to the descriptor command.
type DescriptorApp struct {
	TypeName     string
	Command      []string
	Env          map[string]string
	ReadyPattern string
	args         []string
	env          map[string]string
}

func (d *DescriptorApp) Label() string {
	return d.TypeName
}

func (d *DescriptorApp) Configure(settings map[string]any) error {
	if len(d.Command) == 0 {
		return errors.Errorf("descriptor [%s] has no command", d.TypeName)
	}
	switch args := settings["args"].(type) {
	case string:
		d.args = strings.Fields(args)
	case nil:
	default:
		d.args = SettingArgv(settings, "args")
	}
	d.env = SettingStringMap(settings, "env")
	return nil
}

func (d *DescriptorApp) Launch() AppCommand {
	argv := append(append([]string(nil), d.Command...), d.args...)
	env := map[string]string{}
	for k, v := range d.Env {
		env[k] = v
	}
	for k, v := range d.env {
		env[k] = v
	}
	return AppCommand{Argv: argv, Env: env, ReadyPattern: d.ReadyPattern}
}

func init() {
	RegisterApplicationType("command", func() ApplicationType { return &CommandApp{} })
}
