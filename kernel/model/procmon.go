package model

import (
	"time"

	"github.com/pkg/errors"
)

// Procmon samples system, interface and process counters on the instance every Interval and
// reports each sample as data points relative to the first one. Processes are matched by
// command line prefix when the collector starts, so they must already be running.
type Procmon struct {
	Interval   time.Duration
	Interfaces []string
	Processes  []string
	System     bool
}

func (p *Procmon) Label() string {
	return "procmon"
}

func (p *Procmon) Configure(settings map[string]any) error {
	interval, err := SettingDuration(settings, "interval", 2*time.Second)
	if err != nil {
		return err
	}
	if interval <= 0 {
		return errors.Errorf("procmon interval must be positive, not %s", interval)
	}
	p.Interval = interval
	p.Interfaces = SettingStrings(settings, "interfaces")
	p.Processes = SettingStrings(settings, "processes")
	p.System = SettingBool(settings, "system", true)
	if !p.System && len(p.Interfaces) == 0 && len(p.Processes) == 0 {
		return errors.New("procmon has nothing to monitor: system is off and no interfaces or processes are given")
	}
	return nil
}

// Launch runs the agent's built-in collector. A sample may still be in flight when the runtime
// ends, so the collector is allowed two intervals beyond it.
func (p *Procmon) Launch() AppCommand {
	return AppCommand{
		Builtin: "procmon",
		Params: map[string]any{
			"interval_ms": p.Interval.Milliseconds(),
			"interfaces":  p.Interfaces,
			"processes":   p.Processes,
			"system":      p.System,
		},
		Overrun: 2 * p.Interval,
	}
}

func init() {
	RegisterApplicationType("procmon", func() ApplicationType { return &Procmon{} })
}
