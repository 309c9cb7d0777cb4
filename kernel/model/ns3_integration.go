package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// NS3Emulation runs an ns-3 program that emulates a network between tap devices on the host.
// The start command creates the taps and runs the program; the stop command deletes the taps
// it created. Taps that already exist are used as they are unless FailOnExist is set.
type NS3Emulation struct {
	Basepath    string
	Program     string
	Interfaces  []string
	Args        map[string]string
	FailOnExist bool
}

func (n *NS3Emulation) Label() string {
	return "ns3-emulation"
}

func (n *NS3Emulation) Configure(settings map[string]any) error {
	n.Basepath = SettingString(settings, "basepath", "")
	n.Program = SettingString(settings, "program", "")
	if n.Basepath == "" || n.Program == "" {
		return errors.New("ns3-emulation requires 'basepath' and 'program' settings")
	}
	n.Interfaces = SettingStrings(settings, "interfaces")
	if len(n.Interfaces) == 0 {
		return errors.New("ns3-emulation requires at least one interface")
	}
	for _, iface := range n.Interfaces {
		if iface == "" || len(iface) > 15 || strings.ContainsAny(iface, " /\t\n") {
			return errors.Errorf("ns3-emulation interface [%s] is not a valid device name", iface)
		}
	}
	n.Args = SettingStringMap(settings, "args")
	n.FailOnExist = SettingBool(settings, "fail_on_exist", false)
	return nil
}

// created lists the taps the start command made, for the stop command to delete.
func (n *NS3Emulation) created() string {
	return fmt.Sprintf(`"${TMPDIR:-/tmp}/vmlab-ns3-${VMLAB_TAG}-%s"`, n.Interfaces[0])
}

func (n *NS3Emulation) StartCommand() []string {
	var script strings.Builder
	fmt.Fprintf(&script, "created=%s; : > \"$created\"; ", n.created())
	for _, iface := range n.Interfaces {
		q := shellQuote(iface)
		create := fmt.Sprintf("ip tuntap add %s mode tap && echo %s >> \"$created\" && ip link set up dev %s || exit 1", q, q, q)
		if n.FailOnExist {
			fmt.Fprintf(&script, "if ip link show dev %s >/dev/null 2>&1; then echo %s >&2; exit 1; fi; %s; ",
				q, shellQuote(iface+" already exists"), create)
			continue
		}
		fmt.Fprintf(&script, "if ip link show dev %s >/dev/null 2>&1; then ip -d link show dev %s | grep -q 'tun type tap' || { echo %s >&2; exit 1; }; else %s; fi; ",
			q, q, shellQuote(iface+" exists and is not a tap"), create)
	}
	fmt.Fprintf(&script, "cd %s && exec ./ns3 run %s --no-build", shellQuote(n.Basepath), shellQuote(n.Program))
	if len(n.Args) > 0 {
		keys := make([]string, 0, len(n.Args))
		for k := range n.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		script.WriteString(" --")
		for _, k := range keys {
			fmt.Fprintf(&script, " %s", shellQuote(fmt.Sprintf("--%s=%s", k, n.Args[k])))
		}
	}
	return []string{"/bin/sh", "-c", script.String()}
}

func (n *NS3Emulation) StopCommand() []string {
	script := fmt.Sprintf(`created=%s; [ -f "$created" ] || exit 0; status=0; `+
		`while read -r tap; do ip link del "$tap" || status=1; done < "$created"; rm -f "$created"; exit $status`, n.created())
	return []string{"/bin/sh", "-c", script}
}

func (n *NS3Emulation) Await() (bool, time.Duration) {
	return false, 0
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func init() {
	RegisterIntegrationType("ns3-emulation", func() IntegrationType { return &NS3Emulation{} })
}
