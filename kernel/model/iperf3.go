package model

import (
	"strconv"

	"github.com/pkg/errors"
)

// Iperf3Server is a daemon; it reports started once the server is listening.
type Iperf3Server struct {
	Port int
}

func (s *Iperf3Server) Label() string {
	return "iperf3-server"
}

func (s *Iperf3Server) Configure(settings map[string]any) error {
	port, err := SettingInt(settings, "port", 5201)
	if err != nil {
		return err
	}
	s.Port = port
	return nil
}

func (s *Iperf3Server) Launch() AppCommand {
	return AppCommand{
		Argv:         []string{"iperf3", "--server", "--port", strconv.Itoa(s.Port), "--forceflush"},
		ReadyPattern: "Server listening",
	}
}

type Iperf3Client struct {
	Server  string
	Port    int
	Seconds int
	UDP     bool
	Bitrate string
}

func (c *Iperf3Client) Label() string {
	return "iperf3-client"
}

func (c *Iperf3Client) Configure(settings map[string]any) error {
	c.Server = SettingString(settings, "server", "")
	if c.Server == "" {
		return errors.New("iperf3-client requires a 'server' setting")
	}
	var err error
	if c.Port, err = SettingInt(settings, "port", 5201); err != nil {
		return err
	}
	if c.Seconds, err = SettingInt(settings, "time", 0); err != nil {
		return err
	}
	c.UDP = SettingBool(settings, "udp", false)
	c.Bitrate = SettingString(settings, "bitrate", "")
	return nil
}

func (c *Iperf3Client) Launch() AppCommand {
	argv := []string{"iperf3", "--client", c.Server, "--port", strconv.Itoa(c.Port), "--json"}
	if c.Seconds > 0 {
		argv = append(argv, "--time", strconv.Itoa(c.Seconds))
	}
	if c.UDP {
		argv = append(argv, "--udp")
	}
	if c.Bitrate != "" {
		argv = append(argv, "--bitrate", c.Bitrate)
	}
	return AppCommand{Argv: argv}
}

// Ping runs ping against a target until its runtime expires.
type Ping struct {
	Target   string
	Interval string
}

func (p *Ping) Label() string {
	return "ping"
}

func (p *Ping) Configure(settings map[string]any) error {
	p.Target = SettingString(settings, "target", "")
	if p.Target == "" {
		return errors.New("ping requires a 'target' setting")
	}
	p.Interval = SettingString(settings, "interval", "1")
	return nil
}

func (p *Ping) Launch() AppCommand {
	return AppCommand{Argv: []string{"ping", "-D", "-i", p.Interval, p.Target}}
}

func init() {
	RegisterApplicationType("iperf3-server", func() ApplicationType { return &Iperf3Server{} })
	RegisterApplicationType("iperf3-client", func() ApplicationType { return &Iperf3Client{} })
	RegisterApplicationType("ping", func() ApplicationType { return &Ping{} })
}
