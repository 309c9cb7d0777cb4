package model

import (
	"fmt"
	"time"
)

// MaxAttachments is the number of experiment NICs an Instance may declare (eth1..eth4).
const MaxAttachments = 4

type Testbed struct {
	Tag          string
	Dir          string
	Networks     []*Network
	Instances    []*Instance
	Integrations []*Integration
	Settings     Settings
}

// Settings are the per-testbed knobs from the declaration's settings block.
type Settings struct {
	ManagementSubnet string
	PhaseTimeouts    map[Phase]time.Duration
	ClockTolerance   time.Duration
	StartLead        time.Duration
	// FileServerPort, when set, serves the package directory on the management gateway.
	FileServerPort int
}

const (
	ManagementAuto     = "auto"
	ManagementDisabled = "disabled"
)

func (s Settings) ManagementEnabled() bool {
	return s.ManagementSubnet != ManagementDisabled
}

// PhaseTimeout returns the configured bound for a phase, 0 meaning unbounded.
func (s Settings) PhaseTimeout(p Phase) time.Duration {
	if s.PhaseTimeouts == nil {
		return 0
	}
	return s.PhaseTimeouts[p]
}

type Network struct {
	Name      string
	HostPorts []string
}

type Instance struct {
	Name              string
	Image             string
	Cores             int
	MemoryMB          int
	Attachments       []*Attachment
	ManagementAddress string
	Setup             *SetupScript
	Applications      []*Application
	Preserve          []string
}

// Attachment binds one experiment NIC to a declared Network.
type Attachment struct {
	Network  string
	MAC      string
	Model    string
	ZeroCopy bool
}

// InterfaceName follows the eth1..eth4 convention; eth0 is the management NIC.
func InterfaceName(index int) string {
	return fmt.Sprintf("eth%d", index+1)
}

type SetupScript struct {
	Script  string
	Env     map[string]string
	Timeout time.Duration
}

type Application struct {
	Type     string
	Name     string
	Instance string
	Delay    time.Duration
	Runtime  *time.Duration
	Depends  []Dependency
	Store    bool
	Settings map[string]any
}

// IsDaemon reports whether the Application has no runtime bound. Daemons never emit finished.
func (a *Application) IsDaemon() bool {
	return a.Runtime == nil
}

func (a *Application) Key() AppKey {
	return AppKey{Instance: a.Instance, Name: a.Name}
}

// AppKey addresses an Application across the whole testbed.
type AppKey struct {
	Instance string
	Name     string
}

func (k AppKey) String() string {
	return k.Instance + "/" + k.Name
}

type EventKind string

const (
	EventStarted  EventKind = "started"
	EventFinished EventKind = "finished"
)

type Dependency struct {
	Event       EventKind
	Instance    string
	Application string
}

func (d Dependency) Source() AppKey {
	return AppKey{Instance: d.Instance, Name: d.Application}
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s:%s/%s", d.Event, d.Instance, d.Application)
}

type Integration struct {
	Type  string
	Name  string
	Phase Phase
	Env   map[string]string
	Wait  time.Duration
	// StartDelay postpones the start command. A non-awaited Integration is started in the
	// background once it elapses, so the phase does not wait for it.
	StartDelay time.Duration
	Settings   map[string]any
}

func (t *Testbed) Instance(name string) *Instance {
	for _, i := range t.Instances {
		if i.Name == name {
			return i
		}
	}
	return nil
}

func (t *Testbed) Network(name string) *Network {
	for _, n := range t.Networks {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Applications returns every Application in declaration order (instance order, then app order).
func (t *Testbed) Applications() []*Application {
	var apps []*Application
	for _, i := range t.Instances {
		apps = append(apps, i.Applications...)
	}
	return apps
}

func (t *Testbed) Application(key AppKey) *Application {
	inst := t.Instance(key.Instance)
	if inst == nil {
		return nil
	}
	for _, a := range inst.Applications {
		if a.Name == key.Name {
			return a
		}
	}
	return nil
}

// IntegrationsFor returns the Integrations bound to a phase, in declaration order.
func (t *Testbed) IntegrationsFor(p Phase) []*Integration {
	var out []*Integration
	for _, i := range t.Integrations {
		if i.Phase == p {
			out = append(out, i)
		}
	}
	return out
}
