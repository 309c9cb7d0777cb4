package model

import (
	"strings"

	"github.com/pkg/errors"
)

type Phase string

const (
	PhaseStartup            Phase = "startup"
	PhaseNetwork            Phase = "network"
	PhaseInstancesLaunching Phase = "instances_launching"
	PhaseSetup              Phase = "setup"
	PhaseInit               Phase = "init"
	PhaseExperiment         Phase = "experiment"
	PhaseDismantle          Phase = "dismantle"
	PhaseTerminated         Phase = "terminated"
	PhaseFailed             Phase = "failed"
)

// Phases lists the forward path of a run.
var Phases = []Phase{
	PhaseStartup,
	PhaseNetwork,
	PhaseInstancesLaunching,
	PhaseSetup,
	PhaseInit,
	PhaseExperiment,
	PhaseDismantle,
	PhaseTerminated,
}

func (p Phase) IsTerminal() bool {
	return p == PhaseTerminated || p == PhaseFailed
}

// IsIntegrationPhase reports whether Integrations may be bound to p.
func (p Phase) IsIntegrationPhase() bool {
	return p == PhaseStartup || p == PhaseNetwork || p == PhaseInit
}

// Next returns the phase following p on the forward path.
func (p Phase) Next() Phase {
	for i, candidate := range Phases {
		if candidate == p && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return PhaseTerminated
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if p == PhaseFailed {
		return p, nil
	}
	for _, candidate := range Phases {
		if candidate == p {
			return p, nil
		}
	}
	return "", errors.Errorf("unknown phase [%s]", s)
}

// PausePoint names the phase the engine holds before entering.
type PausePoint Phase

const (
	PauseBeforeSetup      = PausePoint(PhaseSetup)
	PauseBeforeExperiment = PausePoint(PhaseExperiment)
	PauseBeforeDismantle  = PausePoint(PhaseDismantle)
)

var pausePoints = map[string]PausePoint{
	"setup":      PauseBeforeSetup,
	"experiment": PauseBeforeExperiment,
	"dismantle":  PauseBeforeDismantle,
}

type PauseSet map[PausePoint]bool

// ParsePauseSet accepts a comma separated selector such as "setup,dismantle", or "all".
func ParsePauseSet(selector string) (PauseSet, error) {
	set := PauseSet{}
	for _, part := range strings.Split(selector, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || part == "none" {
			continue
		}
		if part == "all" {
			for _, p := range pausePoints {
				set[p] = true
			}
			continue
		}
		p, found := pausePoints[part]
		if !found {
			return nil, errors.Errorf("unknown pause point [%s], expected one of setup, experiment, dismantle, all", part)
		}
		set[p] = true
	}
	return set, nil
}

func (s PauseSet) Has(p PausePoint) bool {
	return s != nil && s[p]
}

type InstanceState string

const (
	InstanceLaunching InstanceState = "LAUNCHING"
	InstanceBooting   InstanceState = "BOOTING"
	InstanceSetup     InstanceState = "SETUP"
	InstanceReady     InstanceState = "READY"
	InstanceRunning   InstanceState = "RUNNING"
	InstanceStopping  InstanceState = "STOPPING"
	InstanceDestroyed InstanceState = "DESTROYED"
	InstanceFailed    InstanceState = "FAILED"
)

var instanceTransitions = map[InstanceState][]InstanceState{
	InstanceLaunching: {InstanceBooting},
	InstanceBooting:   {InstanceSetup, InstanceReady},
	InstanceSetup:     {InstanceReady},
	InstanceReady:     {InstanceRunning, InstanceSetup},
	InstanceRunning:   {InstanceReady},
}

// CanTransition reports whether an instance may move from one state to another.
// Any live state may move to STOPPING or FAILED; STOPPING and FAILED may only be destroyed.
func (s InstanceState) CanTransition(to InstanceState) bool {
	if s == InstanceDestroyed {
		return false
	}
	if to == InstanceDestroyed {
		return true
	}
	if s == InstanceStopping || s == InstanceFailed {
		return false
	}
	if to == InstanceStopping || to == InstanceFailed {
		return true
	}
	for _, allowed := range instanceTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s InstanceState) IsLive() bool {
	switch s {
	case InstanceDestroyed, InstanceFailed, "":
		return false
	}
	return true
}
