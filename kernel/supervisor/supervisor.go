package supervisor

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	ErrUnknownInstance = errors.New("unknown instance")
	ErrNotRunning      = errors.New("hypervisor exited")
	ErrConsoleBusy     = errors.New("console already attached")
)

// Networker creates and removes the taps that connect instances to switches.
type Networker interface {
	CreateTap(name, master string, vnetHdr bool) error
	DeleteTap(name string) error
}

// NICPlan is one tap to create and the switch it joins.
type NICPlan struct {
	Tap    string
	Bridge string
	MAC    string
	Model  string
	VHost  bool
}

// LaunchPlan is everything the supervisor needs to start one instance. NICs[0] is the
// management NIC when Management is set.
type LaunchPlan struct {
	Tag               string
	Instance          *model.Instance
	NICs              []NICPlan
	ManagementAddress string
	Management        string
}

// StateObserver is told about every instance state change.
type StateObserver func(tag, instance string, state model.InstanceState)

// Supervisor owns the hypervisor processes of one testbed.
type Supervisor struct {
	cfg    *model.Config
	store  store.InstanceStore
	hv     vmm.Hypervisor
	net    Networker
	dialer agent.Dialer
	log    *logrus.Entry

	instances cmap.ConcurrentMap[string, *Instance]
	failed    chan string
	observers []StateObserver

	// RetryInterval paces readiness probes while an instance boots.
	RetryInterval time.Duration
	// ProbeTimeout bounds one handshake attempt.
	ProbeTimeout time.Duration
	// KillWait bounds how long a SIGKILLed hypervisor may take to disappear.
	KillWait time.Duration
}

// Instance is the supervisor's view of one running virtual machine.
type Instance struct {
	Name string
	Tag  string

	mu      sync.Mutex
	state   model.InstanceState
	record  *store.InstanceRecord
	proc    vmm.Process
	client  *agent.Client
	setup   *model.SetupScript
	console *semaphore.Weighted
}

func (i *Instance) State() model.InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Client() *agent.Client {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.client
}

func (i *Instance) Record() store.InstanceRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	return *i.record
}

func New(cfg *model.Config, s store.InstanceStore, hv vmm.Hypervisor, net Networker, dialer agent.Dialer, log *logrus.Entry) *Supervisor {
	if dialer == nil {
		dialer = agent.DefaultDialer{}
	}
	return &Supervisor{
		cfg:           cfg,
		store:         s,
		hv:            hv,
		net:           net,
		dialer:        dialer,
		log:           log,
		instances:     cmap.New[*Instance](),
		failed:        make(chan string, 64),
		RetryInterval: 250 * time.Millisecond,
		ProbeTimeout:  2 * time.Second,
		KillWait:      5 * time.Second,
	}
}

// Observe registers a state change observer. Not safe to call once instances are launching.
func (s *Supervisor) Observe(o StateObserver) {
	s.observers = append(s.observers, o)
}

// Failed delivers the names of instances whose hypervisor exited without being asked to.
func (s *Supervisor) Failed() <-chan string { return s.failed }

func (s *Supervisor) Instance(name string) (*Instance, bool) {
	return s.instances.Get(name)
}

func (s *Supervisor) Names() []string {
	return s.instances.Keys()
}

// Client returns the control channel of a ready instance.
func (s *Supervisor) Client(name string) (*agent.Client, error) {
	inst, found := s.instances.Get(name)
	if !found {
		return nil, errors.Wrapf(ErrUnknownInstance, "[%s]", name)
	}
	c := inst.Client()
	if c == nil {
		return nil, errors.Errorf("instance [%s] has no agent connection", name)
	}
	return c, nil
}

// SetState moves an instance to state and persists it. Illegal transitions are refused.
func (s *Supervisor) SetState(name string, state model.InstanceState) error {
	inst, found := s.instances.Get(name)
	if !found {
		return errors.Wrapf(ErrUnknownInstance, "[%s]", name)
	}
	return s.transition(inst, state)
}

func (s *Supervisor) transition(inst *Instance, state model.InstanceState) error {
	inst.mu.Lock()
	if inst.state == state {
		inst.mu.Unlock()
		return nil
	}
	if inst.state != "" && !inst.state.CanTransition(state) {
		from := inst.state
		inst.mu.Unlock()
		return errors.Errorf("instance [%s] cannot go from %s to %s", inst.Name, from, state)
	}
	inst.state = state
	inst.record.State = state
	var err error
	if state != model.InstanceDestroyed {
		err = s.save(inst)
	}
	inst.mu.Unlock()

	s.log.WithField("instance", inst.Name).Debugf("state %s", state)
	for _, o := range s.observers {
		o(inst.Tag, inst.Name, state)
	}
	return err
}

// save must be called with inst.mu held.
func (s *Supervisor) save(inst *Instance) error {
	inst.record.Updated = time.Now()
	if err := s.store.SaveInstance(inst.record); err != nil {
		return errors.Wrapf(err, "unable to persist instance [%s]", inst.Name)
	}
	return nil
}

func (s *Supervisor) runDir(tag, name string) string {
	return filepath.Join(s.cfg.TestbedWorkDir(tag), name)
}

// Launch starts one instance and returns once the hypervisor process exists; it does not
// wait for the guest. On failure everything created for the instance is released again.
func (s *Supervisor) Launch(ctx context.Context, plan *LaunchPlan) error {
	name := plan.Instance.Name
	log := s.log.WithField("instance", name)
	runDir := s.runDir(plan.Tag, name)
	spec := vmm.NewLaunchSpec(name, plan.Instance.Image, runDir)
	spec.Cores = plan.Instance.Cores
	spec.MemoryMB = plan.Instance.MemoryMB
	spec.Management = plan.Management

	inst := &Instance{
		Name:    name,
		Tag:     plan.Tag,
		setup:   plan.Instance.Setup,
		console: semaphore.NewWeighted(1),
		record: &store.InstanceRecord{
			Tag:               plan.Tag,
			Name:              name,
			RunDir:            runDir,
			Overlay:           spec.Overlay,
			AgentSocket:       spec.AgentSocket,
			ConsoleSocket:     spec.ConsoleSocket,
			MonitorSocket:     spec.MonitorSocket,
			ManagementAddress: plan.ManagementAddress,
		},
	}
	if s.cfg.AgentTransport == model.TransportVsock {
		spec.VsockCID = vsockCID(plan.Tag, name)
		inst.record.VsockCID = spec.VsockCID
	}
	if !s.instances.SetIfAbsent(name, inst) {
		return model.InstanceFailure(name, errors.New("instance launched twice"))
	}
	if err := s.transition(inst, model.InstanceLaunching); err != nil {
		return model.Resource("supervisor", err)
	}

	fail := func(err error) error {
		log.WithError(err).Error("launch failed")
		_ = s.transition(inst, model.InstanceFailed)
		if derr := s.destroy(context.WithoutCancel(ctx), inst); derr != nil {
			log.WithError(derr).Error("unable to release partially launched instance")
		}
		return err
	}

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fail(model.Resource("supervisor", errors.Wrapf(err, "unable to create run dir for [%s]", name)))
	}
	if err := s.hv.CreateOverlay(ctx, plan.Instance.Image, spec.Overlay); err != nil {
		return fail(model.InstanceFailure(name, err))
	}

	for _, nic := range plan.NICs {
		if err := s.net.CreateTap(nic.Tap, nic.Bridge, nic.VHost); err != nil {
			return fail(model.Resource("supervisor", errors.Wrapf(err, "instance [%s]", name)))
		}
		inst.mu.Lock()
		inst.record.Taps = append(inst.record.Taps, nic.Tap)
		err := s.save(inst)
		inst.mu.Unlock()
		if err != nil {
			return fail(model.Resource("supervisor", err))
		}
		spec.NICs = append(spec.NICs, vmm.NIC{Tap: nic.Tap, MAC: nic.MAC, Model: nic.Model, VHost: nic.VHost})
	}

	proc, err := s.hv.Start(ctx, spec)
	if err != nil {
		return fail(model.InstanceFailure(name, err))
	}
	inst.mu.Lock()
	inst.proc = proc
	inst.record.Pid = proc.Pid()
	inst.mu.Unlock()
	if err := s.transition(inst, model.InstanceBooting); err != nil {
		return fail(model.Resource("supervisor", err))
	}
	log.Infof("hypervisor started, pid %d", proc.Pid())

	go s.watch(inst, proc)
	return nil
}

func (s *Supervisor) watch(inst *Instance, proc vmm.Process) {
	<-proc.Exited()
	state := inst.State()
	if state == model.InstanceStopping || state == model.InstanceDestroyed || state == model.InstanceFailed {
		return
	}
	s.log.WithField("instance", inst.Name).WithError(proc.Err()).Error("hypervisor exited unexpectedly")
	_ = s.transition(inst, model.InstanceFailed)
	select {
	case s.failed <- inst.Name:
	default:
		s.log.WithField("instance", inst.Name).Warn("failure notification dropped")
	}
}

func (s *Supervisor) endpoint(rec *store.InstanceRecord) agent.Endpoint {
	if rec.VsockCID != 0 {
		return agent.VsockEndpoint(rec.VsockCID, s.cfg.AgentPort)
	}
	return agent.UnixEndpoint(rec.AgentSocket)
}

// WaitReady blocks until the instance's agent answers a handshake. On timeout the instance is
// marked FAILED; the caller decides whether to destroy it.
func (s *Supervisor) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	inst, found := s.instances.Get(name)
	if !found {
		return errors.Wrapf(ErrUnknownInstance, "[%s]", name)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	log := s.log.WithField("instance", name)

	inst.mu.Lock()
	proc := inst.proc
	rec := *inst.record
	inst.mu.Unlock()
	if proc == nil {
		return model.InstanceFailure(name, ErrNotRunning)
	}

	ticker := time.NewTicker(s.RetryInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		client, err := s.probe(ctx, name, &rec)
		if err == nil {
			inst.mu.Lock()
			inst.client = client
			inst.mu.Unlock()
			next := model.InstanceReady
			if inst.setup != nil {
				next = model.InstanceSetup
			}
			if err := s.transition(inst, next); err != nil {
				return model.Resource("supervisor", err)
			}
			log.Info("agent ready")
			return nil
		}
		lastErr = err

		select {
		case <-proc.Exited():
			_ = s.transition(inst, model.InstanceFailed)
			return model.InstanceFailure(name, errors.Wrap(ErrNotRunning, "while booting"))
		case <-ctx.Done():
			_ = s.transition(inst, model.InstanceFailed)
			err := errors.Wrapf(ctx.Err(), "agent did not answer (last error: %v)", lastErr)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return model.InstanceFailure(name, err)
			}
			return err
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, name string, rec *store.InstanceRecord) (*agent.Client, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.ProbeTimeout)
	defer cancel()
	conn, err := s.dialer.Dial(probeCtx, s.endpoint(rec))
	if err != nil {
		return nil, err
	}
	client := agent.NewClient(name, conn, s.log)
	if _, err := client.Hello(probeCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// RunSetup runs the instance's setup script, if it has one, and marks it READY.
func (s *Supervisor) RunSetup(ctx context.Context, name string) error {
	inst, found := s.instances.Get(name)
	if !found {
		return errors.Wrapf(ErrUnknownInstance, "[%s]", name)
	}
	if inst.setup != nil {
		client := inst.Client()
		if client == nil {
			return model.InstanceFailure(name, errors.New("agent not connected"))
		}
		s.log.WithField("instance", name).Info("running setup script")
		if err := client.RunSetupScript(ctx, inst.setup.Script, inst.setup.Env, inst.setup.Timeout); err != nil {
			_ = s.transition(inst, model.InstanceFailed)
			if ctx.Err() != nil {
				return err
			}
			return model.InstanceFailure(name, err)
		}
	}
	if err := s.transition(inst, model.InstanceReady); err != nil {
		return model.Resource("supervisor", err)
	}
	return nil
}

// vsockCID derives a context id from the instance identity; 0-2 are reserved.
func vsockCID(tag, name string) uint32 {
	return 3 + crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s/%s", tag, name)))%(1<<24)
}
