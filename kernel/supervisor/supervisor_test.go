package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/agent/agenttest"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        int
	once       sync.Once
	exited     chan struct{}
	ignoreTerm bool
	mu         sync.Mutex
	signals    []syscall.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan struct{})}
}

func (p *fakeProcess) Pid() int                { return p.pid }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }
func (p *fakeProcess) Err() error              { return nil }
func (p *fakeProcess) exit()                   { p.once.Do(func() { close(p.exited) }) }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGKILL || !p.ignoreTerm {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type fakeHypervisor struct {
	mu         sync.Mutex
	procs      map[string]*fakeProcess
	specs      map[string]*vmm.LaunchSpec
	failStart  string
	ignoreTerm bool
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{procs: map[string]*fakeProcess{}, specs: map[string]*vmm.LaunchSpec{}}
}

func (h *fakeHypervisor) CreateOverlay(_ context.Context, _, overlay string) error {
	return os.WriteFile(overlay, []byte("qcow2"), 0644)
}

func (h *fakeHypervisor) Start(_ context.Context, spec *vmm.LaunchSpec) (vmm.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if spec.Name == h.failStart {
		return nil, errors.New("qemu: could not open disk image")
	}
	p := newFakeProcess(1000 + len(h.procs))
	p.ignoreTerm = h.ignoreTerm
	h.procs[spec.Name] = p
	h.specs[spec.Name] = spec
	return p, nil
}

func (h *fakeHypervisor) proc(name string) *fakeProcess {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[name]
}

type fakeNet struct {
	mu      sync.Mutex
	taps    map[string]string
	failTap string
}

func (n *fakeNet) CreateTap(name, master string, _ bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if name == n.failTap {
		return errors.New("operation not permitted")
	}
	if n.taps == nil {
		n.taps = map[string]string{}
	}
	n.taps[name] = master
	return nil
}

func (n *fakeNet) DeleteTap(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.taps, name)
	return nil
}

func (n *fakeNet) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.taps)
}

// fakeDialer connects each endpoint to its fake agent; unknown endpoints refuse.
type fakeDialer struct {
	mu     sync.Mutex
	agents map[string]*agenttest.Agent
}

func (d *fakeDialer) Dial(_ context.Context, endpoint agent.Endpoint) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, a := range d.agents {
		if filepath.Base(filepath.Dir(string(endpoint))) == name {
			return a.Pipe(), nil
		}
	}
	return nil, errors.New("connection refused")
}

type fixture struct {
	sup    *Supervisor
	hv     *fakeHypervisor
	net    *fakeNet
	store  *store.MemoryStore
	dialer *fakeDialer
}

func newFixture(t *testing.T) *fixture {
	cfg := model.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.ShutdownGrace = 100 * time.Millisecond
	f := &fixture{
		hv:     newFakeHypervisor(),
		net:    &fakeNet{},
		store:  store.NewMemoryStore(),
		dialer: &fakeDialer{agents: map[string]*agenttest.Agent{}},
	}
	f.sup = New(cfg, f.store, f.hv, f.net, f.dialer, pfxlog.Logger().Entry)
	f.sup.RetryInterval = 10 * time.Millisecond
	f.sup.ProbeTimeout = 100 * time.Millisecond
	f.sup.KillWait = 100 * time.Millisecond
	return f
}

func (f *fixture) agent(name string) *agenttest.Agent {
	a := agenttest.New(name)
	f.dialer.mu.Lock()
	f.dialer.agents[name] = a
	f.dialer.mu.Unlock()
	return a
}

func plan(name string, setup *model.SetupScript) *LaunchPlan {
	return &LaunchPlan{
		Tag:      "exp1",
		Instance: &model.Instance{Name: name, Image: "/images/base.qcow2", Cores: 1, MemoryMB: 256, Setup: setup},
		NICs: []NICPlan{
			{Tap: "vt" + name + "0", Bridge: "vbmg", MAC: "52:54:00:00:00:01"},
			{Tap: "vt" + name + "1", Bridge: "vb00", MAC: "52:54:00:00:00:02"},
		},
		ManagementAddress: "10.213.0.10",
	}
}

func TestLaunchReadyDestroy(t *testing.T) {
	f := newFixture(t)
	fake := f.agent("vma")
	var states []model.InstanceState
	var mu sync.Mutex
	f.sup.Observe(func(_, _ string, s model.InstanceState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	ctx := context.Background()

	require.NoError(t, f.sup.Launch(ctx, plan("vma", &model.SetupScript{Script: "ip link set eth1 up"})))
	assert.Equal(t, 2, f.net.count())
	recs, err := f.store.GetInstances("exp1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceBooting, recs["vma"].State)
	assert.Equal(t, 1000, recs["vma"].Pid)

	require.NoError(t, f.sup.WaitReady(ctx, "vma", time.Second))
	inst, _ := f.sup.Instance("vma")
	assert.Equal(t, model.InstanceSetup, inst.State())

	require.NoError(t, f.sup.RunSetup(ctx, "vma"))
	assert.Equal(t, model.InstanceReady, inst.State())
	require.NoError(t, f.sup.SetState("vma", model.InstanceRunning))

	require.NoError(t, f.sup.Destroy(ctx, "vma"))
	assert.True(t, fake.ShutdownRequested())
	assert.Equal(t, model.InstanceDestroyed, inst.State())
	assert.Zero(t, f.net.count())
	assert.NoDirExists(t, filepath.Join(f.sup.cfg.TestbedWorkDir("exp1"), "vma"))

	recs, err = f.store.GetInstances("exp1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// second destroy is a no-op
	require.NoError(t, f.sup.Destroy(ctx, "vma"))
	require.NoError(t, f.sup.Destroy(ctx, "never-launched"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.InstanceState{
		model.InstanceLaunching, model.InstanceBooting, model.InstanceSetup,
		model.InstanceReady, model.InstanceRunning, model.InstanceStopping, model.InstanceDestroyed,
	}, states)
}

func TestWaitReady_TimeoutMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.agent("vma").Mute = true
	ctx := context.Background()

	require.NoError(t, f.sup.Launch(ctx, plan("vma", nil)))
	err := f.sup.WaitReady(ctx, "vma", 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, model.ClassInstance, model.ClassOf(err))

	inst, _ := f.sup.Instance("vma")
	assert.Equal(t, model.InstanceFailed, inst.State())

	require.NoError(t, f.sup.Destroy(ctx, "vma"))
	assert.Contains(t, f.hv.proc("vma").Signals(), syscall.SIGTERM)
	assert.Zero(t, f.net.count())
}

func TestWaitReady_HypervisorExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sup.Launch(ctx, plan("vma", nil)))
	f.hv.proc("vma").exit()

	err := f.sup.WaitReady(ctx, "vma", 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestLaunch_FailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.hv.failStart = "vma"
	err := f.sup.Launch(context.Background(), plan("vma", nil))
	require.Error(t, err)
	assert.Equal(t, model.ClassInstance, model.ClassOf(err))
	assert.Zero(t, f.net.count())

	f2 := newFixture(t)
	f2.net.failTap = "vtvma1"
	err = f2.sup.Launch(context.Background(), plan("vma", nil))
	assert.Equal(t, model.ClassResource, model.ClassOf(err))
	assert.Zero(t, f2.net.count())
}

func TestSetupFailure(t *testing.T) {
	f := newFixture(t)
	fake := f.agent("vma")
	fake.SetupExit = 1
	ctx := context.Background()

	require.NoError(t, f.sup.Launch(ctx, plan("vma", &model.SetupScript{Script: "exit 1"})))
	require.NoError(t, f.sup.WaitReady(ctx, "vma", time.Second))
	err := f.sup.RunSetup(ctx, "vma")
	assert.Equal(t, model.ClassInstance, model.ClassOf(err))
	inst, _ := f.sup.Instance("vma")
	assert.Equal(t, model.InstanceFailed, inst.State())
}

func TestDestroy_EscalatesToKill(t *testing.T) {
	f := newFixture(t)
	f.hv.ignoreTerm = true
	ctx := context.Background()
	require.NoError(t, f.sup.Launch(ctx, plan("vma", nil)))

	require.NoError(t, f.sup.Destroy(ctx, "vma"))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, f.hv.proc("vma").Signals())
}

func TestUnexpectedExitIsReported(t *testing.T) {
	f := newFixture(t)
	f.agent("vma")
	ctx := context.Background()
	require.NoError(t, f.sup.Launch(ctx, plan("vma", nil)))
	require.NoError(t, f.sup.WaitReady(ctx, "vma", time.Second))

	f.hv.proc("vma").exit()
	select {
	case name := <-f.sup.Failed():
		assert.Equal(t, "vma", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
}

func TestDestroyRecord_NothingLeft(t *testing.T) {
	f := newFixture(t)
	runDir := filepath.Join(t.TempDir(), "vmb")
	require.NoError(t, os.MkdirAll(runDir, 0755))
	overlay := filepath.Join(runDir, "overlay.qcow2")
	require.NoError(t, os.WriteFile(overlay, nil, 0644))

	rec := &store.InstanceRecord{Tag: "old", Name: "vmb", Pid: 0, RunDir: runDir, Overlay: overlay, Taps: []string{"vtold0"}}
	require.NoError(t, f.store.SaveInstance(rec))

	require.NoError(t, f.sup.DestroyRecord(context.Background(), rec))
	assert.NoFileExists(t, overlay)
	recs, err := f.store.GetInstances("old")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// again, from the same stale record
	require.NoError(t, f.sup.DestroyRecord(context.Background(), rec))
}

func TestConsoleIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sup.Launch(ctx, plan("vma", nil)))
	inst, _ := f.sup.Instance("vma")
	rec := inst.Record()

	listener, err := net.Listen("unix", rec.ConsoleSocket)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = conn.Write([]byte("login: ")) }()
		}
	}()

	first, err := f.sup.AttachConsole(ctx, "vma")
	require.NoError(t, err)

	_, err = f.sup.AttachConsole(ctx, "vma")
	assert.True(t, errors.Is(err, ErrConsoleBusy))
	_, err = OpenConsole(ctx, &rec)
	assert.True(t, errors.Is(err, ErrConsoleBusy))

	buf := make([]byte, 7)
	_, err = first.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "login: ", string(buf))

	require.NoError(t, first.Close())
	second, err := f.sup.AttachConsole(ctx, "vma")
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
