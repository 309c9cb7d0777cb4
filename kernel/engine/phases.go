package engine

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/fileserver"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/network"
	"github.com/openziti/vmlab/kernel/results"
	"github.com/openziti/vmlab/kernel/scheduler"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/supervisor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Validate runs the checks that need no host resources: the start graph and the settings of
// every Application.
func Validate(tb *model.Testbed, resolver *model.Resolver) (*scheduler.Graph, error) {
	graph, err := scheduler.Build(tb)
	if err != nil {
		return nil, err
	}
	for _, app := range tb.Applications() {
		if _, err := resolver.Configured(app); err != nil {
			return nil, model.Validation("engine", err)
		}
	}
	return graph, nil
}

func (e *Engine) startup(ctx context.Context) error {
	graph, err := Validate(e.tb, e.run.Resolver)
	if err != nil {
		return err
	}
	e.graph = graph
	if err := e.claim(); err != nil {
		return err
	}

	e.sup = supervisor.New(e.cfg, e.deps.Store, e.deps.Hypervisor, e.deps.Networks, e.deps.Dialer, e.log)
	if e.deps.Metrics != nil {
		e.sup.Observe(e.deps.Metrics.InstanceState)
	}
	if e.SupervisorTuning != nil {
		e.SupervisorTuning(e.sup)
	}
	return e.recordNonFatal(e.runner.RunPhase(ctx, model.PhaseStartup))
}

func (e *Engine) network(ctx context.Context) error {
	topo, err := e.deps.Networks.Build(ctx, e.tb)
	if err != nil {
		return err
	}
	e.topo = topo
	if err := store.UpdateTestbed(e.deps.Store, e.tb.Tag, topo.Record); err != nil {
		return model.Resource("engine", errors.Wrap(err, "unable to record topology"))
	}
	if err := e.serveFiles(); err != nil {
		return err
	}
	return e.recordNonFatal(e.runner.RunPhase(ctx, model.PhaseNetwork))
}

func (e *Engine) serveFiles() error {
	port := e.tb.Settings.FileServerPort
	if port == 0 {
		return nil
	}
	addr := e.FileServerAddr
	if addr == "" {
		if !e.topo.Gateway.IsValid() {
			return model.Validationf("engine", "file_server_port needs the management network")
		}
		addr = net.JoinHostPort(e.topo.Gateway.String(), strconv.Itoa(port))
	}
	files, err := fileserver.Start(e.tb.Dir, addr, e.log.WithField("component", "fileserver"))
	if err != nil {
		return model.Resource("engine", err)
	}
	e.mu.Lock()
	e.files = files
	e.mu.Unlock()
	return nil
}

// plans assigns management addresses, fixed ones first, and lays out every instance's NICs.
func (e *Engine) plans() ([]*supervisor.LaunchPlan, error) {
	addrs := map[string]netip.Addr{}
	for _, fixed := range []bool{true, false} {
		for _, inst := range e.tb.Instances {
			if (inst.ManagementAddress != "") != fixed {
				continue
			}
			addr, err := e.topo.AllocateAddress(inst.Name, inst.ManagementAddress)
			if err != nil {
				return nil, err
			}
			addrs[inst.Name] = addr
		}
	}

	tag := e.tb.Tag
	var plans []*supervisor.LaunchPlan
	for idx, inst := range e.tb.Instances {
		plan := &supervisor.LaunchPlan{Tag: tag, Instance: inst}
		if addr := addrs[inst.Name]; addr.IsValid() && e.topo.ManagementBridge != "" {
			plan.NICs = append(plan.NICs, supervisor.NICPlan{
				Tap:    network.TapName(tag, idx, 0),
				Bridge: e.topo.ManagementBridge,
				MAC:    network.MAC(tag, inst.Name, 0),
			})
			plan.ManagementAddress = addr.String()
			plan.Management = fmt.Sprintf("%s/%d,%s", addr, e.topo.Subnet.Bits(), e.topo.Gateway)
		}
		for i, att := range inst.Attachments {
			bridge, found := e.topo.Bridges[att.Network]
			if !found {
				return nil, model.Validationf("engine", "instance [%s] attaches to unknown network [%s]", inst.Name, att.Network)
			}
			mac := att.MAC
			if mac == "" {
				mac = network.MAC(tag, inst.Name, i+1)
			}
			plan.NICs = append(plan.NICs, supervisor.NICPlan{
				Tap:    network.TapName(tag, idx, i+1),
				Bridge: bridge,
				MAC:    mac,
				Model:  att.Model,
				VHost:  att.ZeroCopy,
			})
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// launch starts every hypervisor at once and waits for each agent. Instances that fail are
// dropped when nothing else depends on them.
func (e *Engine) launch(ctx context.Context) error {
	plans, err := e.plans()
	if err != nil {
		return err
	}
	launched := e.parallel(ctx, namesOf(plans), func(ctx context.Context, name string) error {
		for _, plan := range plans {
			if plan.Instance.Name == name {
				return e.sup.Launch(ctx, plan)
			}
		}
		return nil
	})
	if err := e.settle(ctx, launched); err != nil {
		return err
	}

	ready := e.parallel(ctx, e.live(), func(ctx context.Context, name string) error {
		return e.sup.WaitReady(ctx, name, e.cfg.BootTimeout)
	})
	return e.settle(ctx, ready)
}

func (e *Engine) setup(ctx context.Context) error {
	done := e.parallel(ctx, e.live(), func(ctx context.Context, name string) error {
		return e.sup.RunSetup(ctx, name)
	})
	return e.settle(ctx, done)
}

func (e *Engine) initialize(ctx context.Context) error {
	return e.recordNonFatal(e.runner.RunPhase(ctx, model.PhaseInit))
}

func (e *Engine) experiment(ctx context.Context) error {
	live := e.live()
	for _, name := range live {
		if err := e.sup.SetState(name, model.InstanceRunning); err != nil {
			return model.Resource("engine", err)
		}
	}
	defer func() {
		for _, name := range live {
			if inst, found := e.sup.Instance(name); found && inst.State() == model.InstanceRunning {
				_ = e.sup.SetState(name, model.InstanceReady)
			}
		}
	}()

	opts := e.Scheduler
	if e.tb.Settings.ClockTolerance > 0 {
		opts.ClockTolerance = e.tb.Settings.ClockTolerance
	}
	opts.StartLead = e.cfg.StartLead
	if e.tb.Settings.StartLead > 0 {
		opts.StartLead = e.tb.Settings.StartLead
	}
	opts.ClockRounds = e.cfg.ClockSyncRounds

	agents := func(instance string) (scheduler.Agent, error) {
		return e.sup.Client(instance)
	}
	sched := scheduler.New(e.graph, e.run.Resolver, agents, opts, e.log.WithField("phase", model.PhaseExperiment))
	sched.OnMessage(e.message)
	sched.OnEvent(func(key model.AppKey, kind model.EventKind) {
		e.deps.Metrics.ApplicationEvent(string(kind))
	})

	report, err := sched.Run(ctx)
	e.mu.Lock()
	e.report.Experiment = report
	e.mu.Unlock()
	if report != nil {
		for _, failure := range report.Errors {
			e.record(failure)
		}
	}
	return err
}

// message relays what Applications report: log lines to the log, data points to the sinks,
// preserve requests to the dismantle list.
func (e *Engine) message(app *model.Application, ev agent.Event) {
	e.deps.Metrics.ApplicationEvent(string(ev.Type))
	log := e.log.WithFields(logrus.Fields{"instance": ev.Instance, "app": ev.App})
	switch ev.Type {
	case agent.EventLog:
		if ev.Stream == "stderr" {
			log.Warn(ev.Line)
		} else {
			log.Info(ev.Line)
		}

	case agent.EventData:
		if app != nil && !app.Store {
			return
		}
		if e.deps.Sink == nil {
			return
		}
		p := &results.Point{
			Tag:         e.tb.Tag,
			Instance:    ev.Instance,
			App:         ev.App,
			Measurement: ev.Measurement,
			Fields:      ev.Fields,
			Tags:        results.StringTags(ev.Tags),
			Time:        ev.Timestamp,
		}
		if p.Time.IsZero() {
			p.Time = ev.Received
		}
		if err := e.deps.Sink.Write(context.Background(), p); err != nil {
			log.WithError(err).Error("unable to store data point")
		}

	case agent.EventPreserve:
		log.Infof("marked [%s] for preservation", ev.Path)
		e.markPreserve(ev.Instance, ev.Path)
	}
}

// parallel runs f for every name concurrently and returns each one's error.
func (e *Engine) parallel(ctx context.Context, names []string, f func(context.Context, string) error) map[string]error {
	var g errgroup.Group
	var mu sync.Mutex
	out := map[string]error{}
	for _, name := range names {
		g.Go(func() error {
			err := f(ctx, name)
			mu.Lock()
			out[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// settle isolates per-instance failures and returns the first failure that ends the phase.
func (e *Engine) settle(ctx context.Context, outcome map[string]error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	names := make([]string, 0, len(outcome))
	for name := range outcome {
		names = append(names, name)
	}
	sort.Strings(names)

	var fatal error
	keep := func(err error) {
		if fatal == nil {
			fatal = err
		} else {
			e.record(err)
		}
	}
	for _, name := range names {
		err := outcome[name]
		if err == nil {
			continue
		}
		if model.ClassOf(err) != model.ClassInstance {
			keep(err)
			continue
		}
		if ferr := e.instanceFailed(ctx, name, err); ferr != nil {
			keep(ferr)
		}
	}
	return fatal
}

// instanceFailed destroys a failed instance and drops its Applications. It returns an error
// when an Application on another instance depends on it.
func (e *Engine) instanceFailed(ctx context.Context, name string, cause error) error {
	e.mu.Lock()
	e.failed[name] = true
	e.mu.Unlock()
	if err := e.sup.Destroy(context.WithoutCancel(ctx), name); err != nil {
		e.record(err)
	}

	if required := e.graph.RequiredBy(name); len(required) > 0 {
		keys := make([]string, len(required))
		for i, key := range required {
			keys[i] = key.String()
		}
		return errors.Wrapf(cause, "required by [%s]", strings.Join(keys, ", "))
	}
	e.record(cause)
	graph, err := e.graph.Without(name)
	if err != nil {
		return model.InstanceFailure(name, err)
	}
	e.graph = graph
	e.mu.Lock()
	e.report.Dropped = append(e.report.Dropped, name)
	e.mu.Unlock()
	e.log.WithField("instance", name).Warn("continuing without instance")
	return nil
}

// reap handles hypervisors that exited on their own since the last phase.
func (e *Engine) reap(ctx context.Context) error {
	if e.sup == nil {
		return nil
	}
	for {
		select {
		case name := <-e.sup.Failed():
			if e.isFailed(name) {
				continue
			}
			cause := model.InstanceFailure(name, supervisor.ErrNotRunning)
			if err := e.instanceFailed(ctx, name, cause); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// live lists the declared instances that have not failed, in declaration order.
func (e *Engine) live() []string {
	var out []string
	for _, inst := range e.tb.Instances {
		if e.isFailed(inst.Name) {
			continue
		}
		if si, found := e.sup.Instance(inst.Name); found && si.State().IsLive() {
			out = append(out, inst.Name)
		}
	}
	return out
}

func namesOf(plans []*supervisor.LaunchPlan) []string {
	names := make([]string, len(plans))
	for i, plan := range plans {
		names[i] = plan.Instance.Name
	}
	return names
}
