package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Agent is the part of an instance's control channel the scheduler drives. *agent.Client
// satisfies it.
type Agent interface {
	StartApplication(ctx context.Context, spec *agent.AppStartPayload) error
	StopApplication(ctx context.Context, app string) error
	SyncClock(ctx context.Context, rounds int, tolerance time.Duration) (time.Duration, error)
	ToAgent(t time.Time) int64
	Events() <-chan agent.Event
	Done() <-chan struct{}
}

// Agents looks up the control channel of an instance.
type Agents func(instance string) (Agent, error)

// MessageHandler receives the log, data and preserve messages of one Application, in order,
// from that Application's own mailbox. app is nil for messages not tied to an Application.
// Calls for different Applications may run concurrently.
type MessageHandler func(app *model.Application, ev agent.Event)

// Observer is told about every lifecycle event as it is processed.
type Observer func(key model.AppKey, kind model.EventKind)

type Options struct {
	StartLead      time.Duration
	ClockTolerance time.Duration
	ClockRounds    int
	// CallTimeout bounds each start or stop request.
	CallTimeout time.Duration
	// RuntimeSlack is how long past its runtime an Application may run before the controller
	// stops it, and again before it is given up on.
	RuntimeSlack time.Duration
	MailboxSize  int
}

func DefaultOptions() Options {
	return Options{
		StartLead:      2 * time.Second,
		ClockTolerance: 50 * time.Millisecond,
		ClockRounds:    3,
		CallTimeout:    10 * time.Second,
		RuntimeSlack:   5 * time.Second,
		MailboxSize:    256,
	}
}

type AppState string

const (
	AppPending   AppState = "pending"
	AppRequested AppState = "requested"
	AppStarted   AppState = "started"
	AppFinished  AppState = "finished"
	AppLost      AppState = "lost"
)

type AppResult struct {
	Key       model.AppKey
	State     AppState
	Requested time.Time
	Started   time.Time
	Finished  time.Time
	ExitCode  int
	Stopped   bool
	Err       error
}

// Report is the outcome of one experiment. Errors holds per-instance failures that did not
// abort the run.
type Report struct {
	T0     time.Time
	Apps   map[model.AppKey]*AppResult
	Errors []error
}

type Scheduler struct {
	graph    *Graph
	resolver *model.Resolver
	agents   Agents
	opts     Options
	log      *logrus.Entry
	handler  MessageHandler
	observer Observer
}

func New(graph *Graph, resolver *model.Resolver, agents Agents, opts Options, log *logrus.Entry) *Scheduler {
	if opts.MailboxSize < 1 {
		opts.MailboxSize = 1
	}
	return &Scheduler{
		graph:    graph,
		resolver: resolver,
		agents:   agents,
		opts:     opts,
		log:      log,
		handler:  func(*model.Application, agent.Event) {},
		observer: func(model.AppKey, model.EventKind) {},
	}
}

func (s *Scheduler) OnMessage(h MessageHandler) {
	s.handler = h
}

func (s *Scheduler) OnEvent(o Observer) {
	s.observer = o
}

// Run synchronizes every participating clock, starts the zero-dependency Applications at one
// common instant and activates each dependent as soon as its last dependency is satisfied. It
// returns once every Application has finished, or started for daemons, after stopping what is
// still running.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	r := &run{
		Scheduler: s,
		report:    &Report{Apps: map[model.AppKey]*AppResult{}},
		clients:   map[string]Agent{},
		commands:  map[model.AppKey]model.AppCommand{},
		remaining: map[model.AppKey]map[model.Dependency]bool{},
		timers:    map[model.AppKey]*time.Timer{},
		mailboxes: map[model.AppKey]chan agent.Event{},
		lifecycle: make(chan agent.Event),
		lost:      make(chan string),
		expired:   make(chan model.AppKey),
		stop:      make(chan struct{}),
	}
	if s.graph.Len() == 0 {
		return r.report, nil
	}

	for _, key := range s.graph.Order() {
		node := s.graph.Node(key)
		t, err := s.resolver.Configured(node.App)
		if err != nil {
			return r.report, model.Validation("scheduler", err)
		}
		r.commands[key] = t.Launch()
		r.report.Apps[key] = &AppResult{Key: key, State: AppPending}
		deps := map[model.Dependency]bool{}
		for _, dep := range node.App.Depends {
			deps[dep] = true
		}
		r.remaining[key] = deps
	}
	for _, name := range s.graph.Instances() {
		client, err := s.agents(name)
		if err != nil {
			return r.report, model.InstanceFailure(name, err)
		}
		r.clients[name] = client
	}

	if err := r.syncClocks(ctx); err != nil {
		return r.report, err
	}
	r.startRouting()
	defer r.shutdown(ctx)

	return r.report, r.loop(ctx)
}

type run struct {
	*Scheduler
	report    *Report
	clients   map[string]Agent
	commands  map[model.AppKey]model.AppCommand
	remaining map[model.AppKey]map[model.Dependency]bool
	timers    map[model.AppKey]*time.Timer
	mailboxes map[model.AppKey]chan agent.Event
	lifecycle chan agent.Event
	lost      chan string
	expired   chan model.AppKey
	stop      chan struct{}
	routers   sync.WaitGroup
	consumers sync.WaitGroup
}

func (r *run) syncClocks(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, client := range r.clients {
		g.Go(func() error {
			offset, err := client.SyncClock(gctx, r.opts.ClockRounds, r.opts.ClockTolerance)
			if err != nil {
				return model.InstanceFailure(name, errors.Wrap(err, "clock synchronization failed"))
			}
			r.log.WithField("instance", name).Debugf("clock offset %s", offset)
			return nil
		})
	}
	return g.Wait()
}

// startRouting gives every Application its own mailbox and fans each instance's event stream
// out to the mailboxes, keeping lifecycle events for the main loop. One router per instance
// preserves per-instance order.
func (r *run) startRouting() {
	for key := range r.commands {
		box := make(chan agent.Event, r.opts.MailboxSize)
		r.mailboxes[key] = box
		app := r.graph.Node(key).App
		r.consumers.Add(1)
		go func() {
			defer r.consumers.Done()
			for ev := range box {
				r.handler(app, ev)
			}
		}()
	}
	for name, client := range r.clients {
		r.routers.Add(1)
		go r.route(name, client)
	}
}

func (r *run) route(instance string, client Agent) {
	defer r.routers.Done()
	events := client.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case r.lost <- instance:
				case <-r.stop:
				}
				return
			}
			if ev.Type == agent.EventApp {
				select {
				case r.lifecycle <- ev:
				case <-r.stop:
					return
				}
				continue
			}
			box, found := r.mailboxes[model.AppKey{Instance: instance, Name: ev.App}]
			if !found {
				r.handler(nil, ev)
				continue
			}
			select {
			case box <- ev:
			case <-r.stop:
				return
			}
		case <-r.stop:
			return
		}
	}
}

func (r *run) loop(ctx context.Context) error {
	r.report.T0 = time.Now().Add(r.opts.StartLead)
	r.log.Infof("synchronized start at %s", r.report.T0.Format(time.RFC3339Nano))
	for _, key := range r.graph.Roots() {
		if err := r.activate(ctx, key, r.report.T0); err != nil {
			return err
		}
	}

	for !r.complete() {
		select {
		case ev := <-r.lifecycle:
			if err := r.handleEvent(ctx, ev); err != nil {
				return err
			}
		case instance := <-r.lost:
			if err := r.instanceLost(instance); err != nil {
				return err
			}
		case key := <-r.expired:
			if err := r.runtimeExpired(ctx, key); err != nil {
				return err
			}
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "experiment interrupted")
		}
	}
	r.log.Info("all applications complete")
	return nil
}

// activate asks the agent to start an Application at the given controller time.
func (r *run) activate(ctx context.Context, key model.AppKey, at time.Time) error {
	node := r.graph.Node(key)
	result := r.report.Apps[key]
	client := r.clients[key.Instance]
	cmd := r.commands[key]
	at = at.Add(node.App.Delay)

	spec := &agent.AppStartPayload{
		App:          key.Name,
		Argv:         cmd.Argv,
		Env:          cmd.Env,
		StartAt:      client.ToAgent(at),
		ReadyPattern: cmd.ReadyPattern,
		Builtin:      cmd.Builtin,
		Params:       cmd.Params,
	}
	if !node.App.IsDaemon() {
		spec.Runtime = int64(*node.App.Runtime)
	}

	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if err := client.StartApplication(callCtx, spec); err != nil {
		return r.fail(key, model.InstanceFailure(key.Instance, errors.Wrapf(err, "unable to start [%s]", key)))
	}
	result.State = AppRequested
	result.Requested = at
	r.log.WithField("app", key.String()).Infof("start requested for %s", at.Format(time.RFC3339Nano))

	if !node.App.IsDaemon() {
		r.arm(key, time.Until(at)+*node.App.Runtime+cmd.Overrun+r.opts.RuntimeSlack)
	}
	return nil
}

func (r *run) handleEvent(ctx context.Context, ev agent.Event) error {
	key := model.AppKey{Instance: ev.Instance, Name: ev.App}
	result, found := r.report.Apps[key]
	if !found {
		r.log.WithField("app", key.String()).Warnf("event [%s] for unknown application", ev.Kind)
		return nil
	}
	if result.State == AppLost || result.State == AppFinished {
		return nil
	}
	r.observer(key, ev.Kind)
	log := r.log.WithField("app", key.String())

	switch ev.Kind {
	case model.EventStarted:
		if result.State == AppStarted {
			return nil
		}
		result.State = AppStarted
		result.Started = stamp(ev)
		log.Info("started")

	case model.EventFinished:
		if result.State != AppStarted {
			return r.fail(key, model.InstanceFailure(key.Instance, errors.Errorf("[%s] exited with %d before starting", key, ev.ExitCode)))
		}
		result.State = AppFinished
		result.Finished = stamp(ev)
		result.ExitCode = ev.ExitCode
		r.disarm(key)
		log.Infof("finished with exit code %d", ev.ExitCode)

	default:
		log.Warnf("unknown event kind [%s]", ev.Kind)
		return nil
	}

	satisfied := model.Dependency{Event: ev.Kind, Instance: key.Instance, Application: key.Name}
	for _, dependent := range r.graph.Node(key).Dependents {
		remaining := r.remaining[dependent]
		if !remaining[satisfied] {
			continue
		}
		delete(remaining, satisfied)
		if len(remaining) == 0 && r.report.Apps[dependent].State == AppPending {
			if err := r.activate(ctx, dependent, ev.Received); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) runtimeExpired(ctx context.Context, key model.AppKey) error {
	result := r.report.Apps[key]
	if result.State == AppFinished || result.State == AppLost {
		return nil
	}
	if result.Stopped {
		return r.fail(key, model.InstanceFailure(key.Instance, errors.Errorf("[%s] did not finish after being stopped", key)))
	}
	r.log.WithField("app", key.String()).Warn("runtime exceeded, stopping")
	result.Stopped = true
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if err := r.clients[key.Instance].StopApplication(callCtx, key.Name); err != nil {
		return r.fail(key, model.InstanceFailure(key.Instance, errors.Wrapf(err, "unable to stop [%s]", key)))
	}
	r.arm(key, r.opts.RuntimeSlack)
	return nil
}

func (r *run) instanceLost(instance string) error {
	r.log.WithField("instance", instance).Error("control channel closed")
	for _, key := range r.graph.Order() {
		if key.Instance != instance {
			continue
		}
		switch r.report.Apps[key].State {
		case AppFinished, AppLost:
			continue
		}
		if err := r.fail(key, model.InstanceFailure(instance, errors.Errorf("control channel lost while [%s] was %s", key, r.report.Apps[key].State))); err != nil {
			return err
		}
	}
	return nil
}

// fail gives up on an Application. The run continues unless another Application still waits
// on it.
func (r *run) fail(key model.AppKey, err error) error {
	result := r.report.Apps[key]
	result.State = AppLost
	result.Err = err
	r.disarm(key)
	r.log.WithField("app", key.String()).WithError(err).Error("application failed")
	for _, dependent := range r.graph.Node(key).Dependents {
		if r.report.Apps[dependent].State == AppPending {
			return errors.Wrapf(err, "[%s] can no longer be activated", dependent)
		}
	}
	r.report.Errors = append(r.report.Errors, err)
	return nil
}

// complete is true once every Application has finished, daemons once started, or been lost.
func (r *run) complete() bool {
	for key, result := range r.report.Apps {
		switch result.State {
		case AppFinished, AppLost:
		case AppStarted:
			if !r.graph.Node(key).App.IsDaemon() {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (r *run) arm(key model.AppKey, d time.Duration) {
	r.disarm(key)
	r.timers[key] = time.AfterFunc(d, func() {
		select {
		case r.expired <- key:
		case <-r.stop:
		}
	})
}

func (r *run) disarm(key model.AppKey) {
	if t, found := r.timers[key]; found {
		t.Stop()
		delete(r.timers, key)
	}
}

// shutdown stops everything still running, daemons included, and drains the mailboxes.
// Stop requests run to completion even when ctx is cancelled.
func (r *run) shutdown(ctx context.Context) {
	for key := range r.timers {
		r.disarm(key)
	}
	close(r.stop)
	r.routers.Wait()
	for _, box := range r.mailboxes {
		close(box)
	}
	r.consumers.Wait()

	stopCtx := context.WithoutCancel(ctx)
	for _, key := range r.graph.Order() {
		result := r.report.Apps[key]
		if result.State != AppRequested && result.State != AppStarted {
			continue
		}
		client := r.clients[key.Instance]
		select {
		case <-client.Done():
			continue
		default:
		}
		callCtx, cancel := r.callContext(stopCtx)
		if err := client.StopApplication(callCtx, key.Name); err != nil {
			r.log.WithField("app", key.String()).WithError(err).Error("unable to stop")
		} else {
			result.Stopped = true
		}
		cancel()
	}
}

func (r *run) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// stamp prefers the agent's own timestamp, already converted to the controller clock.
func stamp(ev agent.Event) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return ev.Received
}
