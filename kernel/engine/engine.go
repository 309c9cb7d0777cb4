// Package engine drives a testbed through its phases, from claiming the experiment tag to the
// unconditional dismantle.
package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/fileserver"
	"github.com/openziti/vmlab/kernel/integration"
	"github.com/openziti/vmlab/kernel/metrics"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/network"
	"github.com/openziti/vmlab/kernel/results"
	"github.com/openziti/vmlab/kernel/scheduler"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/supervisor"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	ErrTagInUse = errors.New("experiment tag is in use")
	ErrStale    = errors.New("experiment tag has state left by a controller that is gone")
	errAborted  = errors.New("aborted by operator")
)

// Networks is the Network Topology Builder as the engine uses it. *network.Builder satisfies it.
type Networks interface {
	supervisor.Networker
	Build(ctx context.Context, tb *model.Testbed) (*network.Topology, error)
	Teardown(ctx context.Context, record *store.TestbedRecord) error
}

// Deps are the collaborators of an Engine. Sink, Metrics and Console are optional.
type Deps struct {
	Store      store.InstanceStore
	Networks   Networks
	Hypervisor vmm.Hypervisor
	Dialer     agent.Dialer
	Sink       results.Sink
	Metrics    *metrics.Metrics
	Console    *Console
}

// PhaseTiming records how long one pass through a phase took.
type PhaseTiming struct {
	Phase    model.Phase
	Started  time.Time
	Duration time.Duration
}

// Report is the outcome of a run.
type Report struct {
	Tag        string
	Final      model.Phase
	Errors     []error
	Phases     []PhaseTiming
	Experiment *scheduler.Report
	// Dropped lists the instances the run continued without.
	Dropped []string
}

// Class is the most severe class among the recorded errors.
func (r *Report) Class() model.ErrorClass {
	class := model.ClassNone
	for _, err := range r.Errors {
		class = model.Worst(class, model.ClassOf(err))
	}
	return class
}

func (r *Report) ExitCode() int {
	return r.Class().ExitCode()
}

// Engine runs one testbed once.
type Engine struct {
	run  *model.Context
	tb   *model.Testbed
	cfg  *model.Config
	deps Deps
	log  *logrus.Entry

	sup    *supervisor.Supervisor
	runner *integration.Runner
	files  *fileserver.Server
	topo   *network.Topology
	graph  *scheduler.Graph
	owned  bool

	mu       sync.Mutex
	phase    model.Phase
	report   *Report
	failed   map[string]bool
	preserve map[string][]string

	// Scheduler tunes the experiment phase; settings from the declaration override it.
	Scheduler scheduler.Options
	// SupervisorTuning, when set, adjusts the supervisor before any instance launches.
	SupervisorTuning func(*supervisor.Supervisor)
	// FileServerAddr overrides the management gateway address the file server listens on.
	FileServerAddr string
}

func New(run *model.Context, deps Deps, log *logrus.Entry) *Engine {
	tb := run.Testbed
	log = log.WithField("tag", tb.Tag)
	e := &Engine{
		run:       run,
		tb:        tb,
		cfg:       run.Config,
		deps:      deps,
		log:       log,
		report:    &Report{Tag: tb.Tag},
		failed:    map[string]bool{},
		preserve:  map[string][]string{},
		Scheduler: scheduler.DefaultOptions(),
	}
	e.runner = integration.NewRunner(tb, run.Resolver, deps.Store, log)
	return e
}

// Phase is the phase the engine is currently in.
func (e *Engine) Phase() model.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Run drives the testbed to TERMINATED or FAILED. Dismantle runs whatever happened before it,
// even when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) *Report {
	if err := e.forward(ctx); err != nil && !errors.Is(err, errAborted) {
		e.record(err)
	}
	e.dismantle(context.WithoutCancel(ctx))

	final := model.PhaseTerminated
	if len(e.report.Errors) > 0 {
		final = model.PhaseFailed
	}
	e.enter(final)
	e.report.Final = final
	if e.deps.Sink != nil {
		if err := e.deps.Sink.Close(); err != nil {
			e.log.WithError(err).Error("unable to close result sinks")
		}
	}
	if final == model.PhaseFailed {
		e.log.Errorf("testbed failed with %s (%d error(s))", e.report.Class(), len(e.report.Errors))
	} else {
		e.log.Info("testbed terminated")
	}
	return e.report
}

func (e *Engine) forward(ctx context.Context) error {
	steps := []struct {
		phase model.Phase
		pause model.PausePoint
		f     func(context.Context) error
	}{
		{model.PhaseStartup, "", e.startup},
		{model.PhaseNetwork, "", e.network},
		{model.PhaseInstancesLaunching, "", e.launch},
		{model.PhaseSetup, model.PauseBeforeSetup, e.setup},
		{model.PhaseInit, "", e.initialize},
	}
	for _, s := range steps {
		if s.pause != "" {
			if _, err := e.pause(ctx, s.pause); err != nil {
				return err
			}
		}
		if err := e.step(ctx, s.phase, s.f); err != nil {
			return err
		}
	}

	if _, err := e.pause(ctx, model.PauseBeforeExperiment); err != nil {
		return err
	}
	for {
		if err := e.step(ctx, model.PhaseExperiment, e.experiment); err != nil {
			return err
		}
		decision, err := e.pause(ctx, model.PauseBeforeDismantle)
		if err != nil {
			return err
		}
		if decision != Restart {
			return nil
		}
		e.log.Info("operator requested another experiment pass")
	}
}

// step runs one phase under its configured timeout. Running past the timeout is reported as a
// TimeoutError whatever the phase itself returned.
func (e *Engine) step(ctx context.Context, phase model.Phase, f func(context.Context) error) error {
	e.enter(phase)
	started := time.Now()
	phaseCtx, cancel := ctx, context.CancelFunc(func() {})
	timeout := e.tb.Settings.PhaseTimeout(phase)
	if timeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	err := f(phaseCtx)
	if err == nil {
		err = e.reap(phaseCtx)
	}
	expired := timeout > 0 && errors.Is(phaseCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	d := time.Since(started)
	e.mu.Lock()
	e.report.Phases = append(e.report.Phases, PhaseTiming{Phase: phase, Started: started, Duration: d})
	e.mu.Unlock()
	e.deps.Metrics.ObservePhase(phase, d)

	if expired {
		if err != nil {
			e.log.WithError(err).WithField("phase", phase).Debug("phase interrupted by its timeout")
		}
		return model.Timeout(phase, errors.Errorf("phase %s did not complete within %s", phase, timeout))
	}
	if err != nil {
		return err
	}
	e.log.WithField("phase", phase).Infof("completed in %s", d.Round(time.Millisecond))
	return nil
}

// enter moves the testbed to phase and persists it once the tag is claimed.
func (e *Engine) enter(phase model.Phase) {
	e.mu.Lock()
	e.phase = phase
	owned := e.owned
	e.mu.Unlock()
	e.log.WithField("phase", phase).Debug("entering phase")
	if !owned {
		return
	}
	if phase.IsTerminal() {
		return
	}
	if err := store.UpdateTestbed(e.deps.Store, e.tb.Tag, func(rec *store.TestbedRecord) {
		rec.Phase = phase
		rec.Updated = time.Now()
	}); err != nil {
		e.log.WithError(err).Error("unable to persist phase")
	}
}

// record keeps a failure for the report. Aggregates are flattened so each keeps its class.
func (e *Engine) record(err error) {
	if err == nil {
		return
	}
	if multi := multierr.Errors(err); len(multi) > 1 {
		for _, inner := range multi {
			e.record(inner)
		}
		return
	}
	e.mu.Lock()
	e.report.Errors = append(e.report.Errors, err)
	e.mu.Unlock()
	e.deps.Metrics.Error(err)
	e.log.WithError(err).Errorf("%s", model.ClassOf(err))
}

// recordNonFatal keeps Integration failures and passes everything else back.
func (e *Engine) recordNonFatal(err error) error {
	if err == nil {
		return nil
	}
	if multi := multierr.Errors(err); len(multi) > 1 {
		var fatal []error
		for _, inner := range multi {
			if model.ClassOf(inner) == model.ClassIntegration {
				e.record(inner)
			} else {
				fatal = append(fatal, inner)
			}
		}
		if len(fatal) == 0 {
			return nil
		}
		return fatal[0]
	}
	if model.ClassOf(err) == model.ClassIntegration {
		e.record(err)
		return nil
	}
	return err
}

// claim writes the testbed record, refusing a tag another controller holds or left behind.
func (e *Engine) claim() error {
	tag := e.tb.Tag
	rec, err := e.deps.Store.GetTestbed(tag)
	switch {
	case err == nil:
		if rec.ControllerPid != os.Getpid() && vmm.Alive(rec.ControllerPid) {
			return model.Validation("engine", errors.Wrapf(ErrTagInUse, "[%s] is held by controller pid %d", tag, rec.ControllerPid))
		}
		return model.Resource("engine", errors.Wrapf(ErrStale, "[%s], run prune first", tag))
	case !errors.Is(err, store.ErrNotFound):
		return model.Resource("engine", errors.Wrap(err, "unable to read state store"))
	}

	now := time.Now()
	if err := e.deps.Store.SaveTestbed(&store.TestbedRecord{
		Schema:        store.SchemaVersion,
		Tag:           tag,
		Dir:           e.tb.Dir,
		Phase:         model.PhaseStartup,
		ControllerPid: os.Getpid(),
		Started:       now,
		Updated:       now,
	}); err != nil {
		return model.Resource("engine", errors.Wrap(err, "unable to write testbed record"))
	}
	e.mu.Lock()
	e.owned = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) isFailed(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed[name]
}

func (e *Engine) markPreserve(instance, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.preserve[instance] {
		if existing == path {
			return
		}
	}
	e.preserve[instance] = append(e.preserve[instance], path)
}
