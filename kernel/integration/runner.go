// Package integration runs the host-side helper programs bound to testbed phases.
package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var ErrAwaitTimeout = errors.New("did not exit within await_timeout")

// State is how far an Integration got, as shown by the pause console.
type State string

const (
	StateNotStarted State = "not started"
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateExited     State = "exited"
)

// Runner invokes the Integrations of one testbed. It tracks the processes it leaves running
// but never reverts their side effects; that is the job of each Integration's stop command.
type Runner struct {
	tb       *model.Testbed
	resolver *model.Resolver
	store    store.StateStore
	log      *logrus.Entry

	mu      sync.Mutex
	procs   map[string]vmm.Process
	started map[string]store.IntegrationRecord
	pending map[string]bool
	delayed error

	// later bounds the background starts of delayed Integrations; Stop cancels it.
	later   context.Context
	cancel  context.CancelFunc
	waiting sync.WaitGroup

	// StopTimeout bounds each stop command at dismantle.
	StopTimeout time.Duration
	// Grace is how long a still-running start process gets between SIGTERM and SIGKILL.
	Grace time.Duration
}

func NewRunner(tb *model.Testbed, resolver *model.Resolver, s store.StateStore, log *logrus.Entry) *Runner {
	later, cancel := context.WithCancel(context.Background())
	return &Runner{
		tb:          tb,
		resolver:    resolver,
		store:       s,
		log:         log,
		procs:       map[string]vmm.Process{},
		started:     map[string]store.IntegrationRecord{},
		pending:     map[string]bool{},
		later:       later,
		cancel:      cancel,
		StopTimeout: time.Minute,
		Grace:       5 * time.Second,
	}
}

// RunPhase starts, in declaration order, every Integration bound to phase. Failures are
// returned as IntegrationErrors and do not prevent later Integrations from running; only ctx
// cancellation ends the phase early. Non-awaited Integrations with a start delay are started in
// the background; their failures are returned by Stop.
func (r *Runner) RunPhase(ctx context.Context, phase model.Phase) error {
	var errs error
	for _, i := range r.tb.IntegrationsFor(phase) {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := r.log.WithFields(logrus.Fields{"integration": i.Name, "phase": phase})
		if err := r.invoke(ctx, i, log); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Error("integration failed")
			errs = multierr.Append(errs, model.IntegrationFailure(i.Name, err))
			continue
		}
		if i.Wait > 0 {
			log.Debugf("waiting %s", i.Wait)
			if err := sleep(ctx, i.Wait); err != nil {
				return err
			}
		}
	}
	return errs
}

func (r *Runner) invoke(ctx context.Context, i *model.Integration, log *logrus.Entry) error {
	t, err := r.resolver.ConfiguredIntegration(i)
	if err != nil {
		return err
	}
	if len(t.StartCommand()) == 0 {
		return errors.New("no start command")
	}
	if i.StartDelay > 0 {
		if await, _ := t.Await(); !await {
			r.startLater(i, t, log)
			return nil
		}
		log.Debugf("delaying start by %s", i.StartDelay)
		if err := sleep(ctx, i.StartDelay); err != nil {
			return err
		}
	}
	return r.start(ctx, i, t, log)
}

func (r *Runner) startLater(i *model.Integration, t model.IntegrationType, log *logrus.Entry) {
	r.mu.Lock()
	r.pending[i.Name] = true
	r.mu.Unlock()
	log.Infof("starting in %s", i.StartDelay)

	r.waiting.Add(1)
	go func() {
		defer r.waiting.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pending, i.Name)
			r.mu.Unlock()
		}()
		if err := sleep(r.later, i.StartDelay); err != nil {
			log.Info("dismantle began before the start delay elapsed")
			return
		}
		if err := r.start(r.later, i, t, log); err != nil && r.later.Err() == nil {
			log.WithError(err).Error("integration failed")
			r.mu.Lock()
			r.delayed = multierr.Append(r.delayed, model.IntegrationFailure(i.Name, err))
			r.mu.Unlock()
		}
	}()
}

func (r *Runner) start(ctx context.Context, i *model.Integration, t model.IntegrationType, log *logrus.Entry) error {
	argv := t.StartCommand()
	cmd, done := r.command(argv, i.Env, i.Phase, log)
	proc, err := vmm.Start(cmd)
	if err != nil {
		done()
		return errors.Wrapf(err, "unable to start [%s]", argv[0])
	}
	go func() {
		<-proc.Exited()
		done()
		log.WithError(proc.Err()).Debug("start process exited")
	}()
	log.Infof("started pid %d", proc.Pid())

	rec := store.IntegrationRecord{
		Name:  i.Name,
		Pid:   proc.Pid(),
		Stop:  t.StopCommand(),
		Env:   i.Env,
		Phase: i.Phase,
	}
	if rec.StartTime, err = vmm.StartTime(proc.Pid()); err != nil {
		log.WithError(err).Warn("start time unknown, a later controller will not signal this process")
	}
	r.mu.Lock()
	r.procs[i.Name] = proc
	r.started[i.Name] = rec
	r.mu.Unlock()
	if err := store.UpdateTestbed(r.store, r.tb.Tag, func(tr *store.TestbedRecord) {
		tr.Integrations = append(tr.Integrations, rec)
	}); err != nil {
		log.WithError(err).Error("unable to record integration")
	}

	await, timeout := t.Await()
	if !await {
		return nil
	}
	defer func() {
		select {
		case <-proc.Exited():
			r.forgetPid(i.Name, log)
		default:
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-proc.Exited():
		if err := proc.Err(); err != nil {
			return errors.Wrap(err, "start command failed")
		}
		log.Info("completed")
		return nil
	case <-timer.C:
		terminate(proc, r.Grace)
		return errors.Wrapf(ErrAwaitTimeout, "%s", timeout)
	case <-ctx.Done():
		terminate(proc, r.Grace)
		return ctx.Err()
	}
}

// forgetPid clears the recorded pid of a start process that is known to be gone, so nothing
// later signals whatever reuses it.
func (r *Runner) forgetPid(name string, log *logrus.Entry) {
	r.mu.Lock()
	if rec, found := r.started[name]; found {
		rec.Pid, rec.StartTime = 0, 0
		r.started[name] = rec
	}
	r.mu.Unlock()
	if err := store.UpdateTestbed(r.store, r.tb.Tag, func(tr *store.TestbedRecord) {
		for idx := range tr.Integrations {
			if tr.Integrations[idx].Name == name {
				tr.Integrations[idx].Pid = 0
				tr.Integrations[idx].StartTime = 0
			}
		}
	}); err != nil {
		log.WithError(err).Error("unable to clear integration pid")
	}
}

// Alive reports whether the start process of an Integration is still running.
func (r *Runner) Alive(name string) bool {
	r.mu.Lock()
	proc, found := r.procs[name]
	r.mu.Unlock()
	if !found {
		return false
	}
	select {
	case <-proc.Exited():
		return false
	default:
		return true
	}
}

// State reports how far the named Integration got.
func (r *Runner) State(name string) State {
	r.mu.Lock()
	_, started := r.procs[name]
	pending := r.pending[name]
	r.mu.Unlock()
	switch {
	case r.Alive(name):
		return StateRunning
	case started:
		return StateExited
	case pending:
		return StatePending
	}
	return StateNotStarted
}

// Stop runs the stop commands of the recorded Integrations in reverse order, then terminates
// any start process still running. It works from records alone so a later controller can
// clean up after a crashed one, and runs to completion even if ctx is cancelled. A recorded
// pid is only signalled while it still has its recorded start time. Background starts still
// waiting out their delay are cancelled first.
func (r *Runner) Stop(ctx context.Context, records []store.IntegrationRecord) error {
	ctx = context.WithoutCancel(ctx)
	r.cancel()
	r.waiting.Wait()

	r.mu.Lock()
	errs := r.delayed
	r.delayed = nil
	stopped := map[string]bool{}
	for _, rec := range records {
		stopped[rec.Name] = true
	}
	var unrecorded []store.IntegrationRecord
	for _, i := range r.tb.Integrations {
		if rec, found := r.started[i.Name]; found && !stopped[i.Name] {
			unrecorded = append(unrecorded, rec)
		}
	}
	r.mu.Unlock()
	records = append(append([]store.IntegrationRecord(nil), records...), unrecorded...)

	for idx := len(records) - 1; idx >= 0; idx-- {
		rec := records[idx]
		log := r.log.WithFields(logrus.Fields{"integration": rec.Name, "phase": model.PhaseDismantle})
		if len(rec.Stop) > 0 {
			if err := r.runStop(ctx, rec, log); err != nil {
				log.WithError(err).Error("stop command failed")
				errs = multierr.Append(errs, model.IntegrationFailure(rec.Name, err))
			}
		}
		r.mu.Lock()
		proc, found := r.procs[rec.Name]
		delete(r.procs, rec.Name)
		r.mu.Unlock()
		if !found && rec.Pid > 0 {
			adopted, ok := vmm.AdoptStarted(rec.Pid, rec.StartTime)
			if !ok {
				log.Warnf("pid %d is no longer the start process, leaving it alone", rec.Pid)
				continue
			}
			proc = adopted
		}
		if proc != nil {
			terminate(proc, r.Grace)
		}
	}
	return errs
}

func (r *Runner) runStop(ctx context.Context, rec store.IntegrationRecord, log *logrus.Entry) error {
	cmd, done := r.command(rec.Stop, rec.Env, model.PhaseDismantle, log)
	defer done()
	proc, err := vmm.Start(cmd)
	if err != nil {
		return errors.Wrapf(err, "unable to start [%s]", rec.Stop[0])
	}
	timer := time.NewTimer(r.StopTimeout)
	defer timer.Stop()
	select {
	case <-proc.Exited():
		return proc.Err()
	case <-timer.C:
		terminate(proc, r.Grace)
		return errors.Errorf("stop command did not exit within %s", r.StopTimeout)
	case <-ctx.Done():
		terminate(proc, r.Grace)
		return ctx.Err()
	}
}

// command builds a host process whose output is relayed to the log. The returned func closes
// the relays once the process is gone.
func (r *Runner) command(argv []string, env map[string]string, phase model.Phase, log *logrus.Entry) (*exec.Cmd, func()) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.tb.Dir
	cmd.Env = append(os.Environ(),
		"VMLAB_TAG="+r.tb.Tag,
		"VMLAB_PHASE="+string(phase),
	)
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second
	stdout := log.WriterLevel(logrus.InfoLevel)
	stderr := log.WriterLevel(logrus.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}
}

func terminate(proc vmm.Process, grace time.Duration) {
	select {
	case <-proc.Exited():
		return
	default:
	}
	signalGroup(proc, syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Exited():
		return
	case <-timer.C:
	}
	signalGroup(proc, syscall.SIGKILL)
	select {
	case <-proc.Exited():
	case <-time.After(grace):
	}
}

// signalGroup signals the process group the start command leads, so helpers it forked go too.
func signalGroup(proc vmm.Process, sig syscall.Signal) {
	if err := unix.Kill(-proc.Pid(), sig); err != nil {
		_ = proc.Signal(sig)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
