package engine

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/integration"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/supervisor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// copier picks the transport for file copies: sftp over the management network when ssh is
// configured, the control channel otherwise.
func (e *Engine) copier(name string) (agent.Copier, error) {
	if e.sup == nil {
		return nil, errors.New("no instances launched")
	}
	inst, found := e.sup.Instance(name)
	if !found {
		return nil, errors.Wrapf(supervisor.ErrUnknownInstance, "[%s]", name)
	}
	if e.cfg.SSH != nil {
		if addr := inst.Record().ManagementAddress; addr != "" {
			return agent.NewSFTPCopier(addr, e.cfg.SSH)
		}
	}
	return e.sup.Client(name)
}

func (e *Engine) copyFile(ctx context.Context, name string, dir agent.Direction, remote, local string) error {
	c, err := e.copier(name)
	if err != nil {
		return err
	}
	return c.CopyFile(ctx, dir, remote, local)
}

// PreservePath is where a preserved guest file lands on the host.
func PreservePath(cfg *model.Config, tag, instance, path string) string {
	rel := strings.TrimLeft(filepath.Clean("/"+path), "/")
	return filepath.Join(cfg.TestbedResultsDir(tag), instance, rel)
}

// preserveAll copies the declared and requested files out of every instance still running.
func (e *Engine) preserveAll(ctx context.Context) {
	if e.sup == nil {
		return
	}
	for _, inst := range e.tb.Instances {
		si, found := e.sup.Instance(inst.Name)
		if !found || !si.State().IsLive() || si.Client() == nil {
			continue
		}
		e.mu.Lock()
		paths := append(append([]string(nil), inst.Preserve...), e.preserve[inst.Name]...)
		e.mu.Unlock()
		seen := map[string]bool{}
		for _, path := range paths {
			if seen[path] {
				continue
			}
			seen[path] = true
			local := PreservePath(e.cfg, e.tb.Tag, inst.Name, path)
			copyCtx, cancel := context.WithTimeout(ctx, time.Minute)
			err := e.copyFile(copyCtx, inst.Name, agent.CopyFromInstance, path, local)
			cancel()
			if err != nil {
				e.record(model.InstanceFailure(inst.Name, errors.Wrapf(err, "unable to preserve [%s]", path)))
				continue
			}
			e.log.WithField("instance", inst.Name).Infof("preserved [%s]", path)
		}
	}
}

// dismantle releases everything the run created. It is a no-op unless this run claimed the tag.
func (e *Engine) dismantle(ctx context.Context) {
	e.mu.Lock()
	owned := e.owned
	e.mu.Unlock()
	if !owned {
		return
	}
	e.enter(model.PhaseDismantle)
	started := time.Now()
	e.preserveAll(ctx)

	e.mu.Lock()
	files := e.files
	e.files = nil
	e.mu.Unlock()
	if files != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		e.record(model.Resource("engine", files.Stop(stopCtx)))
		cancel()
	}

	if e.sup != nil {
		names := e.sup.Names()
		sort.Strings(names)
		for _, err := range e.parallel(ctx, names, e.sup.Destroy) {
			e.record(err)
		}
	}
	t := &teardown{store: e.deps.Store, networks: e.deps.Networks, sup: e.sup, runner: e.runner, log: e.log}
	dangling, err := t.run(ctx, e.tb.Tag)
	e.record(err)
	if len(dangling) > 0 {
		e.log.Errorf("left dangling: %s", strings.Join(dangling, ", "))
	}

	d := time.Since(started)
	e.mu.Lock()
	e.report.Phases = append(e.report.Phases, PhaseTiming{Phase: model.PhaseDismantle, Started: started, Duration: d})
	e.mu.Unlock()
	e.deps.Metrics.ObservePhase(model.PhaseDismantle, d)
}

// teardown releases a testbed from its State Store records alone. Every step checks whether its
// resource still exists, so it can run any number of times, from this controller or a later one.
type teardown struct {
	store    store.InstanceStore
	networks Networks
	sup      *supervisor.Supervisor
	runner   *integration.Runner
	log      *logrus.Entry
}

// run returns the resources it could not release. The testbed record is deleted once nothing
// is left; otherwise it is kept with its dangling markers for a later prune.
func (t *teardown) run(ctx context.Context, tag string) ([]string, error) {
	ctx = context.WithoutCancel(ctx)
	var errs error

	instances, err := t.store.GetInstances(tag)
	if err != nil {
		return nil, model.Resource("engine", errors.Wrapf(err, "unable to read instance records of [%s]", tag))
	}
	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := t.sup.DestroyRecord(ctx, instances[name]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	rec, err := t.store.GetTestbed(tag)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs
		}
		return nil, model.Resource("engine", errors.Wrapf(err, "unable to read testbed record of [%s]", tag))
	}
	rec.Dangling = nil

	if err := t.runner.Stop(ctx, rec.Integrations); err != nil {
		errs = multierr.Append(errs, err)
	}
	rec.Integrations = nil
	if err := t.networks.Teardown(ctx, rec); err != nil {
		errs = multierr.Append(errs, model.Resource("network", err))
	}

	remaining, err := t.store.GetInstances(tag)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for name, inst := range remaining {
		rec.AddDangling("instance:" + name)
		for _, d := range inst.Dangling {
			rec.AddDangling(d)
		}
	}

	if len(rec.Dangling) == 0 {
		if err := t.store.DeleteTestbed(tag); err != nil {
			errs = multierr.Append(errs, model.Resource("engine", errors.Wrapf(err, "unable to delete testbed record of [%s]", tag)))
		} else {
			t.log.Info("testbed released")
		}
		return nil, errs
	}
	rec.Updated = time.Now()
	if err := t.store.SaveTestbed(rec); err != nil {
		errs = multierr.Append(errs, model.Resource("engine", errors.Wrapf(err, "unable to record dangling resources of [%s]", tag)))
	}
	sort.Strings(rec.Dangling)
	return rec.Dangling, errs
}
