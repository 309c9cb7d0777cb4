package engine

import (
	"context"
	"sort"

	"github.com/openziti/vmlab/kernel/integration"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/supervisor"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Reconciler converges the host with the State Store by releasing testbeds whose controller is
// gone. It works from records alone.
type Reconciler struct {
	Store store.InstanceStore
	cfg   *model.Config
	deps  Deps
	log   *logrus.Entry
	// Alive decides whether a controller pid still runs.
	Alive func(pid int) bool
	// SupervisorTuning, when set, adjusts the supervisor used for each testbed.
	SupervisorTuning func(*supervisor.Supervisor)
}

func NewReconciler(cfg *model.Config, deps Deps, log *logrus.Entry) *Reconciler {
	return &Reconciler{Store: deps.Store, cfg: cfg, deps: deps, log: log, Alive: vmm.Alive}
}

// Diff splits testbed records into those to prune and those still held by a live controller.
type Diff struct {
	ToPrune []*store.TestbedRecord
	Active  []*store.TestbedRecord
}

func ComputeDiff(records []*store.TestbedRecord, alive func(pid int) bool) *Diff {
	diff := &Diff{}
	for _, rec := range records {
		if rec.ControllerPid > 0 && alive(rec.ControllerPid) {
			diff.Active = append(diff.Active, rec)
		} else {
			diff.ToPrune = append(diff.ToPrune, rec)
		}
	}
	return diff
}

// Result reports what one reconcile pass did.
type Result struct {
	Pruned    []string
	Unchanged []string
	// Dangling maps tags whose release was incomplete to what is left.
	Dangling map[string][]string
}

// Reconcile prunes the named tags, or every recorded testbed when none are named. Tags held by
// a live controller are left alone.
func (r *Reconciler) Reconcile(ctx context.Context, tags ...string) (*Result, error) {
	if len(tags) == 0 {
		all, err := r.Store.ListTestbeds()
		if err != nil {
			return nil, model.Resource("engine", errors.Wrap(err, "unable to list testbeds"))
		}
		tags = all
	}
	sort.Strings(tags)

	var records []*store.TestbedRecord
	for _, tag := range tags {
		rec, err := r.Store.GetTestbed(tag)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, model.Resource("engine", errors.Wrapf(err, "unable to read testbed [%s]", tag))
			}
			instances, ierr := r.Store.GetInstances(tag)
			if ierr != nil || len(instances) == 0 {
				r.log.Warnf("no state recorded for [%s]", tag)
				continue
			}
			rec = &store.TestbedRecord{Tag: tag}
		}
		records = append(records, rec)
	}

	result := &Result{Dangling: map[string][]string{}}
	diff := ComputeDiff(records, r.Alive)
	for _, rec := range diff.Active {
		r.log.Infof("testbed [%s] is held by controller pid %d, leaving it", rec.Tag, rec.ControllerPid)
		result.Unchanged = append(result.Unchanged, rec.Tag)
	}

	var errs error
	for _, rec := range diff.ToPrune {
		log := r.log.WithField("tag", rec.Tag)
		log.Infof("pruning testbed last seen in %s", rec.Phase)
		tb := &model.Testbed{Tag: rec.Tag, Dir: rec.Dir}
		sup := supervisor.New(r.cfg, r.Store, r.deps.Hypervisor, r.deps.Networks, r.deps.Dialer, log)
		if r.SupervisorTuning != nil {
			r.SupervisorTuning(sup)
		}
		t := &teardown{
			store:    r.Store,
			networks: r.deps.Networks,
			sup:      sup,
			runner:   integration.NewRunner(tb, model.NewResolver(), r.Store, log),
			log:      log,
		}
		dangling, err := t.run(ctx, rec.Tag)
		if err != nil {
			log.WithError(err).Error("prune incomplete")
			errs = multierr.Append(errs, err)
		}
		if len(dangling) > 0 {
			result.Dangling[rec.Tag] = dangling
			continue
		}
		result.Pruned = append(result.Pruned, rec.Tag)
	}
	return result, errs
}
