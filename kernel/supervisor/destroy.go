package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/openziti/vmlab/kernel/agent"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Destroy shuts an instance down and releases its overlay, taps and sockets. It is idempotent,
// and runs to completion even if ctx is cancelled.
func (s *Supervisor) Destroy(ctx context.Context, name string) error {
	inst, found := s.instances.Get(name)
	if !found {
		return nil
	}
	return s.destroy(ctx, inst)
}

func (s *Supervisor) destroy(ctx context.Context, inst *Instance) error {
	if inst.State() == model.InstanceDestroyed {
		return nil
	}
	_ = s.transition(inst, model.InstanceStopping)

	inst.mu.Lock()
	rec := *inst.record
	rec.Taps = append([]string(nil), inst.record.Taps...)
	proc := inst.proc
	client := inst.client
	inst.client = nil
	inst.mu.Unlock()

	err := s.release(ctx, &rec, proc, client)

	inst.mu.Lock()
	inst.record.Dangling = rec.Dangling
	inst.mu.Unlock()
	if err != nil {
		inst.mu.Lock()
		serr := s.save(inst)
		inst.mu.Unlock()
		if serr != nil {
			s.log.WithError(serr).Error("unable to record dangling resources")
		}
		return model.InstanceFailure(inst.Name, err)
	}
	_ = s.transition(inst, model.InstanceDestroyed)
	if err := s.store.DeleteInstance(inst.Tag, inst.Name); err != nil {
		return model.Resource("supervisor", errors.Wrapf(err, "unable to remove record of [%s]", inst.Name))
	}
	s.log.WithField("instance", inst.Name).Info("destroyed")
	return nil
}

// DestroyRecord tears down an instance known only from its state record, as left behind by a
// controller that is gone. Every step checks whether the resource still exists.
func (s *Supervisor) DestroyRecord(ctx context.Context, rec *store.InstanceRecord) error {
	var proc vmm.Process
	if rec.Pid > 0 && ownsProcess(rec) {
		proc = vmm.Adopt(rec.Pid)
	}
	var client *agent.Client
	if proc != nil {
		if c, err := s.probe(context.WithoutCancel(ctx), rec.Name, rec); err == nil {
			client = c
		}
	}
	if err := s.release(ctx, rec, proc, client); err != nil {
		if serr := s.store.SaveInstance(rec); serr != nil {
			s.log.WithError(serr).Error("unable to record dangling resources")
		}
		return model.InstanceFailure(rec.Name, err)
	}
	return s.store.DeleteInstance(rec.Tag, rec.Name)
}

func (s *Supervisor) release(ctx context.Context, rec *store.InstanceRecord, proc vmm.Process, client *agent.Client) error {
	ctx = context.WithoutCancel(ctx)
	log := s.log.WithField("instance", rec.Name)
	var errs error
	grace := s.cfg.ShutdownGrace

	if proc != nil && !exited(proc) {
		if client != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, grace)
			if err := client.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("graceful shutdown request failed")
			}
			cancel()
			waitExit(proc, grace)
		}
		if !exited(proc) {
			log.Debug("sending SIGTERM to hypervisor")
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				log.WithError(err).Warn("SIGTERM failed")
			}
			waitExit(proc, grace)
		}
		if !exited(proc) {
			log.Warn("hypervisor ignored SIGTERM, killing")
			if err := proc.Signal(syscall.SIGKILL); err != nil {
				log.WithError(err).Warn("SIGKILL failed")
			}
			waitExit(proc, s.KillWait)
		}
		if !exited(proc) {
			err := errors.Errorf("hypervisor pid %d of [%s] refuses to die", proc.Pid(), rec.Name)
			log.WithError(err).Error("leaving process behind")
			rec.AddDangling(fmt.Sprintf("process:%d", proc.Pid()))
			errs = multierr.Append(errs, err)
		}
	}
	if client != nil {
		_ = client.Close()
	}

	var remaining []string
	for _, tap := range rec.Taps {
		if err := s.net.DeleteTap(tap); err != nil {
			log.WithError(err).Errorf("unable to delete tap [%s]", tap)
			rec.AddDangling("tap:" + tap)
			remaining = append(remaining, tap)
			errs = multierr.Append(errs, err)
		}
	}
	rec.Taps = remaining

	for _, path := range []string{rec.Overlay, rec.AgentSocket, rec.ConsoleSocket, rec.MonitorSocket} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Errorf("unable to remove [%s]", path)
			rec.AddDangling("file:" + path)
			errs = multierr.Append(errs, err)
		}
	}
	if rec.RunDir != "" && errs == nil {
		if err := os.RemoveAll(rec.RunDir); err != nil {
			log.WithError(err).Errorf("unable to remove run dir [%s]", rec.RunDir)
			rec.AddDangling("dir:" + rec.RunDir)
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func exited(proc vmm.Process) bool {
	select {
	case <-proc.Exited():
		return true
	default:
		return false
	}
}

func waitExit(proc vmm.Process, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-proc.Exited():
	case <-timer.C:
	}
}

// ownsProcess guards against pid reuse: the process must still be the hypervisor started for
// this record, recognised by its run directory on the command line.
func ownsProcess(rec *store.InstanceRecord) bool {
	if !vmm.Alive(rec.Pid) {
		return false
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", rec.Pid))
	if err != nil {
		return true
	}
	if rec.RunDir == "" {
		return true
	}
	return bytes.Contains(cmdline, []byte(rec.RunDir))
}
