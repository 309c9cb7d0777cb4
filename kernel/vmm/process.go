package vmm

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Process is a handle on a running hypervisor, either started by this controller or adopted
// from a state record written by an earlier one.
type Process interface {
	Pid() int
	Signal(sig syscall.Signal) error
	// Exited is closed once the process is gone.
	Exited() <-chan struct{}
	// Err reports how the process ended; valid after Exited is closed.
	Err() error
}

// Alive reports whether pid names a live process. EPERM still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// StartTime reads when pid started, in clock ticks since boot. A recycled pid has a different
// start time, so the pair names one process.
func StartTime(pid int) (uint64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to find pid %d", pid)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "unable to read stat of pid %d", pid)
	}
	return stat.Starttime, nil
}

// AdoptStarted adopts pid only while it is still the process that started at started.
func AdoptStarted(pid int, started uint64) (Process, bool) {
	if pid <= 0 || started == 0 {
		return nil, false
	}
	current, err := StartTime(pid)
	if err != nil || current != started {
		return nil, false
	}
	return Adopt(pid), true
}

type childProcess struct {
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

func startChild(cmd *exec.Cmd) (*childProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &childProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// Start runs cmd and returns a handle that reaps it when it exits.
func Start(cmd *exec.Cmd) (Process, error) {
	p, err := startChild(cmd)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *childProcess) Pid() int                { return p.cmd.Process.Pid }
func (p *childProcess) Exited() <-chan struct{} { return p.exited }

func (p *childProcess) Err() error {
	<-p.exited
	return p.err
}

func (p *childProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "unable to signal pid %d", p.Pid())
	}
	return nil
}

// adoptedProcess is not our child, so it cannot be waited on and is polled for liveness instead.
type adoptedProcess struct {
	pid    int
	exited chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

// PollInterval is how often an adopted process is checked for exit.
var PollInterval = 200 * time.Millisecond

// Adopt returns a handle on a process this controller did not start.
func Adopt(pid int) Process {
	ctx, cancel := context.WithCancel(context.Background())
	p := &adoptedProcess{pid: pid, exited: make(chan struct{}), cancel: cancel}
	if !Alive(pid) {
		p.markExited()
		return p
	}
	go func() {
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !Alive(pid) {
					p.markExited()
					return
				}
			}
		}
	}()
	return p
}

func (p *adoptedProcess) markExited() {
	p.once.Do(func() {
		p.cancel()
		close(p.exited)
	})
}

func (p *adoptedProcess) Pid() int                { return p.pid }
func (p *adoptedProcess) Exited() <-chan struct{} { return p.exited }
func (p *adoptedProcess) Err() error              { return nil }

func (p *adoptedProcess) Signal(sig syscall.Signal) error {
	if err := unix.Kill(p.pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			p.markExited()
			return nil
		}
		return errors.Wrapf(err, "unable to signal pid %d", p.pid)
	}
	return nil
}
