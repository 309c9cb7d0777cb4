package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/openziti/vmlab/kernel/store"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Console is the exclusive serial console stream of one instance. Closing it releases the
// holder slot.
type Console struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *Console) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

// AttachConsole connects to the console of a running instance. Only one holder may be attached
// at a time, whether in this process or another controller invocation.
func (s *Supervisor) AttachConsole(ctx context.Context, name string) (*Console, error) {
	inst, found := s.instances.Get(name)
	if !found {
		return nil, errors.Wrapf(ErrUnknownInstance, "[%s]", name)
	}
	if !inst.State().IsLive() {
		return nil, errors.Errorf("instance [%s] is %s", name, inst.State())
	}
	if !inst.console.TryAcquire(1) {
		return nil, errors.Wrapf(ErrConsoleBusy, "[%s]", name)
	}
	rec := inst.Record()
	console, err := OpenConsole(ctx, &rec)
	if err != nil {
		inst.console.Release(1)
		return nil, err
	}
	inner := console.release
	console.release = func() {
		inner()
		inst.console.Release(1)
	}
	return console, nil
}

// OpenConsole takes the console lock in the instance's run directory and connects to the
// console socket named by the record.
func OpenConsole(ctx context.Context, rec *store.InstanceRecord) (*Console, error) {
	lockPath := filepath.Join(rec.RunDir, "console.lock")
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open console lock for [%s]", rec.Name)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrConsoleBusy, "[%s]", rec.Name)
		}
		return nil, errors.Wrapf(err, "unable to lock console of [%s]", rec.Name)
	}
	unlock := func() {
		_ = unix.Flock(int(lock.Fd()), unix.LOCK_UN)
		_ = lock.Close()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", rec.ConsoleSocket)
	if err != nil {
		unlock()
		return nil, errors.Wrapf(err, "unable to connect to console of [%s]", rec.Name)
	}
	return &Console{Conn: conn, release: unlock}, nil
}
