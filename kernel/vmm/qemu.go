package vmm

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Hypervisor starts virtual machines from a LaunchSpec.
type Hypervisor interface {
	CreateOverlay(ctx context.Context, image, overlay string) error
	Start(ctx context.Context, spec *LaunchSpec) (Process, error)
}

type Qemu struct {
	Binary    string
	ImgBinary string
	Accel     string
	log       *logrus.Entry
}

func NewQemu(cfg *model.Config, log *logrus.Entry) *Qemu {
	return &Qemu{
		Binary:    findBinary(cfg.QemuBinary),
		ImgBinary: findBinary(cfg.QemuImgBinary),
		Accel:     cfg.Accel,
		log:       log,
	}
}

// CreateOverlay creates a copy-on-write qcow2 layer over image; the image itself is never written.
func (q *Qemu) CreateOverlay(ctx context.Context, image, overlay string) error {
	if _, err := os.Stat(image); err != nil {
		return errors.Wrapf(err, "disk image [%s]", image)
	}
	_ = os.Remove(overlay)
	format := "qcow2"
	if strings.HasSuffix(image, ".raw") || strings.HasSuffix(image, ".img") {
		format = "raw"
	}
	cmd := exec.CommandContext(ctx, q.ImgBinary, "create", "-f", "qcow2", "-b", image, "-F", format, overlay)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "failed to create overlay [%s]: %s", overlay, strings.TrimSpace(string(out)))
	}
	return nil
}

// Start launches the hypervisor in its own session so it outlives a crashed controller
// and can later be found by prune. The returned Process is not bound to ctx.
func (q *Qemu) Start(ctx context.Context, spec *LaunchSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, sock := range []string{spec.AgentSocket, spec.ConsoleSocket, spec.MonitorSocket} {
		_ = os.Remove(sock)
	}
	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open hypervisor log [%s]", spec.LogFile)
	}
	defer func() { _ = logFile.Close() }()

	args := Args(spec, q.Accel)
	cmd := exec.Command(q.Binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	q.log.WithField("instance", spec.Name).Debugf("%s %s", q.Binary, strings.Join(args, " "))
	p, err := startChild(cmd)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to start hypervisor for [%s]", spec.Name)
	}
	return p, nil
}

func findBinary(name string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	for _, dir := range []string{"/usr/local/bin/", "/usr/bin/", "/usr/libexec/"} {
		if _, err := os.Stat(dir + name); err == nil {
			return dir + name
		}
	}
	return name
}
