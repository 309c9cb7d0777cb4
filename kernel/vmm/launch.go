package vmm

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// AgentPortName is the virtio-serial port name the in-guest agent opens.
const AgentPortName = "org.vmlab.agent"

// NIC is one emulated network card backed by a host tap.
type NIC struct {
	Tap   string
	MAC   string
	Model string
	VHost bool
}

// LaunchSpec is the declarative description of one hypervisor process.
type LaunchSpec struct {
	Name     string
	Image    string
	Overlay  string
	Cores    int
	MemoryMB int
	NICs     []NIC

	RunDir        string
	AgentSocket   string
	ConsoleSocket string
	MonitorSocket string
	PidFile       string
	LogFile       string
	VsockCID      uint32

	// Management is passed to the guest as "<addr>/<bits>,<gateway>" when set.
	Management string
}

// NewLaunchSpec lays out the per-instance runtime files under runDir.
func NewLaunchSpec(name, image, runDir string) *LaunchSpec {
	return &LaunchSpec{
		Name:          name,
		Image:         image,
		Overlay:       filepath.Join(runDir, "overlay.qcow2"),
		RunDir:        runDir,
		AgentSocket:   filepath.Join(runDir, "agent.sock"),
		ConsoleSocket: filepath.Join(runDir, "console.sock"),
		MonitorSocket: filepath.Join(runDir, "monitor.sock"),
		PidFile:       filepath.Join(runDir, "qemu.pid"),
		LogFile:       filepath.Join(runDir, "qemu.log"),
	}
}

// Args renders spec as qemu command line arguments.
func Args(spec *LaunchSpec, accel string) []string {
	machine := "q35"
	cpu := "max"
	if accel != "" {
		machine += ",accel=" + accel
		if accel == "kvm" {
			cpu = "host"
		}
	}
	cores := spec.Cores
	if cores < 1 {
		cores = 1
	}
	memory := spec.MemoryMB
	if memory < 1 {
		memory = 512
	}

	args := []string{
		"-name", spec.Name,
		"-machine", machine,
		"-cpu", cpu,
		"-smp", strconv.Itoa(cores),
		"-m", fmt.Sprintf("%dM", memory),
		"-display", "none",
		"-no-user-config",
		"-nodefaults",
		"-rtc", "base=utc,clock=host",
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio,id=system_disk", spec.Overlay),
		"-chardev", fmt.Sprintf("socket,id=console,path=%s,server=on,wait=off", spec.ConsoleSocket),
		"-serial", "chardev:console",
		"-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", spec.MonitorSocket),
		"-pidfile", spec.PidFile,
	}

	if spec.VsockCID != 0 {
		args = append(args, "-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", spec.VsockCID))
	} else {
		args = append(args,
			"-device", "virtio-serial-pci",
			"-chardev", fmt.Sprintf("socket,id=agent,path=%s,server=on,wait=off", spec.AgentSocket),
			"-device", fmt.Sprintf("virtserialport,chardev=agent,name=%s", AgentPortName),
		)
	}

	for i, nic := range spec.NICs {
		id := fmt.Sprintf("net%d", i)
		netdev := fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", id, nic.Tap)
		if nic.VHost {
			netdev += ",vhost=on"
		}
		model := nic.Model
		if model == "" {
			model = "virtio-net-pci"
		}
		args = append(args,
			"-netdev", netdev,
			"-device", fmt.Sprintf("%s,netdev=%s,mac=%s", model, id, nic.MAC),
		)
	}

	if spec.Management != "" {
		args = append(args, "-fw_cfg", "name=opt/vmlab/mgmt,string="+spec.Management)
	}
	return args
}
