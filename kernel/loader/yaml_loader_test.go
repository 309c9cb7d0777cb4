package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openziti/vmlab/kernel/model"
)

const sampleDeclaration = `
tag: sample
settings:
  management_subnet: 172.16.99.0/24
  diskimage_basepath: images
  phase_timeouts:
    setup: 5s
    experiment: 120
  clock_tolerance: 20ms
  file_server_port: 8080

networks:
  - name: exp0
  - name: uplink
    host_ports: [{{UPLINK_PORT}}]

instances:
  - name: vma
    image: debian.qcow2
    cores: 2
    memory: 1024
    management_address: 172.16.99.20
    networks:
      - exp0
      - name: uplink
        mac: 52:54:00:AA:BB:01
        model: e1000
    setup_script: setup.sh
    environment:
      ROLE: server
    preserve_files: [/var/log/iperf.log]
    applications:
      - name: server
        type: iperf3-server
  - name: vmb
    image: /srv/images/debian.qcow2
    networks: [exp0]
    setup: "ip link set eth1 up"
    applications:
      - name: client
        type: iperf3-client
        delay: 1
        runtime: 30s
        depends: ["started:vma/server"]
        settings:
          server: 10.0.0.1
          time: 30
      - name: after
        type: ping
        runtime: 5
        dont_store: true
        depends:
          - event: finished
            application: client
        settings:
          target: 10.0.0.1

integrations:
  - name: shaper
    type: command
    invoke_after: network
    wait_after_invoke: 2
    environment:
      RATE: 10mbit
    settings:
      start: ./shape.sh
      stop: ./unshape.sh
`

func writePackage(t *testing.T, declaration string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DeclarationFile), []byte(declaration), 0644); err != nil {
		t.Fatalf("failed to write declaration: %v", err)
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0755); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func lookup(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, found := vars[name]
		return v, found
	}
}

func TestLoad_Sample(t *testing.T) {
	dir := writePackage(t, sampleDeclaration, map[string]string{"setup.sh": "#!/bin/sh\necho setup\n"})
	l := &Loader{Lookup: lookup(map[string]string{"UPLINK_PORT": "enp3s0"})}

	tb, resolver, err := l.Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if resolver == nil {
		t.Fatal("expected a resolver")
	}
	if tb.Tag != "sample" {
		t.Errorf("expected tag 'sample', got '%s'", tb.Tag)
	}
	if tb.Settings.ManagementSubnet != "172.16.99.0/24" {
		t.Errorf("unexpected management subnet %s", tb.Settings.ManagementSubnet)
	}
	if tb.Settings.PhaseTimeout(model.PhaseSetup) != 5*time.Second {
		t.Errorf("unexpected setup timeout %s", tb.Settings.PhaseTimeout(model.PhaseSetup))
	}
	if tb.Settings.PhaseTimeout(model.PhaseExperiment) != 120*time.Second {
		t.Errorf("unexpected experiment timeout %s", tb.Settings.PhaseTimeout(model.PhaseExperiment))
	}
	if tb.Settings.FileServerPort != 8080 {
		t.Errorf("unexpected file server port %d", tb.Settings.FileServerPort)
	}
	if tb.Settings.ClockTolerance != 20*time.Millisecond {
		t.Errorf("unexpected clock tolerance %s", tb.Settings.ClockTolerance)
	}

	uplink := tb.Network("uplink")
	if uplink == nil || len(uplink.HostPorts) != 1 || uplink.HostPorts[0] != "enp3s0" {
		t.Fatalf("placeholder not substituted into host ports: %+v", uplink)
	}

	vma := tb.Instance("vma")
	if vma.Image != filepath.Join(dir, "images", "debian.qcow2") {
		t.Errorf("image not resolved against diskimage_basepath: %s", vma.Image)
	}
	if len(vma.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(vma.Attachments))
	}
	if vma.Attachments[1].MAC != "52:54:00:aa:bb:01" || vma.Attachments[1].Model != "e1000" {
		t.Errorf("unexpected attachment %+v", vma.Attachments[1])
	}
	if vma.Setup == nil || !strings.Contains(vma.Setup.Script, "echo setup") {
		t.Errorf("setup script not loaded: %+v", vma.Setup)
	}
	if vma.Setup.Env["ROLE"] != "server" {
		t.Errorf("setup environment missing")
	}
	if !vma.Applications[0].IsDaemon() {
		t.Error("application without runtime should be a daemon")
	}

	vmb := tb.Instance("vmb")
	if vmb.Image != "/srv/images/debian.qcow2" {
		t.Errorf("absolute image path changed: %s", vmb.Image)
	}
	if vmb.Setup == nil || vmb.Setup.Script != "ip link set eth1 up" {
		t.Errorf("inline setup not loaded: %+v", vmb.Setup)
	}
	client := tb.Application(model.AppKey{Instance: "vmb", Name: "client"})
	if client.Delay != time.Second || client.Runtime == nil || *client.Runtime != 30*time.Second {
		t.Errorf("unexpected client timing delay=%s runtime=%v", client.Delay, client.Runtime)
	}
	if len(client.Depends) != 1 || client.Depends[0] != (model.Dependency{Event: model.EventStarted, Instance: "vma", Application: "server"}) {
		t.Errorf("unexpected client dependencies %+v", client.Depends)
	}
	if !client.Store {
		t.Error("store should default to true")
	}
	after := tb.Application(model.AppKey{Instance: "vmb", Name: "after"})
	if after.Store {
		t.Error("dont_store not honoured")
	}
	if after.Depends[0].Instance != "vmb" {
		t.Errorf("dependency without instance should default to the declaring instance, got %s", after.Depends[0].Instance)
	}

	if len(tb.Integrations) != 1 {
		t.Fatalf("expected 1 integration, got %d", len(tb.Integrations))
	}
	shaper := tb.Integrations[0]
	if shaper.Phase != model.PhaseNetwork || shaper.Wait != 2*time.Second || shaper.Env["RATE"] != "10mbit" {
		t.Errorf("unexpected integration %+v", shaper)
	}
}

func TestLoad_UnsetPlaceholder(t *testing.T) {
	dir := writePackage(t, sampleDeclaration, map[string]string{"setup.sh": "true"})
	l := &Loader{Lookup: lookup(nil)}

	_, _, err := l.Load(dir)
	if err == nil {
		t.Fatal("expected error for unset placeholder")
	}
	if model.ClassOf(err) != model.ClassValidation {
		t.Errorf("expected ValidationError, got %v", model.ClassOf(err))
	}
	if !strings.Contains(err.Error(), "{{UPLINK_PORT}}") {
		t.Errorf("error should name the placeholder: %v", err)
	}
}

func TestLoad_SkipSubstitution(t *testing.T) {
	l := &Loader{SkipSubstitution: true, Lookup: lookup(nil)}
	_, err := l.Parse([]byte("tag: \"{{ NAME }}x\"\n"), t.TempDir(), model.NewResolver())
	if err == nil {
		t.Fatal("expected the unsubstituted tag to be rejected")
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		declaration string
	}{
		{"legacy integration mode", `
integrations:
  - name: legacy
    mode: startstop
`},
		{"unknown field", `
instances:
  - name: vma
    image: a.qcow2
    colour: blue
`},
		{"duplicate instance", `
instances:
  - {name: vma, image: a.qcow2}
  - {name: vma, image: b.qcow2}
`},
		{"too many attachments", `
networks: [{name: a}]
instances:
  - name: vma
    image: a.qcow2
    networks: [a, a, a, a, a]
`},
		{"unknown network", `
instances:
  - {name: vma, image: a.qcow2, networks: [nowhere]}
`},
		{"bad mac", `
networks: [{name: a}]
instances:
  - name: vma
    image: a.qcow2
    networks: [{name: a, mac: "52:54:00"}]
`},
		{"unknown application type", `
instances:
  - name: vma
    image: a.qcow2
    applications: [{name: x, type: teleport}]
`},
		{"duplicate application", `
instances:
  - name: vma
    image: a.qcow2
    applications:
      - {name: x, type: command, settings: {command: "true"}}
      - {name: x, type: command, settings: {command: "true"}}
`},
		{"bad dependency event", `
instances:
  - name: vma
    image: a.qcow2
    applications:
      - {name: x, type: command, settings: {command: "true"}, depends: ["exploded:vma/y"]}
`},
		{"integration in experiment phase", `
integrations:
  - {name: late, type: command, invoke_after: experiment, settings: {start: "true"}}
`},
		{"unknown integration type", `
integrations:
  - {name: shaper, type: netem, settings: {start: "true"}}
`},
		{"bad start delay", `
integrations:
  - {name: late, type: command, start_delay: soon, settings: {start: "true"}}
`},
		{"bad management subnet", `
settings:
  management_subnet: sometimes
`},
		{"fixed address without management", `
settings:
  management_subnet: disabled
instances:
  - {name: vma, image: a.qcow2, management_address: 10.0.0.5}
`},
		{"file server without management", `
settings:
  management_subnet: disabled
  file_server_port: 8080
`},
		{"shared host port", `
networks:
  - {name: a, host_ports: [eth9]}
  - {name: b, host_ports: [eth9]}
`},
		{"zero runtime", `
instances:
  - name: vma
    image: a.qcow2
    applications:
      - {name: x, type: command, runtime: 0, settings: {command: "true"}}
`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := (&Loader{Lookup: lookup(nil)}).Parse([]byte(test.declaration), t.TempDir(), model.NewResolver())
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if model.ClassOf(err) != model.ClassValidation {
				t.Errorf("expected ValidationError, got %v: %v", model.ClassOf(err), err)
			}
		})
	}
}

func TestParse_LegacyModeNamesReplacement(t *testing.T) {
	_, err := (&Loader{}).Parse([]byte("integrations:\n  - name: legacy\n    mode: startstop\n"), t.TempDir(), model.NewResolver())
	if err == nil || !strings.Contains(err.Error(), "type:") {
		t.Fatalf("expected the error to point at type:, got %v", err)
	}
}

func TestLoad_SetupScriptOutsidePackage(t *testing.T) {
	dir := writePackage(t, `
instances:
  - {name: vma, image: a.qcow2, setup_script: ../../etc/passwd}
`, nil)
	_, _, err := (&Loader{}).Load(dir)
	if err == nil {
		t.Fatal("expected setup_script outside the package to be rejected")
	}
}

func TestLoad_PackageDescriptors(t *testing.T) {
	dir := writePackage(t, `
instances:
  - name: vma
    image: a.qcow2
    applications:
      - name: log
        type: log-app
        runtime: 10
        settings:
          args: "--interval 1"
`, map[string]string{
		"apps/log-app.yml": "command: [/opt/log-app, --verbose]\nenv: {MODE: test}\nready_pattern: ready\n",
	})

	tb, resolver, err := (&Loader{}).Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	app := tb.Application(model.AppKey{Instance: "vma", Name: "log"})
	typ, err := resolver.Configured(app)
	if err != nil {
		t.Fatalf("descriptor type not resolvable: %v", err)
	}
	cmd := typ.Launch()
	expected := []string{"/opt/log-app", "--verbose", "--interval", "1"}
	if strings.Join(cmd.Argv, " ") != strings.Join(expected, " ") {
		t.Errorf("unexpected argv %v", cmd.Argv)
	}
	if cmd.Env["MODE"] != "test" || cmd.ReadyPattern != "ready" {
		t.Errorf("unexpected descriptor command %+v", cmd)
	}
}

func TestLoad_PackageIntegrationDescriptors(t *testing.T) {
	dir := writePackage(t, `
integrations:
  - name: capture
    type: capture
    start_delay: 1.5
    settings:
      args: "-i br0"
`, map[string]string{
		"integrations/capture.yml": "start: [/opt/capture.sh, --pcap]\nstop: pkill -f capture.sh\nawait: false\nawait_timeout: 10s\n",
	})

	tb, resolver, err := (&Loader{}).Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(tb.Integrations) != 1 {
		t.Fatalf("expected one integration, got %d", len(tb.Integrations))
	}
	capture := tb.Integrations[0]
	if capture.StartDelay != 1500*time.Millisecond {
		t.Errorf("unexpected start delay %s", capture.StartDelay)
	}
	typ, err := resolver.ConfiguredIntegration(capture)
	if err != nil {
		t.Fatalf("descriptor type not resolvable: %v", err)
	}
	if got := strings.Join(typ.StartCommand(), " "); got != "/opt/capture.sh --pcap -i br0" {
		t.Errorf("unexpected start command %q", got)
	}
	if got := strings.Join(typ.StopCommand(), " "); got != "/bin/sh -c pkill -f capture.sh" {
		t.Errorf("unexpected stop command %q", got)
	}
	if await, timeout := typ.Await(); await || timeout != 10*time.Second {
		t.Errorf("unexpected await %v %s", await, timeout)
	}
}

func TestLoadIntegrationDescriptors_Rejections(t *testing.T) {
	for name, content := range map[string]string{
		"command.yml": "start: [true]\n",
		"empty.yml":   "stop: [true]\n",
		"typo.yml":    "start: [true]\nawait_for: 5s\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if err := LoadIntegrationDescriptors(dir, model.NewResolver()); err == nil {
				t.Fatalf("expected [%s] to be rejected", name)
			}
		})
	}
}

func TestLoadDescriptors_CannotShadowBundled(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ping.yml"), []byte("command: [ping]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadDescriptors(dir, model.NewResolver()); err == nil {
		t.Fatal("expected a descriptor named after a bundled type to be rejected")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, _, err := Load("/nonexistent/testbed.yml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}
