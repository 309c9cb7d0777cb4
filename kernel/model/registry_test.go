package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_Command(t *testing.T) {
	// command is registered in init()
	app, err := NewResolver().Resolve("command")
	if err != nil {
		t.Fatalf("expected command to be registered, got error: %v", err)
	}
	if app.Label() != "command" {
		t.Errorf("expected label 'command', got '%s'", app.Label())
	}
}

func TestResolve_NotFound(t *testing.T) {
	_, err := NewResolver().Resolve("nonexistent")
	if err == nil {
		t.Fatal("expected error for nonexistent application type")
	}
}

func TestResolve_Bundled(t *testing.T) {
	for _, name := range []string{"iperf3-server", "iperf3-client", "ping", "procmon"} {
		app, err := NewResolver().Resolve(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, app.Label())
	}
}

func TestResolve_PackageRegistry(t *testing.T) {
	resolver := NewResolver()
	resolver.Package.Register("tcpdump", func() ApplicationType {
		return &DescriptorApp{TypeName: "tcpdump", Command: []string{"tcpdump", "-i", "eth1"}}
	})

	app, err := resolver.Resolve("tcpdump")
	require.NoError(t, err)
	require.NoError(t, app.Configure(map[string]any{"args": "-w /tmp/cap.pcap"}))
	assert.Equal(t, []string{"tcpdump", "-i", "eth1", "-w", "/tmp/cap.pcap"}, app.Launch().Argv)
}

func TestResolve_BundledWinsOverPackage(t *testing.T) {
	resolver := NewResolver()
	resolver.Package.Register("ping", func() ApplicationType {
		return &DescriptorApp{TypeName: "shadow", Command: []string{"true"}}
	})

	app, err := resolver.Resolve("ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", app.Label())
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry[ApplicationType]("application")
	r.Register("x", func() ApplicationType { return &CommandApp{} })
	assert.Panics(t, func() {
		r.Register("x", func() ApplicationType { return &CommandApp{} })
	})
}

func TestConfigured_RejectsBadSettings(t *testing.T) {
	app := &Application{Type: "iperf3-client", Name: "client", Instance: "vmb"}
	_, err := NewResolver().Configured(app)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vmb/client")
}

func TestIperf3Server_Launch(t *testing.T) {
	s := &Iperf3Server{}
	require.NoError(t, s.Configure(map[string]any{"port": 6000}))
	cmd := s.Launch()
	assert.Equal(t, []string{"iperf3", "--server", "--port", "6000", "--forceflush"}, cmd.Argv)
	assert.Equal(t, "Server listening", cmd.ReadyPattern)
}

func TestCommandIntegration_Configure(t *testing.T) {
	it, err := NewResolver().ResolveIntegration("command")
	require.NoError(t, err)
	require.NoError(t, it.Configure(map[string]any{
		"start":         []any{"tc", "qdisc", "add"},
		"stop":          "tc qdisc del dev br0 root",
		"await":         true,
		"await_timeout": "5s",
	}))
	assert.Equal(t, []string{"tc", "qdisc", "add"}, it.StartCommand())
	assert.Equal(t, []string{"/bin/sh", "-c", "tc qdisc del dev br0 root"}, it.StopCommand())
	await, timeout := it.Await()
	assert.True(t, await)
	assert.Equal(t, "5s", timeout.String())
}

func TestResolveIntegration_PackageAfterBundled(t *testing.T) {
	r := NewResolver()
	r.PackageIntegrations.Register("capture", func() IntegrationType {
		return &DescriptorIntegration{TypeName: "capture", Start: []string{"/opt/capture"}, AwaitTimeout: time.Second}
	})

	it, err := r.ConfiguredIntegration(&Integration{Type: "capture", Name: "pcap", Settings: map[string]any{"args": []any{"-i", "br0"}, "await": true}})
	require.NoError(t, err)
	assert.Equal(t, "capture", it.Label())
	assert.Equal(t, []string{"/opt/capture", "-i", "br0"}, it.StartCommand())
	await, timeout := it.Await()
	assert.True(t, await)
	assert.Equal(t, time.Second, timeout)

	_, err = r.ConfiguredIntegration(&Integration{Type: "netem", Name: "shaper"})
	assert.Error(t, err)
	_, err = (*Resolver)(nil).ResolveIntegration("command")
	assert.NoError(t, err)
}
