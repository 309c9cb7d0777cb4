package model

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeIP = `#!/bin/sh
echo "$*" >> "$IPLOG"
case "$1 $2" in
"link show") exit 1 ;;
esac
exit 0
`

func runScript(t *testing.T, argv []string, env []string) {
	t.Helper()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestNS3Emulation_CreatesAndRemovesTaps(t *testing.T) {
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "ip"), []byte(fakeIP), 0755))
	basepath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(basepath, "ns3"), []byte("#!/bin/sh\necho \"$*\" > ns3.args\n"), 0755))
	tmp := t.TempDir()
	iplog := filepath.Join(tmp, "ip.log")
	env := []string{
		"PATH=" + bin + string(os.PathListSeparator) + os.Getenv("PATH"),
		"TMPDIR=" + tmp,
		"VMLAB_TAG=ns3",
		"IPLOG=" + iplog,
	}

	n := &NS3Emulation{}
	require.NoError(t, n.Configure(map[string]any{
		"basepath":   basepath,
		"program":    "scratch/bridge",
		"interfaces": []any{"ns3tap0", "ns3tap1"},
		"args":       map[any]any{"rate": "10Mbps", "delay": "5ms"},
	}))
	await, _ := n.Await()
	assert.False(t, await)

	runScript(t, n.StartCommand(), env)
	args, err := os.ReadFile(filepath.Join(basepath, "ns3.args"))
	require.NoError(t, err)
	assert.Equal(t, "run scratch/bridge --no-build -- --delay=5ms --rate=10Mbps\n", string(args))
	created, err := os.ReadFile(filepath.Join(tmp, "vmlab-ns3-ns3-ns3tap0"))
	require.NoError(t, err)
	assert.Equal(t, "ns3tap0\nns3tap1\n", string(created))

	runScript(t, n.StopCommand(), env)
	calls, err := os.ReadFile(iplog)
	require.NoError(t, err)
	assert.Contains(t, string(calls), "tuntap add ns3tap1 mode tap\n")
	assert.Contains(t, string(calls), "link set up dev ns3tap0\n")
	assert.True(t, strings.HasSuffix(string(calls), "link del ns3tap0\nlink del ns3tap1\n"), string(calls))
	assert.NoFileExists(t, filepath.Join(tmp, "vmlab-ns3-ns3-ns3tap0"))

	// nothing recorded, nothing to delete
	runScript(t, n.StopCommand(), env)
}

func TestNS3Emulation_Rejections(t *testing.T) {
	for name, settings := range map[string]map[string]any{
		"no program":    {"basepath": "/opt/ns-3", "interfaces": "tap0"},
		"no interfaces": {"basepath": "/opt/ns-3", "program": "scratch/x"},
		"long device":   {"basepath": "/opt/ns-3", "program": "scratch/x", "interfaces": "a-very-long-tap-name"},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, (&NS3Emulation{}).Configure(settings))
		})
	}
}
