package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcmon_Launch(t *testing.T) {
	p := &Procmon{}
	require.NoError(t, p.Configure(map[string]any{
		"interval":   "500ms",
		"interfaces": []any{"eth1", "eth2"},
		"processes":  "iperf3 -s",
	}))

	cmd := p.Launch()
	assert.Empty(t, cmd.Argv)
	assert.Equal(t, "procmon", cmd.Builtin)
	assert.Equal(t, int64(500), cmd.Params["interval_ms"])
	assert.Equal(t, []string{"eth1", "eth2"}, cmd.Params["interfaces"])
	assert.Equal(t, []string{"iperf3 -s"}, cmd.Params["processes"])
	assert.Equal(t, true, cmd.Params["system"])
	assert.Equal(t, time.Second, cmd.Overrun)
}

func TestProcmon_Rejections(t *testing.T) {
	assert.Error(t, (&Procmon{}).Configure(map[string]any{"system": false}))
	assert.Error(t, (&Procmon{}).Configure(map[string]any{"interval": "0s"}))
	assert.Error(t, (&Procmon{}).Configure(map[string]any{"interval": "soon"}))

	p := &Procmon{}
	require.NoError(t, p.Configure(nil))
	assert.Equal(t, 2*time.Second, p.Interval)
	assert.True(t, p.System)
}
