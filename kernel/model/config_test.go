package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openziti/foundation/v2/errorz"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate_NamesTheField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sinks = []SinkConfig{{Type: "file"}, {Type: "graphite"}}

	var fieldErr *errorz.FieldError
	require.True(t, errors.As(cfg.Validate(), &fieldErr))
	assert.Equal(t, "sinks[1].type", fieldErr.FieldName)
	assert.Equal(t, "graphite", fieldErr.FieldValue)

	cfg = DefaultConfig()
	cfg.AgentTransport = "tcp"
	require.True(t, errors.As(cfg.Validate(), &fieldErr))
	assert.Equal(t, "agent_transport", fieldErr.FieldName)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("accel: tcg\nclock_sync_rounds: 0\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tcg", cfg.Accel)
	assert.Equal(t, 1, cfg.ClockSyncRounds)
	assert.Equal(t, DefaultConfig().StateDir, cfg.StateDir)

	require.NoError(t, os.WriteFile(path, []byte("state_dir: \"\"\n"), 0644))
	_, err = LoadConfig(path)
	var fieldErr *errorz.FieldError
	require.True(t, errors.As(err, &fieldErr))
	assert.Equal(t, "state_dir", fieldErr.FieldName)
}
