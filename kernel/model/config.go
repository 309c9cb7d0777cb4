package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openziti/foundation/v2/errorz"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	ConfigFileName = "config.yml"
	HomeEnv        = "VMLAB_HOME"
)

// Config is the controller configuration. It is built once at process start and passed to
// every component that needs it.
type Config struct {
	StateDir        string        `yaml:"state_dir"`
	WorkDir         string        `yaml:"work_dir"`
	ResultsDir      string        `yaml:"results_dir"`
	QemuBinary      string        `yaml:"qemu_binary"`
	QemuImgBinary   string        `yaml:"qemu_img_binary"`
	Accel           string        `yaml:"accel"`
	AgentTransport  string        `yaml:"agent_transport"`
	AgentPort       uint32        `yaml:"agent_port"`
	SSH             *SSHConfig    `yaml:"ssh,omitempty"`
	Sinks           []SinkConfig  `yaml:"sinks,omitempty"`
	MetricsListen   string        `yaml:"metrics_listen,omitempty"`
	BootTimeout     time.Duration `yaml:"boot_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	ClockSyncRounds int           `yaml:"clock_sync_rounds"`
	StartLead       time.Duration `yaml:"start_lead"`
}

type SSHConfig struct {
	User    string `yaml:"user"`
	KeyFile string `yaml:"key_file"`
	Port    int    `yaml:"port,omitempty"`
}

type SinkConfig struct {
	Type     string `yaml:"type"`
	URL      string `yaml:"url,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Org      string `yaml:"org,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

const (
	TransportSerial = "serial"
	TransportVsock  = "vsock"
)

func DefaultConfig() *Config {
	base := filepath.Join(os.TempDir(), "vmlab")
	if dir, err := ConfigDir(); err == nil {
		base = dir
	}
	return &Config{
		StateDir:        filepath.Join(base, "state"),
		WorkDir:         filepath.Join(base, "work"),
		ResultsDir:      filepath.Join(base, "results"),
		QemuBinary:      "qemu-system-x86_64",
		QemuImgBinary:   "qemu-img",
		Accel:           "kvm",
		AgentTransport:  TransportSerial,
		AgentPort:       7701,
		BootTimeout:     3 * time.Minute,
		ShutdownGrace:   15 * time.Second,
		ClockSyncRounds: 3,
		StartLead:       2 * time.Second,
	}
}

// ConfigDir is $VMLAB_HOME, or ~/.vmlab.
func ConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "unable to determine home directory")
	}
	return filepath.Join(home, ".vmlab"), nil
}

// LoadConfig overlays the file at path onto DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read config [%s]", path)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config [%s]", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config [%s]", path)
	}
	return cfg, nil
}

// LoadDefaultConfig loads ConfigDir()/config.yml when present and falls back to defaults.
func LoadDefaultConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return DefaultConfig(), nil
	}
	path := filepath.Join(dir, ConfigFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

func (c *Config) Validate() error {
	if c.StateDir == "" {
		return errorz.NewFieldError("must be set", "state_dir", c.StateDir)
	}
	switch c.AgentTransport {
	case TransportSerial, TransportVsock:
	default:
		return errorz.NewFieldError("must be serial or vsock", "agent_transport", c.AgentTransport)
	}
	for i, sink := range c.Sinks {
		switch sink.Type {
		case "file", "influxdb1", "influxdb2":
		default:
			return errorz.NewFieldError("must be file, influxdb1 or influxdb2", fmt.Sprintf("sinks[%d].type", i), sink.Type)
		}
	}
	if c.ClockSyncRounds < 1 {
		c.ClockSyncRounds = 1
	}
	return nil
}

// TestbedStateDir is the State Store directory for one experiment tag.
func (c *Config) TestbedStateDir(tag string) string {
	return filepath.Join(c.StateDir, tag)
}

func (c *Config) TestbedWorkDir(tag string) string {
	return filepath.Join(c.WorkDir, tag)
}

func (c *Config) TestbedResultsDir(tag string) string {
	return filepath.Join(c.ResultsDir, tag)
}
