package subcmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
)

// withHome points the default configuration at a fresh state directory.
func withHome(t *testing.T) *model.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv(model.HomeEnv, home)
	config := "state_dir: " + filepath.Join(home, "state") + "\n" +
		"work_dir: " + filepath.Join(home, "work") + "\n" +
		"results_dir: " + filepath.Join(home, "results") + "\n"
	if err := os.WriteFile(filepath.Join(home, model.ConfigFileName), []byte(config), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfg, err := model.LoadDefaultConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func seed(t *testing.T, cfg *model.Config) {
	t.Helper()
	s := store.NewFileStore(cfg.StateDir)
	if err := s.SaveTestbed(&store.TestbedRecord{Tag: "exp1", Phase: model.PhaseExperiment, ControllerPid: os.Getpid()}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveInstance(&store.InstanceRecord{Tag: "exp1", Name: "vma", State: model.InstanceRunning, Pid: 4242}); err != nil {
		t.Fatal(err)
	}
}

func TestListCommand_Table(t *testing.T) {
	seed(t, withHome(t))

	var out bytes.Buffer
	cmd := NewListCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("list command failed: %v", err)
	}
	if !strings.Contains(out.String(), "exp1") || !strings.Contains(out.String(), "experiment") {
		t.Errorf("expected exp1 in experiment, got:\n%s", out.String())
	}
}

func TestListCommand_Instances(t *testing.T) {
	seed(t, withHome(t))

	var out bytes.Buffer
	cmd := NewListCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"exp1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("list command failed: %v", err)
	}
	if !strings.Contains(out.String(), "vma") || !strings.Contains(out.String(), "RUNNING") {
		t.Errorf("expected vma RUNNING, got:\n%s", out.String())
	}
}

func TestListCommand_Query(t *testing.T) {
	seed(t, withHome(t))

	var out bytes.Buffer
	cmd := NewListCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--query", "$.testbeds[0].instances.vma.pid"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("list command failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "4242" {
		t.Errorf("expected 4242, got %q", out.String())
	}
}

func TestListCommand_UnknownTag(t *testing.T) {
	withHome(t)

	cmd := NewListCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"nosuch"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for an unknown tag")
	}
}

func TestCleanCommand(t *testing.T) {
	cfg := withHome(t)
	seed(t, cfg)
	for _, tag := range []string{"exp1", "old"} {
		if err := os.MkdirAll(cfg.TestbedResultsDir(tag), 0755); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	cmd := NewCleanCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("clean command failed: %v", err)
	}
	if _, err := os.Stat(cfg.TestbedResultsDir("old")); !os.IsNotExist(err) {
		t.Error("expected results of old removed")
	}
	if _, err := os.Stat(cfg.TestbedResultsDir("exp1")); err != nil {
		t.Errorf("expected results of exp1 kept, got %v", err)
	}
}

func TestRelayUntilDetach(t *testing.T) {
	var w bytes.Buffer
	if err := relayUntilDetach(&w, strings.NewReader("ls\n\x1dignored")); err != nil {
		t.Fatalf("relay failed: %v", err)
	}
	if w.String() != "ls\n" {
		t.Errorf("expected input up to the detach key, got %q", w.String())
	}
}
