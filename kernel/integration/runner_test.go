package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/openziti/vmlab/kernel/model"
	"github.com/openziti/vmlab/kernel/store"
	"github.com/openziti/vmlab/kernel/vmm"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func integration(name string, phase model.Phase, settings map[string]any) *model.Integration {
	return &model.Integration{Type: "command", Name: name, Phase: phase, Settings: settings}
}

func newRunner(t *testing.T, integrations ...*model.Integration) (*Runner, *store.MemoryStore, string) {
	return newRunnerWith(t, model.NewResolver(), integrations...)
}

func newRunnerWith(t *testing.T, resolver *model.Resolver, integrations ...*model.Integration) (*Runner, *store.MemoryStore, string) {
	dir := t.TempDir()
	tb := &model.Testbed{Tag: "integ", Dir: dir, Integrations: integrations}
	s := store.NewMemoryStore()
	r := NewRunner(tb, resolver, s, pfxlog.Logger().Entry)
	r.Grace = time.Second
	return r, s, dir
}

func TestRunPhase_DeclarationOrderAndEnv(t *testing.T) {
	first := integration("first", model.PhaseStartup, map[string]any{"start": `echo "first $GREETING $VMLAB_TAG" >> out.txt`, "await": true})
	first.Env = map[string]string{"GREETING": "hello"}
	second := integration("second", model.PhaseStartup, map[string]any{"start": `echo "second $VMLAB_PHASE" >> out.txt`, "await": true})
	other := integration("other", model.PhaseInit, map[string]any{"start": `echo other >> out.txt`, "await": true})
	r, s, dir := newRunner(t, first, second, other)

	require.NoError(t, r.RunPhase(context.Background(), model.PhaseStartup))

	out, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first hello integ\nsecond startup\n", string(out))

	rec, err := s.GetTestbed("integ")
	require.NoError(t, err)
	require.Len(t, rec.Integrations, 2)
	assert.Equal(t, "first", rec.Integrations[0].Name)
	assert.Equal(t, "second", rec.Integrations[1].Name)
}

func TestRunPhase_AwaitTimeoutIsReportedAndLaterIntegrationsRun(t *testing.T) {
	slow := integration("slow", model.PhaseNetwork, map[string]any{"start": "sleep 30", "await": true, "await_timeout": "200ms"})
	next := integration("next", model.PhaseNetwork, map[string]any{"start": "touch next", "await": true})
	r, _, dir := newRunner(t, slow, next)

	start := time.Now()
	err := r.RunPhase(context.Background(), model.PhaseNetwork)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ClassIntegration, model.ClassOf(errs[0]))
	assert.True(t, errors.Is(errs[0], ErrAwaitTimeout))
	assert.FileExists(t, filepath.Join(dir, "next"))
}

func TestRunPhase_NonZeroExitIsIntegrationError(t *testing.T) {
	r, _, _ := newRunner(t, integration("broken", model.PhaseInit, map[string]any{"start": "exit 3", "await": true}))
	err := r.RunPhase(context.Background(), model.PhaseInit)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ClassIntegration, model.ClassOf(errs[0]))
}

func TestRunPhase_PostInvokeWait(t *testing.T) {
	waiting := integration("waiting", model.PhaseStartup, map[string]any{"start": "true", "await": true})
	waiting.Wait = 300 * time.Millisecond
	r, _, _ := newRunner(t, waiting)

	start := time.Now()
	require.NoError(t, r.RunPhase(context.Background(), model.PhaseStartup))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.RunPhase(ctx, model.PhaseStartup)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStop_RunsStopCommandsAndTerminates(t *testing.T) {
	a := integration("a", model.PhaseStartup, map[string]any{"start": "sleep 30", "stop": `echo a >> stopped.txt`})
	b := integration("b", model.PhaseNetwork, map[string]any{"start": "sleep 30", "stop": `echo b >> stopped.txt`})
	r, s, dir := newRunner(t, a, b)
	ctx := context.Background()

	require.NoError(t, r.RunPhase(ctx, model.PhaseStartup))
	require.NoError(t, r.RunPhase(ctx, model.PhaseNetwork))
	assert.True(t, r.Alive("a"))
	assert.True(t, r.Alive("b"))

	rec, err := s.GetTestbed("integ")
	require.NoError(t, err)
	require.NoError(t, r.Stop(ctx, rec.Integrations))

	assert.False(t, r.Alive("a"))
	assert.False(t, r.Alive("b"))
	out, err := os.ReadFile(filepath.Join(dir, "stopped.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b\na\n", string(out))
}

func TestStop_FromRecordsOnly(t *testing.T) {
	orphan := exec.Command("sleep", "30")
	require.NoError(t, orphan.Start())
	go func() { _ = orphan.Wait() }()

	started, err := vmm.StartTime(orphan.Process.Pid)
	require.NoError(t, err)

	vmm.PollInterval = 20 * time.Millisecond
	r, _, dir := newRunner(t)
	records := []store.IntegrationRecord{{
		Name:      "orphan",
		Pid:       orphan.Process.Pid,
		StartTime: started,
		Stop:      []string{"/bin/sh", "-c", "touch cleaned"},
		Phase:     model.PhaseStartup,
	}}
	require.NoError(t, r.Stop(context.Background(), records))
	assert.FileExists(t, filepath.Join(dir, "cleaned"))
	assert.Eventually(t, func() bool { return !vmm.Alive(orphan.Process.Pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestStop_LeavesUnrelatedProcessWithRecycledPid(t *testing.T) {
	unrelated := exec.Command("sleep", "30")
	require.NoError(t, unrelated.Start())
	exited := make(chan struct{})
	go func() {
		_ = unrelated.Wait()
		close(exited)
	}()
	defer func() {
		_ = unrelated.Process.Kill()
		<-exited
	}()
	pid := unrelated.Process.Pid
	started, err := vmm.StartTime(pid)
	require.NoError(t, err)

	r, _, _ := newRunner(t)
	records := []store.IntegrationRecord{
		{Name: "unstamped", Pid: pid, Phase: model.PhaseStartup},
		{Name: "older", Pid: pid, StartTime: started - 1, Phase: model.PhaseStartup},
	}
	require.NoError(t, r.Stop(context.Background(), records))

	select {
	case <-exited:
		t.Fatal("process not started by the integration was terminated")
	case <-time.After(300 * time.Millisecond):
	}
	assert.True(t, vmm.Alive(pid))
}

func TestRunPhase_AwaitedIntegrationClearsItsPid(t *testing.T) {
	done := integration("done", model.PhaseInit, map[string]any{"start": "true", "await": true})
	slow := integration("slow", model.PhaseInit, map[string]any{"start": "sleep 30", "await": true, "await_timeout": "100ms"})
	kept := integration("kept", model.PhaseInit, map[string]any{"start": "sleep 30"})
	r, s, _ := newRunner(t, done, slow, kept)
	defer func() { _ = r.Stop(context.Background(), nil) }()

	require.Error(t, r.RunPhase(context.Background(), model.PhaseInit))

	rec, err := s.GetTestbed("integ")
	require.NoError(t, err)
	require.Len(t, rec.Integrations, 3)
	for _, i := range rec.Integrations[:2] {
		assert.Zero(t, i.Pid, i.Name)
		assert.Zero(t, i.StartTime, i.Name)
	}
	assert.NotZero(t, rec.Integrations[2].Pid)
	assert.NotZero(t, rec.Integrations[2].StartTime)
	assert.Equal(t, StateExited, r.State("done"))
	assert.Equal(t, StateRunning, r.State("kept"))
}

func TestRunPhase_StartDelayStartsInBackground(t *testing.T) {
	delayed := integration("delayed", model.PhaseStartup, map[string]any{"start": "touch delayed; exec sleep 30"})
	delayed.StartDelay = 300 * time.Millisecond
	r, s, dir := newRunner(t, delayed)

	start := time.Now()
	require.NoError(t, r.RunPhase(context.Background(), model.PhaseStartup))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, StatePending, r.State("delayed"))
	assert.NoFileExists(t, filepath.Join(dir, "delayed"))

	assert.Eventually(t, func() bool { return r.State("delayed") == StateRunning }, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "delayed"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	rec, err := s.GetTestbed("integ")
	require.NoError(t, err)
	require.NoError(t, r.Stop(context.Background(), rec.Integrations))
	assert.False(t, r.Alive("delayed"))
}

func TestStop_CancelsPendingStartsAndReportsDelayedFailures(t *testing.T) {
	never := integration("never", model.PhaseStartup, map[string]any{"start": "touch never"})
	never.StartDelay = 10 * time.Second
	broken := integration("broken", model.PhaseStartup, map[string]any{"start": []any{"/nonexistent/helper"}})
	broken.StartDelay = 50 * time.Millisecond
	r, _, dir := newRunner(t, never, broken)

	require.NoError(t, r.RunPhase(context.Background(), model.PhaseStartup))
	assert.Eventually(t, func() bool { return r.State("broken") == StateNotStarted }, 3*time.Second, 20*time.Millisecond)

	start := time.Now()
	err := r.Stop(context.Background(), nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ClassIntegration, model.ClassOf(errs[0]))
	assert.Contains(t, errs[0].Error(), "broken")
	assert.NoFileExists(t, filepath.Join(dir, "never"))
	assert.Equal(t, StateNotStarted, r.State("never"))
}

func TestRunPhase_PackageIntegrationType(t *testing.T) {
	resolver := model.NewResolver()
	resolver.PackageIntegrations.Register("marker", func() model.IntegrationType {
		return &model.DescriptorIntegration{
			TypeName:     "marker",
			Start:        []string{"/bin/sh", "-c", `touch "marker$1"`, "marker"},
			Stop:         []string{"/bin/sh", "-c", "rm marker-a"},
			AwaitExit:    true,
			AwaitTimeout: 5 * time.Second,
		}
	})
	marker := &model.Integration{Type: "marker", Name: "mark", Phase: model.PhaseNetwork, Settings: map[string]any{"args": "-a"}}
	r, s, dir := newRunnerWith(t, resolver, marker)

	require.NoError(t, r.RunPhase(context.Background(), model.PhaseNetwork))
	assert.FileExists(t, filepath.Join(dir, "marker-a"))

	rec, err := s.GetTestbed("integ")
	require.NoError(t, err)
	require.NoError(t, r.Stop(context.Background(), rec.Integrations))
	assert.NoFileExists(t, filepath.Join(dir, "marker-a"))

	unknown, _, _ := newRunner(t, &model.Integration{Type: "marker", Name: "mark", Phase: model.PhaseNetwork})
	assert.Error(t, unknown.RunPhase(context.Background(), model.PhaseNetwork))
}
