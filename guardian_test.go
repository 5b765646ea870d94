package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianos/guardian/internal/agent"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
	"github.com/guardianos/guardian/internal/storage"
	"github.com/guardianos/guardian/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// echoUnit records one artifact on Init and reports healthy.
type echoUnit struct{}

func (echoUnit) Init(ctx context.Context, env *plugin.Env) error {
	_, err := env.Store(ctx, "echo online", []string{"echo"}, 0.5)
	return err
}

func (echoUnit) Metadata() plugin.Metadata { return plugin.Metadata{Name: "echo", Version: "1.0.0"} }

func (echoUnit) Health(context.Context) model.HealthReport {
	return model.HealthReport{Status: model.HealthHealthy, Message: "ok"}
}

// crashUnit's loop fails immediately every time it runs.
type crashUnit struct{}

func (crashUnit) Init(context.Context, *plugin.Env) error { return nil }

func (crashUnit) Metadata() plugin.Metadata { return plugin.Metadata{Name: "crash", Version: "1.0.0"} }

func (crashUnit) Run(context.Context, *plugin.Env, func()) error { return errors.New("lost connection") }

type fixture struct {
	cfg   Config
	store *storage.FileStore
	core  *Core
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := plugin.NewCatalog()
	c.MustRegister("echo", func() plugin.Unit { return echoUnit{} })
	c.MustRegister("crash", func() plugin.Unit { return crashUnit{} })
	return c
}

func writePlugin(t *testing.T, dir, name string) {
	t.Helper()
	d := plugin.Descriptor{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: []string{plugin.CapCodexWrite},
		EntryPoint:   name,
	}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name, plugin.DescriptorFile), data, 0o600))
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PluginDir = t.TempDir()
	cfg.ManifestPath = ""
	cfg.TickInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	cfg.StopGrace = time.Second
	cfg.PluginHealthInterval = 50 * time.Millisecond
	cfg.WatchPlugins = false
	return cfg
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	store, err := storage.NewFileStore("", testLogger())
	require.NoError(t, err)
	opts = append([]Option{WithLogger(testLogger()), WithManifestStore(store), WithCatalog(testCatalog(t))}, opts...)
	core, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Stop(context.Background(), time.Second) })
	return &fixture{cfg: cfg, store: store, core: core}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.core.Start(context.Background(), f.cfg))
}

func TestStartRegistersWorkersAndRejectsSecondStart(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg.PluginDir, "echo")
	idle := agent.StrategyFunc{ID: "idle", Fn: func(context.Context, *agent.Memory) error { return nil }}
	f := newFixture(t, cfg, WithAgent(idle, AgentConfig{Interval: 10 * time.Millisecond}))
	f.start(t)

	assert.ErrorIs(t, f.core.Start(context.Background(), cfg), ErrAlreadyRunning)

	st := f.core.Status()
	assert.True(t, st.Running)
	assert.Contains(t, st.Workers, plugin.HousekeepingID)
	assert.Contains(t, st.Workers, MaintenanceID)
	assert.Contains(t, st.Workers, "agent:idle")
	assert.Contains(t, st.Workers, "plugin:echo")
	assert.Equal(t, model.WorkerAgent, st.Workers["agent:idle"].Kind)
	assert.Equal(t, model.PluginActive, st.Manifest.Plugins["echo"].Status)
	assert.NotEmpty(t, st.Manifest.RootHash)
	assert.Equal(t, 1, st.CodexSize)

	regs, err := f.store.LoadWorkers(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(regs))
	for _, r := range regs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{plugin.HousekeepingID, MaintenanceID, "agent:idle", "plugin:echo"}, ids)
}

func TestStopThenRestart(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg.PluginDir, "echo")
	f := newFixture(t, cfg)
	f.start(t)

	require.NoError(t, f.core.Stop(context.Background(), time.Second))
	assert.False(t, f.core.Status().Running)
	assert.Equal(t, HealthUnhealthy, f.core.Health().State)
	require.NoError(t, f.core.Stop(context.Background(), time.Second), "second stop is a no-op")

	e, ok := persistedEntry(t, f.store, "echo")
	require.True(t, ok)
	assert.Equal(t, model.PluginActive, e.Status, "shutdown keeps the persisted status")

	f.start(t)
	assert.Equal(t, model.PluginActive, f.core.Status().Manifest.Plugins["echo"].Status)
}

func TestStartPrunesStaleWorkerRegistrations(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	require.NoError(t, f.store.PutWorker(context.Background(),
		model.WorkerRegistration{ID: "agent:ghost", Kind: model.WorkerAgent, RegisteredAt: time.Now()}))
	f.start(t)

	regs, err := f.store.LoadWorkers(context.Background())
	require.NoError(t, err)
	for _, r := range regs {
		assert.NotEqual(t, "agent:ghost", r.ID)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.TickInterval = 0
	f := newFixture(t, cfg)
	err := f.core.Start(context.Background(), cfg)
	require.Error(t, err)
	assert.False(t, f.core.Status().Running)
}

func TestNewRejectsDuplicateAgents(t *testing.T) {
	s := agent.StrategyFunc{ID: "twin", Fn: func(context.Context, *agent.Memory) error { return nil }}
	_, err := New(WithAgent(s, AgentConfig{}), WithAgent(s, AgentConfig{}))
	assert.Error(t, err)
}

func TestHealthHealthyWhenAllWorkersRun(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg.PluginDir, "echo")
	f := newFixture(t, cfg)
	assert.Equal(t, HealthUnhealthy, f.core.Health().State)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.core.Health().State == HealthHealthy
	}, 2*time.Second, 10*time.Millisecond)
	rep := f.core.Health()
	assert.Empty(t, rep.Reasons)
	assert.False(t, rep.LastSweep.IsZero())
}

func TestHealthDegradedByExhaustedAgent(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 0
	broken := agent.StrategyFunc{ID: "broken", Fn: func(context.Context, *agent.Memory) error {
		return errors.New("no route to host")
	}}
	f := newFixture(t, cfg, WithAgent(broken, AgentConfig{Interval: 5 * time.Millisecond, MaxFailures: 1}))
	f.start(t)

	require.Eventually(t, func() bool {
		return f.core.Health().State == HealthDegraded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.core.Health().Reasons, "worker agent:broken exhausted its restarts")
}

func TestHealthDegradedWhileWorkerAwaitsRestart(t *testing.T) {
	cfg := testConfig(t)
	flaky := agent.StrategyFunc{ID: "flaky", Fn: func(context.Context, *agent.Memory) error {
		return errors.New("connection reset")
	}}
	f := newFixture(t, cfg, WithAgent(flaky, AgentConfig{
		Interval:    5 * time.Millisecond,
		MaxFailures: 1,
		Policy:      supervisor.RestartPolicy{MaxRetries: 3, BackoffBase: time.Hour},
	}))
	f.start(t)

	require.Eventually(t, func() bool {
		w := f.core.Status().Workers["agent:flaky"]
		return w.State == model.WorkerStarting && w.RestartCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	rep := f.core.Health()
	assert.Equal(t, HealthDegraded, rep.State)
	assert.Contains(t, rep.Reasons, "worker agent:flaky restarting (attempt 1)")
}

func TestHealthUnhealthyWhenSupervisorStopsSweeping(t *testing.T) {
	clock := &manualClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testConfig(t)
	cfg.TickInterval = time.Hour // no real sweep happens during the test
	cfg.HeartbeatTimeout = 2 * time.Hour
	f := newFixture(t, cfg, WithClock(clock.Now))
	f.start(t)

	assert.Equal(t, HealthHealthy, f.core.Health().State)
	clock.Advance(3*time.Hour + time.Minute)
	rep := f.core.Health()
	assert.Equal(t, HealthUnhealthy, rep.State)
	require.Len(t, rep.Reasons, 1)
	assert.Contains(t, rep.Reasons[0], "has not swept")
}

func TestExhaustedPluginLoopFailsPlugin(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxRestarts = 0
	writePlugin(t, cfg.PluginDir, "crash")
	f := newFixture(t, cfg)
	f.start(t)

	require.Eventually(t, func() bool {
		e, ok := persistedEntry(t, f.store, "crash")
		return ok && e.Status == model.PluginFailed
	}, 2*time.Second, 10*time.Millisecond)

	e, _ := persistedEntry(t, f.store, "crash")
	require.NotNil(t, e.LastHealth)
	assert.Contains(t, e.LastHealth.Message, "lost connection")
	require.Eventually(t, func() bool {
		_, present := f.core.Status().Workers["plugin:crash"]
		return !present
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.core.Health().Reasons, "plugin crash failed")
}

func TestDisableAndEnablePlugin(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg.PluginDir, "echo")
	f := newFixture(t, cfg)
	assert.ErrorIs(t, f.core.DisablePlugin(context.Background(), "echo"), ErrNotRunning)
	f.start(t)

	require.NoError(t, f.core.DisablePlugin(context.Background(), "echo"))
	assert.Equal(t, model.PluginDisabled, f.core.Status().Manifest.Plugins["echo"].Status)
	assert.NotContains(t, f.core.Status().Workers, "plugin:echo")

	require.NoError(t, f.core.EnablePlugin(context.Background(), "echo"))
	assert.Equal(t, model.PluginActive, f.core.Status().Manifest.Plugins["echo"].Status)
	assert.Contains(t, f.core.Status().Workers, "plugin:echo")

	assert.ErrorIs(t, f.core.EnablePlugin(context.Background(), "nope"), plugin.ErrUnknownPlugin)
}

func TestRememberAndQuery(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	_, err := f.core.Remember("operator", "maintenance window at 02:00", []string{"ops"}, 0.9)
	assert.ErrorIs(t, err, ErrNotRunning)
	for range f.core.Query(Predicate{}, 0, Window{}) {
		t.Fatal("query before start yields nothing")
	}

	f.start(t)
	id, err := f.core.Remember("operator", "maintenance window at 02:00", []string{"ops"}, 0.9)
	require.NoError(t, err)

	var got []MemoryArtifact
	for a := range f.core.Query(Predicate{Tags: []string{"ops"}}, 0.5, Window{}) {
		got = append(got, a)
	}
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "operator", got[0].Source)
}

func TestBuiltinPluginsLoad(t *testing.T) {
	cfg := testConfig(t)
	cfg.PluginDir = "plugins"
	store, err := storage.NewFileStore("", testLogger())
	require.NoError(t, err)
	core, err := New(WithLogger(testLogger()), WithManifestStore(store))
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Stop(context.Background(), time.Second) })
	require.NoError(t, core.Start(context.Background(), cfg))

	st := core.Status()
	for _, name := range []string{"memory_analyzer", "pattern_analyzer", "system_diagnostics"} {
		assert.Equal(t, model.PluginActive, st.Manifest.Plugins[name].Status, name)
		assert.Contains(t, st.Workers, plugin.WorkerID(name))
	}
}

func TestObserverPersistsAndRoutes(t *testing.T) {
	store, err := storage.NewFileStore("", testLogger())
	require.NoError(t, err)
	o := &observer{store: store, logger: testLogger()}

	o.WorkerRegistered(model.WorkerRegistration{ID: "agent:a", Kind: model.WorkerAgent})
	regs, err := store.LoadWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, regs, 1)

	o.WorkerRemoved("agent:a")
	regs, err = store.LoadWorkers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, regs)

	// No registry yet: exhaustion is only logged.
	o.WorkerExhausted(model.WorkerRecord{ID: "plugin:x", Kind: model.WorkerPluginLoop, Terminal: true})
}

func TestMaintainDecaysStaleArtifacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.CodexDecayInterval = 10 * time.Millisecond
	cfg.CodexDecayAge = time.Nanosecond
	cfg.CodexDecayStep = 0.1
	f := newFixture(t, cfg)
	f.start(t)
	id, err := f.core.Remember("operator", "fading fact", []string{"old"}, 0.5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rt := f.core.rt.Load()
		a, ok := rt.codex.Get(id)
		return ok && a.Confidence < 0.5
	}, 2*time.Second, 10*time.Millisecond)
}

var _ supervisor.Observer = (*observer)(nil)

func persistedEntry(t *testing.T, s storage.ManifestStore, name string) (model.PluginManifestEntry, bool) {
	t.Helper()
	entries, err := s.LoadPlugins(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return model.PluginManifestEntry{}, false
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
