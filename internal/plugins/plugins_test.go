package plugins

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCodex(t *testing.T, clk *clock) *codex.Index {
	t.Helper()
	ix, err := codex.New(codex.Config{Now: clk.Now}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func envFor(name string, cx plugin.CodexAccess, status plugin.StatusFunc, cfg map[string]any, caps ...string) *plugin.Env {
	d := plugin.Descriptor{Name: name, Version: "1.0.0", Capabilities: caps, Config: cfg}
	return plugin.NewEnv(d, testLogger(), cx, status, nil)
}

func collect(ix *codex.Index, tag string) []model.MemoryArtifact {
	var out []model.MemoryArtifact
	for a := range ix.Query(codex.Predicate{Tags: []string{tag}}, 0, codex.Window{}) {
		out = append(out, a)
	}
	return out
}

func TestRegisterAddsBuiltins(t *testing.T) {
	c := plugin.NewCatalog()
	require.NoError(t, Register(c))
	assert.Equal(t, []string{MemoryAnalyzer, PatternAnalyzer, SystemDiagnostics}, c.Names())
	assert.Error(t, Register(c), "double registration is rejected")
}

func TestShippedDescriptorsMatchCatalog(t *testing.T) {
	descs, err := plugin.Discover(filepath.Join("..", "..", "plugins"))
	require.NoError(t, err)
	c := plugin.NewCatalog()
	require.NoError(t, Register(c))

	require.Len(t, descs, 3)
	for _, d := range descs {
		require.NoError(t, d.Validate())
		f, ok := c.Lookup(d.Entry())
		require.True(t, ok, d.Name)
		assert.ElementsMatch(t, f().Metadata().Capabilities, d.Capabilities, d.Name)
	}
}

func TestMemoryAnalyzer(t *testing.T) {
	clk := newClock()
	ix := newCodex(t, clk)
	env := envFor(MemoryAnalyzer, ix, nil,
		map[string]any{"analysis_interval": 10.0, "alert_threshold": 0.75},
		plugin.CapCodexWrite, plugin.CapConfigRead)

	u := NewMemoryAnalyzer()
	u.Now = clk.Now
	sample := MemorySample{Used: 50, Total: 100}
	u.Sample = func() MemorySample { return sample }
	require.NoError(t, u.Init(context.Background(), env))

	assert.Equal(t, model.HealthWarning, u.Health(context.Background()).Status)

	require.NoError(t, u.Analyze(context.Background(), env))
	assert.Empty(t, collect(ix, "high_usage"))
	rep := u.Health(context.Background())
	assert.Equal(t, model.HealthHealthy, rep.Status)
	assert.InDelta(t, 0.5, rep.Metrics["current_usage"], 1e-9)

	sample = MemorySample{Used: 90, Total: 100}
	require.NoError(t, u.Analyze(context.Background(), env))
	found := collect(ix, "high_usage")
	require.Len(t, found, 1)
	assert.Equal(t, MemoryAnalyzer, found[0].Source)
	assert.InDelta(t, 0.9, found[0].Confidence, 1e-9)
	assert.Contains(t, found[0].Content, "90.0%")

	clk.Advance(25 * time.Second)
	assert.Equal(t, model.HealthWarning, u.Health(context.Background()).Status)
}

func TestMemoryAnalyzerRejectsBadThreshold(t *testing.T) {
	env := envFor(MemoryAnalyzer, nil, nil, map[string]any{"alert_threshold": 1.5}, plugin.CapConfigRead)
	assert.Error(t, NewMemoryAnalyzer().Init(context.Background(), env))
}

func TestMemoryAnalyzerWithoutConfigReadUsesDefaults(t *testing.T) {
	env := envFor(MemoryAnalyzer, nil, nil, map[string]any{"alert_threshold": 1.5}, plugin.CapCodexWrite)
	u := NewMemoryAnalyzer()
	require.NoError(t, u.Init(context.Background(), env))
	assert.Equal(t, time.Minute, u.interval)
	assert.InDelta(t, 0.8, u.threshold, 1e-9)
}

func TestPatternAnalyzerBehavioral(t *testing.T) {
	clk := newClock()
	ix := newCodex(t, clk)
	env := envFor(PatternAnalyzer, ix, nil,
		map[string]any{"pattern_types": []any{"behavioral"}, "min_occurrences": 3.0},
		plugin.CapCodexRead, plugin.CapCodexWrite, plugin.CapConfigRead)
	u := NewPatternAnalyzer()
	u.Now = clk.Now
	require.NoError(t, u.Init(context.Background(), env))

	for range 3 {
		_, err := ix.Store("login failure", []string{"auth"}, 0.8)
		require.NoError(t, err)
	}
	_, err := ix.Store("disk full", []string{"disk"}, 0.8)
	require.NoError(t, err)
	_, err = ix.Store("weak signal", []string{"auth"}, 0.1)
	require.NoError(t, err)

	fresh, err := u.Analyze(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "auth", fresh[0].Tag)
	assert.Equal(t, 3, fresh[0].Count)

	stored := collect(ix, "pattern")
	require.Len(t, stored, 1)
	assert.Contains(t, stored[0].Content, `"auth"`)
	assert.Equal(t, PatternAnalyzer, stored[0].Source)

	again, err := u.Analyze(context.Background(), env)
	require.NoError(t, err)
	assert.Empty(t, again, "known patterns are not reported twice")
	assert.Len(t, collect(ix, "pattern"), 1)
}

func TestPatternAnalyzerTemporal(t *testing.T) {
	clk := newClock()
	ix := newCodex(t, clk)
	env := envFor(PatternAnalyzer, ix, nil,
		map[string]any{"pattern_types": []any{"temporal"}},
		plugin.CapCodexRead, plugin.CapCodexWrite, plugin.CapConfigRead)
	u := NewPatternAnalyzer()
	u.Now = clk.Now
	require.NoError(t, u.Init(context.Background(), env))

	for range 4 {
		_, err := ix.Store("backup finished", []string{"backup"}, 0.9)
		require.NoError(t, err)
		clk.Advance(2 * time.Minute)
	}
	for _, gap := range []time.Duration{time.Second, 7 * time.Minute, 30 * time.Second} {
		_, err := ix.Store("cpu spike", []string{"cpu"}, 0.9)
		require.NoError(t, err)
		clk.Advance(gap)
	}

	fresh, err := u.Analyze(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "backup", fresh[0].Tag)
	assert.Equal(t, 2*time.Minute, fresh[0].Period)
	assert.Equal(t, "temporal:backup:2m", fresh[0].Signature)
}

func TestPatternAnalyzerRejectsUnknownType(t *testing.T) {
	env := envFor(PatternAnalyzer, nil, nil, map[string]any{"pattern_types": []any{"astrological"}}, plugin.CapConfigRead)
	assert.Error(t, NewPatternAnalyzer().Init(context.Background(), env))
}

func TestPatternAnalyzerTrimsToMax(t *testing.T) {
	u := NewPatternAnalyzer()
	u.maxPatterns = 2
	for i, c := range []float64{0.6, 0.9, 0.7} {
		sig := string(rune('a' + i))
		u.patterns[sig] = Pattern{Signature: sig, Confidence: c}
	}
	u.trimLocked()
	got := u.Patterns()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Signature)
	assert.Equal(t, "c", got[1].Signature)
}

func TestSystemDiagnostics(t *testing.T) {
	clk := newClock()
	ix := newCodex(t, clk)
	view := plugin.StatusView{
		Workers: map[string]model.WorkerRecord{
			"agent:sentinel": {ID: "agent:sentinel", State: model.WorkerRunning},
			"plugin:slow":    {ID: "plugin:slow", State: model.WorkerDegraded},
		},
		Plugins: model.ManifestRecord{Plugins: map[string]model.ManifestSummary{
			"memory_analyzer": {Status: model.PluginActive},
		}},
	}
	env := envFor(SystemDiagnostics, ix, func() plugin.StatusView { return view },
		map[string]any{"heap_warning_mb": 1.0, "max_history": 6.0},
		plugin.CapStatusRead, plugin.CapCodexWrite, plugin.CapConfigRead)

	u := NewSystemDiagnostics()
	u.Now = clk.Now
	u.Stats = func() RuntimeStats { return RuntimeStats{HeapBytes: 3 << 20, Goroutines: 12} }
	require.NoError(t, u.Init(context.Background(), env))

	results, err := u.Diagnose(context.Background(), env)
	require.NoError(t, err)
	byCheck := map[string]DiagnosticResult{}
	for _, r := range results {
		byCheck[r.Check] = r
	}
	assert.Equal(t, DiagnosticCritical, byCheck["memory"].Status)
	assert.Equal(t, DiagnosticOK, byCheck["goroutines"].Status)
	assert.Equal(t, DiagnosticWarning, byCheck["workers"].Status)
	assert.Contains(t, byCheck["workers"].Message, "plugin:slow")
	assert.Equal(t, DiagnosticOK, byCheck["plugins"].Status)

	assert.Len(t, collect(ix, "diagnostic"), 2)
	mem := collect(ix, "memory")
	require.Len(t, mem, 1)
	assert.InDelta(t, 0.95, mem[0].Confidence, 1e-9)

	rep := u.Health(context.Background())
	assert.Equal(t, model.HealthHealthy, rep.Status)
	assert.Equal(t, 2, rep.Metrics["alerts"])

	clk.Advance(time.Second)
	_, err = u.Diagnose(context.Background(), env)
	require.NoError(t, err)
	assert.Len(t, u.History(), 6, "history is bounded")
}

func TestSystemDiagnosticsFlagsTerminalWorkersAndFailedPlugins(t *testing.T) {
	now := time.Now()
	w := checkWorkers(map[string]model.WorkerRecord{
		"agent:a": {State: model.WorkerFailed, Terminal: true},
	}, now)
	assert.Equal(t, DiagnosticCritical, w.Status)

	p := checkPlugins(model.ManifestRecord{Plugins: map[string]model.ManifestSummary{
		"x": {Status: model.PluginFailed},
		"y": {Status: model.PluginActive, LastHealth: &model.HealthReport{Status: model.HealthError}},
	}}, now)
	assert.Equal(t, DiagnosticWarning, p.Status)
	assert.Contains(t, p.Message, "x")
}

func TestSystemDiagnosticsNeedsStatusRead(t *testing.T) {
	env := envFor(SystemDiagnostics, nil, nil, nil, plugin.CapCodexWrite)
	u := NewSystemDiagnostics()
	require.NoError(t, u.Init(context.Background(), env))
	_, err := u.Diagnose(context.Background(), env)
	assert.ErrorIs(t, err, plugin.ErrCapabilityDenied)
}

func TestEveryBeatsAndRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu          sync.Mutex
		runs, beats int
	)
	done := make(chan error, 1)
	go func() {
		done <- every(ctx, 20*time.Millisecond, func() {
			mu.Lock()
			beats++
			mu.Unlock()
		}, func(context.Context) {
			mu.Lock()
			runs++
			mu.Unlock()
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3 && beats >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
