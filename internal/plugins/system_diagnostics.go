package plugins

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
)

// DiagnosticStatus grades one diagnostic check.
type DiagnosticStatus string

const (
	DiagnosticOK       DiagnosticStatus = "ok"
	DiagnosticWarning  DiagnosticStatus = "warning"
	DiagnosticCritical DiagnosticStatus = "critical"
)

// DiagnosticResult is the outcome of one check in one run.
type DiagnosticResult struct {
	Check   string
	Status  DiagnosticStatus
	Message string
	Metrics map[string]any
	At      time.Time
}

// RuntimeStats is the process-level input to the memory and goroutine checks.
type RuntimeStats struct {
	HeapBytes  uint64
	Goroutines int
}

func readRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeStats{HeapBytes: ms.HeapInuse, Goroutines: runtime.NumGoroutine()}
}

// SystemDiagnosticsUnit periodically grades process resources, worker
// states, and plugin states, and records every non-ok result in the Codex.
type SystemDiagnosticsUnit struct {
	// Stats and Now are replaceable for tests.
	Stats func() RuntimeStats
	Now   func() time.Time

	interval       time.Duration
	maxHistory     int
	heapWarning    uint64
	goroutineLimit int

	mu      sync.Mutex
	last    time.Time
	history []DiagnosticResult
}

// NewSystemDiagnostics returns a diagnostics unit reading the Go runtime.
func NewSystemDiagnostics() *SystemDiagnosticsUnit {
	return &SystemDiagnosticsUnit{Stats: readRuntimeStats, Now: time.Now}
}

func (u *SystemDiagnosticsUnit) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         SystemDiagnostics,
		Version:      "1.0.0",
		Description:  "Grades runtime resources and worker and plugin health",
		Capabilities: []string{plugin.CapStatusRead, plugin.CapCodexWrite, plugin.CapConfigRead},
	}
}

// Init reads check_interval (seconds), max_history, heap_warning_mb, and
// goroutine_warning.
func (u *SystemDiagnosticsUnit) Init(_ context.Context, env *plugin.Env) error {
	cfg := readConfig(env)
	u.interval = seconds(cfg, "check_interval", time.Minute)
	u.maxHistory = max(1, int(number(cfg, "max_history", 100)))
	u.heapWarning = uint64(number(cfg, "heap_warning_mb", 1024)) << 20
	u.goroutineLimit = int(number(cfg, "goroutine_warning", 10_000))
	return nil
}

func (u *SystemDiagnosticsUnit) Run(ctx context.Context, env *plugin.Env, beat func()) error {
	return every(ctx, u.interval, beat, func(ctx context.Context) {
		if _, err := u.Diagnose(ctx, env); err != nil {
			env.Logger().Warn("plugins: diagnostics failed", "error", err)
		}
	})
}

// Diagnose runs every check once, keeps the results in the bounded history,
// and stores an alert artifact per non-ok result.
func (u *SystemDiagnosticsUnit) Diagnose(ctx context.Context, env *plugin.Env) ([]DiagnosticResult, error) {
	now := u.Now()
	view, err := env.Status()
	if err != nil {
		return nil, err
	}
	stats := u.Stats()
	results := []DiagnosticResult{
		u.checkMemory(stats, now),
		u.checkGoroutines(stats, now),
		checkWorkers(view.Workers, now),
		checkPlugins(view.Plugins, now),
	}

	u.mu.Lock()
	u.history = append(u.history, results...)
	if over := len(u.history) - u.maxHistory; over > 0 {
		u.history = slices.Delete(u.history, 0, over)
	}
	u.last = now
	u.mu.Unlock()

	var firstErr error
	for _, r := range results {
		if r.Status == DiagnosticOK {
			continue
		}
		confidence := 0.8
		if r.Status == DiagnosticCritical {
			confidence = 0.95
		}
		env.Logger().Warn("plugins: diagnostic alert", "check", r.Check, "status", r.Status, "message", r.Message)
		if _, err := env.Store(ctx, fmt.Sprintf("%s check %s: %s", r.Check, r.Status, r.Message),
			[]string{"diagnostic", r.Check, string(r.Status)}, confidence); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

func (u *SystemDiagnosticsUnit) checkMemory(s RuntimeStats, now time.Time) DiagnosticResult {
	r := DiagnosticResult{Check: "memory", Status: DiagnosticOK, At: now,
		Metrics: map[string]any{"heap_bytes": s.HeapBytes}}
	switch {
	case s.HeapBytes >= 2*u.heapWarning:
		r.Status = DiagnosticCritical
	case s.HeapBytes >= u.heapWarning:
		r.Status = DiagnosticWarning
	}
	r.Message = fmt.Sprintf("heap in use %d MiB (warning at %d MiB)", s.HeapBytes>>20, u.heapWarning>>20)
	return r
}

func (u *SystemDiagnosticsUnit) checkGoroutines(s RuntimeStats, now time.Time) DiagnosticResult {
	r := DiagnosticResult{Check: "goroutines", Status: DiagnosticOK, At: now,
		Metrics: map[string]any{"goroutines": s.Goroutines}}
	switch {
	case s.Goroutines >= 2*u.goroutineLimit:
		r.Status = DiagnosticCritical
	case s.Goroutines >= u.goroutineLimit:
		r.Status = DiagnosticWarning
	}
	r.Message = fmt.Sprintf("%d goroutines (warning at %d)", s.Goroutines, u.goroutineLimit)
	return r
}

func checkWorkers(workers map[string]model.WorkerRecord, now time.Time) DiagnosticResult {
	var degraded, failed, terminal []string
	for id, w := range workers {
		switch {
		case w.Terminal:
			terminal = append(terminal, id)
		case w.State == model.WorkerFailed:
			failed = append(failed, id)
		case w.State == model.WorkerDegraded:
			degraded = append(degraded, id)
		}
	}
	slices.Sort(degraded)
	slices.Sort(failed)
	slices.Sort(terminal)
	r := DiagnosticResult{Check: "workers", Status: DiagnosticOK, At: now, Metrics: map[string]any{
		"total": len(workers), "degraded": len(degraded), "failed": len(failed), "terminal": len(terminal),
	}}
	switch {
	case len(terminal) > 0:
		r.Status = DiagnosticCritical
		r.Message = fmt.Sprintf("workers out of restarts: %v", terminal)
	case len(failed)+len(degraded) > 0:
		r.Status = DiagnosticWarning
		r.Message = fmt.Sprintf("unhealthy workers: %v", append(failed, degraded...))
	default:
		r.Message = fmt.Sprintf("%d workers healthy", len(workers))
	}
	return r
}

func checkPlugins(rec model.ManifestRecord, now time.Time) DiagnosticResult {
	var failed, unhealthy []string
	for name, p := range rec.Plugins {
		switch {
		case p.Status == model.PluginFailed:
			failed = append(failed, name)
		case p.Status == model.PluginActive && p.LastHealth != nil && p.LastHealth.Status == model.HealthError:
			unhealthy = append(unhealthy, name)
		}
	}
	slices.Sort(failed)
	slices.Sort(unhealthy)
	r := DiagnosticResult{Check: "plugins", Status: DiagnosticOK, At: now, Metrics: map[string]any{
		"total": len(rec.Plugins), "failed": len(failed), "unhealthy": len(unhealthy),
	}}
	switch {
	case len(failed) > 0:
		r.Status = DiagnosticWarning
		r.Message = fmt.Sprintf("failed plugins: %v", failed)
	case len(unhealthy) > 0:
		r.Status = DiagnosticWarning
		r.Message = fmt.Sprintf("plugins failing health checks: %v", unhealthy)
	default:
		r.Message = fmt.Sprintf("%d plugins registered", len(rec.Plugins))
	}
	return r
}

// History returns the retained results, oldest first.
func (u *SystemDiagnosticsUnit) History() []DiagnosticResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.history)
}

func (u *SystemDiagnosticsUnit) Health(context.Context) model.HealthReport {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.last.IsZero() {
		return model.HealthReport{Status: model.HealthWarning, Message: "no diagnostics run yet"}
	}
	if age := u.Now().Sub(u.last); age > 2*u.interval {
		return model.HealthReport{Status: model.HealthWarning, Message: fmt.Sprintf("diagnostics are delayed: %s", age.Round(time.Second))}
	}
	alerts := 0
	for _, r := range u.history {
		if r.At.Equal(u.last) && r.Status != DiagnosticOK {
			alerts++
		}
	}
	return model.HealthReport{
		Status:  model.HealthHealthy,
		Message: "diagnostics running",
		Metrics: map[string]any{"last_run": u.last.UTC().Format(time.RFC3339), "alerts": alerts, "history": len(u.history)},
	}
}
