package plugins

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
)

// MemorySample is one reading of process memory.
type MemorySample struct {
	Used  uint64
	Total uint64
}

// Ratio returns Used/Total, or 0 for an empty sample.
func (s MemorySample) Ratio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Total)
}

func runtimeSample() MemorySample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemorySample{Used: ms.HeapInuse, Total: ms.Sys}
}

type memoryFinding struct {
	at    time.Time
	ratio float64
}

// MemoryAnalyzerUnit samples process memory on an interval and records
// high-usage findings in the Codex.
type MemoryAnalyzerUnit struct {
	// Sample and Now are replaceable for tests.
	Sample func() MemorySample
	Now    func() time.Time

	interval  time.Duration
	retention time.Duration
	threshold float64

	mu       sync.Mutex
	last     time.Time
	current  MemorySample
	findings []memoryFinding
}

// NewMemoryAnalyzer returns a memory analyzer reading the Go runtime.
func NewMemoryAnalyzer() *MemoryAnalyzerUnit {
	return &MemoryAnalyzerUnit{Sample: runtimeSample, Now: time.Now}
}

func (u *MemoryAnalyzerUnit) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         MemoryAnalyzer,
		Version:      "1.0.0",
		Description:  "Samples process memory and records sustained high usage",
		Capabilities: []string{plugin.CapCodexWrite, plugin.CapConfigRead},
	}
}

// Init reads analysis_interval, retention_period (seconds), and
// alert_threshold (fraction of memory in use).
func (u *MemoryAnalyzerUnit) Init(_ context.Context, env *plugin.Env) error {
	cfg := readConfig(env)
	u.interval = seconds(cfg, "analysis_interval", time.Minute)
	u.retention = seconds(cfg, "retention_period", time.Hour)
	u.threshold = number(cfg, "alert_threshold", 0.8)
	if u.threshold <= 0 || u.threshold > 1 {
		return fmt.Errorf("alert_threshold %v must be within (0,1]", u.threshold)
	}
	return nil
}

func (u *MemoryAnalyzerUnit) Run(ctx context.Context, env *plugin.Env, beat func()) error {
	return every(ctx, u.interval, beat, func(ctx context.Context) {
		if err := u.Analyze(ctx, env); err != nil {
			env.Logger().Warn("plugins: memory analysis failed", "error", err)
		}
	})
}

// Analyze takes one sample, records it, and stores a finding when usage is
// over the alert threshold.
func (u *MemoryAnalyzerUnit) Analyze(ctx context.Context, env *plugin.Env) error {
	s := u.Sample()
	now := u.Now()
	ratio := s.Ratio()

	u.mu.Lock()
	u.current = s
	u.last = now
	over := ratio > u.threshold
	if over {
		u.findings = append(u.findings, memoryFinding{at: now, ratio: ratio})
	}
	kept := u.findings[:0]
	for _, f := range u.findings {
		if now.Sub(f.at) <= u.retention {
			kept = append(kept, f)
		}
	}
	u.findings = kept
	u.mu.Unlock()

	if !over {
		return nil
	}
	env.Logger().Warn("plugins: memory usage over threshold", "usage", ratio, "threshold", u.threshold)
	_, err := env.Store(ctx,
		fmt.Sprintf("memory usage at %.1f%% exceeds the %.1f%% alert threshold", ratio*100, u.threshold*100),
		[]string{"memory", "high_usage", "analysis"}, 0.9)
	return err
}

func (u *MemoryAnalyzerUnit) Health(context.Context) model.HealthReport {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.last.IsZero() {
		return model.HealthReport{Status: model.HealthWarning, Message: "no analysis performed yet"}
	}
	if age := u.Now().Sub(u.last); age > 2*u.interval {
		return model.HealthReport{Status: model.HealthWarning, Message: fmt.Sprintf("analysis is delayed: %s", age.Round(time.Second))}
	}
	return model.HealthReport{
		Status:  model.HealthHealthy,
		Message: "analyzer is running normally",
		Metrics: map[string]any{
			"last_analysis": u.last.UTC().Format(time.RFC3339),
			"finding_count": len(u.findings),
			"current_usage": u.current.Ratio(),
		},
	}
}

func (u *MemoryAnalyzerUnit) Cleanup(context.Context) error {
	u.mu.Lock()
	u.findings = nil
	u.mu.Unlock()
	return nil
}
