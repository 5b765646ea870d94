// Package agent runs agent strategies as supervised workers. A strategy is
// opaque to the core: it is stepped on an interval with a Memory bound to its
// own source name, and the loop reports liveness after every step.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/supervisor"
)

// WorkerPrefix namespaces agent worker IDs.
const WorkerPrefix = "agent:"

// ErrTooManyFailures is returned from the worker body after MaxFailures
// consecutive failed steps, handing the agent to the restart policy.
var ErrTooManyFailures = errors.New("agent: too many consecutive step failures")

// Codex is the part of the index agents use. Agents are trusted and are not
// capability-gated.
type Codex interface {
	StoreFrom(source, content string, tags []string, confidence float64) (string, error)
	Query(pred codex.Predicate, threshold float64, window codex.Window) iter.Seq[model.MemoryArtifact]
	Reinforce(id string, delta float64) (float64, bool)
	Decay(id string, delta float64) (float64, bool)
	Relate(id, relatedID string) error
}

// Memory is a Codex accessor that attributes every write to one agent.
type Memory struct {
	source string
	cx     Codex
}

// NewMemory binds cx to source.
func NewMemory(source string, cx Codex) *Memory {
	return &Memory{source: source, cx: cx}
}

// Source returns the attribution stamped on writes.
func (m *Memory) Source() string { return m.source }

// Store records an artifact attributed to the agent.
func (m *Memory) Store(content string, tags []string, confidence float64) (string, error) {
	return m.cx.StoreFrom(m.source, content, tags, confidence)
}

// Query reads the Codex.
func (m *Memory) Query(pred codex.Predicate, threshold float64, window codex.Window) iter.Seq[model.MemoryArtifact] {
	return m.cx.Query(pred, threshold, window)
}

// Reinforce raises an artifact's confidence, clamped to 1.
func (m *Memory) Reinforce(id string, delta float64) (float64, bool) { return m.cx.Reinforce(id, delta) }

// Decay lowers an artifact's confidence, clamped to 0.
func (m *Memory) Decay(id string, delta float64) (float64, bool) { return m.cx.Decay(id, delta) }

// Relate records relatedID as a back-reference on id.
func (m *Memory) Relate(id, relatedID string) error { return m.cx.Relate(id, relatedID) }

// Strategy is one agent's behaviour.
type Strategy interface {
	Name() string
	Step(ctx context.Context, mem *Memory) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc struct {
	ID string
	Fn func(ctx context.Context, mem *Memory) error
}

// Name returns f.ID.
func (f StrategyFunc) Name() string { return f.ID }

// Step calls f.Fn.
func (f StrategyFunc) Step(ctx context.Context, mem *Memory) error { return f.Fn(ctx, mem) }

// Config controls how a strategy is run.
type Config struct {
	Interval         time.Duration // between steps, default 10s
	HeartbeatTimeout time.Duration // zero uses the supervisor default
	MaxFailures      int           // consecutive failed steps before the worker fails, default 5
	Policy           supervisor.RestartPolicy
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
}

// WorkerID returns the supervisor ID of the agent named name.
func WorkerID(name string) string { return WorkerPrefix + name }

// Spec builds the supervised worker for s. Every restart gets a fresh loop
// and failure count; the Memory is shared.
func Spec(s Strategy, cx Codex, cfg Config, logger *slog.Logger) supervisor.Spec {
	cfg.withDefaults()
	id := WorkerID(s.Name())
	mem := NewMemory(id, cx)
	return supervisor.Spec{
		ID:               id,
		Kind:             model.WorkerAgent,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Policy:           cfg.Policy,
		Heartbeats:       true,
		Run: func(ctx context.Context, h *supervisor.Handle) error {
			l := &loop{strategy: s, mem: mem, cfg: cfg, logger: logger.With("agent", s.Name())}
			return l.run(ctx, h.Heartbeat)
		},
	}
}

type loop struct {
	strategy Strategy
	mem      *Memory
	cfg      Config
	logger   *slog.Logger
	failures int
}

// run steps the strategy until ctx is done. A panicking step counts as a
// failed step.
func (l *loop) run(ctx context.Context, beat func()) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := l.step(ctx); err != nil {
			return err
		}
		beat()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *loop) step(ctx context.Context) error {
	err := safeStep(ctx, l.strategy, l.mem)
	if err == nil || ctx.Err() != nil {
		l.failures = 0
		return nil
	}
	l.failures++
	l.logger.Warn("agent: step failed", "error", err, "consecutive", l.failures)
	if l.failures >= l.cfg.MaxFailures {
		return fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, l.failures, err)
	}
	return nil
}

func safeStep(ctx context.Context, s Strategy, mem *Memory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent: step panicked: %v", r)
		}
	}()
	return s.Step(ctx, mem)
}
