package plugin

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync/atomic"

	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/ratelimit"
)

// CodexAccess is the slice of the Codex a plugin environment may reach.
// *codex.Index satisfies it.
type CodexAccess interface {
	StoreFrom(source, content string, tags []string, confidence float64) (string, error)
	Query(pred codex.Predicate, threshold float64, window codex.Window) iter.Seq[model.MemoryArtifact]
	Reinforce(id string, delta float64) (float64, bool)
}

// StatusView is the read-only system status a plugin with status:read sees.
type StatusView struct {
	Workers map[string]model.WorkerRecord
	Plugins model.ManifestRecord
}

// StatusFunc produces a fresh StatusView.
type StatusFunc func() StatusView

// Env is a plugin's window onto the host. Every method checks the plugin's
// declared capabilities; undeclared ones fail with ErrCapabilityDenied. An
// Env stops working once its plugin is unloaded.
type Env struct {
	name    string
	caps    map[string]bool
	config  map[string]any
	logger  *slog.Logger
	codex   CodexAccess
	status  StatusFunc
	limiter ratelimit.Limiter
	closed  atomic.Bool
}

// NewEnv builds the environment for a plugin described by d. The registry
// calls it on every load; embedders and tests may use it directly.
func NewEnv(d Descriptor, logger *slog.Logger, cx CodexAccess, status StatusFunc, limiter ratelimit.Limiter) *Env {
	caps := make(map[string]bool, len(d.Capabilities))
	for _, c := range d.Capabilities {
		caps[c] = true
	}
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	return &Env{
		name:    d.Name,
		caps:    caps,
		config:  maps.Clone(d.Config),
		logger:  logger.With("plugin", d.Name),
		codex:   cx,
		status:  status,
		limiter: limiter,
	}
}

// Name returns the plugin's name.
func (e *Env) Name() string { return e.name }

// Logger returns a logger tagged with the plugin's name.
func (e *Env) Logger() *slog.Logger { return e.logger }

// Config returns a copy of the plugin's configuration. Requires config:read.
func (e *Env) Config() (map[string]any, error) {
	if err := e.check(CapConfigRead); err != nil {
		return nil, err
	}
	return maps.Clone(e.config), nil
}

// Store writes an artifact attributed to the plugin. Requires codex:write
// and is subject to the plugin's write rate.
func (e *Env) Store(ctx context.Context, content string, tags []string, confidence float64) (string, error) {
	if err := e.write(ctx); err != nil {
		return "", err
	}
	return e.codex.StoreFrom(e.name, content, tags, confidence)
}

// Reinforce adjusts an artifact's confidence. Requires codex:write and is
// subject to the plugin's write rate. Absent ids report false.
func (e *Env) Reinforce(ctx context.Context, id string, delta float64) (float64, bool, error) {
	if err := e.write(ctx); err != nil {
		return 0, false, err
	}
	c, ok := e.codex.Reinforce(id, delta)
	return c, ok, nil
}

// Query reads the Codex. Requires codex:read.
func (e *Env) Query(pred codex.Predicate, threshold float64, window codex.Window) (iter.Seq[model.MemoryArtifact], error) {
	if err := e.check(CapCodexRead); err != nil {
		return nil, err
	}
	return e.codex.Query(pred, threshold, window), nil
}

// Status returns the current worker and plugin status. Requires status:read.
func (e *Env) Status() (StatusView, error) {
	if err := e.check(CapStatusRead); err != nil {
		return StatusView{}, err
	}
	if e.status == nil {
		return StatusView{}, nil
	}
	return e.status(), nil
}

func (e *Env) write(ctx context.Context) error {
	if err := e.check(CapCodexWrite); err != nil {
		return err
	}
	if !e.allow(ctx, ratelimit.PluginKey(e.name)) {
		return fmt.Errorf("%w: %s", ErrRateLimited, e.name)
	}
	if !e.allow(ctx, ratelimit.GlobalKey) {
		return fmt.Errorf("%w: %s: host-wide write budget exhausted", ErrRateLimited, e.name)
	}
	return nil
}

// allow consults the limiter for key. Limiter errors let the write through.
func (e *Env) allow(ctx context.Context, key string) bool {
	ok, err := e.limiter.Allow(ctx, key)
	if err != nil {
		e.logger.Warn("plugin: rate limiter error, allowing write", "key", key, "error", err)
		return true
	}
	return ok
}

func (e *Env) check(capability string) error {
	if e.closed.Load() {
		return fmt.Errorf("%w: %s", ErrUnloaded, e.name)
	}
	if !e.caps[capability] {
		return fmt.Errorf("%w: %s lacks %s", ErrCapabilityDenied, e.name, capability)
	}
	if e.codex == nil && (capability == CapCodexRead || capability == CapCodexWrite) {
		return fmt.Errorf("%w: %s: no codex attached", ErrCapabilityDenied, e.name)
	}
	return nil
}

func (e *Env) close() { e.closed.Store(true) }
