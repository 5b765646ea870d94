package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/ratelimit"
	"github.com/guardianos/guardian/internal/storage"
	"github.com/guardianos/guardian/internal/supervisor"
	"github.com/guardianos/guardian/internal/telemetry"
)

// WorkerPrefix prefixes the supervisor ID of every plugin loop worker.
const WorkerPrefix = "plugin:"

// WorkerID returns the loop worker ID for plugin name.
func WorkerID(name string) string { return WorkerPrefix + name }

// Supervisor is the part of the worker supervisor the registry drives.
type Supervisor interface {
	Register(spec supervisor.Spec) (*supervisor.Handle, error)
	Unregister(ctx context.Context, id string) error
}

// Config holds registry settings. Zero values fall back to defaults.
type Config struct {
	Dir              string
	InitBudget       time.Duration // default 5s
	HealthTimeout    time.Duration // default 2s
	HealthInterval   time.Duration // housekeeping health sweep period, default 30s
	HeartbeatTimeout time.Duration // loop worker heartbeat timeout, default 30s
	// FailureThreshold is how many consecutive failed health checks demote a
	// plugin to failed. Default 3.
	FailureThreshold int
	// LoadConcurrency bounds parallel loads in LoadAll. Default 4.
	LoadConcurrency int
	// TeardownTimeout bounds cleanup when a plugin is torn down in the
	// background. Default 10s.
	TeardownTimeout time.Duration
	// Watch makes the housekeeping worker rescan Dir on filesystem changes.
	Watch bool
	Now   func() time.Time
}

func (c *Config) withDefaults() {
	if c.InitBudget <= 0 {
		c.InitBudget = 5 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.LoadConcurrency <= 0 {
		c.LoadConcurrency = 4
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators a registry needs.
type Deps struct {
	Store      storage.ManifestStore
	Catalog    *Catalog
	Supervisor Supervisor
	Codex      CodexAccess
	Status     StatusFunc
	// Limiter throttles plugin Codex writes. Nil disables throttling.
	Limiter ratelimit.Limiter
}

// Handle identifies a loaded plugin.
type Handle struct {
	name   string
	worker string
	hooks  model.PluginHooks
}

// Name returns the plugin name.
func (h *Handle) Name() string { return h.name }

// WorkerID returns the plugin's loop worker ID, or "" when it runs none.
func (h *Handle) WorkerID() string { return h.worker }

// Hooks returns the optional hooks the plugin exposes.
func (h *Handle) Hooks() model.PluginHooks { return h.hooks }

type loaded struct {
	sb       *Sandbox
	handle   *Handle
	failures int // consecutive failed health checks, guarded by the name lock
}

// Registry discovers plugins, drives their sandboxes, and keeps the manifest
// in step. Every status transition is written to the store before the
// in-memory entry changes.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]model.PluginManifestEntry
	active  map[string]*loaded
	locks   map[string]*sync.Mutex
	seen    map[string]bool // names discovered at least once

	bg sync.WaitGroup // background teardowns
}

// NewRegistry creates a registry. Call Restore before LoadAll to pick up the
// persisted manifest.
func NewRegistry(cfg Config, deps Deps, logger *slog.Logger) (*Registry, error) {
	cfg.withDefaults()
	if deps.Store == nil || deps.Catalog == nil || deps.Supervisor == nil {
		return nil, fmt.Errorf("plugin: registry needs a store, a catalog, and a supervisor")
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NoopLimiter{}
	}
	r := &Registry{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		entries: make(map[string]model.PluginManifestEntry),
		active:  make(map[string]*loaded),
		locks:   make(map[string]*sync.Mutex),
		seen:    make(map[string]bool),
	}
	r.registerMetrics()
	return r, nil
}

// Restore loads the persisted manifest into memory. Entries persisted as
// disabled or failed stay that way until an operator enables them.
func (r *Registry) Restore(ctx context.Context) error {
	entries, err := r.deps.Store.LoadPlugins(ctx)
	if err != nil {
		return fmt.Errorf("plugin: restore manifest: %w", err)
	}
	r.mu.Lock()
	for _, e := range entries {
		r.entries[e.Name] = e
	}
	r.mu.Unlock()
	r.logger.Info("plugin: manifest restored", "entries", len(entries))
	return nil
}

// LoadAll discovers plugins under the configured directory and loads every
// one not persisted as disabled or failed. Individual failures are collected
// and returned together; they never stop the other loads.
func (r *Registry) LoadAll(ctx context.Context) error {
	descs, discoverErr := Discover(r.cfg.Dir)

	var (
		mu   sync.Mutex
		errs = []error{discoverErr}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LoadConcurrency)
	for _, d := range descs {
		r.markSeen(d.Name)
		if st, ok := r.persistedStatus(d.Name); ok && st != model.PluginActive {
			r.logger.Info("plugin: skipping plugin held by operator", "plugin", d.Name, "status", st)
			continue
		}
		g.Go(func() error {
			if _, err := r.Load(gctx, d); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.warnOrphans(descs)
	return errors.Join(errs...)
}

// Load validates d, initializes it in a sandbox, starts its loop worker, and
// records it as active. A failing or overrunning Init records the plugin as
// failed and returns ErrInitFailed; it is not retried. Loading a plugin that
// is already active returns its existing handle.
func (r *Registry) Load(ctx context.Context, d Descriptor) (*Handle, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	factory, ok := r.deps.Catalog.Lookup(d.Entry())
	if !ok {
		return nil, fmt.Errorf("%w: %s: entry point %q is not in the catalog", ErrInvalidManifest, d.Name, d.Entry())
	}

	lock := r.nameLock(d.Name)
	lock.Lock()
	defer lock.Unlock()

	if l := r.loaded(d.Name); l != nil {
		return l.handle, nil
	}

	env := NewEnv(d, r.logger, r.deps.Codex, r.deps.Status, r.deps.Limiter)
	sb := newSandbox(d, factory(), env)

	if err := sb.Init(ctx, r.cfg.InitBudget); err != nil {
		sb.close()
		r.logger.Error("plugin: init failed", "plugin", d.Name, "error", err)
		failed := r.entryFor(d, model.PluginFailed, sb.Hooks())
		failed.LastHealth = &model.HealthReport{Status: model.HealthError, Message: err.Error(), CheckedAt: r.cfg.Now()}
		if perr := r.commit(ctx, failed); perr != nil {
			return nil, errors.Join(fmt.Errorf("%w: %s: %w", ErrInitFailed, d.Name, err), perr)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrInitFailed, d.Name, err)
	}

	h := &Handle{name: d.Name, hooks: sb.Hooks()}
	if h.hooks.Loop {
		id := WorkerID(d.Name)
		_, err := r.deps.Supervisor.Register(supervisor.Spec{
			ID:               id,
			Kind:             model.WorkerPluginLoop,
			HeartbeatTimeout: r.cfg.HeartbeatTimeout,
			Heartbeats:       true,
			Run: func(ctx context.Context, sh *supervisor.Handle) error {
				return sb.Run(ctx, sh.Heartbeat, r.beatInterval())
			},
		})
		if err != nil {
			r.discard(ctx, sb)
			return nil, fmt.Errorf("%w: %s: register loop worker: %w", ErrInitFailed, d.Name, err)
		}
		h.worker = id
	}

	if err := r.commit(ctx, r.entryFor(d, model.PluginActive, h.hooks)); err != nil {
		if h.worker != "" {
			if uerr := r.deps.Supervisor.Unregister(ctx, h.worker); uerr != nil {
				r.logger.Warn("plugin: unregister after failed commit", "plugin", d.Name, "error", uerr)
			}
		}
		r.discard(ctx, sb)
		return nil, err
	}

	r.mu.Lock()
	r.active[d.Name] = &loaded{sb: sb, handle: h}
	r.seen[d.Name] = true
	r.mu.Unlock()

	r.logger.Info("plugin: loaded", "plugin", d.Name, "version", d.Version,
		"loop", h.hooks.Loop, "health", h.hooks.Health, "cleanup", h.hooks.Cleanup)
	return h, nil
}

// Unload cleans up the plugin (best effort), stops its loop worker, and
// records it as disabled.
func (r *Registry) Unload(ctx context.Context, name string) error {
	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if l := r.loaded(name); l != nil {
		return r.teardown(ctx, name, l, model.PluginDisabled, nil)
	}
	e, ok := r.Entry(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	if e.Status == model.PluginDisabled {
		return nil
	}
	e.Status = model.PluginDisabled
	return r.commit(ctx, e)
}

// Enable is the operator action that re-admits a disabled or failed plugin:
// it rediscovers the descriptor and loads it.
func (r *Registry) Enable(ctx context.Context, name string) (*Handle, error) {
	descs, err := Discover(r.cfg.Dir)
	idx := slices.IndexFunc(descs, func(d Descriptor) bool { return d.Name == name })
	if idx < 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnknownPlugin, name, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}
	return r.Load(ctx, descs[idx])
}

// HealthSweep runs the health hook of every active plugin that has one, in
// parallel, each under the health timeout. A timeout or error is recorded as
// an error report; after FailureThreshold consecutive failures the plugin is
// recorded as failed and unloaded. Returned errors are persistence failures.
func (r *Registry) HealthSweep(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.active))
	for name, l := range r.active {
		if l.handle.hooks.Health {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()
	slices.Sort(names)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LoadConcurrency)
	for _, name := range names {
		g.Go(func() error {
			if err := r.checkOne(gctx, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Registry) checkOne(ctx context.Context, name string) error {
	l := r.loaded(name)
	if l == nil {
		return nil
	}
	rep := l.sb.Health(ctx, r.cfg.HealthTimeout, r.cfg.Now())

	lock := r.nameLock(name)
	lock.Lock()
	defer lock.Unlock()
	if r.loaded(name) != l {
		return nil // unloaded while the check ran
	}

	if rep.Status == model.HealthError {
		l.failures++
		r.logger.Warn("plugin: health check failed", "plugin", name, "consecutive", l.failures, "message", rep.Message)
	} else {
		l.failures = 0
	}
	if l.failures >= r.cfg.FailureThreshold {
		r.logger.Error("plugin: demoted after repeated health failures", "plugin", name, "failures", l.failures)
		return r.teardown(ctx, name, l, model.PluginFailed, &rep)
	}

	e, ok := r.Entry(name)
	if !ok {
		return nil
	}
	e.LastHealth = &rep
	return r.commit(ctx, e)
}

// WorkerExhausted handles a plugin loop worker whose restart policy ran out:
// the plugin is recorded as failed and torn down in the background. IDs that
// are not plugin loop workers are ignored.
func (r *Registry) WorkerExhausted(rec model.WorkerRecord) {
	name, ok := strings.CutPrefix(rec.ID, WorkerPrefix)
	if !ok || rec.Kind != model.WorkerPluginLoop {
		return
	}
	msg := "loop worker exhausted its restarts"
	// The newest entry is usually the supervisor's own exhaustion note; report
	// the failure that led to it.
	for _, we := range slices.Backward(rec.ErrorHistory) {
		if !strings.HasPrefix(we.Message, supervisor.ErrRestartsExhausted.Error()) {
			msg += ": " + we.Message
			break
		}
	}
	r.bg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
		defer cancel()

		lock := r.nameLock(name)
		lock.Lock()
		defer lock.Unlock()
		l := r.loaded(name)
		if l == nil || l.handle.worker != rec.ID {
			return
		}
		rep := model.HealthReport{Status: model.HealthError, Message: msg, CheckedAt: r.cfg.Now()}
		if err := r.teardown(ctx, name, l, model.PluginFailed, &rep); err != nil {
			r.logger.Error("plugin: teardown after worker exhaustion", "plugin", name, "error", err)
		}
	})
}

// Shutdown cleans up every loaded plugin without changing its persisted
// status, so active plugins load again on the next start. Loop workers are
// expected to have been stopped by the supervisor already.
func (r *Registry) Shutdown(ctx context.Context) {
	r.bg.Wait()

	r.mu.Lock()
	active := r.active
	r.active = make(map[string]*loaded)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, l := range active {
		wg.Go(func() {
			if err := l.sb.Cleanup(ctx, r.cfg.HealthTimeout); err != nil {
				r.logger.Warn("plugin: cleanup on shutdown failed", "plugin", name, "error", err)
			}
			l.sb.close()
			r.deps.Limiter.Reset(ratelimit.PluginKey(name))
		})
	}
	wg.Wait()
	r.logger.Info("plugin: registry shut down", "plugins", len(active))
}

// Entries returns copies of every manifest entry, sorted by name.
func (r *Registry) Entries() []model.PluginManifestEntry {
	r.mu.RLock()
	out := make([]model.PluginManifestEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Clone())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.PluginManifestEntry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Entry returns a copy of the manifest entry for name.
func (r *Registry) Entry(name string) (model.PluginManifestEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return model.PluginManifestEntry{}, false
	}
	return e.Clone(), true
}

// Summary returns the operator view of the in-memory manifest.
func (r *Registry) Summary() model.ManifestRecord { return model.Summarize(r.Entries()) }

// Record returns the persisted manifest record, root hash included.
func (r *Registry) Record(ctx context.Context) (model.ManifestRecord, error) {
	return r.deps.Store.Record(ctx)
}

// Loaded reports whether name has a live sandbox.
func (r *Registry) Loaded(name string) bool { return r.loaded(name) != nil }

// teardown stops l's worker, runs cleanup, revokes its environment, and
// records status. Caller holds the name lock.
func (r *Registry) teardown(ctx context.Context, name string, l *loaded, status model.PluginStatus, rep *model.HealthReport) error {
	if l.handle.worker != "" {
		if err := r.deps.Supervisor.Unregister(ctx, l.handle.worker); err != nil && !errors.Is(err, supervisor.ErrUnknownWorker) {
			r.logger.Warn("plugin: unregister loop worker", "plugin", name, "error", err)
		}
	}
	r.discard(ctx, l.sb)

	r.mu.Lock()
	delete(r.active, name)
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		e = r.entryFor(l.sb.desc, status, l.handle.hooks)
	}
	e = e.Clone()
	e.Status = status
	if rep != nil {
		e.LastHealth = rep
	}
	if err := r.commit(ctx, e); err != nil {
		return err
	}
	r.logger.Info("plugin: unloaded", "plugin", name, "status", status)
	return nil
}

// discard runs best-effort cleanup and revokes the environment.
func (r *Registry) discard(ctx context.Context, sb *Sandbox) {
	if err := sb.Cleanup(ctx, r.cfg.HealthTimeout); err != nil {
		r.logger.Warn("plugin: cleanup failed", "plugin", sb.desc.Name, "error", err)
	}
	sb.close()
	r.deps.Limiter.Reset(ratelimit.PluginKey(sb.desc.Name))
}

// commit writes e through to the store, then flips the in-memory entry.
func (r *Registry) commit(ctx context.Context, e model.PluginManifestEntry) error {
	e.UpdatedAt = r.cfg.Now().UTC()
	if err := r.deps.Store.PutPlugin(ctx, e); err != nil {
		return fmt.Errorf("plugin: persist %s as %s: %w", e.Name, e.Status, err)
	}
	r.mu.Lock()
	r.entries[e.Name] = e
	r.mu.Unlock()
	return nil
}

func (r *Registry) entryFor(d Descriptor, status model.PluginStatus, hooks model.PluginHooks) model.PluginManifestEntry {
	e := model.PluginManifestEntry{
		Name:         d.Name,
		Version:      d.Version,
		Description:  d.Description,
		Author:       d.Author,
		Dependencies: slices.Clone(d.Dependencies),
		Capabilities: slices.Clone(d.Capabilities),
		Status:       status,
		Hooks:        hooks,
	}
	if d.Config != nil {
		e.Config = maps.Clone(d.Config)
	}
	return e
}

func (r *Registry) loaded(name string) *loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[name]
}

func (r *Registry) persistedStatus(name string) (model.PluginStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.Status, ok
}

func (r *Registry) nameLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

func (r *Registry) markSeen(name string) {
	r.mu.Lock()
	r.seen[name] = true
	r.mu.Unlock()
}

// warnOrphans logs active manifest entries with no descriptor on disk.
func (r *Registry) warnOrphans(descs []Descriptor) {
	for _, e := range r.Entries() {
		if e.Status != model.PluginActive || r.Loaded(e.Name) {
			continue
		}
		if !slices.ContainsFunc(descs, func(d Descriptor) bool { return d.Name == e.Name }) {
			r.logger.Warn("plugin: manifest entry has no descriptor", "plugin", e.Name)
		}
	}
}

func (r *Registry) beatInterval() time.Duration {
	if d := r.cfg.HeartbeatTimeout / 3; d > 0 {
		return d
	}
	return time.Second
}

func (r *Registry) registerMetrics() {
	meter := telemetry.Meter("guardian/plugin")
	_, _ = meter.Int64ObservableGauge("guardian.plugin.plugins",
		metric.WithDescription("Plugins in the manifest by status"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			counts := map[model.PluginStatus]int64{}
			for _, e := range r.Entries() {
				counts[e.Status]++
			}
			for _, st := range []model.PluginStatus{model.PluginActive, model.PluginDisabled, model.PluginFailed} {
				o.Observe(counts[st], metric.WithAttributes(attribute.String("status", string(st))))
			}
			return nil
		}),
	)
}
