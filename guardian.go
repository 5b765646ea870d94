// Package guardian is the host process: it supervises agents, loads plugins
// into sandboxes, and maintains the Codex knowledge store.
//
//	core, err := guardian.New(
//	    guardian.WithLogger(logger),
//	    guardian.WithAgent(myStrategy, guardian.AgentConfig{Interval: time.Minute}),
//	)
//	if err != nil { ... }
//	if err := core.Start(ctx, cfg); err != nil { ... }
//	defer core.Stop(context.Background(), cfg.StopGrace)
//
// Start boots the Codex, then the plugin registry (restores the manifest,
// loads plugins, registers their loop workers), registers agents and system
// workers, and finally starts the supervision loop. internal/* never imports
// this package.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/guardianos/guardian/internal/agent"
	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/config"
	"github.com/guardianos/guardian/internal/integrity"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
	"github.com/guardianos/guardian/internal/ratelimit"
	"github.com/guardianos/guardian/internal/storage"
	"github.com/guardianos/guardian/internal/supervisor"
	"github.com/guardianos/guardian/migrations"
)

var (
	// ErrAlreadyRunning is returned by Start while the core is running.
	ErrAlreadyRunning = errors.New("guardian: already running")
	// ErrNotRunning is returned by control operations before Start.
	ErrNotRunning = errors.New("guardian: not running")
)

// staleSweeps is how many supervision ticks may pass without a sweep before
// the host reports itself unhealthy.
const staleSweeps = 3

// Core is the GuardianOS host. Construct with New, then Start and Stop it.
// A stopped core can be started again.
type Core struct {
	opts   resolvedOptions
	logger *slog.Logger

	mu     sync.Mutex // serializes Start and Stop
	rt     atomic.Pointer[runtime]
	health singleflight.Group
}

// runtime is everything one Start builds and the matching Stop tears down.
type runtime struct {
	cfg       config.Config
	startedAt time.Time
	store     storage.ManifestStore
	ownStore  bool
	codex     *codex.Index
	sup       *supervisor.Supervisor
	registry  *plugin.Registry
	limiter   ratelimit.Limiter
}

// New creates a core. It does not start anything.
func New(opts ...Option) (*Core, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.catalog == nil {
		c, err := BuiltinCatalog()
		if err != nil {
			return nil, fmt.Errorf("guardian: catalog: %w", err)
		}
		o.catalog = c
	}
	seen := make(map[string]bool, len(o.agents))
	for _, a := range o.agents {
		if a.strategy == nil {
			return nil, errors.New("guardian: nil agent strategy")
		}
		if seen[a.strategy.Name()] {
			return nil, fmt.Errorf("guardian: agent %q registered twice", a.strategy.Name())
		}
		seen[a.strategy.Name()] = true
	}
	return &Core{opts: o, logger: o.logger}, nil
}

// Start boots every subsystem and the supervision loop, then returns. ctx
// bounds the boot only; workers run until Stop.
func (c *Core) Start(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rt.Load() != nil {
		return ErrAlreadyRunning
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("guardian: %w", err)
	}
	c.logger.Info("guardian starting", "version", c.opts.version,
		"plugin_dir", cfg.PluginDir, "manifest_backend", cfg.ManifestBackend, "safe_mode", cfg.SafeMode)

	rt, err := c.boot(ctx, cfg)
	if err != nil {
		return err
	}
	c.rt.Store(rt)
	c.logger.Info("guardian started", "workers", len(rt.sup.Status()), "plugins", len(rt.registry.Entries()))
	return nil
}

func (c *Core) boot(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg, startedAt: c.opts.now()}

	// Manifest store.
	if c.opts.store != nil {
		rt.store = c.opts.store
	} else {
		s, err := OpenManifestStore(ctx, cfg, c.logger)
		if err != nil {
			return nil, fmt.Errorf("guardian: manifest store: %w", err)
		}
		rt.store, rt.ownStore = s, true
	}

	// Codex.
	cx, err := codex.New(codex.Config{
		Capacity:        cfg.CodexCapacity,
		PinnedThreshold: cfg.CodexPinnedThreshold,
		HalfLife:        cfg.CodexHalfLife,
		Journal:         codex.JournalConfig{Dir: cfg.CodexDir},
		Now:             c.opts.now,
	}, c.logger)
	if err != nil {
		_ = rt.release(c.logger)
		return nil, fmt.Errorf("guardian: codex: %w", err)
	}
	rt.codex = cx

	// Supervisor. The observer learns about the registry once it exists;
	// nothing can exhaust before plugins are loaded.
	obs := &observer{store: rt.store, logger: c.logger}
	rt.sup = supervisor.New(supervisor.Config{
		Tick:                    cfg.TickInterval,
		DefaultHeartbeatTimeout: cfg.HeartbeatTimeout,
		DefaultPolicy: supervisor.RestartPolicy{
			MaxRetries:  uint(cfg.MaxRestarts), //nolint:gosec // validated non-negative in config.Validate
			BackoffBase: cfg.BackoffBase,
			MaxBackoff:  cfg.MaxBackoff,
		},
		StopGrace: cfg.StopGrace,
		Observer:  obs,
		Now:       c.opts.now,
	}, c.logger)

	// Plugin write limiter.
	rps, burst := cfg.WriteRate()
	grps, gburst := cfg.GlobalWriteRate()
	rt.limiter = ratelimit.NewMemoryLimiter(rps, burst, ratelimit.WithKeyRate(ratelimit.GlobalKey, grps, gburst))

	// Plugin registry.
	reg, err := plugin.NewRegistry(plugin.Config{
		Dir:              cfg.PluginDir,
		InitBudget:       cfg.PluginInitBudget,
		HealthTimeout:    cfg.PluginHealthTimeout,
		HealthInterval:   cfg.PluginHealthInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Watch:            cfg.WatchPlugins && !cfg.SafeMode,
		Now:              c.opts.now,
	}, plugin.Deps{
		Store:      rt.store,
		Catalog:    c.opts.catalog,
		Supervisor: rt.sup,
		Codex:      cx,
		Status:     rt.statusView,
		Limiter:    rt.limiter,
	}, c.logger)
	if err != nil {
		_ = rt.release(c.logger)
		return nil, fmt.Errorf("guardian: registry: %w", err)
	}
	rt.registry = reg
	obs.registry.Store(reg)

	fail := func(err error) (*runtime, error) {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.StopGrace)
		defer cancel()
		rt.sup.Stop(stopCtx)
		rt.registry.Shutdown(stopCtx)
		_ = rt.release(c.logger)
		return nil, err
	}

	if err := reg.Restore(ctx); err != nil {
		return fail(fmt.Errorf("guardian: restore manifest: %w", err))
	}
	if err := reg.LoadAll(ctx); err != nil {
		// Individual plugin failures are recorded in the manifest and do not
		// prevent the host from running.
		c.logger.Warn("guardian: some plugins failed to load", "error", err)
	}
	if _, err := rt.sup.Register(reg.HousekeepingSpec()); err != nil {
		return fail(fmt.Errorf("guardian: register plugin housekeeping: %w", err))
	}
	for _, a := range c.opts.agents {
		if _, err := rt.sup.Register(agent.Spec(a.strategy, cx, a.cfg, c.logger)); err != nil {
			return fail(fmt.Errorf("guardian: register agent %s: %w", a.strategy.Name(), err))
		}
	}
	if _, err := rt.sup.Register(maintenanceSpec(cx, cfg, c.logger)); err != nil {
		return fail(fmt.Errorf("guardian: register codex maintenance: %w", err))
	}
	rt.pruneWorkers(ctx, c.logger)

	rt.sup.Start(context.WithoutCancel(ctx))
	return rt, nil
}

// Stop stops every worker, forcing stragglers once grace has elapsed, then
// cleans up plugin sandboxes, flushes the manifest, and closes the Codex.
// Persisted plugin statuses are left as they were so the next Start loads
// the same set. Stop on a core that is not running is a no-op.
func (c *Core) Stop(ctx context.Context, grace time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt := c.rt.Swap(nil)
	if rt == nil {
		return nil
	}
	if grace <= 0 {
		grace = rt.cfg.StopGrace
	}
	c.logger.Info("guardian shutting down", "grace", grace)

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	rt.sup.Stop(stopCtx)
	cancel()

	// Sandboxes get their own budget; the grace may be spent on stragglers.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.PluginHealthTimeout+time.Second)
	rt.registry.Shutdown(cleanupCtx)
	cancel()

	err := rt.release(c.logger)
	c.logger.Info("guardian stopped")
	return err
}

// release flushes and closes what the runtime owns. Safe on a partially
// built runtime.
func (rt *runtime) release(logger *slog.Logger) error {
	var errs []error
	if rt.store != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rt.store.Flush(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("guardian: flush manifest: %w", err))
		}
		cancel()
		if rt.ownStore {
			if err := rt.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("guardian: close manifest: %w", err))
			}
		}
	}
	if rt.codex != nil {
		if err := rt.codex.Close(); err != nil {
			errs = append(errs, fmt.Errorf("guardian: close codex: %w", err))
		}
	}
	if rt.limiter != nil {
		_ = rt.limiter.Close()
	}
	err := errors.Join(errs...)
	if err != nil {
		logger.Error("guardian: shutdown incomplete", "error", err)
	}
	return err
}

// pruneWorkers removes persisted registrations of workers that no longer
// exist, left behind by a previous run that did not stop cleanly or by
// plugins that were since disabled.
func (rt *runtime) pruneWorkers(ctx context.Context, logger *slog.Logger) {
	regs, err := rt.store.LoadWorkers(ctx)
	if err != nil {
		logger.Warn("guardian: load worker registrations", "error", err)
		return
	}
	live := rt.sup.Status()
	for _, reg := range regs {
		if _, ok := live[reg.ID]; ok {
			continue
		}
		if err := rt.store.DeleteWorker(ctx, reg.ID); err != nil {
			logger.Warn("guardian: delete stale worker registration", "worker_id", reg.ID, "error", err)
			continue
		}
		logger.Info("guardian: stale worker registration removed", "worker_id", reg.ID, "kind", reg.Kind)
	}
}

func (rt *runtime) statusView() plugin.StatusView {
	return plugin.StatusView{Workers: rt.sup.Status(), Plugins: rt.registry.Summary()}
}

// Health grades the host. Concurrent callers share one evaluation.
//
// Unhealthy: not running, or the supervision loop has not swept within
// three ticks. Degraded: any worker failed, degraded or waiting to restart,
// or any plugin failed.
func (c *Core) Health() HealthReport {
	v, _, _ := c.health.Do("health", func() (any, error) {
		return c.evaluateHealth(), nil
	})
	return v.(HealthReport)
}

func (c *Core) evaluateHealth() HealthReport {
	now := c.opts.now()
	rt := c.rt.Load()
	if rt == nil {
		return HealthReport{State: HealthUnhealthy, Reasons: []string{"not running"}, CheckedAt: now}
	}
	rep := HealthReport{State: HealthHealthy, LastSweep: rt.sup.LastSweep(), CheckedAt: now}
	if !rt.sup.Running() {
		rep.State = HealthUnhealthy
		rep.Reasons = []string{"supervision loop is not running"}
		return rep
	}
	if since := now.Sub(rep.LastSweep); since > staleSweeps*rt.sup.Tick() {
		rep.State = HealthUnhealthy
		rep.Reasons = []string{fmt.Sprintf("supervision loop has not swept for %s", since.Round(time.Second))}
		return rep
	}

	for id, w := range rt.sup.Status() {
		switch {
		case w.Terminal:
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("worker %s exhausted its restarts", id))
		case w.State == model.WorkerFailed || w.State == model.WorkerDegraded:
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("worker %s is %s", id, w.State))
		case w.State == model.WorkerStarting && w.RestartCount > 0:
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("worker %s restarting (attempt %d)", id, w.RestartCount))
		}
	}
	for _, e := range rt.registry.Entries() {
		if e.Status == model.PluginFailed {
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("plugin %s failed", e.Name))
		}
	}
	if len(rep.Reasons) > 0 {
		rep.State = HealthDegraded
		slices.Sort(rep.Reasons)
	}
	return rep
}

// Status returns a snapshot of workers, the plugin manifest, and the Codex.
func (c *Core) Status() Status {
	rt := c.rt.Load()
	if rt == nil {
		return Status{}
	}
	entries := rt.registry.Entries()
	manifest := model.Summarize(entries)
	manifest.RootHash = integrity.ManifestRoot(entries)
	return Status{
		Running:   true,
		StartedAt: rt.startedAt,
		Workers:   rt.sup.Status(),
		Manifest:  manifest,
		CodexSize: rt.codex.Len(),
	}
}

// Query runs a Codex query. Before Start it yields nothing.
func (c *Core) Query(pred Predicate, threshold float64, window Window) iter.Seq[MemoryArtifact] {
	rt := c.rt.Load()
	if rt == nil {
		return func(func(MemoryArtifact) bool) {}
	}
	return rt.codex.Query(pred, threshold, window)
}

// Remember stores an artifact attributed to source. It is the host's own
// write path; plugins write through their Env and agents through Memory.
func (c *Core) Remember(source, content string, tags []string, confidence float64) (string, error) {
	rt := c.rt.Load()
	if rt == nil {
		return "", ErrNotRunning
	}
	return rt.codex.StoreFrom(source, content, tags, confidence)
}

// Plugins returns every manifest entry, sorted by name.
func (c *Core) Plugins() []model.PluginManifestEntry {
	rt := c.rt.Load()
	if rt == nil {
		return nil
	}
	return rt.registry.Entries()
}

// EnablePlugin rediscovers and loads a plugin an operator had disabled, or
// one that failed.
func (c *Core) EnablePlugin(ctx context.Context, name string) error {
	rt := c.rt.Load()
	if rt == nil {
		return ErrNotRunning
	}
	_, err := rt.registry.Enable(ctx, name)
	return err
}

// DisablePlugin unloads a plugin and records it as disabled.
func (c *Core) DisablePlugin(ctx context.Context, name string) error {
	rt := c.rt.Load()
	if rt == nil {
		return ErrNotRunning
	}
	return rt.registry.Unload(ctx, name)
}

// OpenManifestStore opens the manifest backend named by cfg.
func OpenManifestStore(ctx context.Context, cfg Config, logger *slog.Logger) (ManifestStore, error) {
	switch cfg.ManifestBackend {
	case config.BackendSQLite:
		s, err := storage.NewSQLiteStore(ctx, cfg.ManifestPath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, migrations.FS, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := storage.NewFileStore(cfg.ManifestPath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
