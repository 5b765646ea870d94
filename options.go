package guardian

import (
	"log/slog"
	"time"
)

// Option configures a Core.
type Option func(*resolvedOptions)

type agentSpec struct {
	strategy Strategy
	cfg      AgentConfig
}

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	logger  *slog.Logger
	version string
	store   ManifestStore
	catalog *Catalog
	agents  []agentSpec
	now     func() time.Time
}

// WithLogger sets the structured logger. If not set, slog.Default is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithManifestStore injects the manifest store instead of opening the one
// named by the configuration. Core flushes an injected store on Stop but
// never closes it.
func WithManifestStore(s ManifestStore) Option {
	return func(o *resolvedOptions) { o.store = s }
}

// WithCatalog replaces the built-in plugin catalog.
func WithCatalog(c *Catalog) Option {
	return func(o *resolvedOptions) { o.catalog = c }
}

// WithAgent registers an agent strategy, supervised as an agent worker from
// Start on. May be given more than once.
func WithAgent(s Strategy, cfg AgentConfig) Option {
	return func(o *resolvedOptions) { o.agents = append(o.agents, agentSpec{strategy: s, cfg: cfg}) }
}

// WithClock replaces the wall clock used for supervision, plugin health, and
// Codex timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.now = now }
}
