package guardian

import (
	"github.com/guardianos/guardian/internal/agent"
	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/config"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
	"github.com/guardianos/guardian/internal/plugins"
	"github.com/guardianos/guardian/internal/storage"
)

// Extension points, re-exported so code outside this module can implement
// them without importing internal packages.
type (
	// Config is the host configuration consumed by Core.Start.
	Config = config.Config

	// Unit is a plugin implementation. Units are registered in a Catalog
	// under the entry point their plugin.json names.
	Unit = plugin.Unit
	// Env is the capability-gated handle a Unit receives.
	Env = plugin.Env
	// Catalog maps plugin entry points to unit factories.
	Catalog = plugin.Catalog
	// Descriptor is a parsed plugin.json.
	Descriptor = plugin.Descriptor

	// Strategy is an agent's behaviour, stepped on an interval.
	Strategy = agent.Strategy
	// Memory is the Codex accessor handed to strategies.
	Memory = agent.Memory
	// AgentConfig controls how a strategy is run.
	AgentConfig = agent.Config

	// ManifestStore persists plugin manifest entries and worker registrations.
	ManifestStore = storage.ManifestStore

	Predicate      = codex.Predicate
	Window         = codex.Window
	MemoryArtifact = model.MemoryArtifact
	WorkerRecord   = model.WorkerRecord
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads configuration from the environment and the optional
// GUARDIAN_CONFIG overlay file.
func LoadConfig() (Config, error) { return config.Load() }

// BuiltinCatalog returns a catalog holding the plugin units shipped with
// guardian.
func BuiltinCatalog() (*Catalog, error) {
	c := plugin.NewCatalog()
	if err := plugins.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
