package model

import (
	"maps"
	"slices"
	"time"
)

// PluginStatus is the persisted lifecycle status of a plugin.
type PluginStatus string

const (
	PluginActive   PluginStatus = "active"
	PluginDisabled PluginStatus = "disabled"
	PluginFailed   PluginStatus = "failed"
)

// HealthStatus is the result class of a plugin health check.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthError   HealthStatus = "error"
)

// HealthReport is what a plugin health hook returns, stamped by the registry.
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// PluginHooks records which optional lifecycle hooks a plugin exposes. It is
// resolved once when the plugin is loaded.
type PluginHooks struct {
	Cleanup bool `json:"cleanup"`
	Health  bool `json:"health"`
	// Loop is false when the plugin declares it needs no background loop.
	Loop bool `json:"loop"`
}

// PluginManifestEntry is the registry's record of one plugin.
type PluginManifestEntry struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Author       string         `json:"author,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config,omitempty"`
	Status       PluginStatus   `json:"status"`
	LastHealth   *HealthReport  `json:"last_health,omitempty"`
	Hooks        PluginHooks    `json:"hooks"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// ContentHash guards the persisted entry against torn or hand-edited writes.
	ContentHash string `json:"content_hash,omitempty"`
}

// Clone returns a deep copy of e. Config values are copied one level deep.
func (e PluginManifestEntry) Clone() PluginManifestEntry {
	out := e
	out.Dependencies = slices.Clone(e.Dependencies)
	out.Capabilities = slices.Clone(e.Capabilities)
	if e.Config != nil {
		out.Config = maps.Clone(e.Config)
	}
	if e.LastHealth != nil {
		h := *e.LastHealth
		if h.Metrics != nil {
			h.Metrics = maps.Clone(h.Metrics)
		}
		out.LastHealth = &h
	}
	return out
}

// ManifestSummary is the operator-facing view of one plugin.
type ManifestSummary struct {
	Version      string        `json:"version"`
	Status       PluginStatus  `json:"status"`
	Capabilities []string      `json:"capabilities"`
	LastHealth   *HealthReport `json:"last_health"`
}

// ManifestRecord is the persisted manifest as consumed by operators and tools.
type ManifestRecord struct {
	Plugins     map[string]ManifestSummary `json:"plugins"`
	LastUpdated time.Time                  `json:"last_updated"`
	// RootHash is the Merkle root over every entry's content hash.
	RootHash string `json:"root_hash,omitempty"`
}

// Summarize builds the operator record from a set of entries.
func Summarize(entries []PluginManifestEntry) ManifestRecord {
	rec := ManifestRecord{Plugins: make(map[string]ManifestSummary, len(entries))}
	for _, e := range entries {
		c := e.Clone()
		rec.Plugins[e.Name] = ManifestSummary{
			Version:      c.Version,
			Status:       c.Status,
			Capabilities: c.Capabilities,
			LastHealth:   c.LastHealth,
		}
		if e.UpdatedAt.After(rec.LastUpdated) {
			rec.LastUpdated = e.UpdatedAt
		}
	}
	return rec
}
