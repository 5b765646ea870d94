// Package storage persists the plugin manifest and worker registrations.
//
// Three backends implement ManifestStore: a JSON file written with
// write-then-flip (the default, and memory-only with an empty path), SQLite
// with revision rows and a current-pointer table, and PostgreSQL for hosts
// that already run one. Every backend seals entries with a content hash on
// write and drops entries whose hash does not verify on load.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/guardianos/guardian/internal/integrity"
	"github.com/guardianos/guardian/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCorrupt is returned when persisted data cannot be decoded.
	ErrCorrupt = errors.New("storage: corrupt manifest data")
)

// ManifestStore is the durable home of plugin manifest entries and worker
// registrations. Writes return only after the backend has accepted them.
type ManifestStore interface {
	LoadPlugins(ctx context.Context) ([]model.PluginManifestEntry, error)
	PutPlugin(ctx context.Context, e model.PluginManifestEntry) error
	DeletePlugin(ctx context.Context, name string) error

	LoadWorkers(ctx context.Context) ([]model.WorkerRegistration, error)
	PutWorker(ctx context.Context, reg model.WorkerRegistration) error
	DeleteWorker(ctx context.Context, id string) error

	// Record returns the operator-facing manifest record.
	Record(ctx context.Context) (model.ManifestRecord, error)
	Flush(ctx context.Context) error
	Close() error
}

// seal returns a copy of e carrying its content hash.
func seal(e model.PluginManifestEntry) model.PluginManifestEntry {
	out := e.Clone()
	out.ContentHash = integrity.ComputeEntryHash(out)
	return out
}

// verified drops entries whose content hash does not match, logging each.
func verified(entries []model.PluginManifestEntry, logger *slog.Logger) []model.PluginManifestEntry {
	out := entries[:0]
	for _, e := range entries {
		if !integrity.VerifyEntryHash(e) {
			logger.Warn("storage: manifest entry failed integrity check, ignoring",
				"plugin", e.Name, "content_hash", e.ContentHash)
			continue
		}
		out = append(out, e)
	}
	return out
}

// buildRecord summarizes entries and stamps the Merkle root.
func buildRecord(entries []model.PluginManifestEntry) model.ManifestRecord {
	rec := model.Summarize(entries)
	rec.RootHash = integrity.ManifestRoot(entries)
	return rec
}

func sortEntries(entries []model.PluginManifestEntry) {
	slices.SortFunc(entries, func(a, b model.PluginManifestEntry) int { return strings.Compare(a.Name, b.Name) })
}

func sortWorkers(regs []model.WorkerRegistration) {
	slices.SortFunc(regs, func(a, b model.WorkerRegistration) int { return strings.Compare(a.ID, b.ID) })
}
