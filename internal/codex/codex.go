// Package codex is the in-process knowledge store: memory artifacts with a
// confidence score, queried by tags, text, and time window, and evicted by
// confidence weighted for recency when the store is full.
package codex

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/telemetry"
)

const shardCount = 32

var (
	// ErrInvalidConfidence is returned when a confidence is NaN or outside [0,1].
	ErrInvalidConfidence = errors.New("codex: confidence must be within [0,1]")
	// ErrNotFound is returned for operations on an unknown artifact ID.
	ErrNotFound = errors.New("codex: artifact not found")
)

// Config holds Codex settings.
type Config struct {
	Capacity        int           // default 10000
	PinnedThreshold float64       // artifacts at or above are never evicted; default 0.9
	HalfLife        time.Duration // recency half-life for eviction scoring; default 720h
	Journal         JournalConfig // Dir empty keeps the Codex memory-only
	Now             func() time.Time
}

func (c *Config) withDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.PinnedThreshold <= 0 {
		c.PinnedThreshold = 0.9
	}
	if c.HalfLife <= 0 {
		c.HalfLife = 720 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// entry is the index's mutable slot for one artifact. Fields are guarded by
// the shard lock for the artifact's ID.
type entry struct {
	art     model.MemoryArtifact
	removed bool
}

// Index is a capacity-bounded, concurrency-safe artifact store.
type Index struct {
	cfg     Config
	logger  *slog.Logger
	journal *Journal

	mu        sync.RWMutex // guards the artifacts map itself
	artifacts map[string]*entry
	shards    [shardCount]sync.Mutex
	count     atomic.Int64

	// persistMu is held shared by every journaled mutation and exclusively by
	// compaction, so a snapshot never races an append.
	persistMu sync.RWMutex
	evictMu   sync.Mutex

	evictions metric.Int64Counter
}

// New creates an Index. When cfg.Journal.Dir is set, prior state is replayed
// from disk before New returns.
func New(cfg Config, logger *slog.Logger) (*Index, error) {
	cfg.withDefaults()
	if cfg.PinnedThreshold > 1 || math.IsNaN(cfg.PinnedThreshold) {
		return nil, fmt.Errorf("codex: pinned threshold %v: %w", cfg.PinnedThreshold, ErrInvalidConfidence)
	}

	ix := &Index{
		cfg:       cfg,
		logger:    logger,
		artifacts: make(map[string]*entry),
	}

	j, err := OpenJournal(logger, cfg.Journal)
	if err != nil {
		return nil, err
	}
	if j != nil {
		state, err := j.Replay()
		if err != nil {
			_ = j.Close()
			return nil, err
		}
		for id, a := range state {
			ix.artifacts[id] = &entry{art: a}
		}
		ix.count.Store(int64(len(state)))
		ix.journal = j
		j.registerMetrics()
	}

	ix.registerMetrics()
	ix.evict()
	return ix, nil
}

func (ix *Index) shard(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &ix.shards[h.Sum32()%shardCount]
}

// Store adds a new artifact and returns its ID. If the store is over capacity
// afterwards, eviction runs before Store returns.
func (ix *Index) Store(content string, tags []string, confidence float64) (string, error) {
	return ix.StoreFrom("", content, tags, confidence)
}

// StoreFrom is Store with a provenance label (plugin or agent name).
func (ix *Index) StoreFrom(source, content string, tags []string, confidence float64) (string, error) {
	if !validConfidence(confidence) {
		return "", fmt.Errorf("%w: got %v", ErrInvalidConfidence, confidence)
	}

	now := ix.cfg.Now()
	a := model.MemoryArtifact{
		ID:           uuid.NewString(),
		Content:      content,
		Tags:         slices.Clone(tags),
		Confidence:   confidence,
		CreatedAt:    now,
		LastAccessed: now,
		Source:       source,
	}

	ix.persistMu.RLock()
	if ix.journal != nil {
		if err := ix.journal.appendPut(a); err != nil {
			ix.persistMu.RUnlock()
			return "", err
		}
	}
	ix.mu.Lock()
	ix.artifacts[a.ID] = &entry{art: a}
	ix.mu.Unlock()
	ix.persistMu.RUnlock()

	if ix.count.Add(1) > int64(ix.cfg.Capacity) {
		ix.evict()
	}
	return a.ID, nil
}

// Get returns a copy of the artifact. It does not count as an access.
func (ix *Index) Get(id string) (model.MemoryArtifact, bool) {
	e := ix.lookup(id)
	if e == nil {
		return model.MemoryArtifact{}, false
	}
	mu := ix.shard(id)
	mu.Lock()
	defer mu.Unlock()
	if e.removed {
		return model.MemoryArtifact{}, false
	}
	return e.art.Clone(), true
}

// Len returns the number of stored artifacts.
func (ix *Index) Len() int { return int(ix.count.Load()) }

// Reinforce raises an artifact's confidence by delta, clamped to [0,1], and
// returns the new value. Unknown IDs are a no-op returning false. A NaN delta
// leaves the confidence unchanged.
func (ix *Index) Reinforce(id string, delta float64) (float64, bool) {
	return ix.adjust(id, delta)
}

// Decay lowers an artifact's confidence by delta, clamped to [0,1].
func (ix *Index) Decay(id string, delta float64) (float64, bool) {
	return ix.adjust(id, -delta)
}

func (ix *Index) adjust(id string, delta float64) (float64, bool) {
	e := ix.lookup(id)
	if e == nil {
		return 0, false
	}

	ix.persistMu.RLock()
	defer ix.persistMu.RUnlock()
	mu := ix.shard(id)
	mu.Lock()
	defer mu.Unlock()
	if e.removed {
		return 0, false
	}
	if math.IsNaN(delta) || delta == 0 {
		return e.art.Confidence, true
	}
	e.art.Confidence = clamp01(e.art.Confidence + delta)
	ix.journalPutLocked(e)
	return e.art.Confidence, true
}

// Relate records relatedID as a back-reference on id. Both must exist.
func (ix *Index) Relate(id, relatedID string) error {
	if id == relatedID {
		return fmt.Errorf("codex: artifact %s cannot relate to itself", id)
	}
	if _, ok := ix.Get(relatedID); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, relatedID)
	}
	e := ix.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ix.persistMu.RLock()
	defer ix.persistMu.RUnlock()
	mu := ix.shard(id)
	mu.Lock()
	defer mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !slices.Contains(e.art.RelatedIDs, relatedID) {
		e.art.RelatedIDs = append(e.art.RelatedIDs, relatedID)
		ix.journalPutLocked(e)
	}
	return nil
}

// DecayStale lowers the confidence of every artifact not accessed within age
// by step and returns how many were changed. Pinned artifacts keep their
// confidence; only an explicit Decay moves them.
func (ix *Index) DecayStale(age time.Duration, step float64) int {
	if step <= 0 || math.IsNaN(step) {
		return 0
	}
	cutoff := ix.cfg.Now().Add(-age)

	ix.persistMu.RLock()
	defer ix.persistMu.RUnlock()
	n := 0
	for _, e := range ix.entries() {
		mu := ix.shard(e.art.ID)
		mu.Lock()
		if !e.removed && e.art.LastAccessed.Before(cutoff) && e.art.Confidence > 0 &&
			e.art.Confidence < ix.cfg.PinnedThreshold {
			e.art.Confidence = clamp01(e.art.Confidence - step)
			ix.journalPutLocked(e)
			n++
		}
		mu.Unlock()
	}
	return n
}

// Compact folds the journal into a fresh snapshot. It is a no-op for a
// memory-only Codex.
func (ix *Index) Compact() error {
	if ix.journal == nil {
		return nil
	}
	ix.persistMu.Lock()
	defer ix.persistMu.Unlock()
	return ix.journal.Compact(ix.snapshot())
}

// JournalPending returns the number of journal records since the last
// compaction, or zero without a journal.
func (ix *Index) JournalPending() int {
	if ix.journal == nil {
		return 0
	}
	return ix.journal.Pending()
}

// Close compacts and closes the journal.
func (ix *Index) Close() error {
	if ix.journal == nil {
		return nil
	}
	err := ix.Compact()
	return errors.Join(err, ix.journal.Close())
}

func (ix *Index) lookup(id string) *entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.artifacts[id]
}

func (ix *Index) entries() []*entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*entry, 0, len(ix.artifacts))
	for _, e := range ix.artifacts {
		out = append(out, e)
	}
	return out
}

// snapshot returns copies of every live artifact.
func (ix *Index) snapshot() []model.MemoryArtifact {
	entries := ix.entries()
	out := make([]model.MemoryArtifact, 0, len(entries))
	for _, e := range entries {
		mu := ix.shard(e.art.ID)
		mu.Lock()
		if !e.removed {
			out = append(out, e.art.Clone())
		}
		mu.Unlock()
	}
	return out
}

// journalPutLocked persists e's current state. Caller holds e's shard lock
// and persistMu shared. Journal failures are logged; the in-memory change
// stands.
func (ix *Index) journalPutLocked(e *entry) {
	if ix.journal == nil {
		return
	}
	if err := ix.journal.appendPut(e.art.Clone()); err != nil {
		ix.logger.Error("codex: journal append failed", "artifact_id", e.art.ID, "error", err)
	}
}

func (ix *Index) registerMetrics() {
	meter := telemetry.Meter("guardian/codex")

	ix.evictions, _ = meter.Int64Counter("guardian.codex.evictions",
		metric.WithDescription("Artifacts evicted to stay within capacity"))

	_, _ = meter.Int64ObservableGauge("guardian.codex.artifacts",
		metric.WithDescription("Artifacts currently stored"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(ix.count.Load())
			return nil
		}),
	)
}

func validConfidence(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= 1
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
