package codex

import (
	"cmp"
	"context"
	"iter"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/guardianos/guardian/internal/model"
)

// Predicate selects artifacts. Empty fields match everything.
type Predicate struct {
	// Tags must all be present on the artifact.
	Tags []string
	// Text is a case-insensitive substring of the content.
	Text string
	// Match is an optional caller-supplied filter.
	Match func(model.MemoryArtifact) bool
}

func (p Predicate) matches(a model.MemoryArtifact) bool {
	for _, t := range p.Tags {
		if !a.HasTag(t) {
			return false
		}
	}
	if p.Text != "" && !strings.Contains(strings.ToLower(a.Content), strings.ToLower(p.Text)) {
		return false
	}
	if p.Match != nil && !p.Match(a) {
		return false
	}
	return true
}

// Window bounds CreatedAt, inclusive on both ends. Zero bounds are open.
type Window struct {
	Since time.Time
	Until time.Time
}

func (w Window) contains(t time.Time) bool {
	if !w.Since.IsZero() && t.Before(w.Since) {
		return false
	}
	if !w.Until.IsZero() && t.After(w.Until) {
		return false
	}
	return true
}

// Query returns a lazy sequence of matching artifacts with confidence at or
// above threshold, ordered by confidence then recency of access, both
// descending. Every iteration takes a fresh snapshot; concurrent writes never
// block or invalidate an iteration in progress. Each yielded artifact counts
// as an access.
func (ix *Index) Query(pred Predicate, threshold float64, window Window) iter.Seq[model.MemoryArtifact] {
	return func(yield func(model.MemoryArtifact) bool) {
		if math.IsNaN(threshold) {
			return
		}
		var matches []model.MemoryArtifact
		for _, a := range ix.snapshot() {
			if a.Confidence >= threshold && window.contains(a.CreatedAt) && pred.matches(a) {
				matches = append(matches, a)
			}
		}
		slices.SortStableFunc(matches, func(a, b model.MemoryArtifact) int {
			if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
				return c
			}
			return b.LastAccessed.Compare(a.LastAccessed)
		})

		for _, a := range matches {
			touched, ok := ix.touch(a.ID)
			if !ok {
				continue // evicted since the snapshot
			}
			if !yield(touched) {
				return
			}
		}
	}
}

// touch stamps the access time and returns the updated copy. Accesses are
// not journaled; compaction captures them.
func (ix *Index) touch(id string) (model.MemoryArtifact, bool) {
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
	e.art.LastAccessed = ix.cfg.Now()
	return e.art.Clone(), true
}

// evict removes the lowest-scoring unpinned artifacts until the store is
// within capacity. Evictions are serialized. If only pinned artifacts remain,
// the store is left over capacity.
func (ix *Index) evict() {
	ix.evictMu.Lock()
	defer ix.evictMu.Unlock()

	for ix.count.Load() > int64(ix.cfg.Capacity) {
		now := ix.cfg.Now()
		var (
			victim *entry
			best   = math.Inf(1)
		)
		for _, e := range ix.entries() {
			mu := ix.shard(e.art.ID)
			mu.Lock()
			if !e.removed && e.art.Confidence < ix.cfg.PinnedThreshold {
				if s := ix.score(e.art, now); s < best {
					best, victim = s, e
				}
			}
			mu.Unlock()
		}
		if victim == nil {
			ix.logger.Warn("codex: over capacity with only pinned artifacts",
				"count", ix.count.Load(), "capacity", ix.cfg.Capacity)
			return
		}
		if !ix.remove(victim) {
			continue // reinforced past the pin threshold since scoring
		}
		if ix.evictions != nil {
			ix.evictions.Add(context.Background(), 1)
		}
		ix.logger.Debug("codex: artifact evicted", "artifact_id", victim.art.ID, "score", best)
	}
}

// remove deletes e unless it became pinned since it was scored.
func (ix *Index) remove(e *entry) bool {
	ix.persistMu.RLock()
	defer ix.persistMu.RUnlock()

	id := e.art.ID
	mu := ix.shard(id)
	mu.Lock()
	if e.removed || e.art.Confidence >= ix.cfg.PinnedThreshold {
		mu.Unlock()
		return false
	}
	e.removed = true
	mu.Unlock()

	ix.mu.Lock()
	delete(ix.artifacts, id)
	ix.mu.Unlock()
	ix.count.Add(-1)

	if ix.journal != nil {
		if err := ix.journal.appendDelete(id); err != nil {
			ix.logger.Error("codex: journal append failed", "artifact_id", id, "error", err)
		}
	}
	return true
}

// score is confidence weighted by 0.5^(age/halfLife) since last access.
func (ix *Index) score(a model.MemoryArtifact, now time.Time) float64 {
	age := now.Sub(a.LastAccessed)
	if age < 0 {
		age = 0
	}
	return a.Confidence * math.Pow(0.5, float64(age)/float64(ix.cfg.HalfLife))
}
