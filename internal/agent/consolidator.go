package agent

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/model"
)

// Consolidator links artifacts that independent sources recorded with the
// same content and reinforces each of them once per newly found corroboration.
type Consolidator struct {
	Lookback time.Duration // default 1h
	Delta    float64       // default 0.05
	Now      func() time.Time
}

// Name returns "consolidator".
func (c *Consolidator) Name() string { return "consolidator" }

// Step scans the lookback window once and links every newly corroborated pair.
func (c *Consolidator) Step(ctx context.Context, mem *Memory) error {
	lookback, delta, now := c.Lookback, c.Delta, c.Now
	if lookback <= 0 {
		lookback = time.Hour
	}
	if delta <= 0 {
		delta = 0.05
	}
	if now == nil {
		now = time.Now
	}

	groups := map[string][]model.MemoryArtifact{}
	for a := range mem.Query(codex.Predicate{}, 0, codex.Window{Since: now().Add(-lookback)}) {
		if a.Source == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(a.Content))
		groups[key] = append(groups[key], a)
	}

	for _, arts := range groups {
		for i := range arts {
			for j := i + 1; j < len(arts); j++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				a, b := arts[i], arts[j]
				if a.Source == b.Source {
					continue
				}
				// Each side is linked and reinforced on its own, so a link
				// that failed on an earlier pass is completed later.
				if !slices.Contains(a.RelatedIDs, b.ID) && mem.Relate(a.ID, b.ID) == nil {
					mem.Reinforce(a.ID, delta)
				}
				if !slices.Contains(b.RelatedIDs, a.ID) && mem.Relate(b.ID, a.ID) == nil {
					mem.Reinforce(b.ID, delta)
				}
			}
		}
	}
	return nil
}
