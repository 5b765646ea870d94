package plugins

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/guardianos/guardian/internal/codex"
	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/plugin"
)

// Pattern kinds the analyzer reports.
const (
	PatternBehavioral = "behavioral"
	PatternTemporal   = "temporal"
)

// Pattern is a recurring shape found among recent artifacts.
type Pattern struct {
	Kind       string
	Signature  string
	Tag        string
	Count      int
	Period     time.Duration // temporal patterns only
	Confidence float64
	Evidence   []string
	FoundAt    time.Time
}

// tags the analyzer writes itself; never counted as evidence.
var ownTags = []string{"pattern", "codex", PatternBehavioral, PatternTemporal}

// PatternAnalyzerUnit scans recent Codex artifacts for recurring tags and
// periodic arrivals and records each newly found pattern once.
type PatternAnalyzerUnit struct {
	Now func() time.Time

	interval       time.Duration
	lookback       time.Duration
	minConfidence  float64
	minOccurrences int
	maxPatterns    int
	kinds          []string

	mu       sync.Mutex
	last     time.Time
	patterns map[string]Pattern
}

// NewPatternAnalyzer returns a pattern analyzer.
func NewPatternAnalyzer() *PatternAnalyzerUnit {
	return &PatternAnalyzerUnit{Now: time.Now, patterns: make(map[string]Pattern)}
}

func (u *PatternAnalyzerUnit) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:         PatternAnalyzer,
		Version:      "1.0.0",
		Description:  "Finds recurring and periodic tags among recent Codex artifacts",
		Capabilities: []string{plugin.CapCodexRead, plugin.CapCodexWrite, plugin.CapConfigRead},
	}
}

// Init reads analysis_interval and lookback (seconds), min_confidence,
// min_occurrences, max_patterns, and pattern_types.
func (u *PatternAnalyzerUnit) Init(_ context.Context, env *plugin.Env) error {
	cfg := readConfig(env)
	u.interval = seconds(cfg, "analysis_interval", 5*time.Minute)
	u.lookback = seconds(cfg, "lookback", time.Hour)
	u.minConfidence = number(cfg, "min_confidence", 0.6)
	u.minOccurrences = int(number(cfg, "min_occurrences", 3))
	u.maxPatterns = int(number(cfg, "max_patterns", 100))
	u.kinds = []string{PatternBehavioral, PatternTemporal}
	if raw, ok := cfg["pattern_types"].([]any); ok {
		u.kinds = u.kinds[:0]
		for _, k := range raw {
			s, _ := k.(string)
			if s != PatternBehavioral && s != PatternTemporal {
				return fmt.Errorf("unsupported pattern type %v", k)
			}
			u.kinds = append(u.kinds, s)
		}
	}
	if u.minOccurrences < 2 {
		return fmt.Errorf("min_occurrences %d must be at least 2", u.minOccurrences)
	}
	return nil
}

func (u *PatternAnalyzerUnit) Run(ctx context.Context, env *plugin.Env, beat func()) error {
	return every(ctx, u.interval, beat, func(ctx context.Context) {
		if _, err := u.Analyze(ctx, env); err != nil {
			env.Logger().Warn("plugins: pattern analysis failed", "error", err)
		}
	})
}

// Analyze runs one pass and returns the patterns found for the first time.
func (u *PatternAnalyzerUnit) Analyze(ctx context.Context, env *plugin.Env) ([]Pattern, error) {
	now := u.Now()
	seq, err := env.Query(codex.Predicate{Match: func(a model.MemoryArtifact) bool {
		return a.Source != env.Name() && !a.HasTag("pattern")
	}}, u.minConfidence, codex.Window{Since: now.Add(-u.lookback)})
	if err != nil {
		return nil, err
	}

	byTag := map[string][]model.MemoryArtifact{}
	for a := range seq {
		for _, t := range a.Tags {
			if !slices.Contains(ownTags, t) {
				byTag[t] = append(byTag[t], a)
			}
		}
	}

	var found []Pattern
	for _, kind := range u.kinds {
		switch kind {
		case PatternBehavioral:
			found = append(found, u.behavioral(byTag, now)...)
		case PatternTemporal:
			found = append(found, u.temporal(byTag, now)...)
		}
	}

	var fresh []Pattern
	u.mu.Lock()
	for _, p := range found {
		if _, ok := u.patterns[p.Signature]; ok {
			continue
		}
		u.patterns[p.Signature] = p
		fresh = append(fresh, p)
	}
	u.trimLocked()
	u.last = now
	u.mu.Unlock()

	var errs []error
	for _, p := range fresh {
		if _, err := env.Store(ctx, describe(p, u.lookback), []string{"pattern", p.Kind, "codex"}, p.Confidence); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fresh, fmt.Errorf("store %d of %d patterns: %w", len(errs), len(fresh), errs[0])
	}
	return fresh, nil
}

// behavioral reports tags recurring at least minOccurrences times. The
// signature steps every minOccurrences so a growing tag is reported again.
func (u *PatternAnalyzerUnit) behavioral(byTag map[string][]model.MemoryArtifact, now time.Time) []Pattern {
	var out []Pattern
	for tag, arts := range byTag {
		if len(arts) < u.minOccurrences {
			continue
		}
		out = append(out, Pattern{
			Kind:       PatternBehavioral,
			Signature:  fmt.Sprintf("%s:%s:%d", PatternBehavioral, tag, len(arts)/u.minOccurrences),
			Tag:        tag,
			Count:      len(arts),
			Confidence: math.Min(0.95, 0.5+0.05*float64(len(arts))),
			Evidence:   ids(arts),
			FoundAt:    now,
		})
	}
	return out
}

// temporal reports tags whose artifacts arrive at a steady interval: the
// variance of the gaps, in seconds², is under a fifth of the mean gap.
func (u *PatternAnalyzerUnit) temporal(byTag map[string][]model.MemoryArtifact, now time.Time) []Pattern {
	var out []Pattern
	for tag, arts := range byTag {
		if len(arts) < u.minOccurrences {
			continue
		}
		sorted := slices.SortedFunc(slices.Values(arts), func(a, b model.MemoryArtifact) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		period, ok := periodOf(sorted)
		if !ok {
			continue
		}
		out = append(out, Pattern{
			Kind:       PatternTemporal,
			Signature:  fmt.Sprintf("%s:%s:%s", PatternTemporal, tag, humanPeriod(period)),
			Tag:        tag,
			Count:      len(arts),
			Period:     period,
			Confidence: 0.7,
			Evidence:   ids(sorted),
			FoundAt:    now,
		})
	}
	return out
}

func periodOf(arts []model.MemoryArtifact) (time.Duration, bool) {
	if len(arts) < 3 {
		return 0, false
	}
	gaps := make([]float64, 0, len(arts)-1)
	for i := 1; i < len(arts); i++ {
		gaps = append(gaps, arts[i].CreatedAt.Sub(arts[i-1].CreatedAt).Seconds())
	}
	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean < 1 {
		return 0, false
	}
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	if variance >= mean*0.2 {
		return 0, false
	}
	return time.Duration(mean * float64(time.Second)), true
}

func humanPeriod(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

func describe(p Pattern, lookback time.Duration) string {
	if p.Kind == PatternTemporal {
		return fmt.Sprintf("temporal pattern: %q recurs every %s (%d occurrences)", p.Tag, humanPeriod(p.Period), p.Count)
	}
	return fmt.Sprintf("behavioral pattern: %q seen %d times in the last %s", p.Tag, p.Count, lookback)
}

func ids(arts []model.MemoryArtifact) []string {
	out := make([]string, len(arts))
	for i, a := range arts {
		out[i] = a.ID
	}
	return out
}

// trimLocked keeps the maxPatterns most confident patterns.
func (u *PatternAnalyzerUnit) trimLocked() {
	if len(u.patterns) <= u.maxPatterns {
		return
	}
	all := make([]Pattern, 0, len(u.patterns))
	for _, p := range u.patterns {
		all = append(all, p)
	}
	slices.SortFunc(all, func(a, b Pattern) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return b.FoundAt.Compare(a.FoundAt)
	})
	for _, p := range all[u.maxPatterns:] {
		delete(u.patterns, p.Signature)
	}
}

// Patterns returns the patterns currently remembered, most confident first.
func (u *PatternAnalyzerUnit) Patterns() []Pattern {
	u.mu.Lock()
	out := make([]Pattern, 0, len(u.patterns))
	for _, p := range u.patterns {
		out = append(out, p)
	}
	u.mu.Unlock()
	slices.SortFunc(out, func(a, b Pattern) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Signature, b.Signature)
	})
	return out
}

func (u *PatternAnalyzerUnit) Health(context.Context) model.HealthReport {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.last.IsZero() {
		return model.HealthReport{Status: model.HealthWarning, Message: "no analysis performed yet"}
	}
	if age := u.Now().Sub(u.last); age > 2*u.interval {
		return model.HealthReport{Status: model.HealthWarning, Message: fmt.Sprintf("analysis is delayed: %s", age.Round(time.Second))}
	}
	return model.HealthReport{
		Status:  model.HealthHealthy,
		Message: "analyzer is running normally",
		Metrics: map[string]any{
			"pattern_count":  len(u.patterns),
			"types_analyzed": slices.Clone(u.kinds),
		},
	}
}
