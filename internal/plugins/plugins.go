// Package plugins holds the plugin units compiled into guardian. Register
// adds them to a catalog; a unit is only loaded when a plugin.json under the
// plugin directory names it.
package plugins

import (
	"context"
	"time"

	"github.com/guardianos/guardian/internal/plugin"
)

// Entry points of the built-in units.
const (
	MemoryAnalyzer    = "memory_analyzer"
	PatternAnalyzer   = "pattern_analyzer"
	SystemDiagnostics = "system_diagnostics"
)

// beatEvery is how often built-in loops report liveness between analyses.
const beatEvery = 5 * time.Second

// Register adds every built-in unit to c.
func Register(c *plugin.Catalog) error {
	for name, f := range map[string]plugin.Factory{
		MemoryAnalyzer:    func() plugin.Unit { return NewMemoryAnalyzer() },
		PatternAnalyzer:   func() plugin.Unit { return NewPatternAnalyzer() },
		SystemDiagnostics: func() plugin.Unit { return NewSystemDiagnostics() },
	} {
		if err := c.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// every runs fn once per interval until ctx is done, beating in between so
// long intervals never look like a stalled worker. fn errors are logged by
// the caller and do not stop the loop.
func every(ctx context.Context, interval time.Duration, beat func(), fn func(context.Context)) error {
	run := time.NewTicker(interval)
	defer run.Stop()
	alive := time.NewTicker(min(interval, beatEvery))
	defer alive.Stop()

	fn(ctx)
	beat()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-run.C:
			fn(ctx)
			beat()
		case <-alive.C:
			beat()
		}
	}
}

// number reads a numeric config value. JSON numbers decode as float64; ints
// are accepted for configs built in code.
func number(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// seconds reads a config value given in seconds.
func seconds(cfg map[string]any, key string, def time.Duration) time.Duration {
	s := number(cfg, key, def.Seconds())
	if s <= 0 {
		return def
	}
	return time.Duration(s * float64(time.Second))
}

// readConfig returns the plugin's config, or an empty one when the plugin
// was not granted config:read.
func readConfig(env *plugin.Env) map[string]any {
	cfg, err := env.Config()
	if err != nil {
		env.Logger().Info("plugins: config not readable, using defaults", "error", err)
		return map[string]any{}
	}
	return cfg
}
