// Package config loads and validates application configuration from
// environment variables and an optional YAML (or JSON) overlay file.
//
// Precedence, lowest first: built-in defaults, the overlay file named by
// GUARDIAN_CONFIG, environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest store backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Plugin settings.
	PluginDir            string
	PluginInitBudget     time.Duration // wall-clock budget for a plugin's Init hook
	PluginHealthTimeout  time.Duration
	PluginHealthInterval time.Duration
	PluginWriteRPS       float64 // Codex writes per second allowed per plugin
	PluginWriteBurst     int
	GlobalWriteRPS       float64 // Codex writes per second shared by all plugins
	GlobalWriteBurst     int
	WatchPlugins         bool // rescan PluginDir on filesystem changes

	// Manifest store settings.
	ManifestBackend string // "file", "sqlite", or "postgres"
	ManifestPath    string // file or sqlite path; empty file path keeps the manifest in memory
	DatabaseURL     string // postgres backend only

	// Supervisor settings.
	TickInterval     time.Duration
	HeartbeatTimeout time.Duration
	MaxRestarts      int
	BackoffBase      time.Duration
	MaxBackoff       time.Duration
	StopGrace        time.Duration

	// Codex settings.
	CodexCapacity        int
	CodexPinnedThreshold float64
	CodexHalfLife        time.Duration // recency half-life used by eviction scoring
	CodexDir             string        // journal directory; empty disables persistence
	CodexDecayInterval   time.Duration
	CodexDecayAge        time.Duration // artifacts untouched this long lose confidence
	CodexDecayStep       float64

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
	SafeMode bool // halves plugin write rates and disables directory watching
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginDir:            "plugins",
		PluginInitBudget:     5 * time.Second,
		PluginHealthTimeout:  2 * time.Second,
		PluginHealthInterval: 30 * time.Second,
		PluginWriteRPS:       10,
		PluginWriteBurst:     20,
		GlobalWriteRPS:       50,
		GlobalWriteBurst:     100,
		WatchPlugins:         true,
		ManifestBackend:      BackendFile,
		ManifestPath:         "data/manifest.json",
		TickInterval:         5 * time.Second,
		HeartbeatTimeout:     30 * time.Second,
		MaxRestarts:          3,
		BackoffBase:          time.Second,
		MaxBackoff:           time.Minute,
		StopGrace:            10 * time.Second,
		CodexCapacity:        10_000,
		CodexPinnedThreshold: 0.9,
		CodexHalfLife:        30 * 24 * time.Hour,
		CodexDecayInterval:   time.Hour,
		CodexDecayAge:        7 * 24 * time.Hour,
		CodexDecayStep:       0.05,
		ServiceName:          "guardian",
		LogLevel:             "info",
	}
}

// Load reads configuration from the overlay file (if GUARDIAN_CONFIG is set)
// and environment variables, then validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("GUARDIAN_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile is Load with an explicit overlay path. Environment variables still
// take precedence over the file.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.applyFile(path); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(dst *string, key string) { *dst = envStr(key, *dst) }
	num := func(dst *int, key string) {
		v, err := envInt(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	flt := func(dst *float64, key string) {
		v, err := envFloat(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	dur := func(dst *time.Duration, key string) {
		v, err := envDuration(key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	boolean := func(dst *bool, key string) {
		v, err := envBool(key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	str(&c.PluginDir, "GUARDIAN_PLUGIN_DIR")
	dur(&c.PluginInitBudget, "GUARDIAN_PLUGIN_INIT_BUDGET")
	dur(&c.PluginHealthTimeout, "GUARDIAN_PLUGIN_HEALTH_TIMEOUT")
	dur(&c.PluginHealthInterval, "GUARDIAN_PLUGIN_HEALTH_INTERVAL")
	flt(&c.PluginWriteRPS, "GUARDIAN_PLUGIN_WRITE_RPS")
	num(&c.PluginWriteBurst, "GUARDIAN_PLUGIN_WRITE_BURST")
	flt(&c.GlobalWriteRPS, "GUARDIAN_GLOBAL_WRITE_RPS")
	num(&c.GlobalWriteBurst, "GUARDIAN_GLOBAL_WRITE_BURST")
	boolean(&c.WatchPlugins, "GUARDIAN_WATCH_PLUGINS")
	str(&c.ManifestBackend, "GUARDIAN_MANIFEST_BACKEND")
	str(&c.ManifestPath, "GUARDIAN_MANIFEST_PATH")
	str(&c.DatabaseURL, "DATABASE_URL")
	dur(&c.TickInterval, "GUARDIAN_TICK_INTERVAL")
	dur(&c.HeartbeatTimeout, "GUARDIAN_HEARTBEAT_TIMEOUT")
	num(&c.MaxRestarts, "GUARDIAN_MAX_RESTARTS")
	dur(&c.BackoffBase, "GUARDIAN_BACKOFF_BASE")
	dur(&c.MaxBackoff, "GUARDIAN_MAX_BACKOFF")
	dur(&c.StopGrace, "GUARDIAN_STOP_GRACE")
	num(&c.CodexCapacity, "GUARDIAN_CODEX_CAPACITY")
	flt(&c.CodexPinnedThreshold, "GUARDIAN_CODEX_PINNED_THRESHOLD")
	dur(&c.CodexHalfLife, "GUARDIAN_CODEX_HALF_LIFE")
	str(&c.CodexDir, "GUARDIAN_CODEX_DIR")
	dur(&c.CodexDecayInterval, "GUARDIAN_CODEX_DECAY_INTERVAL")
	dur(&c.CodexDecayAge, "GUARDIAN_CODEX_DECAY_AGE")
	flt(&c.CodexDecayStep, "GUARDIAN_CODEX_DECAY_STEP")
	str(&c.OTELEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	boolean(&c.OTELInsecure, "GUARDIAN_OTEL_INSECURE")
	str(&c.ServiceName, "OTEL_SERVICE_NAME")
	str(&c.LogLevel, "GUARDIAN_LOG_LEVEL")
	boolean(&c.SafeMode, "GUARDIAN_SAFE_MODE")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	var errs []error
	switch c.ManifestBackend {
	case BackendFile, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres manifest backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("GUARDIAN_MANIFEST_BACKEND %q must be file, sqlite, or postgres", c.ManifestBackend))
	}
	if c.ManifestBackend == BackendSQLite && c.ManifestPath == "" {
		errs = append(errs, fmt.Errorf("GUARDIAN_MANIFEST_PATH is required for the sqlite manifest backend"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_TICK_INTERVAL must be positive"))
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_HEARTBEAT_TIMEOUT must be positive"))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_MAX_RESTARTS must not be negative"))
	}
	if c.BackoffBase <= 0 || c.MaxBackoff < c.BackoffBase {
		errs = append(errs, fmt.Errorf("GUARDIAN_BACKOFF_BASE must be positive and not exceed GUARDIAN_MAX_BACKOFF"))
	}
	if c.StopGrace <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_STOP_GRACE must be positive"))
	}
	if c.PluginInitBudget <= 0 || c.PluginHealthTimeout <= 0 || c.PluginHealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("plugin budgets and intervals must be positive"))
	}
	if c.PluginWriteRPS <= 0 || c.PluginWriteBurst <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_PLUGIN_WRITE_RPS and GUARDIAN_PLUGIN_WRITE_BURST must be positive"))
	}
	if c.GlobalWriteRPS <= 0 || c.GlobalWriteBurst <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_GLOBAL_WRITE_RPS and GUARDIAN_GLOBAL_WRITE_BURST must be positive"))
	}
	if c.CodexCapacity <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_CODEX_CAPACITY must be positive"))
	}
	if c.CodexPinnedThreshold < 0 || c.CodexPinnedThreshold > 1 {
		errs = append(errs, fmt.Errorf("GUARDIAN_CODEX_PINNED_THRESHOLD must be within [0,1]"))
	}
	if c.CodexHalfLife <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_CODEX_HALF_LIFE must be positive"))
	}
	if c.CodexDecayInterval <= 0 {
		errs = append(errs, fmt.Errorf("GUARDIAN_CODEX_DECAY_INTERVAL must be positive"))
	}
	if c.CodexDecayStep < 0 || c.CodexDecayStep > 1 {
		errs = append(errs, fmt.Errorf("GUARDIAN_CODEX_DECAY_STEP must be within [0,1]"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// WriteRate returns the effective per-plugin Codex write rate and burst,
// halved in safe mode.
func (c Config) WriteRate() (float64, int) {
	return c.safeRate(c.PluginWriteRPS, c.PluginWriteBurst)
}

// GlobalWriteRate returns the host-wide Codex write rate and burst shared by
// every plugin, halved in safe mode.
func (c Config) GlobalWriteRate() (float64, int) {
	return c.safeRate(c.GlobalWriteRPS, c.GlobalWriteBurst)
}

func (c Config) safeRate(rps float64, burst int) (float64, int) {
	if !c.SafeMode {
		return rps, burst
	}
	return rps / 2, max(burst/2, 1)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// fileConfig mirrors Config for the overlay file. Pointer fields distinguish
// "absent" from zero values; durations are Go duration strings.
type fileConfig struct {
	Plugins struct {
		Dir            *string  `yaml:"dir"`
		InitBudget     *string  `yaml:"init_budget"`
		HealthTimeout  *string  `yaml:"health_timeout"`
		HealthInterval *string  `yaml:"health_interval"`
		WriteRPS       *float64 `yaml:"write_rps"`
		WriteBurst     *int     `yaml:"write_burst"`
		GlobalRPS      *float64 `yaml:"global_write_rps"`
		GlobalBurst    *int     `yaml:"global_write_burst"`
		Watch          *bool    `yaml:"watch"`
	} `yaml:"plugins"`
	Manifest struct {
		Backend     *string `yaml:"backend"`
		Path        *string `yaml:"path"`
		DatabaseURL *string `yaml:"database_url"`
	} `yaml:"manifest"`
	Supervisor struct {
		Tick             *string `yaml:"tick"`
		HeartbeatTimeout *string `yaml:"heartbeat_timeout"`
		MaxRestarts      *int    `yaml:"max_restarts"`
		BackoffBase      *string `yaml:"backoff_base"`
		MaxBackoff       *string `yaml:"max_backoff"`
		StopGrace        *string `yaml:"stop_grace"`
	} `yaml:"supervisor"`
	Codex struct {
		Capacity        *int     `yaml:"capacity"`
		PinnedThreshold *float64 `yaml:"pinned_threshold"`
		HalfLife        *string  `yaml:"half_life"`
		Dir             *string  `yaml:"dir"`
		DecayInterval   *string  `yaml:"decay_interval"`
		DecayAge        *string  `yaml:"decay_age"`
		DecayStep       *float64 `yaml:"decay_step"`
	} `yaml:"codex"`
	LogLevel *string `yaml:"log_level"`
	SafeMode *bool   `yaml:"safe_mode"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	var errs []error
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setDur := func(dst *time.Duration, v *string, field string) {
		if v == nil {
			return
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not a valid duration", field, *v))
			return
		}
		*dst = d
	}

	setStr(&c.PluginDir, fc.Plugins.Dir)
	setDur(&c.PluginInitBudget, fc.Plugins.InitBudget, "plugins.init_budget")
	setDur(&c.PluginHealthTimeout, fc.Plugins.HealthTimeout, "plugins.health_timeout")
	setDur(&c.PluginHealthInterval, fc.Plugins.HealthInterval, "plugins.health_interval")
	if fc.Plugins.WriteRPS != nil {
		c.PluginWriteRPS = *fc.Plugins.WriteRPS
	}
	if fc.Plugins.WriteBurst != nil {
		c.PluginWriteBurst = *fc.Plugins.WriteBurst
	}
	if fc.Plugins.GlobalRPS != nil {
		c.GlobalWriteRPS = *fc.Plugins.GlobalRPS
	}
	if fc.Plugins.GlobalBurst != nil {
		c.GlobalWriteBurst = *fc.Plugins.GlobalBurst
	}
	if fc.Plugins.Watch != nil {
		c.WatchPlugins = *fc.Plugins.Watch
	}
	setStr(&c.ManifestBackend, fc.Manifest.Backend)
	setStr(&c.ManifestPath, fc.Manifest.Path)
	setStr(&c.DatabaseURL, fc.Manifest.DatabaseURL)
	setDur(&c.TickInterval, fc.Supervisor.Tick, "supervisor.tick")
	setDur(&c.HeartbeatTimeout, fc.Supervisor.HeartbeatTimeout, "supervisor.heartbeat_timeout")
	if fc.Supervisor.MaxRestarts != nil {
		c.MaxRestarts = *fc.Supervisor.MaxRestarts
	}
	setDur(&c.BackoffBase, fc.Supervisor.BackoffBase, "supervisor.backoff_base")
	setDur(&c.MaxBackoff, fc.Supervisor.MaxBackoff, "supervisor.max_backoff")
	setDur(&c.StopGrace, fc.Supervisor.StopGrace, "supervisor.stop_grace")
	if fc.Codex.Capacity != nil {
		c.CodexCapacity = *fc.Codex.Capacity
	}
	if fc.Codex.PinnedThreshold != nil {
		c.CodexPinnedThreshold = *fc.Codex.PinnedThreshold
	}
	setDur(&c.CodexHalfLife, fc.Codex.HalfLife, "codex.half_life")
	setStr(&c.CodexDir, fc.Codex.Dir)
	setDur(&c.CodexDecayInterval, fc.Codex.DecayInterval, "codex.decay_interval")
	setDur(&c.CodexDecayAge, fc.Codex.DecayAge, "codex.decay_age")
	if fc.Codex.DecayStep != nil {
		c.CodexDecayStep = *fc.Codex.DecayStep
	}
	setStr(&c.LogLevel, fc.LogLevel)
	if fc.SafeMode != nil {
		c.SafeMode = *fc.SafeMode
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}
