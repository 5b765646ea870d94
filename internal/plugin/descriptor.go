// Package plugin discovers, validates, initializes, and isolates plugin units.
//
// A plugin is a directory holding a plugin.json descriptor. The descriptor's
// entry point names a factory registered in a Catalog; there is no dynamic
// code loading. Each loaded plugin runs behind a Sandbox that enforces a
// wall-clock budget on lifecycle calls and hands the unit an Env exposing only
// the capabilities it declared.
package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/guardianos/guardian/internal/model"
)

// DescriptorFile is the file name Discover looks for in each plugin directory.
const DescriptorFile = "plugin.json"

// Capability tokens a plugin may declare.
const (
	CapCodexRead  = "codex:read"
	CapCodexWrite = "codex:write"
	CapConfigRead = "config:read"
	CapStatusRead = "status:read"
)

var knownCapabilities = []string{CapCodexRead, CapCodexWrite, CapConfigRead, CapStatusRead}

var (
	// ErrInvalidManifest is returned when a descriptor is missing required
	// fields or carries malformed values.
	ErrInvalidManifest = errors.New("plugin: invalid manifest")
	// ErrInitFailed is returned when a unit's Init fails, panics, or exceeds
	// its budget. The plugin is recorded as failed and is not retried.
	ErrInitFailed = errors.New("plugin: init failed")
	// ErrUnknownPlugin is returned for operations on a name the registry does
	// not know.
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")
	// ErrCapabilityDenied is returned by Env methods the plugin did not
	// declare a capability for.
	ErrCapabilityDenied = errors.New("plugin: capability denied")
	// ErrRateLimited is returned by Env writes over the plugin's write budget.
	ErrRateLimited = errors.New("plugin: rate limited")
	// ErrUnloaded is returned by Env methods after the plugin was unloaded.
	ErrUnloaded = errors.New("plugin: unloaded")
	// ErrCallTimeout is returned when a sandboxed call exceeds its budget.
	ErrCallTimeout = errors.New("plugin: call exceeded budget")
)

// Descriptor is a plugin's declared identity as read from plugin.json.
type Descriptor struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Author       string         `json:"author,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Config       map[string]any `json:"config,omitempty"`
	// EntryPoint names the Catalog factory. Empty means Name.
	EntryPoint string `json:"entry_point,omitempty"`

	// Dir is the directory the descriptor was read from.
	Dir string `json:"-"`
}

// Entry returns the catalog key for the descriptor.
func (d Descriptor) Entry() string {
	if d.EntryPoint != "" {
		return d.EntryPoint
	}
	return d.Name
}

// Enabled reports whether config.enabled is absent or true.
func (d Descriptor) Enabled() bool { return configBool(d.Config, "enabled", true) }

// Background reports whether the plugin wants a supervised loop worker.
// A plugin opts out with config.background = false.
func (d Descriptor) Background() bool { return configBool(d.Config, "background", true) }

// Has reports whether the descriptor declares capability c.
func (d Descriptor) Has(c string) bool { return slices.Contains(d.Capabilities, c) }

// Validate checks required fields, the semver version, and capability tokens.
func (d Descriptor) Validate() error {
	var errs []error
	if err := model.ValidatePluginName(d.Name); err != nil {
		errs = append(errs, err)
	}
	if d.Version == "" {
		errs = append(errs, errors.New("version is required"))
	} else if !semver.IsValid(canonicalVersion(d.Version)) {
		errs = append(errs, fmt.Errorf("version %q is not semver", d.Version))
	}
	if len(d.Capabilities) == 0 {
		errs = append(errs, errors.New("capabilities are required"))
	}
	for _, c := range d.Capabilities {
		if !slices.Contains(knownCapabilities, c) {
			errs = append(errs, fmt.Errorf("unknown capability %q", c))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidManifest, d.Name, err)
	}
	return nil
}

// ParseDescriptor decodes one plugin.json document.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return d, nil
}

// Discover lists the plugin descriptors under dir, one per subdirectory,
// sorted by name. Descriptors with config.enabled = false are skipped.
// Unreadable or unparsable descriptors are reported in the joined error
// while the rest are still returned. A missing dir yields no descriptors.
func Discover(dir string) ([]Descriptor, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*", DescriptorFile))
	if err != nil {
		return nil, fmt.Errorf("plugin: discover %s: %w", dir, err)
	}

	var (
		out  []Descriptor
		errs []error
	)
	for _, p := range paths {
		data, err := os.ReadFile(p) //nolint:gosec // operator-configured plugin directory
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin: read %s: %w", p, err))
			continue
		}
		d, err := ParseDescriptor(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin: parse %s: %w", p, err))
			continue
		}
		if !d.Enabled() {
			continue
		}
		d.Dir = filepath.Dir(p)
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out, errors.Join(errs...)
}

// canonicalVersion adds the "v" prefix golang.org/x/mod/semver expects.
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func configBool(cfg map[string]any, key string, def bool) bool {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
