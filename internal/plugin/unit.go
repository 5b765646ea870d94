package plugin

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/guardianos/guardian/internal/model"
)

// Metadata is what a unit reports about itself.
type Metadata struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Dependencies []string
	Capabilities []string
}

// Unit is the contract every plugin implements. Init receives the plugin's
// capability-gated environment; returning an error fails the load.
type Unit interface {
	Init(ctx context.Context, env *Env) error
	Metadata() Metadata
}

// Cleaner is implemented by units that release resources on unload.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// HealthChecker is implemented by units that report their own health.
type HealthChecker interface {
	Health(ctx context.Context) model.HealthReport
}

// Runner is implemented by units with background work. Run is the body of
// the plugin's supervised loop worker; it must return when ctx is done and
// call beat at least once per heartbeat timeout.
type Runner interface {
	Run(ctx context.Context, env *Env, beat func()) error
}

// Factory builds a fresh unit. It is called once per load.
type Factory func() Unit

// Catalog maps descriptor entry points to factories. It replaces runtime
// module loading: only units compiled in and registered here can be loaded.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice is an error.
func (c *Catalog) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("plugin: catalog entry needs a name and a factory")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[name]; ok {
		return fmt.Errorf("plugin: catalog entry %q already registered", name)
	}
	c.factories[name] = f
	return nil
}

// MustRegister is Register for package-level wiring; it panics on error.
func (c *Catalog) MustRegister(name string, f Factory) {
	if err := c.Register(name, f); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under name.
func (c *Catalog) Lookup(name string) (Factory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Names returns every registered entry point, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.factories))
	for n := range c.factories {
		names = append(names, n)
	}
	c.mu.RUnlock()
	slices.Sort(names)
	return names
}

// hooksOf resolves the optional interfaces of u once, at load time.
func hooksOf(u Unit, background bool) model.PluginHooks {
	_, cleaner := u.(Cleaner)
	_, health := u.(HealthChecker)
	return model.PluginHooks{Cleanup: cleaner, Health: health, Loop: background}
}
