package plugin

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/guardianos/guardian/internal/model"
	"github.com/guardianos/guardian/internal/supervisor"
)

// HousekeepingID is the supervisor ID of the registry's system worker.
const HousekeepingID = "system:plugin-housekeeping"

const rescanDebounce = 250 * time.Millisecond

// HousekeepingSpec returns the supervised worker that sweeps plugin health,
// watches the plugin directory, and flushes the manifest.
func (r *Registry) HousekeepingSpec() supervisor.Spec {
	return supervisor.Spec{
		ID:               HousekeepingID,
		Kind:             model.WorkerSystem,
		Run:              r.housekeeping,
		HeartbeatTimeout: r.cfg.HeartbeatTimeout,
		Heartbeats:       true,
	}
}

func (r *Registry) housekeeping(ctx context.Context, h *supervisor.Handle) error {
	health := time.NewTicker(r.cfg.HealthInterval)
	defer health.Stop()
	beat := time.NewTicker(r.beatInterval())
	defer beat.Stop()

	var (
		watcher *fsnotify.Watcher
		events  <-chan fsnotify.Event
		errs    <-chan error
	)
	if r.cfg.Watch {
		if watcher = r.watchDir(); watcher != nil {
			defer func() { _ = watcher.Close() }()
			events, errs = watcher.Events, watcher.Errors
		}
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case <-beat.C:
			h.Heartbeat()
		case <-health.C:
			if err := r.HealthSweep(ctx); err != nil {
				r.logger.Warn("plugin: health sweep", "error", err)
			}
			h.Heartbeat()
			r.flush()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) {
				r.watchNew(watcher, ev.Name)
			}
			debounce.Reset(rescanDebounce)
		case <-debounce.C:
			r.rescan(ctx)
			h.Heartbeat()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.Warn("plugin: directory watcher error", "error", err)
		}
	}
}

// rescan loads enabled plugins that appeared since the last discovery. Each
// new name is tried once; a failed load waits for an operator Enable.
func (r *Registry) rescan(ctx context.Context) {
	descs, err := Discover(r.cfg.Dir)
	if err != nil {
		r.logger.Warn("plugin: rescan found unreadable descriptors", "error", err)
	}
	for _, d := range descs {
		r.mu.Lock()
		fresh := !r.seen[d.Name]
		r.seen[d.Name] = true
		r.mu.Unlock()
		if !fresh {
			continue
		}
		if st, ok := r.persistedStatus(d.Name); ok && st != model.PluginActive {
			continue
		}
		r.logger.Info("plugin: new plugin discovered", "plugin", d.Name)
		if _, err := r.Load(ctx, d); err != nil {
			r.logger.Error("plugin: auto-load failed", "plugin", d.Name, "error", err)
		}
	}
}

func (r *Registry) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HealthTimeout)
	defer cancel()
	if err := r.deps.Store.Flush(ctx); err != nil {
		r.logger.Warn("plugin: manifest flush failed", "error", err)
	}
}

// watchDir watches the plugin directory and each plugin subdirectory.
// It returns nil, falling back to interval-only housekeeping, when the
// directory is missing or the watcher cannot be created.
func (r *Registry) watchDir() *fsnotify.Watcher {
	if _, err := os.Stat(r.cfg.Dir); err != nil {
		r.logger.Info("plugin: plugin directory not watchable", "dir", r.cfg.Dir, "error", err)
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("plugin: create directory watcher", "error", err)
		return nil
	}
	if err := w.Add(r.cfg.Dir); err != nil {
		_ = w.Close()
		r.logger.Warn("plugin: watch plugin directory", "dir", r.cfg.Dir, "error", err)
		return nil
	}
	subdirs, _ := filepath.Glob(filepath.Join(r.cfg.Dir, "*"))
	for _, sub := range subdirs {
		if fi, err := os.Stat(sub); err == nil && fi.IsDir() {
			_ = w.Add(sub)
		}
	}
	return w
}

// watchNew starts watching a directory created under the plugin directory so
// a plugin.json written into it later is noticed.
func (r *Registry) watchNew(w *fsnotify.Watcher, path string) {
	if filepath.Dir(path) != filepath.Clean(r.cfg.Dir) {
		return
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		if err := w.Add(path); err != nil {
			r.logger.Warn("plugin: watch new plugin directory", "dir", path, "error", err)
		}
	}
}
