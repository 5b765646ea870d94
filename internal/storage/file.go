package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guardianos/guardian/internal/model"
)

// fileDoc is the on-disk layout: the operator record at the top level, with
// full entries and worker registrations beside it.
type fileDoc struct {
	model.ManifestRecord
	Entries []model.PluginManifestEntry `json:"entries"`
	Workers []model.WorkerRegistration  `json:"workers"`
}

// FileStore keeps the manifest in memory and rewrites a JSON file on every
// change: write a temp file, fsync, rename over the old one. Readers never see
// a torn manifest. An empty path keeps the manifest in memory only.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	plugins map[string]model.PluginManifestEntry
	workers map[string]model.WorkerRegistration
	dirty   bool
}

// NewFileStore opens the manifest at path. A file that cannot be decoded is
// moved aside with a ".corrupt-<unix>" suffix and the store starts empty.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		logger:  logger,
		plugins: make(map[string]model.PluginManifestEntry),
		workers: make(map[string]model.WorkerRegistration),
	}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("storage: create manifest directory: %w", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read manifest: %w", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("storage: move corrupt manifest aside: %w", errors.Join(ErrCorrupt, err, rerr))
		}
		logger.Warn("storage: manifest unreadable, moved aside and starting empty",
			"path", path, "moved_to", aside, "error", err)
		return s, nil
	}

	for _, e := range verified(doc.Entries, logger) {
		s.plugins[e.Name] = e
	}
	for _, w := range doc.Workers {
		s.workers[w.ID] = w
	}
	return s, nil
}

// Path returns the manifest file path, empty for a memory-only store.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) LoadPlugins(context.Context) ([]model.PluginManifestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entriesLocked(), nil
}

func (s *FileStore) PutPlugin(_ context.Context, e model.PluginManifestEntry) error {
	if e.Name == "" {
		return fmt.Errorf("storage: plugin entry has no name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.plugins[e.Name]
	s.plugins[e.Name] = seal(e)
	if err := s.persistLocked(); err != nil {
		if had {
			s.plugins[e.Name] = prev
		} else {
			delete(s.plugins, e.Name)
		}
		return err
	}
	return nil
}

func (s *FileStore) DeletePlugin(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.plugins[name]
	if !had {
		return fmt.Errorf("%w: plugin %s", ErrNotFound, name)
	}
	delete(s.plugins, name)
	if err := s.persistLocked(); err != nil {
		s.plugins[name] = prev
		return err
	}
	return nil
}

func (s *FileStore) LoadWorkers(context.Context) ([]model.WorkerRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WorkerRegistration, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sortWorkers(out)
	return out, nil
}

func (s *FileStore) PutWorker(_ context.Context, reg model.WorkerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.workers[reg.ID]
	s.workers[reg.ID] = reg
	if err := s.persistLocked(); err != nil {
		if had {
			s.workers[reg.ID] = prev
		} else {
			delete(s.workers, reg.ID)
		}
		return err
	}
	return nil
}

func (s *FileStore) DeleteWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.workers[id]
	if !had {
		return fmt.Errorf("%w: worker %s", ErrNotFound, id)
	}
	delete(s.workers, id)
	if err := s.persistLocked(); err != nil {
		s.workers[id] = prev
		return err
	}
	return nil
}

func (s *FileStore) Record(context.Context) (model.ManifestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buildRecord(s.entriesLocked()), nil
}

// Flush rewrites the file if an earlier write failed part way.
func (s *FileStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persistLocked()
}

func (s *FileStore) Close() error {
	return s.Flush(context.Background())
}

func (s *FileStore) entriesLocked() []model.PluginManifestEntry {
	out := make([]model.PluginManifestEntry, 0, len(s.plugins))
	for _, e := range s.plugins {
		out = append(out, e.Clone())
	}
	sortEntries(out)
	return out
}

func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	entries := s.entriesLocked()
	workers := make([]model.WorkerRegistration, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	sortWorkers(workers)

	data, err := json.MarshalIndent(fileDoc{
		ManifestRecord: buildRecord(entries),
		Entries:        entries,
		Workers:        workers,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal manifest: %w", err)
	}
	if err := writeFileSync(s.path, data); err != nil {
		s.dirty = true
		return err
	}
	s.dirty = false
	return nil
}

// writeFileSync writes data to path via a synced temp file and rename.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path comes from operator config
	if err != nil {
		return fmt.Errorf("storage: create manifest tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: write manifest tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("storage: sync manifest tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: close manifest tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("storage: rename manifest: %w", err)
	}
	return nil
}
