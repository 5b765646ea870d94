package storage

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianos/guardian/internal/integrity"
	"github.com/guardianos/guardian/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func entry(name string, status model.PluginStatus) model.PluginManifestEntry {
	return model.PluginManifestEntry{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: []string{"codex:read"},
		Config:       map[string]any{"interval": "30s"},
		Status:       status,
		Hooks:        model.PluginHooks{Loop: true},
		UpdatedAt:    time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s ManifestStore) {
	t.Helper()
	ctx := context.Background()

	got, err := s.LoadPlugins(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.PutPlugin(ctx, entry("pattern_analyzer", model.PluginActive)))
	require.NoError(t, s.PutPlugin(ctx, entry("memory_analyzer", model.PluginActive)))

	updated := entry("memory_analyzer", model.PluginFailed)
	updated.LastHealth = &model.HealthReport{Status: model.HealthError, Message: "timeout"}
	require.NoError(t, s.PutPlugin(ctx, updated))

	got, err = s.LoadPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "memory_analyzer", got[0].Name)
	assert.Equal(t, model.PluginFailed, got[0].Status)
	require.NotNil(t, got[0].LastHealth)
	assert.Equal(t, "timeout", got[0].LastHealth.Message)
	assert.True(t, integrity.VerifyEntryHash(got[0]))

	rec, err := s.Record(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.Plugins, 2)
	assert.Equal(t, model.PluginFailed, rec.Plugins["memory_analyzer"].Status)
	assert.Equal(t, integrity.ManifestRoot(got), rec.RootHash)
	assert.NotEmpty(t, rec.RootHash)

	require.NoError(t, s.DeletePlugin(ctx, "pattern_analyzer"))
	err = s.DeletePlugin(ctx, "pattern_analyzer")
	assert.True(t, errors.Is(err, ErrNotFound))

	reg := model.WorkerRegistration{ID: "plugin:memory_analyzer", Kind: model.WorkerPluginLoop, RegisteredAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	require.NoError(t, s.PutWorker(ctx, reg))
	require.NoError(t, s.PutWorker(ctx, model.WorkerRegistration{ID: "agent:sentinel", Kind: model.WorkerAgent, RegisteredAt: reg.RegisteredAt}))
	workers, err := s.LoadWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "agent:sentinel", workers[0].ID)
	assert.True(t, reg.RegisteredAt.Equal(workers[1].RegisteredAt))

	require.NoError(t, s.DeleteWorker(ctx, "agent:sentinel"))
	assert.True(t, errors.Is(s.DeleteWorker(ctx, "agent:sentinel"), ErrNotFound))

	require.NoError(t, s.Flush(ctx))
}

func TestFileStoreMemoryOnly(t *testing.T) {
	s, err := NewFileStore("", testLogger())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "manifest.json")
	s, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	reopened, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	got, err := reopened.LoadPlugins(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "memory_analyzer", got[0].Name)

	workers, err := reopened.LoadWorkers(context.Background())
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestFileStoreOperatorRecordLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	s, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.PutPlugin(context.Background(), entry("system_diagnostics", model.PluginActive)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"plugins"`)
	assert.Contains(t, string(data), `"last_updated"`)
	assert.Contains(t, string(data), `"root_hash"`)
	assert.Contains(t, string(data), `"system_diagnostics"`)
}

func TestFileStoreCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	got, err := s.LoadPlugins(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	matches, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFileStoreDropsTamperedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	s, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.PutPlugin(ctx, entry("a", model.PluginActive)))
	require.NoError(t, s.PutPlugin(ctx, entry("b", model.PluginActive)))

	// Hand-edit one entry's capabilities without resealing it.
	s.mu.Lock()
	tampered := s.plugins["b"]
	tampered.Capabilities = []string{"codex:write"}
	s.plugins["b"] = tampered
	require.NoError(t, s.persistLocked())
	s.mu.Unlock()

	reopened, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	got, err := reopened.LoadPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}

func TestFileStoreFailedWriteLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	s, err := NewFileStore(path, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.PutPlugin(ctx, entry("a", model.PluginActive)))

	// A directory squatting on the temp path makes the next write fail.
	require.NoError(t, os.Mkdir(path+".tmp", 0o700))
	err = s.PutPlugin(ctx, entry("a", model.PluginDisabled))
	require.Error(t, err)

	got, err := s.LoadPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.PluginActive, got[0].Status)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "manifest.db")
	s, err := NewSQLiteStore(ctx, path, testLogger())
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(ctx, path, testLogger())
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck
	got, err := reopened.LoadPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.PluginFailed, got[0].Status)
}

func TestSQLiteStorePrunesRevisions(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "manifest.db"), testLogger())
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	for i := range revisionsKept + 5 {
		e := entry("chatty", model.PluginActive)
		e.UpdatedAt = e.UpdatedAt.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.PutPlugin(ctx, e))
	}
	n, err := s.Revisions(ctx, "chatty")
	require.NoError(t, err)
	assert.Equal(t, revisionsKept, n)

	got, err := s.LoadPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entry("chatty", model.PluginActive).UpdatedAt.Add(time.Duration(revisionsKept+4)*time.Second), got[0].UpdatedAt.UTC())
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	plain := errors.New("syntax error")
	err = WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls, "non-retriable errors are returned immediately")

	calls = 0
	err = WithRetry(ctx, 2, time.Millisecond, func() error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithRetry(ctx, 5, time.Second, func() error {
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMigrationFilesOrdersSQLOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"002_workers.sql":  {Data: []byte("SELECT 2;")},
		"001_manifest.sql": {Data: []byte("SELECT 1;")},
		"embed.go":         {Data: []byte("package migrations")},
		"old/000_x.sql":    {Data: []byte("SELECT 0;")},
	}
	files, err := migrationFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_manifest.sql", "002_workers.sql"}, files)
}
