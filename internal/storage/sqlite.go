package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/guardianos/guardian/internal/model"
)

// revisionsKept is how many historical revisions of each plugin entry the
// SQLite store retains beside the current one.
const revisionsKept = 10

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plugin_revisions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	name         TEXT    NOT NULL,
	body         TEXT    NOT NULL,
	content_hash TEXT    NOT NULL,
	written_at   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS plugin_revisions_name ON plugin_revisions(name, id);

CREATE TABLE IF NOT EXISTS plugin_current (
	name        TEXT PRIMARY KEY,
	revision_id INTEGER NOT NULL REFERENCES plugin_revisions(id)
);

CREATE TABLE IF NOT EXISTS worker_registrations (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	registered_at TEXT NOT NULL
);
`

// SQLiteStore writes each plugin change as a new revision row and flips a
// current-pointer row to it in the same transaction, so a crash mid-write
// leaves the previous revision current.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the SQLite manifest at path with
// WAL journaling and a busy timeout.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	// One writer keeps the revision/pointer transaction free of SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) LoadPlugins(ctx context.Context) ([]model.PluginManifestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.body FROM plugin_current c
		JOIN plugin_revisions r ON r.id = c.revision_id
		ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("storage: query plugins: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var entries []model.PluginManifestEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("storage: scan plugin: %w", err)
		}
		var e model.PluginManifestEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("storage: decode plugin revision: %w", errors.Join(ErrCorrupt, err))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate plugins: %w", err)
	}
	return verified(entries, s.logger), nil
}

func (s *SQLiteStore) PutPlugin(ctx context.Context, e model.PluginManifestEntry) error {
	if e.Name == "" {
		return fmt.Errorf("storage: plugin entry has no name")
	}
	sealed := seal(e)
	body, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("storage: marshal plugin: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin plugin write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO plugin_revisions (name, body, content_hash, written_at) VALUES (?, ?, ?, ?)`,
		sealed.Name, string(body), sealed.ContentHash, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("storage: insert plugin revision: %w", err)
	}
	revID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storage: plugin revision id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO plugin_current (name, revision_id) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET revision_id = excluded.revision_id`,
		sealed.Name, revID); err != nil {
		return fmt.Errorf("storage: flip plugin pointer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM plugin_revisions
		WHERE name = ? AND id NOT IN (
			SELECT id FROM plugin_revisions WHERE name = ? ORDER BY id DESC LIMIT ?
		)`, sealed.Name, sealed.Name, revisionsKept); err != nil {
		return fmt.Errorf("storage: prune plugin revisions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit plugin write: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeletePlugin(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin plugin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM plugin_current WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("storage: delete plugin pointer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: plugin %s", ErrNotFound, name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_revisions WHERE name = ?`, name); err != nil {
		return fmt.Errorf("storage: delete plugin revisions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit plugin delete: %w", err)
	}
	return nil
}

// Revisions returns how many revisions are stored for name, current included.
func (s *SQLiteStore) Revisions(ctx context.Context, name string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plugin_revisions WHERE name = ?`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count revisions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LoadWorkers(ctx context.Context) ([]model.WorkerRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, registered_at FROM worker_registrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query workers: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []model.WorkerRegistration
	for rows.Next() {
		var (
			reg  model.WorkerRegistration
			kind string
			at   string
		)
		if err := rows.Scan(&reg.ID, &kind, &at); err != nil {
			return nil, fmt.Errorf("storage: scan worker: %w", err)
		}
		reg.Kind = model.WorkerKind(kind)
		if reg.RegisteredAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("storage: decode worker %s: %w", reg.ID, errors.Join(ErrCorrupt, err))
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutWorker(ctx context.Context, reg model.WorkerRegistration) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_registrations (id, kind, registered_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, registered_at = excluded.registered_at`,
		reg.ID, string(reg.Kind), reg.RegisteredAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("storage: put worker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteWorker(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worker_registrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: worker %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context) (model.ManifestRecord, error) {
	entries, err := s.LoadPlugins(ctx)
	if err != nil {
		return model.ManifestRecord{}, err
	}
	return buildRecord(entries), nil
}

// Flush checkpoints the SQLite WAL into the main database file.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("storage: checkpoint sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		s.logger.Warn("storage: final sqlite checkpoint failed", "error", err)
	}
	return s.db.Close()
}
