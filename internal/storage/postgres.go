package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardianos/guardian/internal/model"
)

// PostgresStore keeps the manifest in PostgreSQL. Each plugin entry is one
// JSONB row replaced atomically; writes retry on serialization failures.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and, when migrationsFS is non-nil, applies
// pending migrations.
func NewPostgresStore(ctx context.Context, dsn string, migrationsFS fs.FS, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if migrationsFS != nil {
		if err := s.RunMigrations(ctx, migrationsFS); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) LoadPlugins(ctx context.Context) ([]model.PluginManifestEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM guardian_plugins ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: query plugins: %w", err)
	}
	defer rows.Close()

	var entries []model.PluginManifestEntry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("storage: scan plugin: %w", err)
		}
		var e model.PluginManifestEntry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("storage: decode plugin: %w", errors.Join(ErrCorrupt, err))
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate plugins: %w", err)
	}
	return verified(entries, s.logger), nil
}

func (s *PostgresStore) PutPlugin(ctx context.Context, e model.PluginManifestEntry) error {
	if e.Name == "" {
		return fmt.Errorf("storage: plugin entry has no name")
	}
	sealed := seal(e)
	body, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("storage: marshal plugin: %w", err)
	}
	err = WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO guardian_plugins (name, status, content_hash, body, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name) DO UPDATE
			SET status = EXCLUDED.status, content_hash = EXCLUDED.content_hash,
			    body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
			sealed.Name, string(sealed.Status), sealed.ContentHash, body, sealed.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: put plugin %s: %w", e.Name, err)
	}
	return nil
}

func (s *PostgresStore) DeletePlugin(ctx context.Context, name string) error {
	var affected int64
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM guardian_plugins WHERE name = $1`, name)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete plugin %s: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: plugin %s", ErrNotFound, name)
	}
	return nil
}

func (s *PostgresStore) LoadWorkers(ctx context.Context) ([]model.WorkerRegistration, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, kind, registered_at FROM guardian_workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: query workers: %w", err)
	}
	regs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WorkerRegistration, error) {
		var (
			reg  model.WorkerRegistration
			kind string
		)
		err := row.Scan(&reg.ID, &kind, &reg.RegisteredAt)
		reg.Kind = model.WorkerKind(kind)
		return reg, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan workers: %w", err)
	}
	return regs, nil
}

func (s *PostgresStore) PutWorker(ctx context.Context, reg model.WorkerRegistration) error {
	err := WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO guardian_workers (id, kind, registered_at) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, registered_at = EXCLUDED.registered_at`,
			reg.ID, string(reg.Kind), reg.RegisteredAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: put worker %s: %w", reg.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteWorker(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM guardian_workers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete worker %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: worker %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context) (model.ManifestRecord, error) {
	entries, err := s.LoadPlugins(ctx)
	if err != nil {
		return model.ManifestRecord{}, err
	}
	return buildRecord(entries), nil
}

// Flush is a no-op: every write is committed before it returns.
func (s *PostgresStore) Flush(context.Context) error { return nil }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
