// Package testutil starts throwaway infrastructure for integration tests.
//
//	func TestMain(m *testing.M) {
//	    pg := testutil.MustStartPostgres()
//	    code := m.Run()
//	    pg.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/guardianos/guardian/internal/storage"
	"github.com/guardianos/guardian/migrations"
)

const (
	pgImage = "postgres:18-alpine"
	pgUser  = "guardian"
)

// Postgres is a running PostgreSQL container.
type Postgres struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres launches a PostgreSQL container and waits until it accepts
// connections.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgUser,
				"POSTGRES_DB":       pgUser,
			},
			// The server logs readiness twice: once for the init pass, once for real.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start postgres: %w", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}
	return &Postgres{
		Container: c,
		DSN:       fmt.Sprintf("postgres://%[1]s:%[1]s@%s:%s/%[1]s?sslmode=disable", pgUser, host, port.Port()),
	}, nil
}

// MustStartPostgres is StartPostgres for TestMain: it exits the process when
// the container cannot be started.
func MustStartPostgres() *Postgres {
	pg, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return pg
}

// NewStore opens a manifest store on the container with every migration
// applied.
func (pg *Postgres) NewStore(ctx context.Context, logger *slog.Logger) (*storage.PostgresStore, error) {
	return storage.NewPostgresStore(ctx, pg.DSN, migrations.FS, logger)
}

// Terminate removes the container.
func (pg *Postgres) Terminate() {
	_ = pg.Container.Terminate(context.Background())
}

// Logger returns a logger that only surfaces warnings and errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
