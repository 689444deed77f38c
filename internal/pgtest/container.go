// Package pgtest starts throwaway PostgreSQL databases for the
// integration tests of the PostgreSQL-backed components.
package pgtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/get-eventually/eventpipe/postgres"
)

// Container is a handle on a migrated PostgreSQL container.
type Container struct {
	*tcpostgres.PostgresContainer

	DSN  string
	Pool *pgxpool.Pool
}

// NewContainer starts a PostgreSQL container, runs the migrations on it
// and opens a connection pool.
func NewContainer(ctx context.Context) (*Container, error) {
	withContext := func(msg string, err error) error {
		return fmt.Errorf("pgtest.NewContainer: %s, %w", msg, err)
	}

	container, err := tcpostgres.Run(
		ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("main"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("notasecret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, withContext("failed to run new container", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, withContext("failed to get connection dsn", err)
	}

	if err := postgres.RunMigrations(dsn); err != nil {
		return nil, withContext("failed to migrate database", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, withContext("failed to open connection pool", err)
	}

	return &Container{
		PostgresContainer: container,
		DSN:               dsn,
		Pool:              pool,
	}, nil
}

// Close closes the pool and terminates the container.
func (c *Container) Close(ctx context.Context) error {
	c.Pool.Close()
	return c.Terminate(ctx)
}

// Start starts a Container for the test, skipping it under -short,
// and terminates it when the test ends.
func Start(t *testing.T) *Container {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()

	container, err := NewContainer(ctx)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Close(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	return container
}
