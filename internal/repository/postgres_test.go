package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/storyrelay/backend/internal/repository"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("storyrelay_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrator := repository.NewMigrator(pool, zaptest.NewLogger(t))
	require.NoError(t, migrator.Up())
	version, dirty, err := migrator.Version()
	require.NoError(t, err)
	require.False(t, dirty)
	require.EqualValues(t, 1, version)
	return pool
}

func TestPostgresRepository(t *testing.T) {
	pool := startPostgres(t)
	store := repository.NewPostgresRepository(pool, zaptest.NewLogger(t))

	t.Run("store", func(t *testing.T) {
		testStoryStore(t, store)
	})
	t.Run("lease exclusion", func(t *testing.T) {
		testLeaseExclusion(t, store)
	})
}

func TestMigratorDownUp(t *testing.T) {
	pool := startPostgres(t)
	migrator := repository.NewMigrator(pool, zaptest.NewLogger(t))

	require.NoError(t, migrator.Down())
	version, _, err := migrator.Version()
	require.NoError(t, err)
	require.EqualValues(t, 0, version)

	require.NoError(t, migrator.Up())
	require.NoError(t, repository.NewPostgresRepository(pool, zaptest.NewLogger(t)).Ping(context.Background()))
}
