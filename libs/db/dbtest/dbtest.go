//go:build integration

// Package dbtest starts a disposable, migrated PostgreSQL for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/fabrica/esb/libs/db"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres returns the DSN of a fresh container; it is terminated on test cleanup.
func StartPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("esb"),
		tcpostgres.WithUsername("esb"),
		tcpostgres.WithPassword("esb"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// Open starts a container, applies all migrations and returns a pool plus its DSN.
func Open(t *testing.T) (*db.Pool, string) {
	t.Helper()
	dsn := StartPostgres(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx, dsn, "up"))
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, dsn
}
