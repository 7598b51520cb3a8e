package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/glgcapital/gatekeeper/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GATEKEEPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GATEKEEPER_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "could not connect to postgres")
	require.NoError(t, EnsureSchema(ctx, pool))

	// Clean tables for test isolation.
	pool.Exec(ctx, "DELETE FROM credentials") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM credentials") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresCredentialRepository(t *testing.T) {
	storagetest.RunCredentialRepositoryTests(t, newTestStore(t))
}

func TestNewRepositoryFromDSN_BadDSN(t *testing.T) {
	_, err := NewRepositoryFromDSN(context.Background(), "postgres://%zz")
	require.Error(t, err)
}
