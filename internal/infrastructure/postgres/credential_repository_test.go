//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindsync/mindsync/internal/domain/credentials"
	"github.com/mindsync/mindsync/migrations"
)

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func TestCredentialRepository(t *testing.T) {
	ctx := context.Background()
	pool, err := NewPool(ctx, testDatabaseURL(t))
	require.NoError(t, err)
	defer pool.Close()

	_, err = RunMigrations(ctx, pool, migrations.Files)
	require.NoError(t, err)
	again, err := RunMigrations(ctx, pool, migrations.Files)
	require.NoError(t, err)
	assert.Empty(t, again, "applied migrations are recorded")
	_, err = pool.Exec(ctx, `TRUNCATE TABLE client_credentials`)
	require.NoError(t, err)

	alpha := NewCredentialRepository(pool, "https://alpha.example.com")
	beta := NewCredentialRepository(pool, "https://beta.example.com")

	_, err = alpha.Load(ctx)
	assert.ErrorIs(t, err, credentials.ErrNoTokens)

	require.NoError(t, alpha.Save(ctx, credentials.Tokens{Access: "a-1", Refresh: "r-1"}))
	require.NoError(t, alpha.Save(ctx, credentials.Tokens{Access: "a-2", Refresh: "r-2"}))
	require.NoError(t, beta.Save(ctx, credentials.Tokens{Access: "b-1"}))

	got, err := alpha.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, credentials.Tokens{Access: "a-2", Refresh: "r-2"}, got)

	require.NoError(t, alpha.Clear(ctx))
	_, err = alpha.Load(ctx)
	assert.ErrorIs(t, err, credentials.ErrNoTokens)

	got, err = beta.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b-1", got.Access, "profiles are independent")
}
