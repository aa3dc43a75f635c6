package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/tenant"
)

// tenantDB starts a throwaway PostgreSQL and returns a store with the schema
// applied. Without Docker the test is skipped.
func tenantDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fleet"),
		postgres.WithUsername("fleet"),
		postgres.WithPassword("fleet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(ctx))
	// idempotent
	require.NoError(t, db.EnsureSchema(ctx))
	return db
}

func TestPostgresTenantLifecycle(t *testing.T) {
	db := tenantDB(t)
	ctx := context.Background()

	require.NoError(t, db.Upsert(ctx, tenant.Record{TenantID: "pg1", BotName: "PG", EncryptedCredential: "encv1_a"}))
	require.NoError(t, db.Upsert(ctx, tenant.Record{TenantID: "pg2", EncryptedCredential: "encv1_b"}))
	require.NoError(t, db.SetDesiredState(ctx, "pg1", tenant.DesiredRunning, "bot-pg1#1"))

	got, err := db.Get(ctx, "pg1")
	require.NoError(t, err)
	assert.Equal(t, "PG", got.BotName)
	assert.Equal(t, tenant.DesiredRunning, got.DesiredState)
	assert.Equal(t, "bot-pg1#1", got.ProcessID)
	assert.Equal(t, store.DefaultVolume, got.DefaultVolume)

	c, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Total: 2, DesiredRunning: 1, DesiredStopped: 1}, c)

	require.NoError(t, db.SetCredential(ctx, "pg2", "encv2_c"))
	assert.ErrorIs(t, db.SetCredential(ctx, "missing", "x"), tenant.ErrNotFound)

	require.NoError(t, db.Delete(ctx, "pg1"))
	_, err = db.Get(ctx, "pg1")
	assert.ErrorIs(t, err, tenant.ErrNotFound)

	list, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "encv2_c", list[0].EncryptedCredential)
}
