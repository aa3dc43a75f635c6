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

	"github.com/loykin/botfleet/internal/history"
)

// historyDSN starts a throwaway PostgreSQL and returns its DSN.
func historyDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("history"),
		postgres.WithUsername("botfleet"),
		postgres.WithPassword("botfleet"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestSinkRecentPerTenant(t *testing.T) {
	dsn := historyDSN(t)
	ctx := context.Background()

	sink, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sink.Close()) })

	base := time.Now().UTC().Truncate(time.Millisecond)
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: base, Record: history.Record{TenantID: "T1", Name: "bot-T1", ProcessID: "bot-T1#1", PID: 401, Status: "online"}},
		{Type: history.EventStart, OccurredAt: base.Add(time.Second), Record: history.Record{TenantID: "T2", Name: "bot-T2", PID: 402, Status: "online"}},
		{Type: history.EventStop, OccurredAt: base.Add(2 * time.Second), Record: history.Record{TenantID: "T1", Name: "bot-T1", PID: 401, Status: "stopped"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	t1, err := sink.Recent(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, t1, 2)
	assert.Equal(t, history.EventStop, t1[0].Type, "newest first")
	assert.Equal(t, "bot-T1#1", t1[1].Record.ProcessID)

	t2, err := sink.Recent(ctx, "T2", 1)
	require.NoError(t, err)
	require.Len(t, t2, 1)
	assert.Equal(t, 402, t2[0].Record.PID)

	// A second sink on the same database reuses the existing table.
	again, err := New(dsn)
	require.NoError(t, err)
	assert.NoError(t, again.Close())
}

func TestNewRejectsBlankDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		_, err := New(dsn)
		assert.Error(t, err, "dsn %q", dsn)
	}
}
