package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/history/sqlite"
)

func TestFactoryDSNTypes(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		dsn         string
		expectError bool
	}{
		{"Empty DSN", "", true},
		{"Invalid scheme", "invalid://test", true},
		{"SQLite file DSN", "sqlite://" + filepath.Join(dir, "a.db"), false},
		{"SQLite memory DSN", "sqlite://:memory:", false},
		{"Bare path", filepath.Join(dir, "b.db"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink, err := NewSinkFromDSN(context.Background(), tt.dsn)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, ok := sink.(*sqlite.Sink)
			assert.True(t, ok)
			_ = sink.(interface{ Close() error }).Close()
		})
	}
}

func TestParseClickHouseDSN(t *testing.T) {
	o, err := ParseClickHouseDSN("clickhouse://analyst:pw@ch.internal:9440/fleet?table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch.internal:9440", o.Addr)
	assert.Equal(t, "fleet", o.Database)
	assert.Equal(t, "events", o.Table)
	assert.Equal(t, "analyst", o.Username)
	assert.Equal(t, "pw", o.Password)

	o, err = ParseClickHouseDSN("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", o.Addr)
	assert.Empty(t, o.Table)
}

func TestNewSinks(t *testing.T) {
	dir := t.TempDir()
	m, err := NewSinks(context.Background(), []string{
		filepath.Join(dir, "one.db"),
		"sqlite://" + filepath.Join(dir, "two.db"),
	})
	require.NoError(t, err)
	require.Len(t, m, 2)

	ctx := context.Background()
	require.NoError(t, m.Send(ctx, history.NewEvent(history.EventRegister, history.Record{TenantID: "T1", Name: "bot-T1"})))
	evts, err := m.Recent(ctx, "T1", 5)
	require.NoError(t, err)
	assert.Len(t, evts, 1)
	assert.NoError(t, m.Close())

	_, err = NewSinks(ctx, []string{filepath.Join(dir, "ok.db"), "nope://x"})
	assert.Error(t, err)
}
