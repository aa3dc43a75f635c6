package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/tenant"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The DSN is a filesystem path; ":memory:" gives an in-memory database.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: serializes writers and keeps ":memory:" a single database
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenant_process(
			tenant_id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL DEFAULT '',
			bot_name TEXT NOT NULL DEFAULT '',
			application_id TEXT NOT NULL DEFAULT '',
			encrypted_credential TEXT NOT NULL,
			default_volume INTEGER NOT NULL DEFAULT 50,
			enable_247 BOOLEAN NOT NULL DEFAULT 0,
			enable_autoplay BOOLEAN NOT NULL DEFAULT 0,
			desired_state TEXT NOT NULL DEFAULT 'stopped',
			process_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tenant_process_desired ON tenant_process(desired_state);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, tenantID string) (tenant.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM tenant_process WHERE tenant_id=?;`, tenantID)
	rec, err := store.ScanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Record{}, tenant.ErrNotFound
	}
	return rec, err
}

func (s *DB) List(ctx context.Context) ([]tenant.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+store.Columns+` FROM tenant_process ORDER BY tenant_id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}

func (s *DB) Upsert(ctx context.Context, rec tenant.Record) error {
	rec = store.Normalize(rec)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_process(tenant_id, owner_user_id, bot_name, application_id, encrypted_credential,
			default_volume, enable_247, enable_autoplay, desired_state, process_id, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			owner_user_id=excluded.owner_user_id,
			bot_name=excluded.bot_name,
			application_id=excluded.application_id,
			encrypted_credential=excluded.encrypted_credential,
			default_volume=excluded.default_volume,
			enable_247=excluded.enable_247,
			enable_autoplay=excluded.enable_autoplay,
			updated_at=excluded.updated_at;`,
		rec.TenantID, rec.OwnerUserID, rec.BotName, rec.ApplicationID, rec.EncryptedCredential,
		rec.DefaultVolume, rec.Enable247, rec.EnableAutoplay, string(rec.DesiredState), rec.ProcessID, now, now)
	return err
}

func (s *DB) SetDesiredState(ctx context.Context, tenantID string, state tenant.DesiredState, processID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_process SET desired_state=?, process_id=?, updated_at=? WHERE tenant_id=?;`,
		string(state), processID, time.Now().UTC(), tenantID)
	return affectedOne(res, err)
}

func (s *DB) SetCredential(ctx context.Context, tenantID, envelope string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_process SET encrypted_credential=?, updated_at=? WHERE tenant_id=?;`,
		envelope, time.Now().UTC(), tenantID)
	return affectedOne(res, err)
}

func (s *DB) Delete(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tenant_process WHERE tenant_id=?;`, tenantID)
	return err
}

func (s *DB) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN desired_state='running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN desired_state='stopped' THEN 1 ELSE 0 END), 0)
		FROM tenant_process;`).Scan(&c.Total, &c.DesiredRunning, &c.DesiredStopped)
	return c, err
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}
