package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/tenant"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

var _ store.Store = (*DB)(nil)

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenant_process(
			tenant_id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL DEFAULT '',
			bot_name TEXT NOT NULL DEFAULT '',
			application_id TEXT NOT NULL DEFAULT '',
			encrypted_credential TEXT NOT NULL,
			default_volume INTEGER NOT NULL DEFAULT 50,
			enable_247 BOOLEAN NOT NULL DEFAULT FALSE,
			enable_autoplay BOOLEAN NOT NULL DEFAULT FALSE,
			desired_state TEXT NOT NULL DEFAULT 'stopped',
			process_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tenant_process_desired ON tenant_process(desired_state);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Get(ctx context.Context, tenantID string) (tenant.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+store.Columns+` FROM tenant_process WHERE tenant_id=$1;`, tenantID)
	rec, err := store.ScanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Record{}, tenant.ErrNotFound
	}
	return rec, err
}

func (p *DB) List(ctx context.Context) ([]tenant.Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+store.Columns+` FROM tenant_process ORDER BY tenant_id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return store.ScanRecords(rows)
}

func (p *DB) Upsert(ctx context.Context, rec tenant.Record) error {
	rec = store.Normalize(rec)
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_process(tenant_id, owner_user_id, bot_name, application_id, encrypted_credential,
			default_volume, enable_247, enable_autoplay, desired_state, process_id, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT(tenant_id) DO UPDATE SET
			owner_user_id=EXCLUDED.owner_user_id,
			bot_name=EXCLUDED.bot_name,
			application_id=EXCLUDED.application_id,
			encrypted_credential=EXCLUDED.encrypted_credential,
			default_volume=EXCLUDED.default_volume,
			enable_247=EXCLUDED.enable_247,
			enable_autoplay=EXCLUDED.enable_autoplay,
			updated_at=EXCLUDED.updated_at;`,
		rec.TenantID, rec.OwnerUserID, rec.BotName, rec.ApplicationID, rec.EncryptedCredential,
		rec.DefaultVolume, rec.Enable247, rec.EnableAutoplay, string(rec.DesiredState), rec.ProcessID, now, now)
	return err
}

func (p *DB) SetDesiredState(ctx context.Context, tenantID string, state tenant.DesiredState, processID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenant_process SET desired_state=$1, process_id=$2, updated_at=$3 WHERE tenant_id=$4;`,
		string(state), processID, time.Now().UTC(), tenantID)
	return affectedOne(res, err)
}

func (p *DB) SetCredential(ctx context.Context, tenantID, envelope string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenant_process SET encrypted_credential=$1, updated_at=$2 WHERE tenant_id=$3;`,
		envelope, time.Now().UTC(), tenantID)
	return affectedOne(res, err)
}

func (p *DB) Delete(ctx context.Context, tenantID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tenant_process WHERE tenant_id=$1;`, tenantID)
	return err
}

func (p *DB) Counts(ctx context.Context) (store.Counts, error) {
	var c store.Counts
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE desired_state='running'),
			COUNT(*) FILTER (WHERE desired_state='stopped')
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
