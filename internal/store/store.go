// Package store persists tenant process records.
package store

import (
	"context"
	"database/sql"

	"github.com/loykin/botfleet/internal/tenant"
)

// Counts summarizes persisted tenant records.
type Counts struct {
	Total          int `json:"total"`
	DesiredRunning int `json:"desired_running"`
	DesiredStopped int `json:"desired_stopped"`
}

// Store is the persistence interface for tenant records.
// Get returns tenant.ErrNotFound for unknown ids.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, tenantID string) (tenant.Record, error)
	List(ctx context.Context) ([]tenant.Record, error)
	// Upsert writes settings and credential. DesiredState and ProcessID are
	// only taken from rec on insert; lifecycle fields are owned by SetDesiredState.
	Upsert(ctx context.Context, rec tenant.Record) error
	SetDesiredState(ctx context.Context, tenantID string, state tenant.DesiredState, processID string) error
	SetCredential(ctx context.Context, tenantID, envelope string) error
	Delete(ctx context.Context, tenantID string) error
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Columns is the select list shared by the SQL stores; ScanRecords expects it.
const Columns = `tenant_id, owner_user_id, bot_name, application_id, encrypted_credential,
	default_volume, enable_247, enable_autoplay, desired_state, process_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

// ScanRecord reads one row selected with Columns.
func ScanRecord(s scanner) (tenant.Record, error) {
	var r tenant.Record
	var desired string
	err := s.Scan(&r.TenantID, &r.OwnerUserID, &r.BotName, &r.ApplicationID, &r.EncryptedCredential,
		&r.DefaultVolume, &r.Enable247, &r.EnableAutoplay, &desired, &r.ProcessID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return tenant.Record{}, err
	}
	r.DesiredState = tenant.DesiredState(desired)
	return r, nil
}

// ScanRecords drains rows selected with Columns.
func ScanRecords(rows *sql.Rows) ([]tenant.Record, error) {
	out := make([]tenant.Record, 0)
	for rows.Next() {
		r, err := ScanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Normalize fills defaults for a record about to be inserted.
func Normalize(rec tenant.Record) tenant.Record {
	if rec.DesiredState == "" {
		rec.DesiredState = tenant.DesiredStopped
	}
	if rec.DefaultVolume <= 0 {
		rec.DefaultVolume = DefaultVolume
	}
	return rec
}

// DefaultVolume applies when a record carries no volume.
const DefaultVolume = 50
