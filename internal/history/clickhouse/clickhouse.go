package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/botfleet/internal/history"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Options selects the ClickHouse endpoint and target table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(ctx context.Context, o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = "tenant_history"
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event LowCardinality(String),
			occurred_at DateTime64(6),
			tenant_id String,
			name String,
			process_id String,
			pid UInt32,
			status LowCardinality(String),
			restarts UInt32,
			reason String,
			exit_err String
		) ENGINE = MergeTree()
		ORDER BY (tenant_id, occurred_at)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	query := `INSERT INTO ` + s.table + ` (event, occurred_at, tenant_id, name, process_id, pid, status, restarts, reason, exit_err) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		r.TenantID,
		r.Name,
		r.ProcessID,
		uint32(r.PID),
		r.Status,
		r.Restarts,
		r.Reason,
		r.ExitErr,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Recent returns up to limit events for tenantID, newest first.
func (s *Sink) Recent(ctx context.Context, tenantID string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `
		SELECT event, occurred_at, tenant_id, name, process_id, pid, status, restarts, reason, exit_err
		FROM `+s.table+` WHERE tenant_id = ? ORDER BY occurred_at DESC LIMIT ?`, tenantID, uint64(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e   history.Event
			typ string
			pid uint32
		)
		if err := rows.Scan(&typ, &e.OccurredAt, &e.Record.TenantID, &e.Record.Name, &e.Record.ProcessID,
			&pid, &e.Record.Status, &e.Record.Restarts, &e.Record.Reason, &e.Record.ExitErr); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Record.PID = int(pid)
		out = append(out, e)
	}
	return out, rows.Err()
}
