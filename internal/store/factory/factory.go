// Package factory opens a tenant store from a DSN.
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/store/memory"
	pg "github.com/loykin/botfleet/internal/store/postgres"
	sq "github.com/loykin/botfleet/internal/store/sqlite"
)

var (
	ErrEmptyDSN       = errors.New("empty store DSN")
	ErrUnsupportedDSN = errors.New("unsupported store DSN")
)

// NewFromDSN opens the store named by dsn:
//
//	memory://                       in-process; records are lost on exit
//	postgres://... postgresql://... PostgreSQL through pgx
//	sqlite://<path> or a bare path  SQLite file
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, ErrEmptyDSN
	}
	scheme, rest, ok := strings.Cut(d, "://")
	if !ok {
		return openSQLite(d)
	}
	switch strings.ToLower(scheme) {
	case "memory":
		return memory.New(), nil
	case "postgres", "postgresql":
		db, err := pg.New(d)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite", "sqlite3":
		return openSQLite(rest)
	}
	return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
}

func openSQLite(path string) (store.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path missing", ErrUnsupportedDSN)
	}
	db, err := sq.New(path)
	if err != nil {
		return nil, err
	}
	return db, nil
}
