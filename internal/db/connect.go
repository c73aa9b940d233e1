package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Options selects the database backend and its connection parameters.
type Options struct {
	Driver   string // "sqlite" or "postgres"
	Path     string // sqlite file path
	DSN      string // postgres DSN
	MaxConns int
	MinConns int
}

// Connect opens the configured backend and returns a Pool. SQLite gets a
// single-connection writer plus a concurrent read-only reader; Postgres uses
// one pgx-backed pool for both roles.
func Connect(opts Options) (*Pool, error) {
	switch opts.Driver {
	case "", "sqlite":
		writer, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(opts.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writer, "sqlite3"),
			sqlx.NewDb(reader, "sqlite3"),
		), nil
	case "postgres":
		raw, err := OpenPostgres(opts.DSN, opts.MaxConns, opts.MinConns)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(raw, "pgx")
		return NewPool(shared, shared), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
}
