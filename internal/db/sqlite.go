package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout bounds how long a connection waits on a lock before
	// surfacing "database is locked". Session and journal writes are small,
	// so anything held longer than this is a bug, not contention.
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns sizes the read-only pool. Init snapshots, journal
	// listings, and trigger scans all land here; WAL lets them run
	// alongside the single writer.
	sqliteReaderConns = 4
)

// sqliteDSN builds the connection string for the given access mode.
// journal_mode and synchronous are database-level pragmas, so only the
// writer sets them.
func sqliteDSN(path, mode string) string {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond))
	if mode == "rwc" {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	return dsn
}

// OpenSQLite opens the write side: a single connection so writes serialize
// in the driver instead of failing with SQLITE_BUSY. Creates the file and
// its parent directory on first use.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absSQLitePath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite3", sqliteDSN(path, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenSQLiteReader opens the read-only side against the same file.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(dbPath), "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	db.SetMaxOpenConns(sqliteReaderConns)
	db.SetMaxIdleConns(sqliteReaderConns)
	return db, nil
}

// absSQLitePath pins the path so writer and reader resolve to the same
// file regardless of the working directory.
func absSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
