package db

import "github.com/jmoiron/sqlx"

// Pool splits reads from writes. SQLite in WAL mode wants exactly one
// writing connection (anything more trades SQLITE_BUSY errors for nothing)
// next to a read-only pool that snapshots past it; Postgres needs no such
// split, so both sides are the same *sqlx.DB there.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps writer and reader connections. The two may be identical.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the side for INSERT/UPDATE/DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the side for SELECTs.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, tolerating a shared underlying pool.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rErr := p.reader.Close(); err == nil {
		err = rErr
	}
	return err
}
