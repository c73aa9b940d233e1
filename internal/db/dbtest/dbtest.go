// Package dbtest opens throwaway SQLite databases for store tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/kitehq/kite/internal/db"
)

// NewPool opens a file-backed SQLite pool in a per-test temp directory and
// closes it when the test finishes.
func NewPool(t *testing.T) *db.Pool {
	t.Helper()
	pool, err := db.Connect(db.Options{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}
