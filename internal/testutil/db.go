// Package testutil provides shared database fixtures for tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stratumhealth/dwetl/internal/dbconn"
)

// SQLiteConn creates a temporary SQLite database and returns a descriptor
// for it. The database lives under t.TempDir() so it is removed when the
// test finishes. WAL mode and a busy timeout are applied through the DSN so
// concurrent workers contend on locks instead of failing fast.
func SQLiteConn(t *testing.T) dbconn.ConnInfo {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	return dbconn.ConnInfo{
		Driver:  "sqlite3",
		ConnStr: path + "?_journal_mode=WAL&_busy_timeout=5000",
	}
}

// Seed executes setup statements against the described database, failing
// the test on any error. Used to arrange schema and fixture rows before the
// code under test runs.
func Seed(t *testing.T, conn dbconn.ConnInfo, stmts ...string) {
	t.Helper()
	ctx := context.Background()
	db, err := conn.Open(ctx)
	if err != nil {
		t.Fatalf("open seed session: %v", err)
	}
	defer db.Close()

	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			t.Fatalf("seed statement %q failed: %v", s, err)
		}
	}
}

// QueryInt runs a single-value query and returns the result as an int64.
func QueryInt(t *testing.T, conn dbconn.ConnInfo, query string) int64 {
	t.Helper()
	ctx := context.Background()
	db, err := conn.Open(ctx)
	if err != nil {
		t.Fatalf("open query session: %v", err)
	}
	defer db.Close()

	var n int64
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		t.Fatalf("query %q failed: %v", query, err)
	}
	return n
}
