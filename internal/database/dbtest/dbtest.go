// Package dbtest provides a migrated in-memory SQLite database for tests.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/fruitsalade/docspace/internal/database"
)

var seq atomic.Int64

// New returns a fresh, migrated database that is closed when the test ends.
func New(t testing.TB) *sql.DB {
	t.Helper()
	url := fmt.Sprintf("file:dbtest%d?mode=memory&cache=shared&_foreign_keys=off", seq.Add(1))
	db, err := database.Open("sqlite3", url)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(context.Background(), db, "sqlite3"); err != nil {
		db.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
