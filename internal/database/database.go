// Package database opens the metadata database and applies the schema.
//
// PostgreSQL (lib/pq) is the production driver. SQLite (go-sqlite3) backs
// single-node deployments and tests. Queries across the repository are
// written to run unchanged on both: numbered placeholders in order of first
// use, no vendor functions, and timestamps passed as parameters.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
)

//go:embed schema/*.sql
var schemas embed.FS

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the database and verifies the connection.
func Open(driver, url string) (*sql.DB, error) {
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == "sqlite3" {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate applies the schema for driver. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	content, err := schemas.ReadFile("schema/" + driver + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for driver %s: %w", driver, err)
	}
	logging.Info("applying schema", zap.String("driver", driver))
	if _, err := db.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction, rolling back on error.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpdateConnectionMetrics updates the database connection metrics.
func UpdateConnectionMetrics(db *sql.DB) {
	metrics.SetDBConnectionsOpen(db.Stats().OpenConnections)
}
