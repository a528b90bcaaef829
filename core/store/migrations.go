package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"berkut-siem/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if err := applyGooseMigrations(ctx, db, logger); err != nil {
		return err
	}
	post := []func(context.Context, *sql.DB) error{
		ensureEndpointColumns,
		ensureEventsFTS,
	}
	for _, fn := range post {
		if err := fn(ctx, db); err != nil {
			return err
		}
	}
	if logger != nil {
		logger.Printf("migrations applied, fts=%v", FTSAvailable(ctx, db))
	}
	return nil
}

func applyGooseMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if logger != nil {
		goose.SetLogger(logger)
	} else {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func ensureEndpointColumns(ctx context.Context, db *sql.DB) error {
	type col struct {
		Name string
		SQL  string
	}
	cols := []col{
		{Name: "offline_reported", SQL: "ALTER TABLE edr_endpoints ADD COLUMN offline_reported INTEGER NOT NULL DEFAULT 0"},
	}
	for _, c := range cols {
		exists, err := columnExists(ctx, db, "edr_endpoints", c.Name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.ExecContext(ctx, c.SQL); err != nil {
			return fmt.Errorf("add column edr_endpoints.%s: %w", c.Name, err)
		}
	}
	return nil
}

// ensureEventsFTS creates the external-content FTS5 index over events. Builds
// without FTS5 keep working through the LIKE fallback in Search.
func ensureEventsFTS(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
		message, host, source,
		content='events',
		content_rowid='id'
	)`); err != nil {
		return nil
	}
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS events_fts_insert AFTER INSERT ON events BEGIN
			INSERT INTO events_fts(rowid, message, host, source) VALUES (new.id, new.message, COALESCE(new.host, ''), new.source);
		END`,
		`CREATE TRIGGER IF NOT EXISTS events_fts_delete AFTER DELETE ON events BEGIN
			INSERT INTO events_fts(events_fts, rowid, message, host, source) VALUES ('delete', old.id, old.message, COALESCE(old.host, ''), old.source);
		END`,
	}
	for _, stmt := range triggers {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("events fts trigger: %w", err)
		}
	}
	return nil
}

func FTSAvailable(ctx context.Context, db *sql.DB) bool {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='events_fts'`).Scan(&n)
	return err == nil && n > 0
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt interface{}
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
