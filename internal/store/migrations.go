package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the highest version this binary knows how to
// migrate to.
const CurrentSchemaVersion = 1

// Migration describes one additive column migration, applied only if the
// column is missing. Mirrors the teacher's migrations.go shape: schema
// evolves by ALTER TABLE ... ADD COLUMN, never destructive rewrites.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations holds columns added after the baseline shipped. New
// columns append entries here instead of editing the baseline, so
// existing databases upgrade in place.
var pendingMigrations = []Migration{
	{Table: "agents", Column: "pid", Def: "INTEGER"},
}

// RunMigrations creates the baseline schema if needed, applies any pending
// additive-column migrations, and stamps schema_version. Idempotent.
func RunMigrations(db *sql.DB) error {
	if _, err := db.Exec(baselineSchema); err != nil {
		return fmt.Errorf("apply baseline schema: %w", err)
	}

	for _, m := range pendingMigrations {
		exists, err := columnExists(db, m.Table, m.Column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.Table, m.Column, err)
		}
	}

	var already bool
	row := db.QueryRow("SELECT 1 FROM schema_version WHERE version = ?", CurrentSchemaVersion)
	if err := row.Scan(&already); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("check schema_version: %w", err)
	}
	if !already {
		_, err := db.Exec(
			"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
			CurrentSchemaVersion, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("stamp schema_version: %w", err)
		}
	}
	return nil
}

func tableExists(db *sql.DB, table string) (bool, error) {
	row := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
	var name string
	err := row.Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	ok, err := tableExists(db, table)
	if err != nil || !ok {
		return false, err
	}
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
