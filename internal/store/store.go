// Package store implements C1: the single embedded SQLite database, opened
// with WAL journaling, a busy timeout, and foreign keys on, matching
// original_source/db.py::get_db() exactly. The CLI opens one *DB via Open
// per invocation, shares it across the comms/task/requirement services,
// and closes it on exit; multi-statement writes run inside WithTx.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the underlying *sql.DB with the path it was opened from.
type DB struct {
	*sql.DB
	Path string
}

// Open opens (creating parent directories and the file if needed) the
// SQLite database at path with WAL mode, a 5s busy timeout, and foreign
// keys enabled, then runs migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := RunMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &DB{DB: sqlDB, Path: path}, nil
}

// NowISO returns the current UTC time in the RFC3339 format used
// throughout every timestamp column.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseISO parses a timestamp written by NowISO, tolerating the handful of
// RFC3339 variants SQLite round-trips (with/without fractional seconds).
func ParseISO(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (d *DB) WithTx(fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// GetLead returns the name of the first agent whose class is "lead", or ""
// if none is registered.
func GetLead(q Queryer) string {
	var name string
	row := q.QueryRow("SELECT name FROM agents WHERE agent_class = 'lead' ORDER BY registered_at ASC LIMIT 1")
	if err := row.Scan(&name); err != nil {
		return ""
	}
	return name
}

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
	Exec(query string, args ...any) (sql.Result, error)
}
