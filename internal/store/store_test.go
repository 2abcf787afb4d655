package store

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "minion.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesSchemaAndIsIdempotent(t *testing.T) {
	db := openTest(t)

	var version int
	require.NoError(t, db.QueryRow("SELECT version FROM schema_version WHERE version = ?", CurrentSchemaVersion).Scan(&version))
	require.Equal(t, CurrentSchemaVersion, version)

	// Re-opening the same path must not fail or duplicate the stamp row.
	db2, err := Open(db.Path)
	require.NoError(t, err)
	defer db2.Close()

	var count int
	require.NoError(t, db2.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count))
	require.Equal(t, 1, count)
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	db := openTest(t)
	now := NowISO()

	require.NoError(t, db.WithTx(func(tx *sql.Tx) error {
		_, e := tx.Exec("INSERT INTO flags (key, value, set_by, set_at) VALUES (?, ?, ?, ?)", "moon_crash", "0", "system", now)
		return e
	}))

	var value string
	require.NoError(t, db.QueryRow("SELECT value FROM flags WHERE key = 'moon_crash'").Scan(&value))
	require.Equal(t, "0", value)

	require.Error(t, db.WithTx(func(tx *sql.Tx) error {
		if _, e := tx.Exec("INSERT INTO flags (key, value, set_by, set_at) VALUES (?, ?, ?, ?)", "stand_down", "1", "system", now); e != nil {
			return e
		}
		return sql.ErrNoRows
	}))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM flags WHERE key = 'stand_down'").Scan(&count))
	require.Equal(t, 0, count, "failed transaction must roll back its insert")
}

func TestGetLeadReturnsEmptyWhenNoneRegistered(t *testing.T) {
	db := openTest(t)
	require.Equal(t, "", GetLead(db.DB))
}

func TestGetLeadReturnsFirstLead(t *testing.T) {
	db := openTest(t)
	now := NowISO()
	_, err := db.Exec("INSERT INTO agents (name, agent_class, transport, registered_at) VALUES (?,?,?,?)", "lead-1", "lead", "terminal", now)
	require.NoError(t, err)
	require.Equal(t, "lead-1", GetLead(db.DB))
}
