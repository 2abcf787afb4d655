package daemon

import (
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/stretchr/testify/require"
)

func newDBTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(
		"INSERT INTO agents (name, agent_class, registered_at) VALUES ('coder-1', 'coder', ?)",
		store.NowISO(),
	)
	require.NoError(t, err)
	return &Daemon{DB: db, Log: obslog.Nop(), Agent: AgentConfig{Name: "coder-1", Model: "test-model"}}
}

func TestWriteAgentRuntimeAndUpdateChildPID(t *testing.T) {
	d := newDBTestDaemon(t)
	d.writeAgentRuntime(123)

	var pid int
	require.NoError(t, d.DB.QueryRow("SELECT pid FROM agents WHERE name = ?", "coder-1").Scan(&pid))
	require.Equal(t, 123, pid)

	d.updateChildPID(456)
	require.Equal(t, 456, d.childPID)
	require.NoError(t, d.DB.QueryRow("SELECT pid FROM agents WHERE name = ?", "coder-1").Scan(&pid))
	require.Equal(t, 456, pid)
}

func TestInsertAndFinalizeInvocation(t *testing.T) {
	d := newDBTestDaemon(t)
	d.childPID = 42
	rowID := d.insertInvocationStart()
	require.NotZero(t, rowID)

	d.finalizeInvocation(rowID, runResult{ExitCode: 1, InputTokens: 10, OutputTokens: 5, TimedOut: true})

	var exitCode, inputTokens int
	require.NoError(t, d.DB.QueryRow(
		"SELECT exit_code, input_tokens FROM invocation_log WHERE id = ?", rowID,
	).Scan(&exitCode, &inputTokens))
	require.Equal(t, 1, exitCode)
	require.Equal(t, 10, inputTokens)
}

func TestCheckInterruptConsumesFlag(t *testing.T) {
	d := newDBTestDaemon(t)
	require.False(t, d.checkInterrupt())

	_, err := d.DB.Exec(
		"INSERT INTO agent_interrupt (agent_name, set_by, set_at) VALUES (?, ?, ?)",
		"coder-1", "lead-1", store.NowISO(),
	)
	require.NoError(t, err)

	require.True(t, d.checkInterrupt())
	require.False(t, d.checkInterrupt(), "flag should be consumed after first check")
}

func TestLogCompactionInsertsRow(t *testing.T) {
	d := newDBTestDaemon(t)
	d.logCompaction(1000, 200)

	var count int
	require.NoError(t, d.DB.QueryRow("SELECT COUNT(*) FROM compaction_log WHERE agent_name = ?", "coder-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestUpdateSessionIDPersists(t *testing.T) {
	d := newDBTestDaemon(t)
	d.updateSessionID("sess-abc")

	var sessionID string
	require.NoError(t, d.DB.QueryRow("SELECT session_id FROM agents WHERE name = ?", "coder-1").Scan(&sessionID))
	require.Equal(t, "sess-abc", sessionID)
	require.Equal(t, "sess-abc", d.sessionID)
}
