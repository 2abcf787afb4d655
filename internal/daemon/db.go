package daemon

import (
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
)

// writeAgentRuntime records the daemon's own PID on the agent row so
// observability doesn't depend on the state-file being fresh.
func (d *Daemon) writeAgentRuntime(pid int) {
	_, _ = d.DB.Exec("UPDATE agents SET pid = ? WHERE name = ?", pid, d.Agent.Name)
}

// updateChildPID records the currently-running child's PID and RSS.
func (d *Daemon) updateChildPID(pid int) {
	d.childPID = pid
	rss := sampleRSSBytes(pid)
	_, _ = d.DB.Exec("UPDATE agents SET pid = ?, rss_bytes = ? WHERE name = ?", pid, rss, d.Agent.Name)
}

// insertInvocationStart opens an invocation_log row for a freshly-spawned
// child and returns its id, or 0 if the write failed (non-fatal).
func (d *Daemon) insertInvocationStart() int64 {
	res, err := d.DB.Exec(
		`INSERT INTO invocation_log (agent_name, pid, model, generation, rss_bytes, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.Agent.Name, d.childPID, d.Agent.Model, d.generation, sampleRSSBytes(d.childPID), store.NowISO(),
	)
	if err != nil {
		return 0
	}
	id, _ := res.LastInsertId()
	return id
}

// finalizeInvocation writes the end-of-run fields for an invocation_log
// row opened by insertInvocationStart.
func (d *Daemon) finalizeInvocation(rowID int64, result runResult) {
	if rowID == 0 {
		return
	}
	_, _ = d.DB.Exec(
		`UPDATE invocation_log SET rss_bytes = ?, input_tokens = ?, output_tokens = ?,
		 exit_code = ?, timed_out = ?, interrupted = ?, compacted = ?, ended_at = ? WHERE id = ?`,
		sampleRSSBytes(d.childPID), result.InputTokens, result.OutputTokens, result.ExitCode,
		boolToInt(result.TimedOut), boolToInt(result.Interrupted), boolToInt(result.CompactionDetected),
		store.NowISO(), rowID,
	)
}

// checkInterrupt reports whether a lead has flagged this agent for
// mid-turn interruption, clearing the flag if set.
func (d *Daemon) checkInterrupt() bool {
	var name string
	err := d.DB.QueryRow("SELECT agent_name FROM agent_interrupt WHERE agent_name = ?", d.Agent.Name).Scan(&name)
	if err != nil {
		return false
	}
	_, _ = d.DB.Exec("DELETE FROM agent_interrupt WHERE agent_name = ?", d.Agent.Name)
	return true
}

// logCompaction records one compaction event for later inspection.
func (d *Daemon) logCompaction(tokensPre, tokensPost int) {
	_, _ = d.DB.Exec(
		`INSERT INTO compaction_log (agent_name, model, pid, rss_pre, tokens_pre, tokens_post, generation, compacted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Agent.Name, d.Agent.Model, d.childPID, sampleRSSBytes(d.childPID), tokensPre, tokensPost, d.generation, store.NowISO(),
	)
	if d.Log != nil {
		d.Log.Emit(obslog.KindCompactionDetected, map[string]any{
			"agent": d.Agent.Name, "tokens_pre": tokensPre, "tokens_post": tokensPost, "generation": d.generation,
		})
	}
}

// updateSessionID persists the LLM child's session id so a later resume
// invocation can continue the same conversation.
func (d *Daemon) updateSessionID(sessionID string) {
	d.sessionID = sessionID
	_, _ = d.DB.Exec("UPDATE agents SET session_id = ? WHERE name = ?", sessionID, d.Agent.Name)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
