package daemon

import (
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/contracts"
	"github.com/ai-janitor/minion/internal/poll"
	"github.com/stretchr/testify/require"
)

func newPromptTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	return &Daemon{
		Contracts: contracts.New(filepath.Join(t.TempDir(), "docs")),
		Agent:     AgentConfig{Name: "coder-1", Class: "coder", PromptFragment: "You fix bugs."},
		buffer:    NewRollingBuffer(1000),
	}
}

func TestBuildBootPromptIncludesRoleAndFragment(t *testing.T) {
	d := newPromptTestDaemon(t)
	p := d.buildBootPrompt()
	require.Contains(t, p, "coder-1")
	require.Contains(t, p, "You fix bugs.")
	require.Contains(t, p, "ON STARTUP")
}

func TestBuildInboxPromptIncludesMessagesAndTasks(t *testing.T) {
	d := newPromptTestDaemon(t)
	data := pollData{
		Messages: []comms.Message{{From: "lead-1", Content: "go fix it", Timestamp: "2026-07-30T00:00:00Z"}},
		Tasks:    []poll.AvailableTask{{TaskID: 7, Title: "fix it", Status: "open", ClaimCmd: "minion claim 7"}},
	}
	p := d.buildInboxPrompt(data)
	require.Contains(t, p, "lead-1")
	require.Contains(t, p, "go fix it")
	require.Contains(t, p, "#7 fix it")
	require.Contains(t, p, "minion claim 7")
}

func TestBuildInboxPromptReinjectsHistoryOnceAfterCompaction(t *testing.T) {
	d := newPromptTestDaemon(t)
	d.buffer.Append("previously: fixed the parser bug")
	d.injectHistoryNextTurn = true

	p := d.buildInboxPrompt(pollData{})
	require.Contains(t, p, "previously: fixed the parser bug")
	require.False(t, d.injectHistoryNextTurn)

	p2 := d.buildInboxPrompt(pollData{})
	require.NotContains(t, p2, "RECENT HISTORY")
}
