package comms

import (
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	layout := fsutil.Layout{WorkDir: filepath.Join(dir, ".work")}
	require.NoError(t, layout.EnsureDirs())

	a := &auth.Registry{}
	t.Cleanup(a.ResetForTest)

	return &Service{DB: db, Layout: layout, Auth: a, Log: obslog.Nop(), DocsDir: filepath.Join(dir, "docs")}
}

func activateBattlePlan(t *testing.T, s *Service, setBy string) {
	t.Helper()
	_, err := s.DB.Exec(
		"INSERT INTO battle_plan (set_by, plan_file, status, created_at, updated_at) VALUES (?, 'plan.md', 'active', ?, ?)",
		setBy, store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)
}

func TestRegisterRejectsUnknownClassAndTransport(t *testing.T) {
	s := newService(t)

	got := s.Register("a1", "coder", "", "", "bogus")
	require.Contains(t, got.Error, "invalid transport")

	got = s.Register("a1", "bogus-class", "", "", auth.TransportTerminal)
	require.Contains(t, got.Error, "unknown class")
}

func TestRegisterSucceedsAndReRegisterRefreshes(t *testing.T) {
	s := newService(t)

	got := s.Register("lead-1", "lead", "", "", auth.TransportTerminal)
	require.Equal(t, "registered", got.Status)
	require.Equal(t, "terminal", got.Playbook.Type)
	require.NotEmpty(t, got.Triggers)

	got = s.Register("lead-1", "lead", "claude-x", "desc", auth.TransportDaemon)
	require.Equal(t, "registered", got.Status)
	require.Equal(t, "daemon", got.Playbook.Type)
}

func TestDeregisterReleasesClaimsAndReportsWaitlist(t *testing.T) {
	s := newService(t)
	s.Register("coder-1", "coder", "", "", auth.TransportTerminal)
	now := store.NowISO()
	_, err := s.DB.Exec("INSERT INTO file_claims (file_path, agent_name, claimed_at) VALUES ('a.go','coder-1',?)", now)
	require.NoError(t, err)
	_, err = s.DB.Exec("INSERT INTO file_waitlist (file_path, agent_name, added_at) VALUES ('a.go','coder-2',?)", now)
	require.NoError(t, err)

	got := s.Deregister("coder-1")
	require.Equal(t, "deregistered", got.Status)
	require.Equal(t, 1, got.ReleasedClaims)
	require.Len(t, got.WaitlistNotify, 1)
}

func TestDeregisterUnknownAgentErrors(t *testing.T) {
	s := newService(t)
	got := s.Deregister("ghost")
	require.NotEmpty(t, got.Error)
}

func TestSendRequiresActivePlan(t *testing.T) {
	s := newService(t)
	s.Register("lead-1", "lead", "", "", auth.TransportTerminal)

	got := s.Send("lead-1", "coder-1", "hello", "")
	require.Contains(t, got.Error, "no active battle plan")

	activateBattlePlan(t, s, "lead-1")
	hpVal := 95
	_, err := s.SetContext("lead-1", "ready", 0, 0, &hpVal, "")
	require.NoError(t, err)

	got = s.Send("lead-1", "coder-1", "hello there", "")
	require.Equal(t, "sent", got.Status)
}

func TestSendBlockedOnUnreadMessages(t *testing.T) {
	s := newService(t)
	s.Register("lead-1", "lead", "", "", auth.TransportTerminal)
	activateBattlePlan(t, s, "lead-1")
	hpVal := 95
	_, err := s.SetContext("lead-1", "ready", 0, 0, &hpVal, "")
	require.NoError(t, err)
	_, err = s.SetContext("coder-1", "ready", 0, 0, &hpVal, "")
	require.NoError(t, err)

	got := s.Send("coder-1", "lead-1", "first", "")
	require.Equal(t, "sent", got.Status)

	got = s.Send("lead-1", "coder-1", "reply without reading", "")
	require.Contains(t, got.Error, "unread message")
}

func TestCheckInboxConsumesDirectMessage(t *testing.T) {
	s := newService(t)
	s.Register("lead-1", "lead", "", "", auth.TransportTerminal)
	s.Register("coder-1", "coder", "", "", auth.TransportTerminal)
	activateBattlePlan(t, s, "lead-1")
	hpVal := 95
	s.SetContext("lead-1", "ready", 0, 0, &hpVal, "")

	got := s.Send("lead-1", "coder-1", "direct message", "")
	require.Equal(t, "sent", got.Status)

	inbox := s.CheckInbox("coder-1")
	require.Empty(t, inbox.Error)
	require.Len(t, inbox.Messages, 1)
	require.Equal(t, "direct message", inbox.Messages[0].Content)

	inbox = s.CheckInbox("coder-1")
	require.Empty(t, inbox.Messages, "second check-inbox should find nothing new")
}

func TestSendTriggerWordSetsFlag(t *testing.T) {
	s := newService(t)
	s.Register("lead-1", "lead", "", "", auth.TransportTerminal)
	activateBattlePlan(t, s, "lead-1")
	hpVal := 95
	s.SetContext("lead-1", "ready", 0, 0, &hpVal, "")

	got := s.Send("lead-1", "all", "everyone please stand_down now", "")
	require.Equal(t, "sent", got.Status)
	require.Contains(t, got.Triggers, "stand_down")

	var value string
	require.NoError(t, s.DB.QueryRow("SELECT value FROM flags WHERE key = 'stand_down'").Scan(&value))
	require.Equal(t, "1", value)
}

func TestWhoListsRegisteredAgents(t *testing.T) {
	s := newService(t)
	s.Register("lead-1", "lead", "", "", auth.TransportTerminal)
	s.Register("coder-1", "coder", "", "", auth.TransportTerminal)

	agents, err := s.Who()
	require.NoError(t, err)
	require.Len(t, agents, 2)
}

func TestPurgeInboxDeletesOldDirectMessages(t *testing.T) {
	s := newService(t)
	s.Register("lead-1", "lead", "", "", auth.TransportTerminal)

	_, err := s.DB.Exec(
		"INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc) VALUES ('system','lead-1','x.md', '2000-01-01T00:00:00Z', 1, 0)",
	)
	require.NoError(t, err)

	got, err := s.PurgeInbox("lead-1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, got.DeletedDirect)
}

func TestRenameUpdatesAllReferences(t *testing.T) {
	s := newService(t)
	s.Register("old-name", "coder", "", "", auth.TransportTerminal)

	status, errMsg := s.Rename("old-name", "new-name")
	require.Empty(t, errMsg)
	require.Equal(t, "renamed", status)

	var name string
	require.NoError(t, s.DB.QueryRow("SELECT name FROM agents WHERE name = 'new-name'").Scan(&name))
	require.Equal(t, "new-name", name)
}
