package poll

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/flow"
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
	flows := flow.NewRegistry("", "")

	cs := &comms.Service{DB: db, Layout: layout, Auth: a, Log: obslog.Nop(), DocsDir: filepath.Join(dir, "docs")}
	return &Service{DB: db, Layout: layout, Flows: flows, Auth: a, Comms: cs, Log: obslog.Nop()}
}

func registerAgent(t *testing.T, s *Service, name, class, transport string) {
	t.Helper()
	got := s.Comms.Register(name, class, "", "", transport)
	require.Empty(t, got.Error)
}

func activateBattlePlan(t *testing.T, s *Service, setBy string) {
	t.Helper()
	_, err := s.DB.Exec(
		"INSERT INTO battle_plan (set_by, plan_file, status, created_at, updated_at) VALUES (?, 'plan.md', 'active', ?, ?)",
		setBy, store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)
}

func TestLoopReturnsSignalBeforeAnythingElse(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)
	_, err := s.DB.Exec("INSERT INTO flags (key, value, set_by, set_at) VALUES ('stand_down', '1', 'lead-1', ?)", store.NowISO())
	require.NoError(t, err)

	got := s.Loop("coder-1", 1, 0)
	require.Equal(t, ExitSignal, got.ExitCode)
	require.Equal(t, "stand_down", got.Signal)
	require.Contains(t, got.Action, "dismissed")
}

func TestLoopReturnsRetireSignalForAgentOnly(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)
	_, err := s.DB.Exec("INSERT INTO agent_retire (agent_name, set_by, set_at) VALUES ('coder-1', 'lead-1', ?)", store.NowISO())
	require.NoError(t, err)

	got := s.Loop("coder-1", 1, 0)
	require.Equal(t, ExitSignal, got.ExitCode)
	require.Equal(t, "retire", got.Signal)
}

func TestLoopReturnsTimeoutWhenNothingArrives(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)

	var slept int
	s.Sleep = func(time.Duration) { slept++ }

	got := s.Loop("coder-1", 1, 2)
	require.Equal(t, ExitTimeout, got.ExitCode)
	require.Equal(t, 2, slept)
}

func TestLoopDeliversMessageImmediately(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead", auth.TransportTerminal)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)
	activateBattlePlan(t, s, "lead-1")
	_, err := s.Comms.SetContext("lead-1", "loaded, ready", 0, 0, nil, "")
	require.NoError(t, err)

	sendRes := s.Comms.Send("lead-1", "coder-1", "go look at the thing", "")
	require.Empty(t, sendRes.Error)

	s.Sleep = func(time.Duration) { t.Fatal("should not sleep when a message is waiting") }
	got := s.Loop("coder-1", 5, 0)
	require.Equal(t, ExitContent, got.ExitCode)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "go look at the thing", got.Messages[0].Content)
	require.NotEmpty(t, got.TransportHint)
}

func TestLoopSurfacesOpenTaskMatchingClass(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead", auth.TransportTerminal)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)
	_, err := s.DB.Exec(
		"INSERT INTO tasks (title, status, class_required, created_by, created_at, updated_at) VALUES ('fix the bug', 'open', 'coder', 'lead-1', ?, ?)",
		store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)

	s.Sleep = func(time.Duration) { t.Fatal("should not sleep when a task is available") }
	got := s.Loop("coder-1", 5, 0)
	require.Equal(t, ExitContent, got.ExitCode)
	require.Len(t, got.Tasks, 1)
	require.Equal(t, "fix the bug", got.Tasks[0].Title)
	require.Contains(t, got.Tasks[0].ClaimCmd, "coder-1")
}

func TestLoopHidesOpenTaskBlockedByUnclosedDependency(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead", auth.TransportTerminal)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)

	res, err := s.DB.Exec(
		"INSERT INTO tasks (title, status, class_required, created_by, created_at, updated_at) VALUES ('blocker', 'open', 'coder', 'lead-1', ?, ?)",
		store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)
	blockerID, _ := res.LastInsertId()

	_, err = s.DB.Exec(
		"INSERT INTO tasks (title, status, class_required, blocked_by, created_by, created_at, updated_at) VALUES ('blocked task', 'open', 'coder', ?, 'lead-1', ?, ?)",
		blockerID, store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)

	got := s.availableTasks("coder-1")
	require.Len(t, got, 1)
	require.Equal(t, "blocker", got[0].Title)
}

func TestLoopBlocksMoonCrashFromSurfacingTasks(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead", auth.TransportTerminal)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)
	_, err := s.DB.Exec(
		"INSERT INTO tasks (title, status, class_required, created_by, created_at, updated_at) VALUES ('x', 'open', 'coder', 'lead-1', ?, ?)",
		store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)
	_, err = s.DB.Exec("INSERT INTO flags (key, value, set_by, set_at) VALUES ('moon_crash', '1', 'lead-1', ?)", store.NowISO())
	require.NoError(t, err)

	got := s.availableTasks("coder-1")
	require.Empty(t, got)
}

func TestLoopSurfacesFixedTaskOnlyForReviewers(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead", auth.TransportTerminal)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)
	registerAgent(t, s, "oracle-1", "oracle", auth.TransportTerminal)
	_, err := s.DB.Exec(
		"INSERT INTO tasks (title, status, class_required, created_by, created_at, updated_at) VALUES ('review me', 'fixed', 'coder', 'lead-1', ?, ?)",
		store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)

	require.Empty(t, s.availableTasks("coder-1"))
	got := s.availableTasks("oracle-1")
	require.Len(t, got, 1)
	require.Equal(t, "review me", got[0].Title)
}

func TestHasAvailableWorkReportsClaimableTask(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead", auth.TransportTerminal)
	registerAgent(t, s, "coder-1", "coder", auth.TransportTerminal)
	require.False(t, s.HasAvailableWork("coder-1"))

	_, err := s.DB.Exec(
		"INSERT INTO tasks (title, status, class_required, created_by, created_at, updated_at) VALUES ('fix it', 'open', 'coder', 'lead-1', ?, ?)",
		store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)
	require.True(t, s.HasAvailableWork("coder-1"))
}
