package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/fsutil"
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
	return &Service{DB: db, Layout: layout, Auth: a}
}

func registerAgent(t *testing.T, s *Service, name, class string) {
	t.Helper()
	now := store.NowISO()
	_, err := s.DB.Exec("INSERT INTO agents (name, agent_class, registered_at, last_seen) VALUES (?, ?, ?, ?)", name, class, now, now)
	require.NoError(t, err)
}

func TestPartyStatusCountsOpenTasksAndActivity(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder")
	now := store.NowISO()
	_, err := s.DB.Exec(
		"INSERT INTO tasks (title, status, assigned_to, activity_count, created_by, created_at, updated_at) VALUES ('a', 'in_progress', 'coder-1', 3, 'lead-1', ?, ?)",
		now, now,
	)
	require.NoError(t, err)
	_, err = s.DB.Exec(
		"INSERT INTO tasks (title, status, assigned_to, activity_count, created_by, created_at, updated_at) VALUES ('b', 'closed', 'coder-1', 7, 'lead-1', ?, ?)",
		now, now,
	)
	require.NoError(t, err)

	got, err := s.PartyStatus()
	require.NoError(t, err)
	require.Len(t, got.Agents, 1)
	require.Equal(t, "coder-1", got.Agents[0].Name)
	require.Equal(t, 1, got.Agents[0].OpenTasks)
	require.Equal(t, 3, got.Agents[0].TotalActivity)
}

func TestCheckActivityErrorsOnUnknownAgent(t *testing.T) {
	s := newService(t)
	got := s.CheckActivity("ghost")
	require.Contains(t, got.Error, "not found")
}

func TestCheckActivityJudgesFreshFileAsActiveDespiteStaleLastSeen(t *testing.T) {
	s := newService(t)
	old := time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339)
	_, err := s.DB.Exec("INSERT INTO agents (name, agent_class, registered_at, last_seen) VALUES (?, 'coder', ?, ?)", "coder-1", old, old)
	require.NoError(t, err)

	claimed := filepath.Join(t.TempDir(), "hot.go")
	require.NoError(t, os.WriteFile(claimed, []byte("package x"), 0o644))
	_, err = s.DB.Exec("INSERT INTO file_claims (file_path, agent_name, claimed_at) VALUES (?, 'coder-1', ?)", claimed, store.NowISO())
	require.NoError(t, err)

	got := s.CheckActivity("coder-1")
	require.Empty(t, got.Error)
	require.Equal(t, "active", got.Judgment)
}

func TestCheckActivityJudgesPossiblyDeadWhenNothingRecent(t *testing.T) {
	s := newService(t)
	old := time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339)
	_, err := s.DB.Exec("INSERT INTO agents (name, agent_class, registered_at, last_seen) VALUES (?, 'coder', ?, ?)", "coder-1", old, old)
	require.NoError(t, err)

	got := s.CheckActivity("coder-1")
	require.Equal(t, "possibly dead", got.Judgment)
}

func TestCheckFreshnessFlagsFilesModifiedAfterContext(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder")
	past := time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339)
	_, err := s.DB.Exec("UPDATE agents SET context_updated_at = ? WHERE name = ?", past, "coder-1")
	require.NoError(t, err)

	fresh := filepath.Join(t.TempDir(), "touched.go")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	got := s.CheckFreshness("coder-1", []string{fresh})
	require.Empty(t, got.Error)
	require.Equal(t, 1, got.StaleCount)
	require.True(t, got.Files[0].Stale)
	require.NotEmpty(t, got.Warning)
}

func TestCheckFreshnessTreatsNeverSetContextAsAllStale(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder")
	fresh := filepath.Join(t.TempDir(), "touched.go")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	got := s.CheckFreshness("coder-1", []string{fresh})
	require.Empty(t, got.Error)
	require.Equal(t, 1, got.StaleCount)
	require.Contains(t, got.Note, "never called set-context")
}

func TestSitrepAssemblesAgentsTasksFlagsAndBattlePlan(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	now := store.NowISO()
	_, err := s.DB.Exec(
		"INSERT INTO tasks (title, status, created_by, created_at, updated_at) VALUES ('a', 'open', 'lead-1', ?, ?)",
		now, now,
	)
	require.NoError(t, err)
	_, err = s.DB.Exec("INSERT INTO flags (key, value, set_by, set_at) VALUES ('moon_crash', '0', 'lead-1', ?)", now)
	require.NoError(t, err)

	planPath := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("# Plan\ndo the thing"), 0o644))
	_, err = s.DB.Exec(
		"INSERT INTO battle_plan (set_by, plan_file, status, created_at, updated_at) VALUES ('lead-1', ?, 'active', ?, ?)",
		planPath, now, now,
	)
	require.NoError(t, err)

	got, err := s.Sitrep()
	require.NoError(t, err)
	require.Len(t, got.Agents, 1)
	require.Len(t, got.ActiveTasks, 1)
	require.Contains(t, got.Flags, "moon_crash")
	require.NotNil(t, got.BattlePlan)
	require.Contains(t, got.BattlePlan.PlanContent, "do the thing")
}
