package task

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/ai-janitor/minion/internal/auth"
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

	return &Service{DB: db, Layout: layout, Flows: flow.NewRegistry("", ""), Auth: a, Log: obslog.Nop()}
}

func registerAgent(t *testing.T, s *Service, name, class string) {
	t.Helper()
	now := store.NowISO()
	_, err := s.DB.Exec("INSERT INTO agents (name, agent_class, registered_at, last_seen) VALUES (?, ?, ?, ?)", name, class, now, now)
	require.NoError(t, err)
}

func activateBattlePlan(t *testing.T, s *Service, setBy string) {
	t.Helper()
	_, err := s.DB.Exec(
		"INSERT INTO battle_plan (set_by, plan_file, status, created_at, updated_at) VALUES (?, 'plan.md', 'active', ?, ?)",
		setBy, store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCreateRequiresLeadAndActiveBattlePlan(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder")

	got := s.Create("coder-1", "fix the thing", "", "", "", "", "", "bugfix")
	require.Contains(t, got.Error, "only lead-class agents")

	registerAgent(t, s, "lead-1", "lead")
	got = s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	require.Contains(t, got.Error, "no active battle plan")

	activateBattlePlan(t, s, "lead-1")
	got = s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	require.Empty(t, got.Error)
	require.Equal(t, "created", got.Status)
	require.NotZero(t, got.TaskID)
}

func TestCreateChoreBypassesLeadAndBattlePlan(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "coder-1", "coder")

	got := s.Create("coder-1", "clean up logs", "", "", "", "", "", "chore")
	require.Empty(t, got.Error)
	require.Equal(t, "created", got.Status)
}

func TestAssignAndPullClaimFlow(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	activateBattlePlan(t, s, "lead-1")

	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	require.Empty(t, created.Error)

	assigned := s.Assign("lead-1", created.TaskID, "coder-1")
	require.Empty(t, assigned.Error)
	require.Equal(t, "assigned", assigned.Status)

	pulled := s.Pull("coder-1", created.TaskID)
	require.Empty(t, pulled.Error)
	require.Equal(t, "claimed", pulled.Status)

	other := s.Pull("coder-1", created.TaskID)
	require.Empty(t, other.Error, "same agent re-pulling their own assigned task should succeed")
}

func TestPullRespectsUnresolvedBlockers(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	activateBattlePlan(t, s, "lead-1")

	blocker := s.Create("lead-1", "blocker task", "", "", "", "", "", "bugfix")
	require.Empty(t, blocker.Error)
	blocked := s.Create("lead-1", "depends on blocker", "", "", "",
		strconv.FormatInt(blocker.TaskID, 10), "", "bugfix")
	require.Empty(t, blocked.Error)

	got := s.Pull("coder-1", blocked.TaskID)
	require.Contains(t, got.Error, "unresolved blockers")
}

func TestUpdateWarnsOnSkippedStepsAndOwnership(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	registerAgent(t, s, "coder-2", "coder")
	activateBattlePlan(t, s, "lead-1")

	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	// Owned by coder-1 but still open, so open -> in_progress skips "assigned".
	_, err := s.DB.Exec("UPDATE tasks SET assigned_to = 'coder-1' WHERE id = ?", created.TaskID)
	require.NoError(t, err)

	got := s.Update("coder-2", created.TaskID, "in_progress", "", "")
	require.Empty(t, got.Error)
	require.Contains(t, got.TransitionWarning, "skipped steps")
	require.Contains(t, got.TransitionWarning, "ownership")
	require.NotEmpty(t, got.ClaimReminder)
}

func TestCompletePhaseAdvancesThroughFlowAndClearsAssignmentOnWorkerChange(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	registerAgent(t, s, "oracle-1", "oracle")
	registerAgent(t, s, "builder-1", "builder")
	activateBattlePlan(t, s, "lead-1")

	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	s.Assign("lead-1", created.TaskID, "coder-1")
	s.Pull("coder-1", created.TaskID)

	got := s.CompletePhase("coder-1", created.TaskID, true, "")
	require.Empty(t, got.Error)
	require.Equal(t, "in_progress", got.ToStatus)

	got = s.CompletePhase("coder-1", created.TaskID, true, "")
	require.Empty(t, got.Error)
	require.Equal(t, "fixed", got.ToStatus)
	require.Equal(t, []string{"oracle"}, got.EligibleClasses)

	task, err := s.Get(created.TaskID)
	require.NoError(t, err)
	require.Empty(t, task.AssignedTo, "next stage needs a different worker class, assignment should clear")

	got = s.CompletePhase("oracle-1", created.TaskID, true, "")
	require.Empty(t, got.Error)
	require.Equal(t, "verified", got.ToStatus)

	got = s.CompletePhase("builder-1", created.TaskID, true, "")
	require.Empty(t, got.Error)
	require.Equal(t, "closed", got.ToStatus)
	require.True(t, got.Terminal)
}

func TestCompletePhaseBlockedRequiresReason(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	activateBattlePlan(t, s, "lead-1")

	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	s.Assign("lead-1", created.TaskID, "coder-1")
	s.Pull("coder-1", created.TaskID)
	s.CompletePhase("coder-1", created.TaskID, true, "") // -> in_progress

	got := s.CompletePhase("coder-1", created.TaskID, false, "")
	require.Contains(t, got.Error, "requires a reason")

	got = s.CompletePhase("coder-1", created.TaskID, false, "waiting on upstream API")
	require.Empty(t, got.Error)
	require.Equal(t, "blocked", got.ToStatus)
}

func TestCompletePhaseFallbackPipelineWhenFlowMissing(t *testing.T) {
	s := newService(t)
	s.Flows = nil
	registerAgent(t, s, "lead-1", "lead")
	activateBattlePlan(t, s, "lead-1")

	created := s.Create("lead-1", "no flow for this", "", "", "", "", "", "nonexistent-flow")
	require.Empty(t, created.Error)

	got := s.CompletePhase("lead-1", created.TaskID, true, "")
	require.Empty(t, got.Error)
	require.Equal(t, "assigned", got.ToStatus)

	got = s.CompletePhase("lead-1", created.TaskID, true, "")
	require.Equal(t, "in_progress", got.ToStatus)
}

func TestBlockWritesReportAndTransitionsStatus(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	activateBattlePlan(t, s, "lead-1")
	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")

	got := s.Block("lead-1", created.TaskID, "waiting on infra")
	require.Empty(t, got.Error)
	require.True(t, fsutil.Exists(got.BlockReport))

	task, err := s.Get(created.TaskID)
	require.NoError(t, err)
	require.Equal(t, "blocked", task.Status)
}

func TestDoneForceClosesAndIsLeadOnly(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	activateBattlePlan(t, s, "lead-1")
	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")

	got := s.Done("coder-1", created.TaskID, "finished externally")
	require.Contains(t, got.Error, "only lead-class")

	got = s.Done("lead-1", created.TaskID, "finished externally")
	require.Empty(t, got.Error)
	require.Equal(t, "closed", got.Status)
	require.NotEmpty(t, got.ResultFile)
}

func TestCloseRequiresResultFileAndRespectsOwnership(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	registerAgent(t, s, "coder-2", "coder")
	activateBattlePlan(t, s, "lead-1")
	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	s.Assign("lead-1", created.TaskID, "coder-1")

	got := s.Close("coder-1", created.TaskID)
	require.Contains(t, got.Error, "no result file")

	resultPath := writeFile(t, t.TempDir(), "result.md", "done")
	sr := s.SubmitResult("coder-1", created.TaskID, resultPath)
	require.Empty(t, sr.Error)

	got = s.Close("coder-2", created.TaskID)
	require.Contains(t, got.Error, "only lead-class agents can close other agents")

	got = s.Close("coder-1", created.TaskID)
	require.Empty(t, got.Error)
	require.Equal(t, "closed", got.Status)
}

func TestReopenIsLeadOnlyAndRejectsTerminalTarget(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	activateBattlePlan(t, s, "lead-1")
	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	s.Assign("lead-1", created.TaskID, "coder-1")
	resultPath := writeFile(t, t.TempDir(), "result.md", "done")
	s.SubmitResult("coder-1", created.TaskID, resultPath)
	s.Close("lead-1", created.TaskID)

	got := s.Reopen("coder-1", created.TaskID, "assigned")
	require.Contains(t, got.Error, "only lead")

	got = s.Reopen("lead-1", created.TaskID, "closed")
	require.Contains(t, got.Error, "terminal")

	got = s.Reopen("lead-1", created.TaskID, "assigned")
	require.Empty(t, got.Error)
	require.Equal(t, "reopened", got.Status)
	require.NotEmpty(t, got.DAG)
}

func TestLineageReturnsHistoryAndFlowStages(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	activateBattlePlan(t, s, "lead-1")
	created := s.Create("lead-1", "fix the thing", "", "", "", "", "", "bugfix")
	s.CompletePhase("lead-1", created.TaskID, true, "")

	got := s.Lineage(created.TaskID)
	require.Empty(t, got.Error)
	require.Len(t, got.History, 2) // create's "open" + complete-phase's "assigned"
	require.Contains(t, got.FlowStages, "closed")
}

func TestRollupAdvancesRequirementWhenAllLinkedTasksTerminal(t *testing.T) {
	s := newService(t)
	registerAgent(t, s, "lead-1", "lead")
	registerAgent(t, s, "coder-1", "coder")
	activateBattlePlan(t, s, "lead-1")

	now := store.NowISO()
	res, err := s.DB.Exec(
		"INSERT INTO requirements (file_path, stage, flow_type, created_at, updated_at) VALUES ('req/one.md', 'tasked', 'requirement', ?, ?)",
		now, now,
	)
	require.NoError(t, err)
	reqID, err := res.LastInsertId()
	require.NoError(t, err)

	created := s.Create("lead-1", "child of requirement", "", "", "", "", "", "bugfix")
	require.Empty(t, created.Error)
	_, err = s.DB.Exec("UPDATE tasks SET requirement_id = ? WHERE id = ?", reqID, created.TaskID)
	require.NoError(t, err)

	s.Assign("lead-1", created.TaskID, "coder-1")
	resultPath := writeFile(t, t.TempDir(), "result.md", "done")
	s.SubmitResult("coder-1", created.TaskID, resultPath)
	s.Close("coder-1", created.TaskID)

	var stage string
	require.NoError(t, s.DB.QueryRow("SELECT stage FROM requirements WHERE id = ?", reqID).Scan(&stage))
	require.Equal(t, "reviewing", stage, "requirement flow's tasked->next is reviewing")
}
