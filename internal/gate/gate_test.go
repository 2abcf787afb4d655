package gate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/store"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckFileGatePassesAndFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RESULTS.md"), []byte("ok"), 0o644))

	got := Check("RESULTS.md", Context{ContextDir: dir})
	require.True(t, got.Passed)

	got = Check("MISSING.md", Context{ContextDir: dir})
	require.False(t, got.Passed)
}

func TestCheckFileGateFailsOnEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "EMPTY.md"), nil, 0o644))

	got := Check("EMPTY.md", Context{ContextDir: dir})
	require.False(t, got.Passed)
}

func TestCheckTaskPreconditionSubmitResult(t *testing.T) {
	db := openTestDB(t)
	now := store.NowISO()
	res, err := db.Exec("INSERT INTO tasks (title, status, created_at, updated_at) VALUES (?,?,?,?)", "t1", "open", now, now)
	require.NoError(t, err)
	id, _ := res.LastInsertId()

	got := Check("submit_result", Context{DB: db.DB, EntityID: id})
	require.False(t, got.Passed, "result_file is null")

	_, err = db.Exec("UPDATE tasks SET result_file = ? WHERE id = ?", "results/t1.md", id)
	require.NoError(t, err)

	got = Check("submit_result", Context{DB: db.DB, EntityID: id})
	require.True(t, got.Passed)
}

func TestAllImplTasksClosedGate(t *testing.T) {
	db := openTestDB(t)
	now := store.NowISO()
	res, err := db.Exec("INSERT INTO requirements (file_path, stage, created_at, updated_at) VALUES (?,?,?,?)",
		"reqs/req1.md", "tasked", now, now)
	require.NoError(t, err)
	reqID, _ := res.LastInsertId()

	_, err = db.Exec("INSERT INTO tasks (title, status, requirement_id, created_at, updated_at) VALUES (?,?,?,?,?)",
		"task1", "in_progress", reqID, now, now)
	require.NoError(t, err)

	got := Check("all_impl_tasks_closed", Context{DB: db.DB, EntityID: reqID, EntityType: "requirement"})
	require.False(t, got.Passed)

	_, err = db.Exec("UPDATE tasks SET status = 'closed' WHERE requirement_id = ?", reqID)
	require.NoError(t, err)

	got = Check("all_impl_tasks_closed", Context{DB: db.DB, EntityID: reqID, EntityType: "requirement"})
	require.True(t, got.Passed)
}

func TestAllLeavesHaveTasksGate(t *testing.T) {
	db := openTestDB(t)
	now := store.NowISO()
	res, err := db.Exec("INSERT INTO requirements (file_path, stage, created_at, updated_at) VALUES (?,?,?,?)",
		"reqs/parent.md", "tasked", now, now)
	require.NoError(t, err)
	parentID, _ := res.LastInsertId()

	got := Check("all_leaves_have_tasks", Context{DB: db.DB, EntityID: parentID})
	require.True(t, got.Passed, "no children means this IS a leaf")

	childRes, err := db.Exec("INSERT INTO requirements (file_path, stage, parent_id, created_at, updated_at) VALUES (?,?,?,?,?)",
		"reqs/parent/child.md", "seed", parentID, now, now)
	require.NoError(t, err)
	childID, _ := childRes.LastInsertId()

	got = Check("all_leaves_have_tasks", Context{DB: db.DB, EntityID: parentID})
	require.False(t, got.Passed, "child has no tasks yet")

	_, err = db.Exec("INSERT INTO tasks (title, status, requirement_id, created_at, updated_at) VALUES (?,?,?,?,?)",
		"child task", "open", childID, now, now)
	require.NoError(t, err)

	got = Check("all_leaves_have_tasks", Context{DB: db.DB, EntityID: parentID})
	require.True(t, got.Passed)
}

func TestCheckAllAndAllPass(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("x"), 0o644))

	results := CheckAll([]string{"a.md", "b.md"}, Context{ContextDir: dir})
	require.Len(t, results, 2)
	require.False(t, AllPass(results))

	results = CheckAll([]string{"a.md"}, Context{ContextDir: dir})
	require.True(t, AllPass(results))
}
