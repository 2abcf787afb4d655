package backlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/requirement"
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
	require.NoError(t, os.MkdirAll(layout.BacklogRoot(), 0o755))
	require.NoError(t, os.MkdirAll(layout.RequirementsRoot(), 0o755))

	reqSvc := &requirement.Service{DB: db, Layout: layout, Log: obslog.Nop()}
	return &Service{DB: db, Layout: layout, Requirements: reqSvc, Log: obslog.Nop()}
}

func TestAddCreatesFolderAndIndexesItem(t *testing.T) {
	s := newService(t)
	got := s.Add("bug", "Login button is broken", "human", "it never responds to clicks", "high")
	require.Empty(t, got.Error)
	require.Equal(t, "added", got.Status)
	require.Equal(t, "bugs/login-button-is-broken", got.FilePath)

	readme, err := os.ReadFile(filepath.Join(s.Layout.BacklogRoot(), got.FilePath, "README.md"))
	require.NoError(t, err)
	require.Contains(t, string(readme), "Login button is broken")
	require.Contains(t, string(readme), "it never responds to clicks")

	item, err := s.Get(got.FilePath)
	require.NoError(t, err)
	require.Equal(t, "open", item.Status)
	require.Equal(t, "high", item.Priority)
}

func TestAddRejectsInvalidTypeAndPriority(t *testing.T) {
	s := newService(t)
	got := s.Add("nonsense", "whatever", "human", "", "")
	require.Contains(t, got.Error, "invalid type")

	got = s.Add("idea", "whatever", "human", "", "urgent")
	require.Contains(t, got.Error, "invalid priority")
}

func TestAddRejectsTitleWithNoAlnum(t *testing.T) {
	s := newService(t)
	got := s.Add("idea", "---", "human", "", "")
	require.Contains(t, got.Error, "empty slug")
}

func TestAddRejectsDuplicateFolder(t *testing.T) {
	s := newService(t)
	first := s.Add("idea", "Same Idea", "human", "", "")
	require.Empty(t, first.Error)
	second := s.Add("idea", "Same Idea", "human", "", "")
	require.Contains(t, second.Error, "already exists")
}

func TestListWithoutStatusFilterReturnsEveryStatus(t *testing.T) {
	s := newService(t)
	added := s.Add("debt", "Refactor the thing", "human", "", "")
	require.Empty(t, added.Error)
	killed := s.Kill(added.FilePath, "not worth it")
	require.Empty(t, killed.Error)

	all, err := s.List("", "", "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	open, err := s.List("", "", "open")
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestUpdateChangesPriorityAndStatus(t *testing.T) {
	s := newService(t)
	added := s.Add("smell", "Too many globals", "human", "", "low")
	require.Empty(t, added.Error)

	got := s.Update(added.FilePath, "critical", "")
	require.Empty(t, got.Error)
	require.Equal(t, "critical", got.Item.Priority)
	require.Equal(t, "open", got.Item.Status)
}

func TestUpdateRejectsEmptyPatch(t *testing.T) {
	s := newService(t)
	added := s.Add("smell", "Too many globals", "human", "", "")
	got := s.Update(added.FilePath, "", "")
	require.Contains(t, got.Error, "at least one field")
}

func TestKillRequiresOpenStatus(t *testing.T) {
	s := newService(t)
	added := s.Add("bug", "Flaky test", "human", "", "")
	require.Empty(t, added.Error)

	first := s.Kill(added.FilePath, "wontfix")
	require.Empty(t, first.Error)
	require.Equal(t, "killed", first.Status)

	second := s.Kill(added.FilePath, "again")
	require.Contains(t, second.Error, "must be")
}

func TestDeferThenReopenRoundtrips(t *testing.T) {
	s := newService(t)
	added := s.Add("request", "Add dark mode", "human", "", "")
	require.Empty(t, added.Error)

	deferred := s.Defer(added.FilePath, "next quarter")
	require.Empty(t, deferred.Error)
	require.Equal(t, "deferred", deferred.Status)

	reopened := s.Reopen(added.FilePath)
	require.Empty(t, reopened.Error)
	require.Equal(t, "open", reopened.Status)

	item, err := s.Get(added.FilePath)
	require.NoError(t, err)
	require.Equal(t, "open", item.Status)

	readme, err := os.ReadFile(filepath.Join(s.Layout.BacklogRoot(), added.FilePath, "README.md"))
	require.NoError(t, err)
	require.Contains(t, string(readme), "Deferred")
	require.Contains(t, string(readme), "Reopened")
}

func TestReopenRejectsOpenItem(t *testing.T) {
	s := newService(t)
	added := s.Add("request", "Add dark mode", "human", "", "")
	got := s.Reopen(added.FilePath)
	require.Contains(t, got.Error, "must be killed or deferred")
}

func TestPromoteRegistersRequirementAndMarksPromoted(t *testing.T) {
	s := newService(t)
	added := s.Add("bug", "Crash on startup", "human", "reproduces every time", "critical")
	require.Empty(t, added.Error)

	got := s.Promote(added.FilePath, "", "", "")
	require.Empty(t, got.Error)
	require.Equal(t, "promoted", got.Status)
	require.Equal(t, "bugs/crash-on-startup", got.PromotedTo)
	require.Empty(t, got.Requirement.Error)

	item, err := s.Get(added.FilePath)
	require.NoError(t, err)
	require.Equal(t, "promoted", item.Status)
	require.Equal(t, "bugs/crash-on-startup", item.PromotedTo)

	reqReadme, err := os.ReadFile(filepath.Join(s.Layout.RequirementsRoot(), "bugs", "crash-on-startup", "README.md"))
	require.NoError(t, err)
	require.Contains(t, string(reqReadme), "Crash on startup")
}

func TestPromoteRejectsAlreadyPromotedItem(t *testing.T) {
	s := newService(t)
	added := s.Add("idea", "Cache warm restarts", "human", "", "")
	require.Empty(t, added.Error)
	first := s.Promote(added.FilePath, "", "", "")
	require.Empty(t, first.Error)

	second := s.Promote(added.FilePath, "", "", "")
	require.Contains(t, second.Error, "already promoted")
}

func TestPromoteRejectsKilledItem(t *testing.T) {
	s := newService(t)
	added := s.Add("idea", "Unwanted idea", "human", "", "")
	require.Empty(t, added.Error)
	killed := s.Kill(added.FilePath, "no")
	require.Empty(t, killed.Error)

	got := s.Promote(added.FilePath, "", "", "")
	require.Contains(t, got.Error, "cannot be promoted")
}

func TestReindexPicksUpManuallyCreatedFolder(t *testing.T) {
	s := newService(t)
	folder := filepath.Join(s.Layout.BacklogRoot(), "ideas", "manual-entry")
	require.NoError(t, os.MkdirAll(folder, 0o755))
	content := "# Manual Entry\n\n**Type:** idea\n**Source:** human\n**Date:** 2026-01-01\n\n## Description\n\nhand written\n"
	require.NoError(t, os.WriteFile(filepath.Join(folder, "README.md"), []byte(content), 0o644))

	got := s.Reindex()
	require.Empty(t, got.Error)
	require.Equal(t, 1, got.Registered)

	item, err := s.Get("ideas/manual-entry")
	require.NoError(t, err)
	require.Equal(t, "Manual Entry", item.Title)
	require.Equal(t, "human", item.Source)
}

func TestReindexSkipsAlreadyIndexedItem(t *testing.T) {
	s := newService(t)
	added := s.Add("idea", "Already tracked", "human", "", "")
	require.Empty(t, added.Error)

	got := s.Reindex()
	require.Empty(t, got.Error)
	require.Equal(t, 0, got.Registered)
	require.Equal(t, 1, got.Skipped)
}
