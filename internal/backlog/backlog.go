// Package backlog implements the backlog triage store: lightweight
// idea/bug/request/smell/debt capture that lives above the requirement
// pipeline, promotable into it once triaged. Grounded on
// original_source/.../backlog/{_helpers,add_item,close_item,get_item,
// list_items,promote,reindex,update_item}.py.
package backlog

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/requirement"
	"github.com/ai-janitor/minion/internal/store"
)

//go:embed templates/backlog.md
var itemTemplate string

// ValidTypes, ValidStatuses, and ValidPriorities are the backlog
// vocabulary constants.
var (
	ValidTypes      = map[string]bool{"idea": true, "bug": true, "request": true, "smell": true, "debt": true}
	ValidStatuses   = map[string]bool{"open": true, "promoted": true, "killed": true, "deferred": true}
	ValidPriorities = map[string]bool{"unset": true, "low": true, "medium": true, "high": true, "critical": true}
)

// typeToFolder maps an item type to its plural folder name under the
// backlog root.
var typeToFolder = map[string]string{
	"idea": "ideas", "bug": "bugs", "request": "requests", "smell": "smells", "debt": "debt",
}

var folderToType = func() map[string]string {
	m := make(map[string]string, len(typeToFolder))
	for t, f := range typeToFolder {
		m[f] = t
	}
	return m
}()

// Service bundles the dependencies every backlog operation needs.
type Service struct {
	DB           *store.DB
	Layout       fsutil.Layout
	Requirements *requirement.Service
	Log          *obslog.Logger
}

// Item is one backlog_items row.
type Item struct {
	ID          int64
	FilePath    string
	Type        string
	Title       string
	Priority    string
	Status      string
	Source      string
	PromotedTo  string
	CreatedAt   string
	UpdatedAt   string
}

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var it Item
	var promotedTo, source sql.NullString
	err := row.Scan(&it.ID, &it.FilePath, &it.Type, &it.Title, &it.Priority, &it.Status, &source, &promotedTo, &it.CreatedAt, &it.UpdatedAt)
	it.Source = source.String
	it.PromotedTo = promotedTo.String
	return it, err
}

const itemColumns = "id, file_path, item_type, title, priority, status, source, promoted_to, created_at, updated_at"

// AddResult is the outcome of Add.
type AddResult struct {
	Status   string
	ID       int64
	FilePath string
	Title    string
	Type     string
	Error    string
}

// Add captures a new backlog item: validates type/priority, slugifies the
// title into a folder under its type's plural directory, stamps the
// backlog.md template, and indexes it. Grounded on
// original_source/.../backlog/add_item.py::add.
func (s *Service) Add(itemType, title, source, description, priority string) AddResult {
	if !ValidTypes[itemType] {
		return AddResult{Error: fmt.Sprintf("invalid type %q, valid: idea, bug, request, smell, debt", itemType)}
	}
	if priority == "" {
		priority = "unset"
	}
	if !ValidPriorities[priority] {
		return AddResult{Error: fmt.Sprintf("invalid priority %q, valid: unset, low, medium, high, critical", priority)}
	}
	if source == "" {
		source = "human"
	}

	if !hasAlnum(title) {
		return AddResult{Error: "title produces an empty slug — use alphanumeric characters"}
	}
	slug := fsutil.Slugify(title, 0)

	relPath := filepath.Join(typeToFolder[itemType], slug)
	folder := filepath.Join(s.Layout.BacklogRoot(), relPath)
	if fsutil.Exists(folder) {
		return AddResult{Error: fmt.Sprintf("backlog item folder already exists: %s", relPath)}
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return AddResult{Error: err.Error()}
	}

	desc := description
	if desc == "" {
		desc = "_No description provided._"
	}
	content := fmt.Sprintf(itemTemplate, title, itemType, source, time.Now().UTC().Format("2006-01-02"), desc)
	if err := fsutil.AtomicWriteFile(filepath.Join(folder, "README.md"), []byte(content)); err != nil {
		return AddResult{Error: err.Error()}
	}

	now := store.NowISO()
	res, err := s.DB.Exec(
		"INSERT INTO backlog_items (file_path, item_type, title, priority, status, source, created_at, updated_at) VALUES (?, ?, ?, ?, 'open', ?, ?, ?)",
		relPath, itemType, title, priority, source, now, now,
	)
	if err != nil {
		return AddResult{Error: err.Error()}
	}
	id, _ := res.LastInsertId()

	if s.Log != nil {
		s.Log.Emit(obslog.KindRequirementStage, map[string]any{"backlog_add": relPath, "type": itemType})
	}
	return AddResult{Status: "added", ID: id, FilePath: relPath, Title: title, Type: itemType}
}

// Get fetches a single item by file_path.
func (s *Service) Get(filePath string) (Item, error) {
	row := s.DB.QueryRow("SELECT "+itemColumns+" FROM backlog_items WHERE file_path = ?", filePath)
	return scanItem(row)
}

// GetByID fetches a single item by its DB id.
func (s *Service) GetByID(id int64) (Item, error) {
	row := s.DB.QueryRow("SELECT "+itemColumns+" FROM backlog_items WHERE id = ?", id)
	return scanItem(row)
}

// List returns items matching the given filters. An empty string skips
// that filter. Callers wanting the original's list_items(status="open")
// default behavior pass "open" explicitly; List itself applies no
// implicit status filter so "show everything" stays expressible.
func (s *Service) List(itemType, priority, status string) ([]Item, error) {
	if itemType != "" && !ValidTypes[itemType] {
		return nil, fmt.Errorf("invalid type %q", itemType)
	}
	if priority != "" && !ValidPriorities[priority] {
		return nil, fmt.Errorf("invalid priority %q", priority)
	}
	if status != "" && !ValidStatuses[status] {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	query := "SELECT " + itemColumns + " FROM backlog_items WHERE 1=1"
	var args []any
	if itemType != "" {
		query += " AND item_type = ?"
		args = append(args, itemType)
	}
	if priority != "" {
		query += " AND priority = ?"
		args = append(args, priority)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// UpdateResult is the outcome of Update.
type UpdateResult struct {
	Status   string
	FilePath string
	Priority string
	Item     Item
	Error    string
}

// Update patches priority and/or status on an existing item. Grounded on
// original_source/.../backlog/update_item.py.
func (s *Service) Update(filePath, priority, status string) UpdateResult {
	if priority == "" && status == "" {
		return UpdateResult{Error: "provide at least one field to update: priority, status"}
	}
	if priority != "" && !ValidPriorities[priority] {
		return UpdateResult{Error: fmt.Sprintf("invalid priority %q", priority)}
	}
	if status != "" && !ValidStatuses[status] {
		return UpdateResult{Error: fmt.Sprintf("invalid status %q", status)}
	}

	if _, err := s.Get(filePath); err != nil {
		return UpdateResult{Error: fmt.Sprintf("backlog item %q not found", filePath)}
	}

	now := store.NowISO()
	set := []string{"updated_at = ?"}
	args := []any{now}
	if priority != "" {
		set = append(set, "priority = ?")
		args = append(args, priority)
	}
	if status != "" {
		set = append(set, "status = ?")
		args = append(args, status)
	}
	args = append(args, filePath)
	if _, err := s.DB.Exec("UPDATE backlog_items SET "+strings.Join(set, ", ")+" WHERE file_path = ?", args...); err != nil {
		return UpdateResult{Error: err.Error()}
	}

	updated, err := s.Get(filePath)
	if err != nil {
		return UpdateResult{Error: err.Error()}
	}
	return UpdateResult{Status: "updated", FilePath: filePath, Item: updated}
}

// ReindexResult is the outcome of Reindex.
type ReindexResult struct {
	Status     string
	Registered int
	Skipped    int
	Error      string
}

// Reindex scans the backlog root and inserts any README.md-bearing
// folder missing from the DB, inferring metadata from the README when
// present. Grounded on original_source/.../backlog/reindex.py.
func (s *Service) Reindex() ReindexResult {
	root := s.Layout.BacklogRoot()
	if !fsutil.Exists(root) {
		return ReindexResult{Error: fmt.Sprintf("backlog directory not found: %s", root)}
	}

	now := store.NowISO()
	var registered, skipped int
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if d.Name() != "README.md" {
			return nil
		}
		dir := filepath.Dir(path)
		rel, err := filepath.Rel(root, dir)
		if err != nil || rel == "." {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		itemType, ok := folderToType[parts[0]]
		if !ok {
			return nil
		}

		meta := parseReadme(path)
		title := meta["title"]
		if title == "" {
			title = parts[len(parts)-1]
		}
		source := meta["source"]
		if source == "" {
			source = "unknown"
		}

		res, err := s.DB.Exec(
			"INSERT OR IGNORE INTO backlog_items (file_path, item_type, title, priority, status, source, created_at, updated_at) VALUES (?, ?, ?, 'unset', 'open', ?, ?, ?)",
			filepath.ToSlash(rel), itemType, title, source, now, now,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			registered++
		} else {
			skipped++
		}
		return nil
	})
	if err != nil {
		return ReindexResult{Error: err.Error()}
	}
	return ReindexResult{Status: "reindexed", Registered: registered, Skipped: skipped}
}

func hasAlnum(s string) bool {
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return true
		}
	}
	return false
}

var (
	typeLineRe   = regexp.MustCompile(`\*\*Type:\*\*\s*(.+)`)
	sourceLineRe = regexp.MustCompile(`\*\*Source:\*\*\s*(.+)`)
	dateLineRe   = regexp.MustCompile(`\*\*Date:\*\*\s*(.+)`)
)

// parseReadme extracts title/type/source/date from a backlog item's
// README.md, matching original_source/.../backlog/_helpers.py::_parse_readme.
func parseReadme(path string) map[string]string {
	out := map[string]string{}
	b, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimRight(line, "\r")
		if _, ok := out["title"]; !ok && strings.HasPrefix(line, "# ") {
			out["title"] = strings.TrimSpace(line[2:])
			continue
		}
		if _, ok := out["type"]; !ok {
			if m := typeLineRe.FindStringSubmatch(line); m != nil {
				out["type"] = strings.TrimSpace(m[1])
				continue
			}
		}
		if _, ok := out["source"]; !ok {
			if m := sourceLineRe.FindStringSubmatch(line); m != nil {
				out["source"] = strings.TrimSpace(m[1])
				continue
			}
		}
		if _, ok := out["date"]; !ok {
			if m := dateLineRe.FindStringSubmatch(line); m != nil {
				out["date"] = strings.TrimSpace(m[1])
			}
		}
	}
	return out
}

func readReadme(dir string) (string, error) {
	return readFile(filepath.Join(dir, "README.md"))
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

// appendOutcome inserts entry under the "## Outcome" heading, adding the
// heading at the end of the file if it isn't present. Grounded on
// original_source/.../backlog/close_item.py::_append_to_outcome.
func appendOutcome(content, entry string) string {
	const marker = "## Outcome"
	idx := strings.Index(content, marker)
	if idx == -1 {
		return strings.TrimRight(content, "\n") + "\n\n" + marker + "\n\n" + entry + "\n"
	}
	restStart := idx + len(marker)
	next := strings.Index(content[restStart:], "\n## ")
	if next == -1 {
		return strings.TrimRight(content, "\n") + "\n\n" + entry + "\n"
	}
	nextAbs := restStart + next
	before := strings.TrimRight(content[:nextAbs], "\n")
	after := content[nextAbs:]
	return before + "\n\n" + entry + "\n" + after
}

// lifecycleResult is the shared shape of Kill/Defer/Reopen.
type lifecycleResult struct {
	Status   string
	FilePath string
	Error    string
}

func (s *Service) transitionStatus(filePath, fromExpected, toStatus, entry string) lifecycleResult {
	item, err := s.Get(filePath)
	if err != nil {
		return lifecycleResult{Error: fmt.Sprintf("backlog item %q not found", filePath)}
	}
	if fromExpected != "" && item.Status != fromExpected {
		return lifecycleResult{Error: fmt.Sprintf("cannot transition item with status %q — must be %q", item.Status, fromExpected)}
	}

	dir := filepath.Join(s.Layout.BacklogRoot(), filePath)
	content, err := readReadme(dir)
	if err != nil {
		return lifecycleResult{Error: err.Error()}
	}
	content = appendOutcome(content, entry)
	if err := fsutil.AtomicWriteFile(filepath.Join(dir, "README.md"), []byte(content)); err != nil {
		return lifecycleResult{Error: err.Error()}
	}

	now := store.NowISO()
	if _, err := s.DB.Exec("UPDATE backlog_items SET status = ?, updated_at = ? WHERE file_path = ?", toStatus, now, filePath); err != nil {
		return lifecycleResult{Error: err.Error()}
	}
	return lifecycleResult{Status: toStatus, FilePath: filePath}
}

// KillResult is the outcome of Kill.
type KillResult = lifecycleResult

// Kill marks an open item as killed, recording reason in its README.
func (s *Service) Kill(filePath, reason string) KillResult {
	date := time.Now().UTC().Format("2006-01-02")
	return s.transitionStatus(filePath, "open", "killed", fmt.Sprintf("**Killed** on %s: %s", date, reason))
}

// DeferResult is the outcome of Defer.
type DeferResult = lifecycleResult

// Defer marks an open item as deferred until the given target date/note.
func (s *Service) Defer(filePath, until string) DeferResult {
	date := time.Now().UTC().Format("2006-01-02")
	return s.transitionStatus(filePath, "open", "deferred", fmt.Sprintf("**Deferred** on %s until %s", date, until))
}

// ReopenResult is the outcome of Reopen.
type ReopenResult = lifecycleResult

// Reopen returns a killed or deferred item to open.
func (s *Service) Reopen(filePath string) ReopenResult {
	item, err := s.Get(filePath)
	if err != nil {
		return ReopenResult{Error: fmt.Sprintf("backlog item %q not found", filePath)}
	}
	if item.Status != "killed" && item.Status != "deferred" {
		return ReopenResult{Error: fmt.Sprintf("cannot reopen item with status %q — must be killed or deferred", item.Status)}
	}
	date := time.Now().UTC().Format("2006-01-02")
	return s.transitionStatus(filePath, "", "open", fmt.Sprintf("**Reopened** on %s", date))
}

// PromoteResult is the outcome of Promote.
type PromoteResult struct {
	Status      string
	BacklogPath string
	PromotedTo  string
	Requirement requirement.RegisterResult
	Error       string
}

// Promote copies an open backlog item's README into the requirement
// tree, registers it there, and marks the backlog row promoted. Grounded
// on original_source/.../backlog/promote.py::promote.
func (s *Service) Promote(filePath, origin, slug, flowType string) PromoteResult {
	filePath = strings.Trim(filePath, "/")
	item, err := s.Get(filePath)
	if err != nil {
		return PromoteResult{Error: fmt.Sprintf("backlog item %q not found", filePath)}
	}
	switch item.Status {
	case "promoted":
		return PromoteResult{Error: fmt.Sprintf("backlog item %q is already promoted to %q", filePath, item.PromotedTo)}
	case "killed", "deferred":
		return PromoteResult{Error: fmt.Sprintf("backlog item %q has status %q and cannot be promoted", filePath, item.Status)}
	case "open":
		// proceeds
	default:
		return PromoteResult{Error: fmt.Sprintf("backlog item %q has unexpected status %q", filePath, item.Status)}
	}

	if origin == "" {
		if item.Type == "bug" {
			origin = "bug"
		} else {
			origin = "feature"
		}
	}
	if slug == "" {
		parts := strings.Split(filePath, "/")
		slug = parts[len(parts)-1]
	}
	if flowType == "" {
		flowType = "requirement"
	}

	reqRelPath := fmt.Sprintf("%ss/%s", origin, slug)
	reqAbsPath := filepath.Join(s.Layout.RequirementsRoot(), origin+"s", slug)
	if fsutil.Exists(reqAbsPath) {
		return PromoteResult{Error: fmt.Sprintf("requirement folder already exists at %q", reqAbsPath)}
	}
	if err := os.MkdirAll(reqAbsPath, 0o755); err != nil {
		return PromoteResult{Error: err.Error()}
	}

	backlogReadme := filepath.Join(s.Layout.BacklogRoot(), filePath, "README.md")
	if content, err := readFile(backlogReadme); err == nil {
		_ = fsutil.AtomicWriteFile(filepath.Join(reqAbsPath, "README.md"), []byte(content))
	}

	reg := s.Requirements.RegisterWithFlow(reqRelPath, "backlog-promote", flowType)
	if reg.Error != "" {
		_ = os.RemoveAll(reqAbsPath)
		return PromoteResult{Error: fmt.Sprintf("failed to register requirement: %s", reg.Error)}
	}

	now := store.NowISO()
	if _, err := s.DB.Exec("UPDATE backlog_items SET status = 'promoted', promoted_to = ?, updated_at = ? WHERE file_path = ?", reqRelPath, now, filePath); err != nil {
		return PromoteResult{Error: err.Error()}
	}

	if content, err := readFile(backlogReadme); err == nil {
		outcome := fmt.Sprintf("\nPromoted to requirement: %s on %s\n", reqRelPath, now[:10])
		_ = fsutil.AtomicWriteFile(backlogReadme, []byte(content+outcome))
	}

	if s.Log != nil {
		s.Log.Emit(obslog.KindRequirementStage, map[string]any{"backlog_promote": filePath, "to": reqRelPath})
	}
	return PromoteResult{Status: "promoted", BacklogPath: filePath, PromotedTo: reqRelPath, Requirement: reg}
}
