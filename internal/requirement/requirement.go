// Package requirement implements C8: the requirement tree that sits above
// tasks — register/reindex, stage transitions with skip-walk and
// auto-advance, task linking, and tree/status/orphan queries. Paths stored
// in the DB are relative to the requirements root so the tree survives
// project directory moves; the filesystem is the source of truth, the DB
// an index rebuildable by Reindex. Grounded on
// original_source/requirements/crud.py.
package requirement

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ai-janitor/minion/internal/flow"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/gate"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/ai-janitor/minion/internal/task"
	"github.com/ai-janitor/minion/internal/transition"
)

// Service bundles every dependency requirement operations need. Tasks is
// used by Decompose to create and link child tasks through the same
// create_task path a human operator would use.
type Service struct {
	DB     *store.DB
	Layout fsutil.Layout
	Flows  *flow.Registry
	Tasks  *task.Service
	Log    *obslog.Logger
}

// Requirement mirrors one row of the requirements table.
type Requirement struct {
	ID        int64
	FilePath  string
	Origin    string
	Stage     string
	FlowType  string
	ParentID  *int64
	CreatedBy string
	CreatedAt string
	UpdatedAt string
}

func inferOrigin(filePath string) string {
	top := strings.TrimSuffix(strings.SplitN(filePath, "/", 2)[0], "/")
	switch top {
	case "features":
		return "feature"
	case "bugs":
		return "bug"
	default:
		return top
	}
}

// inferStageFromFS estimates a newly-discovered requirement's stage from
// filesystem state during Reindex. Best-effort only — live rows keep
// their DB-recorded stage.
func inferStageFromFS(absPath string) string {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return "seed"
	}
	for _, e := range entries {
		if e.IsDir() {
			return "decomposing"
		}
	}
	if fsutil.Exists(filepath.Join(absPath, "itemized-requirements.md")) {
		return "itemized"
	}
	return "seed"
}

func loadRequirement(q store.Queryer, filePath string) (*Requirement, error) {
	r := &Requirement{}
	var origin, createdBy sql.NullString
	var parentID sql.NullInt64
	row := q.QueryRow(
		"SELECT id, file_path, origin, stage, flow_type, parent_id, created_by, created_at, updated_at FROM requirements WHERE file_path = ?",
		filePath,
	)
	if err := row.Scan(&r.ID, &r.FilePath, &origin, &r.Stage, &r.FlowType, &parentID, &createdBy, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Origin, r.CreatedBy = origin.String, createdBy.String
	if parentID.Valid {
		id := parentID.Int64
		r.ParentID = &id
	}
	return r, nil
}

func agentExists(q store.Queryer, name string) bool {
	var n string
	return q.QueryRow("SELECT name FROM agents WHERE name = ?", name).Scan(&n) == nil
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Status   string
	ID       int64
	FilePath string
	Origin   string
	Stage    string
	Title    string
	Error    string
}

// Create makes a requirement folder with a README.md and registers it in
// one step. filePath is relative to the requirements root.
func (s *Service) Create(filePath, title, description, createdBy string) CreateResult {
	filePath = strings.TrimSuffix(filePath, "/")
	absPath := filepath.Join(s.Layout.RequirementsRoot(), filePath)

	if fsutil.Exists(absPath) {
		return CreateResult{Error: fmt.Sprintf("folder already exists: %s", filePath)}
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return CreateResult{Error: err.Error()}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", title)
	if description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(description))
	}
	if err := fsutil.AtomicWriteFile(filepath.Join(absPath, "README.md"), []byte(b.String())); err != nil {
		return CreateResult{Error: err.Error()}
	}

	reg := s.Register(filePath, createdBy)
	if reg.Error != "" {
		return CreateResult{Error: reg.Error}
	}
	return CreateResult{Status: "created", ID: reg.ID, FilePath: filePath, Origin: reg.Origin, Stage: reg.Stage, Title: title}
}

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	Status   string
	ID       int64
	FilePath string
	Origin   string
	Stage    string
	Error    string
}

// Register adds filePath to the index under the default "requirement"
// flow. The folder must already exist.
func (s *Service) Register(filePath, createdBy string) RegisterResult {
	return s.RegisterWithFlow(filePath, createdBy, "requirement")
}

// RegisterWithFlow is Register with an explicit flow_type, for callers
// (e.g. backlog promotion) that select a non-default requirement DAG such
// as "requirement-lite".
func (s *Service) RegisterWithFlow(filePath, createdBy, flowType string) RegisterResult {
	filePath = strings.TrimSuffix(filePath, "/")
	if flowType == "" {
		flowType = "requirement"
	}
	var result RegisterResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		var existingID int64
		var existingStage string
		if err := tx.QueryRow("SELECT id, stage FROM requirements WHERE file_path = ?", filePath).Scan(&existingID, &existingStage); err == nil {
			result.Error = fmt.Sprintf("requirement %q already registered (id=%d, stage=%s)", filePath, existingID, existingStage)
			return nil
		}

		origin := inferOrigin(filePath)
		now := store.NowISO()
		res, err := tx.Exec(
			"INSERT INTO requirements (file_path, origin, stage, flow_type, created_by, created_at, updated_at) VALUES (?, ?, 'seed', ?, ?, ?, ?)",
			filePath, origin, flowType, createdBy, now, now,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		result = RegisterResult{Status: "registered", ID: id, FilePath: filePath, Origin: origin, Stage: "seed"}
		return nil
	})
	if err != nil {
		return RegisterResult{Error: err.Error()}
	}
	return result
}

// ReindexResult is the outcome of Reindex.
type ReindexResult struct {
	Status      string
	Registered  int
	Skipped     int
	PathsAdded  []string
	Error       string
}

// Reindex rebuilds the index by scanning the requirements root for folders
// containing a README.md. Existing rows are left untouched.
func (s *Service) Reindex() ReindexResult {
	root := s.Layout.RequirementsRoot()
	if !fsutil.Exists(root) {
		return ReindexResult{Error: fmt.Sprintf("requirements directory not found: %s", root)}
	}

	existing := map[string]bool{}
	rows, err := s.DB.Query("SELECT file_path FROM requirements")
	if err != nil {
		return ReindexResult{Error: err.Error()}
	}
	for rows.Next() {
		var p string
		if rows.Scan(&p) == nil {
			existing[p] = true
		}
	}
	rows.Close()

	var added []string
	skipped := 0
	now := store.NowISO()

	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if !fsutil.Exists(filepath.Join(path, "README.md")) {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if existing[rel] {
			skipped++
			return nil
		}

		origin := inferOrigin(rel)
		stage := inferStageFromFS(path)
		if _, err := s.DB.Exec(
			"INSERT INTO requirements (file_path, origin, stage, created_by, created_at, updated_at) VALUES (?, ?, ?, 'reindex', ?, ?)",
			rel, origin, stage, now, now,
		); err == nil {
			added = append(added, rel)
			existing[rel] = true
		}
		return nil
	})

	return ReindexResult{Status: "reindexed", Registered: len(added), Skipped: skipped, PathsAdded: added}
}

func (s *Service) getFlow() *flow.Flow {
	if s.Flows == nil {
		return nil
	}
	f, err := s.Flows.Get("requirement")
	if err != nil {
		if s.Log != nil {
			s.Log.Emit("requirement.flow_load_failed", map[string]any{"error": err.Error()})
		}
		return nil
	}
	return f
}

func logRequirementTransition(q store.Queryer, reqID int64, from, to, agent, now string) {
	_, _ = q.Exec(
		"INSERT INTO task_transitions (entity_id, entity_type, from_status, to_status, triggered_by, created_at) VALUES (?, 'requirement', ?, ?, ?, ?)",
		reqID, from, to, agent, now,
	)
}

// UpdateStageResult is the outcome of UpdateStage.
type UpdateStageResult struct {
	Status           string
	FilePath         string
	FromStage        string
	ToStage          string
	SkippedThrough   []string
	AutoAdvancedThrough []string
	Warning          string
	Error            string
}

const leadClass = "lead"

// UpdateStage advances a requirement to toStage. With skip=true and a
// lead-class agent, walks every intermediate stage (direct-hop first, then
// the happy path) up to a 30-iteration cap, halting at the first gate
// failure. Otherwise this is a single gated hop, followed by an
// auto-advance walk through any subsequent non-terminal, worker-less,
// gate-less stages. Grounded on
// original_source/requirements/crud.py::update_stage.
func (s *Service) UpdateStage(filePath, toStage string, skip bool, agentClass, agent string) UpdateStageResult {
	filePath = strings.TrimSuffix(filePath, "/")
	req, err := loadRequirement(s.DB, filePath)
	if err == sql.ErrNoRows {
		return UpdateStageResult{Error: fmt.Sprintf("requirement %q not found. Register it first.", filePath)}
	} else if err != nil {
		return UpdateStageResult{Error: err.Error()}
	}

	f := s.getFlow()
	if req.FlowType != "" && req.FlowType != "requirement" && s.Flows != nil {
		if f, err = s.Flows.Get(req.FlowType); err != nil {
			return UpdateStageResult{Error: err.Error()}
		}
	}
	if f == nil {
		return UpdateStageResult{Error: "requirement flow not loaded"}
	}
	if _, ok := f.Stages[toStage]; !ok {
		names := f.StageNames()
		sort.Strings(names)
		return UpdateStageResult{Error: fmt.Sprintf("unknown stage %q. Valid: %s", toStage, strings.Join(names, ", "))}
	}
	fromStage := req.Stage
	contextDir := filepath.Join(s.Layout.RequirementsRoot(), filePath)
	now := store.NowISO()

	if skip && agentClass == leadClass {
		current := fromStage
		var walked []string
		for i := 0; i < 30 && current != toStage; i++ {
			direct := transition.Apply(transition.Input{
				Flow: f, CurrentStatus: current, ExplicitTarget: toStage, Passed: true,
				GateContext: gate.Context{ContextDir: contextDir, DB: s.DB, EntityID: req.ID, EntityType: "requirement"},
			})
			if direct.Success {
				walked = append(walked, current)
				current = toStage
				break
			}
			step := transition.Apply(transition.Input{
				Flow: f, CurrentStatus: current, Passed: true,
				GateContext: gate.Context{ContextDir: contextDir, DB: s.DB, EntityID: req.ID, EntityType: "requirement"},
			})
			if !step.Success {
				break
			}
			walked = append(walked, current)
			current = step.ToStatus
		}

		if _, err := s.DB.Exec("UPDATE requirements SET stage = ?, updated_at = ? WHERE file_path = ?", current, now, filePath); err != nil {
			return UpdateStageResult{Error: err.Error()}
		}
		logRequirementTransition(s.DB, req.ID, fromStage, current, agent, now)

		result := UpdateStageResult{Status: "updated", FilePath: filePath, FromStage: fromStage, ToStage: current, SkippedThrough: walked}
		if current != toStage {
			result.Warning = fmt.Sprintf("halted at %q — could not reach %q (gate failure or invalid path)", current, toStage)
		}
		return result
	}

	tr := transition.Apply(transition.Input{
		Flow: f, CurrentStatus: fromStage, ExplicitTarget: toStage, Passed: true,
		GateContext: gate.Context{ContextDir: contextDir, DB: s.DB, EntityID: req.ID, EntityType: "requirement"},
	})
	if !tr.Success {
		return UpdateStageResult{Error: fmt.Sprintf("transition blocked: %s", tr.Error)}
	}

	// Auto-advance: only on a forward hop (toStage reachable via next/alt_next
	// from fromStage, not a fail-back), keep walking through stages that are
	// non-terminal, have no workers, and require no gates.
	isForward := f.NextStatus(fromStage, true) == toStage
	if st, ok := f.Stages[fromStage]; ok && st.AltNext == toStage {
		isForward = true
	}

	finalStage := toStage
	var advanced []string
	seen := map[string]bool{finalStage: true}
	for isForward {
		st, ok := f.Stages[finalStage]
		if !ok || st.Terminal || len(st.Workers) > 0 || len(st.Requires) > 0 {
			break
		}
		next := st.Next
		if next == "" || seen[next] {
			break
		}
		gateResults := transition.CheckGates(f, next, gate.Context{ContextDir: contextDir, DB: s.DB, EntityID: req.ID, EntityType: "requirement"})
		if len(gateResults) > 0 && !gate.AllPass(gateResults) {
			break
		}
		seen[next] = true
		advanced = append(advanced, finalStage)
		finalStage = next
	}

	if _, err := s.DB.Exec("UPDATE requirements SET stage = ?, updated_at = ? WHERE file_path = ?", finalStage, now, filePath); err != nil {
		return UpdateStageResult{Error: err.Error()}
	}
	logRequirementTransition(s.DB, req.ID, fromStage, finalStage, agent, now)

	return UpdateStageResult{Status: "updated", FilePath: filePath, FromStage: fromStage, ToStage: finalStage, AutoAdvancedThrough: advanced}
}

// LinkTaskResult is the outcome of LinkTask.
type LinkTaskResult struct {
	Status          string
	TaskID          int64
	RequirementPath string
	Error           string
}

// LinkTask records that taskID was spawned from requirement filePath.
func (s *Service) LinkTask(taskID int64, filePath string) LinkTaskResult {
	filePath = strings.TrimSuffix(filePath, "/")
	var result LinkTaskResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		var reqID int64
		if err := tx.QueryRow("SELECT id FROM requirements WHERE file_path = ?", filePath).Scan(&reqID); err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("requirement %q not registered", filePath)
			return nil
		} else if err != nil {
			return err
		}
		var exists int64
		if err := tx.QueryRow("SELECT id FROM tasks WHERE id = ?", taskID).Scan(&exists); err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}

		now := store.NowISO()
		if _, err := tx.Exec("UPDATE tasks SET requirement_path = ?, requirement_id = ?, updated_at = ? WHERE id = ?", filePath, reqID, now, taskID); err != nil {
			return err
		}
		result = LinkTaskResult{Status: "linked", TaskID: taskID, RequirementPath: filePath}
		return nil
	})
	if err != nil {
		return LinkTaskResult{Error: err.Error()}
	}
	return result
}

// List returns requirements matching the optional stage/origin filters,
// ordered by path.
func (s *Service) List(stage, origin string) ([]Requirement, error) {
	query := "SELECT file_path FROM requirements WHERE 1=1"
	var args []any
	if stage != "" {
		query += " AND stage = ?"
		args = append(args, stage)
	}
	if origin != "" {
		query += " AND origin = ?"
		args = append(args, origin)
	}
	query += " ORDER BY file_path ASC"

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}

	out := make([]Requirement, 0, len(paths))
	for _, p := range paths {
		r, err := loadRequirement(s.DB, p)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

// StatusResult is the outcome of Status.
type StatusResult struct {
	Requirement   Requirement
	Tasks         []task.Task
	TaskCount     int
	ClosedCount   int
	CompletionPct int
	Error         string
}

// Status returns a requirement plus every task linked directly to it or to
// a descendant path, and a completion percentage.
func (s *Service) Status(filePath string) StatusResult {
	filePath = strings.TrimSuffix(filePath, "/")
	req, err := loadRequirement(s.DB, filePath)
	if err == sql.ErrNoRows {
		return StatusResult{Error: fmt.Sprintf("requirement %q not found", filePath)}
	} else if err != nil {
		return StatusResult{Error: err.Error()}
	}

	tasks, err := s.linkedTasks(filePath, false)
	if err != nil {
		return StatusResult{Error: err.Error()}
	}

	closed := 0
	for _, t := range tasks {
		if t.Status == "closed" {
			closed++
		}
	}
	pct := 0
	if len(tasks) > 0 {
		pct = closed * 100 / len(tasks)
	}

	return StatusResult{Requirement: *req, Tasks: tasks, TaskCount: len(tasks), ClosedCount: closed, CompletionPct: pct}
}

func (s *Service) linkedTasks(filePath string, exactOnly bool) ([]task.Task, error) {
	var rows *sql.Rows
	var err error
	if exactOnly {
		rows, err = s.DB.Query("SELECT id FROM tasks WHERE requirement_path = ?", filePath)
	} else {
		rows, err = s.DB.Query("SELECT id FROM tasks WHERE requirement_path = ? OR requirement_path LIKE ?", filePath, filePath+"/%")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		if s.Tasks == nil {
			continue
		}
		t, err := s.Tasks.Get(id)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// TreeNode is one requirement in a Tree result, with its directly-linked
// tasks.
type TreeNode struct {
	Requirement Requirement
	LinkedTasks []task.Task
}

// TreeResult is the outcome of Tree.
type TreeResult struct {
	Root  string
	Nodes []TreeNode
	Error string
}

// Tree returns filePath and every descendant requirement (prefix match),
// each with its directly-linked tasks.
func (s *Service) Tree(filePath string) TreeResult {
	filePath = strings.TrimSuffix(filePath, "/")
	rows, err := s.DB.Query(
		"SELECT file_path FROM requirements WHERE file_path = ? OR file_path LIKE ? ORDER BY file_path ASC",
		filePath, filePath+"/%",
	)
	if err != nil {
		return TreeResult{Error: err.Error()}
	}
	var paths []string
	for rows.Next() {
		var p string
		if rows.Scan(&p) == nil {
			paths = append(paths, p)
		}
	}
	rows.Close()
	if len(paths) == 0 {
		return TreeResult{Error: fmt.Sprintf("no requirements found at or under %q", filePath)}
	}

	nodes := make([]TreeNode, 0, len(paths))
	for _, p := range paths {
		r, err := loadRequirement(s.DB, p)
		if err != nil {
			continue
		}
		linked, _ := s.linkedTasks(p, true)
		nodes = append(nodes, TreeNode{Requirement: *r, LinkedTasks: linked})
	}
	return TreeResult{Root: filePath, Nodes: nodes}
}

// Orphans returns leaf requirements (no child requirement paths) that have
// no linked tasks.
func (s *Service) Orphans() ([]Requirement, error) {
	rows, err := s.DB.Query("SELECT file_path FROM requirements ORDER BY file_path")
	if err != nil {
		return nil, err
	}
	var all []string
	for rows.Next() {
		var p string
		if rows.Scan(&p) == nil {
			all = append(all, p)
		}
	}
	rows.Close()
	pathSet := map[string]bool{}
	for _, p := range all {
		pathSet[p] = true
	}

	var orphans []Requirement
	for _, p := range all {
		isLeaf := true
		for other := range pathSet {
			if other != p && strings.HasPrefix(other, p+"/") {
				isLeaf = false
				break
			}
		}
		if !isLeaf {
			continue
		}
		var count int
		if err := s.DB.QueryRow("SELECT COUNT(*) FROM tasks WHERE requirement_path = ?", p).Scan(&count); err != nil {
			continue
		}
		if count == 0 {
			r, err := loadRequirement(s.DB, p)
			if err == nil {
				orphans = append(orphans, *r)
			}
		}
	}
	return orphans, nil
}

// UnlinkedTasks returns tasks with no requirement_path set.
func (s *Service) UnlinkedTasks() ([]task.Task, error) {
	rows, err := s.DB.Query("SELECT id FROM tasks WHERE requirement_path IS NULL ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]task.Task, 0, len(ids))
	for _, id := range ids {
		if s.Tasks == nil {
			continue
		}
		t, err := s.Tasks.Get(id)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}
