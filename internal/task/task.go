// Package task implements C7: task creation, assignment, pulling, phase
// completion, and closeout, plus parent/child rollup into requirements.
// Grounded on original_source/tasks/{crud,block,done,review,test_report,
// rollup}.py.
package task

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"time"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/flow"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/gate"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/ai-janitor/minion/internal/transition"
)

// TerminalStatuses is the standardized four-status set (see gate package
// doc comment for why it differs from the original's two inconsistent
// copies). Re-exported here so callers of this package don't need to
// import gate just to test for terminality.
var TerminalStatuses = gate.TerminalStatuses

// fallbackPipeline is the linear status chain used when a task's
// task_type has no loadable flow.
var fallbackPipeline = map[string]string{
	"open":      "assigned",
	"assigned":  "in_progress",
	"in_progress": "fixed",
	"fixed":     "verified",
	"verified":  "closed",
}

var fallbackStatuses = map[string]bool{
	"open": true, "assigned": true, "in_progress": true,
	"fixed": true, "verified": true, "closed": true,
}

// Service bundles every dependency task operations need.
type Service struct {
	DB     *store.DB
	Layout fsutil.Layout
	Flows  *flow.Registry
	Auth   *auth.Registry
	Log    *obslog.Logger
}

// staleness reports whether agentName's reported context is stale for
// their class, same threshold table as internal/comms.
func (s *Service) staleness(agentName string) (bool, string) {
	if s.Auth == nil {
		return false, ""
	}
	var class string
	var contextUpdatedAt sql.NullString
	if err := s.DB.QueryRow("SELECT agent_class, context_updated_at FROM agents WHERE name = ?", agentName).Scan(&class, &contextUpdatedAt); err != nil {
		return false, ""
	}
	def, ok := s.Auth.ClassDef(class)
	if !ok || def.StalenessSec == 0 {
		return false, ""
	}
	threshold := def.StalenessSec
	if !contextUpdatedAt.Valid || contextUpdatedAt.String == "" {
		return true, "context not set"
	}
	updated, err := store.ParseISO(contextUpdatedAt.String)
	if err != nil {
		return false, ""
	}
	age := time.Now().UTC().Sub(updated).Seconds()
	if age > float64(threshold) {
		return true, fmt.Sprintf("context stale (%dm old, threshold %dm for %s)", int(age/60), threshold/60, class)
	}
	return false, ""
}

// Task mirrors one row of the tasks table.
type Task struct {
	ID              int64
	Title           string
	TaskFile        string
	Project         string
	Zone            string
	Status          string
	BlockedBy       string
	AssignedTo      string
	CreatedBy       string
	Files           string
	Progress        string
	ClassRequired   string
	FlowType        string
	TaskType        string
	ActivityCount   int
	ResultFile      string
	RequirementID   *int64
	RequirementPath string
	CreatedAt       string
	UpdatedAt       string
}

func (s *Service) getFlow(taskType string) *flow.Flow {
	if taskType == "" {
		taskType = "bugfix"
	}
	if s.Flows == nil {
		return nil
	}
	f, err := s.Flows.Get(taskType)
	if err != nil {
		if s.Log != nil {
			s.Log.Emit("task.flow_load_failed", map[string]any{"task_type": taskType, "error": err.Error()})
		}
		return nil
	}
	return f
}

func logTransition(tx *sql.Tx, taskID int64, fromStatus *string, toStatus, agent, now string) error {
	_, err := tx.Exec(
		"INSERT INTO task_transitions (entity_id, entity_type, from_status, to_status, triggered_by, created_at) VALUES (?, 'task', ?, ?, ?, ?)",
		taskID, fromStatus, toStatus, agent, now,
	)
	return err
}

func agentClass(q store.Queryer, name string) (string, bool) {
	var class string
	row := q.QueryRow("SELECT agent_class FROM agents WHERE name = ?", name)
	if err := row.Scan(&class); err != nil {
		return "", false
	}
	return class, true
}

func agentExists(q store.Queryer, name string) bool {
	var n string
	row := q.QueryRow("SELECT name FROM agents WHERE name = ?", name)
	return row.Scan(&n) == nil
}

func loadTask(q store.Queryer, taskID int64) (*Task, error) {
	t := &Task{}
	var (
		taskFile, project, zone, blockedBy, assignedTo, createdBy, files, progress, classRequired, resultFile, requirementPath sql.NullString
		requirementID                                                                                                          sql.NullInt64
	)
	row := q.QueryRow(
		`SELECT id, title, task_file, project, zone, status, blocked_by, assigned_to, created_by, files,
		        progress, class_required, flow_type, task_type, activity_count, result_file,
		        requirement_id, requirement_path, created_at, updated_at
		 FROM tasks WHERE id = ?`, taskID,
	)
	if err := row.Scan(
		&t.ID, &t.Title, &taskFile, &project, &zone, &t.Status, &blockedBy, &assignedTo, &createdBy, &files,
		&progress, &classRequired, &t.FlowType, &t.TaskType, &t.ActivityCount, &resultFile,
		&requirementID, &requirementPath, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.TaskFile, t.Project, t.Zone = taskFile.String, project.String, zone.String
	t.BlockedBy, t.AssignedTo, t.CreatedBy = blockedBy.String, assignedTo.String, createdBy.String
	t.Files, t.Progress, t.ClassRequired, t.ResultFile = files.String, progress.String, classRequired.String, resultFile.String
	t.RequirementPath = requirementPath.String
	if requirementID.Valid {
		id := requirementID.Int64
		t.RequirementID = &id
	}
	return t, nil
}

// CreateResult is the outcome of Create.
type CreateResult struct {
	Status        string
	TaskID        int64
	Title         string
	TaskType      string
	BlockedBy     []int64
	ClassRequired string
	Error         string
}

// Create registers a new task. Only lead-class agents may create tasks,
// except task_type "chore" which any registered agent may self-service —
// chores also bypass the active-battle-plan requirement.
func (s *Service) Create(agentName, title, taskFile, project, zone, blockedBy, classRequired, taskType string) CreateResult {
	if taskType == "" {
		taskType = "bugfix"
	}
	var result CreateResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		class, ok := agentClass(tx, agentName)
		if !ok {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}
		if class != "lead" && taskType != "chore" {
			result.Error = fmt.Sprintf("BLOCKED: only lead-class agents can create tasks (use task_type=chore for self-service); %q is %q", agentName, class)
			return nil
		}

		if taskType != "chore" {
			var activePlans int
			if err := tx.QueryRow("SELECT COUNT(*) FROM battle_plan WHERE status = 'active'").Scan(&activePlans); err != nil {
				return err
			}
			if activePlans == 0 {
				result.Error = "BLOCKED: no active battle plan — lead must set one first"
				return nil
			}
		}

		if taskFile != "" {
			if _, err := os.Stat(taskFile); err != nil {
				result.Error = fmt.Sprintf("BLOCKED: task file does not exist: %s", taskFile)
				return nil
			}
		}

		var blockerIDs []int64
		if blockedBy != "" {
			for _, raw := range strings.Split(blockedBy, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					result.Error = fmt.Sprintf("BLOCKED: invalid task ID in blocked_by: %q", raw)
					return nil
				}
				var exists int64
				if err := tx.QueryRow("SELECT id FROM tasks WHERE id = ?", id).Scan(&exists); err != nil {
					result.Error = fmt.Sprintf("BLOCKED: blocked_by task #%d does not exist", id)
					return nil
				}
				blockerIDs = append(blockerIDs, id)
			}
		}
		var blockedByStr sql.NullString
		if len(blockerIDs) > 0 {
			strs := make([]string, len(blockerIDs))
			for i, id := range blockerIDs {
				strs[i] = strconv.FormatInt(id, 10)
			}
			blockedByStr = sql.NullString{String: strings.Join(strs, ","), Valid: true}
		}

		now := store.NowISO()
		res, err := tx.Exec(
			`INSERT INTO tasks (title, task_file, project, zone, status, blocked_by, class_required,
			                     flow_type, task_type, created_by, activity_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'open', ?, ?, ?, ?, ?, 0, ?, ?)`,
			title, nullable(taskFile), nullable(project), nullable(zone), blockedByStr,
			nullable(classRequired), taskType, taskType, agentName, now, now,
		)
		if err != nil {
			return err
		}
		taskID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := logTransition(tx, taskID, nil, "open", agentName, now); err != nil {
			return err
		}

		result = CreateResult{Status: "created", TaskID: taskID, Title: title, TaskType: taskType, BlockedBy: blockerIDs, ClassRequired: classRequired}
		return nil
	})
	if err != nil {
		return CreateResult{Error: err.Error()}
	}
	if s.Log != nil && result.Error == "" {
		s.Log.Emit(obslog.KindTaskTransition, map[string]any{"task_id": result.TaskID, "to_status": "open", "agent": agentName})
	}
	return result
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// AssignResult is the outcome of Assign.
type AssignResult struct {
	Status     string
	TaskID     int64
	AssignedTo string
	Error      string
}

// Assign gives a task to a specific agent. Lead-only; blocked while
// moon_crash is set.
func (s *Service) Assign(agentName string, taskID int64, assignedTo string) AssignResult {
	var result AssignResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		var mcValue, mcSetBy, mcSetAt sql.NullString
		_ = tx.QueryRow("SELECT value, set_by, set_at FROM flags WHERE key = 'moon_crash'").Scan(&mcValue, &mcSetBy, &mcSetAt)
		if mcValue.String == "1" {
			result.Error = fmt.Sprintf("BLOCKED: moon_crash active — no new assignments (set by %s at %s)", mcSetBy.String, mcSetAt.String)
			return nil
		}

		class, ok := agentClass(tx, agentName)
		if !ok {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}
		if class != "lead" {
			result.Error = fmt.Sprintf("BLOCKED: only lead-class agents can assign tasks; %q is %q", agentName, class)
			return nil
		}
		if !agentExists(tx, assignedTo) {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", assignedTo)
			return nil
		}

		t, err := loadTask(tx, taskID)
		if err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}

		if f := s.getFlow(t.TaskType); f != nil && f.IsTerminal(t.Status) {
			result.Error = fmt.Sprintf("BLOCKED: task #%d is in terminal status %q", taskID, t.Status)
			return nil
		}

		now := store.NowISO()
		if _, err := tx.Exec("UPDATE tasks SET assigned_to = ?, status = 'assigned', updated_at = ? WHERE id = ?", assignedTo, now, taskID); err != nil {
			return err
		}
		if err := logTransition(tx, taskID, &t.Status, "assigned", assignedTo, now); err != nil {
			return err
		}
		result = AssignResult{Status: "assigned", TaskID: taskID, AssignedTo: assignedTo}
		return nil
	})
	if err != nil {
		return AssignResult{Error: err.Error()}
	}
	return result
}

// UpdateResult is the outcome of Update.
type UpdateResult struct {
	Status            string
	TaskID            int64
	ActivityCount     int
	NewStatus         string
	TransitionWarning string
	ActivityWarning   string
	ClaimReminder     string
	StalenessWarning  string
	Error             string
}

// Update applies a free-form progress update, optionally changing status.
// Status changes that skip steps or disagree with the task's assignee are
// allowed but flagged with a warning rather than rejected — the original's
// update_task is permissive by design, leaving hard gating to complete-phase.
func (s *Service) Update(agentName string, taskID int64, status, progress, files string) UpdateResult {
	var result UpdateResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		if !agentExists(tx, agentName) {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}

		t, err := loadTask(tx, taskID)
		if err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}

		f := s.getFlow(t.TaskType)
		if f != nil && f.IsTerminal(t.Status) {
			result.Error = fmt.Sprintf("BLOCKED: task #%d is in terminal status %q", taskID, t.Status)
			return nil
		}

		var warnings []string
		if status != "" {
			if f != nil {
				if _, ok := f.Stages[status]; !ok {
					names := f.StageNames()
					sort.Strings(names)
					result.Error = fmt.Sprintf("invalid status %q; valid: %s", status, strings.Join(names, ", "))
					return nil
				}
				if f.IsTerminal(status) {
					result.Error = fmt.Sprintf("BLOCKED: cannot set status to %q via update; use close", status)
					return nil
				}
				valid := f.ValidTransitions(t.Status)
				if !valid[status] {
					warnings = append(warnings, fmt.Sprintf("skipped steps — went from %s to %s", t.Status, status))
				}
			} else if !fallbackStatuses[status] {
				result.Error = fmt.Sprintf("invalid status %q", status)
				return nil
			}

			if t.AssignedTo != "" && t.AssignedTo != agentName {
				warnings = append(warnings, fmt.Sprintf("ownership: task assigned to %s, updated by %s", t.AssignedTo, agentName))
			}
			if status == "fixed" && t.ResultFile == "" {
				warnings = append(warnings, "setting fixed without submit-result — result file required before close")
			}
		}

		now := store.NowISO()
		setClauses := []string{"activity_count = activity_count + 1", "updated_at = ?"}
		params := []any{now}
		if status != "" {
			setClauses = append(setClauses, "status = ?")
			params = append(params, status)
		}
		if progress != "" {
			setClauses = append(setClauses, "progress = ?")
			params = append(params, progress)
		}
		if files != "" {
			setClauses = append(setClauses, "files = ?")
			params = append(params, files)
		}
		params = append(params, taskID)
		if _, err := tx.Exec(fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(setClauses, ", ")), params...); err != nil {
			return err
		}
		if status != "" {
			if err := logTransition(tx, taskID, &t.Status, status, agentName, now); err != nil {
				return err
			}
		}

		var newCount int
		if err := tx.QueryRow("SELECT activity_count FROM tasks WHERE id = ?", taskID).Scan(&newCount); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE agents SET last_seen = ? WHERE name = ?", now, agentName); err != nil {
			return err
		}

		result = UpdateResult{Status: "updated", TaskID: taskID, ActivityCount: newCount}
		if status != "" {
			result.NewStatus = status
		}
		if len(warnings) > 0 {
			result.TransitionWarning = strings.Join(warnings, "; ")
		}
		if newCount >= 4 {
			result.ActivityWarning = fmt.Sprintf("activity count at %d — this is dragging, consider reassessing", newCount)
		}
		if status == "in_progress" {
			if t.Files != "" {
				var claims []string
				for _, fpath := range strings.Split(t.Files, ",") {
					fpath = strings.TrimSpace(fpath)
					if fpath == "" {
						continue
					}
					claims = append(claims, fmt.Sprintf("minion claim-file --agent %s --file %s", agentName, fpath))
				}
				result.ClaimReminder = "claim files before editing: " + strings.Join(claims, " ")
			} else {
				result.ClaimReminder = fmt.Sprintf("claim files before editing: minion claim-file --agent %s --file <path>", agentName)
			}
		}
		return nil
	})
	if err != nil {
		return UpdateResult{Error: err.Error()}
	}
	if result.Error == "" {
		if stale, msg := s.staleness(agentName); stale {
			result.StalenessWarning = msg
		}
	}
	return result
}

// ListFilter narrows the result of List.
type ListFilter struct {
	Status        string
	Project       string
	Zone          string
	AssignedTo    string
	ClassRequired string
	Count         int
}

// List returns tasks matching the filter, newest first. An empty Status
// filter excludes closed tasks, matching the original's default listing.
func (s *Service) List(f ListFilter) ([]Task, error) {
	query := "SELECT id FROM tasks WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	} else {
		query += " AND status != 'closed'"
	}
	if f.Project != "" {
		query += " AND project = ?"
		args = append(args, f.Project)
	}
	if f.Zone != "" {
		query += " AND zone = ?"
		args = append(args, f.Zone)
	}
	if f.AssignedTo != "" {
		query += " AND assigned_to = ?"
		args = append(args, f.AssignedTo)
	}
	if f.ClassRequired != "" {
		query += " AND class_required = ?"
		args = append(args, f.ClassRequired)
	}
	count := f.Count
	if count <= 0 {
		count = 50
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, count)

	rows, err := s.DB.Query(query, args...)
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

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := loadTask(s.DB, id)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

// Get returns one task by id.
func (s *Service) Get(taskID int64) (*Task, error) {
	t, err := loadTask(s.DB, taskID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task #%d not found", taskID)
	}
	return t, err
}

// PullResult is the outcome of Pull.
type PullResult struct {
	Status      string
	TaskID      int64
	Title       string
	TaskFile    string
	TaskStatus  string
	TaskContent string
	Error       string
}

// Pull atomically claims an open (or re-claimable fixed/verified) task.
// Races against concurrent pulls are resolved by the UPDATE's WHERE clause
// affecting zero rows.
func (s *Service) Pull(agentName string, taskID int64) PullResult {
	var result PullResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		var mcValue sql.NullString
		_ = tx.QueryRow("SELECT value FROM flags WHERE key = 'moon_crash'").Scan(&mcValue)
		if mcValue.String == "1" {
			result.Error = "BLOCKED: moon_crash active — no task claims"
			return nil
		}
		if !agentExists(tx, agentName) {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}

		t, err := loadTask(tx, taskID)
		if err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}

		if f := s.getFlow(t.TaskType); f != nil && f.IsTerminal(t.Status) {
			result.Error = fmt.Sprintf("BLOCKED: task #%d is in terminal status %q", taskID, t.Status)
			return nil
		}

		if t.BlockedBy != "" {
			var open int
			ids := strings.Split(t.BlockedBy, ",")
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
			args := make([]any, len(ids))
			for i, v := range ids {
				args[i] = strings.TrimSpace(v)
			}
			if err := tx.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM tasks WHERE id IN (%s) AND status != 'closed'", placeholders), args...).Scan(&open); err != nil {
				return err
			}
			if open > 0 {
				result.Error = fmt.Sprintf("BLOCKED: task #%d has unresolved blockers", taskID)
				return nil
			}
		}

		now := store.NowISO()
		var res sql.Result
		if t.Status == "fixed" || t.Status == "verified" {
			res, err = tx.Exec(
				`UPDATE tasks SET assigned_to = ?, updated_at = ?
				 WHERE id = ? AND status = ? AND (assigned_to IS NULL OR assigned_to = ?)`,
				agentName, now, taskID, t.Status, agentName,
			)
		} else {
			res, err = tx.Exec(
				`UPDATE tasks SET assigned_to = ?, status = 'assigned', updated_at = ?
				 WHERE id = ? AND (
				     (status = 'assigned' AND assigned_to = ?) OR
				     (status = 'open' AND assigned_to IS NULL)
				 )`,
				agentName, now, taskID, agentName,
			)
		}
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result.Error = fmt.Sprintf("race lost — task #%d was claimed by another agent", taskID)
			return nil
		}

		newStatus := t.Status
		if t.Status != "fixed" && t.Status != "verified" {
			newStatus = "assigned"
		}
		if err := logTransition(tx, taskID, &t.Status, newStatus, agentName, now); err != nil {
			return err
		}

		content := fsutil.ReadContentFile(t.TaskFile)

		if _, err := tx.Exec("UPDATE agents SET context_updated_at = ?, last_seen = ? WHERE name = ?", now, now, agentName); err != nil {
			return err
		}

		result = PullResult{Status: "claimed", TaskID: taskID, Title: t.Title, TaskFile: t.TaskFile, TaskStatus: t.Status, TaskContent: content}
		return nil
	})
	if err != nil {
		return PullResult{Error: err.Error()}
	}
	return result
}

// CompletePhaseResult is the outcome of CompletePhase.
type CompletePhaseResult struct {
	Status          string
	TaskID          int64
	Title           string
	FromStatus      string
	ToStatus        string
	EligibleClasses []string
	Terminal        bool
	Error           string
}

// CompletePhase advances a task through its flow (or the fallback linear
// pipeline), running that stage's gates, and clears assigned_to whenever
// the next stage lists eligible worker classes, so that class can claim it.
func (s *Service) CompletePhase(agentName string, taskID int64, passed bool, reason string) CompletePhaseResult {
	var result CompletePhaseResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		if !agentExists(tx, agentName) {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}

		t, err := loadTask(tx, taskID)
		if err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}

		f := s.getFlow(t.TaskType)
		if f != nil && f.IsTerminal(t.Status) {
			result.Error = fmt.Sprintf("task #%d is already in terminal status %q", taskID, t.Status)
			return nil
		}

		var newStatus string
		var eligible []string
		if f != nil {
			tr := transition.Apply(transition.Input{
				Flow: f, CurrentStatus: t.Status, ClassRequired: t.ClassRequired, Passed: passed,
				GateContext: gate.Context{ContextDir: contextDirFor(s.Layout, t), DB: tx, EntityID: taskID, EntityType: "task"},
			})
			if !tr.Success {
				result.Error = tr.Error
				return nil
			}
			newStatus = tr.ToStatus
			eligible = tr.EligibleClasses
		} else {
			if !passed {
				if t.Status == "fixed" || t.Status == "verified" {
					newStatus = "assigned"
				}
			} else {
				newStatus = fallbackPipeline[t.Status]
			}
			if newStatus == "" {
				result.Error = fmt.Sprintf("no transition from %q (passed=%v) in flow %q", t.Status, passed, t.TaskType)
				return nil
			}
		}

		if newStatus == "blocked" && reason == "" {
			result.Error = "BLOCKED transition requires a reason explaining why you're stuck"
			return nil
		}

		now := store.NowISO()
		setClauses := []string{"status = ?", "updated_at = ?", "activity_count = activity_count + 1"}
		params := []any{newStatus, now}
		if newStatus == "blocked" && reason != "" {
			setClauses = append(setClauses, "progress = ?")
			params = append(params, "BLOCKED: "+reason)
		}
		if eligible != nil {
			setClauses = append(setClauses, "assigned_to = NULL")
		}
		params = append(params, taskID)
		if _, err := tx.Exec(fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(setClauses, ", ")), params...); err != nil {
			return err
		}
		if err := logTransition(tx, taskID, &t.Status, newStatus, agentName, now); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE agents SET last_seen = ? WHERE name = ?", now, agentName); err != nil {
			return err
		}

		result = CompletePhaseResult{
			Status: "completed", TaskID: taskID, Title: t.Title,
			FromStatus: t.Status, ToStatus: newStatus, EligibleClasses: eligible,
		}
		if f != nil && f.IsTerminal(newStatus) {
			result.Terminal = true
		} else if f == nil && newStatus == "closed" {
			result.Terminal = true
		}
		return nil
	})
	if err != nil {
		return CompletePhaseResult{Error: err.Error()}
	}
	if result.Error == "" {
		if s.Log != nil {
			s.Log.Emit(obslog.KindTaskTransition, map[string]any{"task_id": taskID, "from_status": result.FromStatus, "to_status": result.ToStatus, "agent": agentName})
		}
		if result.Terminal {
			s.CheckAndRollup(taskID, "task")
		}
	}
	return result
}

func contextDirFor(layout fsutil.Layout, t *Task) string {
	if t.RequirementPath != "" {
		return t.RequirementPath
	}
	return ""
}

// SubmitResultResult is the outcome of SubmitResult.
type SubmitResultResult struct {
	Status     string
	TaskID     int64
	ResultFile string
	Error      string
}

// SubmitResult records the path to a completed task's result artifact.
// The file must already exist on disk.
func (s *Service) SubmitResult(agentName string, taskID int64, resultFile string) SubmitResultResult {
	var result SubmitResultResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		if !agentExists(tx, agentName) {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}
		var exists int64
		if err := tx.QueryRow("SELECT id FROM tasks WHERE id = ?", taskID).Scan(&exists); err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}
		if _, err := os.Stat(resultFile); err != nil {
			result.Error = fmt.Sprintf("BLOCKED: result file does not exist: %s", resultFile)
			return nil
		}

		now := store.NowISO()
		if _, err := tx.Exec("UPDATE tasks SET result_file = ?, updated_at = ? WHERE id = ?", resultFile, now, taskID); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE agents SET last_seen = ? WHERE name = ?", now, agentName); err != nil {
			return err
		}
		result = SubmitResultResult{Status: "submitted", TaskID: taskID, ResultFile: resultFile}
		return nil
	})
	if err != nil {
		return SubmitResultResult{Error: err.Error()}
	}
	return result
}

// Review writes a review verdict file under .work/reviews and advances the
// task's phase accordingly ("pass" -> passed=true, "fail" -> passed=false).
func (s *Service) Review(agentName string, taskID int64, verdict, notes string) (CompletePhaseResult, string) {
	if verdict != "pass" && verdict != "fail" {
		return CompletePhaseResult{Error: fmt.Sprintf("invalid verdict %q; must be 'pass' or 'fail'", verdict)}, ""
	}
	dir := s.Layout.ReviewsDir()
	path := filepath.Join(dir, fmt.Sprintf("TASK-%d-review.md", taskID))
	var b strings.Builder
	fmt.Fprintf(&b, "## Review for Task #%d\n\n**Verdict:** %s\n**Reviewer:** %s\n\n", taskID, verdict, agentName)
	if notes != "" {
		fmt.Fprintf(&b, "## Notes\n\n%s\n", notes)
	}
	if err := fsutil.AtomicWriteFile(path, []byte(b.String())); err != nil {
		return CompletePhaseResult{Error: err.Error()}, ""
	}
	return s.CompletePhase(agentName, taskID, verdict == "pass", ""), path
}

// TestReport writes a test-report file under .work/test-reports and
// advances the task's phase.
func (s *Service) TestReport(agentName string, taskID int64, passed bool, output, notes string) (CompletePhaseResult, string) {
	dir := s.Layout.TestReportsDir()
	path := filepath.Join(dir, fmt.Sprintf("TASK-%d-test.md", taskID))
	verdict := "FAILED"
	if passed {
		verdict = "PASSED"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Test Report for Task #%d\n\n**Result:** %s\n**Agent:** %s\n\n", taskID, verdict, agentName)
	if output != "" {
		fmt.Fprintf(&b, "## Output\n\n```\n%s\n```\n\n", output)
	}
	if notes != "" {
		fmt.Fprintf(&b, "## Notes\n\n%s\n", notes)
	}
	if err := fsutil.AtomicWriteFile(path, []byte(b.String())); err != nil {
		return CompletePhaseResult{Error: err.Error()}, ""
	}
	return s.CompletePhase(agentName, taskID, passed, ""), path
}

// BlockResult is the outcome of Block.
type BlockResult struct {
	Status      string
	TaskID      int64
	BlockReport string
	Reason      string
	Error       string
}

// Block writes a block report and transitions the task to "blocked" via
// Update (a free-form status set, not the DAG-gated CompletePhase — a
// blocked agent may not know the flow's blocked-stage name).
func (s *Service) Block(agentName string, taskID int64, reason string) BlockResult {
	now := store.NowISO()
	path := filepath.Join(s.Layout.BlocksDir(), fmt.Sprintf("TASK-%d-block.md", taskID))
	report := fmt.Sprintf("## Block Report for Task #%d\n\n**Reason:** %s\n\n**Blocked by:** %s\n\n**Date:** %s\n", taskID, reason, agentName, now)
	if err := fsutil.AtomicWriteFile(path, []byte(report)); err != nil {
		return BlockResult{Error: err.Error()}
	}
	upd := s.Update(agentName, taskID, "blocked", "", "")
	if upd.Error != "" {
		return BlockResult{Error: upd.Error}
	}
	return BlockResult{Status: "blocked", TaskID: taskID, BlockReport: path, Reason: reason}
}

// DoneResult is the outcome of Done.
type DoneResult struct {
	Status     string
	TaskID     int64
	Title      string
	FromStatus string
	ResultFile string
	Error      string
}

// Done fast-closes a task done outside the normal DAG ceremony (e.g. work
// completed directly by a lead). Lead-only.
func (s *Service) Done(agentName string, taskID int64, summary string) DoneResult {
	var result DoneResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		class, ok := agentClass(tx, agentName)
		if !ok {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}
		if class != "lead" {
			result.Error = fmt.Sprintf("BLOCKED: only lead-class agents can force-close tasks; %q is %q", agentName, class)
			return nil
		}
		t, err := loadTask(tx, taskID)
		if err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}
		if t.Status == "closed" {
			result.Error = fmt.Sprintf("task #%d is already closed", taskID)
			return nil
		}

		now := store.NowISO()
		var resultFile sql.NullString
		if summary != "" {
			path := filepath.Join(s.Layout.ResultsDir(), fmt.Sprintf("TASK-%d-result.md", taskID))
			content := fmt.Sprintf("# Task #%d Result\n\n%s\n", taskID, summary)
			if err := fsutil.AtomicWriteFile(path, []byte(content)); err != nil {
				return err
			}
			resultFile = sql.NullString{String: path, Valid: true}
		}

		if resultFile.Valid {
			if _, err := tx.Exec("UPDATE tasks SET status = 'closed', updated_at = ?, result_file = ? WHERE id = ?", now, resultFile, taskID); err != nil {
				return err
			}
		} else if _, err := tx.Exec("UPDATE tasks SET status = 'closed', updated_at = ? WHERE id = ?", now, taskID); err != nil {
			return err
		}
		if err := logTransition(tx, taskID, &t.Status, "closed", agentName, now); err != nil {
			return err
		}

		result = DoneResult{Status: "closed", TaskID: taskID, Title: t.Title, FromStatus: t.Status, ResultFile: resultFile.String}
		return nil
	})
	if err != nil {
		return DoneResult{Error: err.Error()}
	}
	if result.Error == "" {
		s.CheckAndRollup(taskID, "task")
	}
	return result
}

// CloseResult is the outcome of Close.
type CloseResult struct {
	Status string
	TaskID int64
	Title  string
	Error  string
}

// Close terminates a task that already has a result file. Lead-class
// agents may close any task; a non-lead may only close a task assigned to
// them (their own phase).
func (s *Service) Close(agentName string, taskID int64) CloseResult {
	var result CloseResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		class, ok := agentClass(tx, agentName)
		if !ok {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}
		t, err := loadTask(tx, taskID)
		if err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}

		isOwnTask := t.AssignedTo == agentName
		if class != "lead" && !isOwnTask {
			result.Error = fmt.Sprintf("BLOCKED: only lead-class agents can close other agents' tasks; %q may only close tasks assigned to them", agentName)
			return nil
		}
		if f := s.getFlow(t.TaskType); f != nil && f.IsTerminal(t.Status) {
			result.Error = fmt.Sprintf("task #%d is already in terminal status %q", taskID, t.Status)
			return nil
		}
		if t.ResultFile == "" {
			result.Error = fmt.Sprintf("BLOCKED: task #%d has no result file; submit-result first", taskID)
			return nil
		}

		now := store.NowISO()
		if _, err := tx.Exec("UPDATE tasks SET status = 'closed', updated_at = ? WHERE id = ?", now, taskID); err != nil {
			return err
		}
		if err := logTransition(tx, taskID, &t.Status, "closed", agentName, now); err != nil {
			return err
		}
		result = CloseResult{Status: "closed", TaskID: taskID, Title: t.Title}
		return nil
	})
	if err != nil {
		return CloseResult{Error: err.Error()}
	}
	if result.Error == "" {
		if s.Log != nil {
			s.Log.Emit(obslog.KindTaskTransition, map[string]any{"task_id": taskID, "to_status": "closed", "agent": agentName})
		}
		for _, r := range s.CheckAndRollup(taskID, "task") {
			if s.Log != nil {
				s.Log.Emit(obslog.KindRollup, map[string]any{"entity_type": r.EntityType, "entity_id": r.EntityID, "triggered": r.Triggered, "to_status": r.ToStatus})
			}
		}
	}
	return result
}

// ReopenResult is the outcome of Reopen.
type ReopenResult struct {
	Status     string
	TaskID     int64
	Title      string
	FromStatus string
	ToStatus   string
	DAG        string
	Error      string
}

// Reopen moves a task back from a terminal status to an earlier,
// non-terminal stage. Lead-only.
func (s *Service) Reopen(agentName string, taskID int64, toStatus string) ReopenResult {
	if toStatus == "" {
		toStatus = "assigned"
	}
	var result ReopenResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		class, ok := agentClass(tx, agentName)
		if !ok {
			result.Error = fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
			return nil
		}
		if class != "lead" {
			result.Error = fmt.Sprintf("BLOCKED: only lead can reopen tasks; %q is %q", agentName, class)
			return nil
		}
		t, err := loadTask(tx, taskID)
		if err == sql.ErrNoRows {
			result.Error = fmt.Sprintf("task #%d not found", taskID)
			return nil
		} else if err != nil {
			return err
		}

		f := s.getFlow(t.TaskType)
		if f != nil {
			if _, ok := f.Stages[toStatus]; !ok {
				names := f.StageNames()
				sort.Strings(names)
				result.Error = fmt.Sprintf("invalid status %q; valid: %s", toStatus, strings.Join(names, ", "))
				return nil
			}
			if f.IsTerminal(toStatus) {
				result.Error = fmt.Sprintf("cannot reopen to terminal status %q", toStatus)
				return nil
			}
		}

		now := store.NowISO()
		if _, err := tx.Exec("UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?", toStatus, now, taskID); err != nil {
			return err
		}
		if err := logTransition(tx, taskID, &t.Status, toStatus, agentName, now); err != nil {
			return err
		}

		result = ReopenResult{Status: "reopened", TaskID: taskID, Title: t.Title, FromStatus: t.Status, ToStatus: toStatus}
		if f != nil {
			result.DAG = f.RenderDAG(toStatus)
		}
		return nil
	})
	if err != nil {
		return ReopenResult{Error: err.Error()}
	}
	return result
}

// LineageEntry is one row of a task's transition history.
type LineageEntry struct {
	FromStatus string
	ToStatus   string
	Agent      string
	Timestamp  string
}

// LineageResult is the outcome of Lineage.
type LineageResult struct {
	Task       Task
	History    []LineageEntry
	FlowType   string
	FlowStages []string
	Error      string
}

// Lineage returns a task's full transition history plus the stage list of
// its flow, for visualization.
func (s *Service) Lineage(taskID int64) LineageResult {
	t, err := loadTask(s.DB, taskID)
	if err == sql.ErrNoRows {
		return LineageResult{Error: fmt.Sprintf("task #%d not found", taskID)}
	} else if err != nil {
		return LineageResult{Error: err.Error()}
	}

	rows, err := s.DB.Query(
		"SELECT from_status, to_status, triggered_by, created_at FROM task_transitions WHERE entity_id = ? AND entity_type = 'task' ORDER BY created_at ASC",
		taskID,
	)
	if err != nil {
		return LineageResult{Error: err.Error()}
	}
	defer rows.Close()

	var history []LineageEntry
	for rows.Next() {
		var e LineageEntry
		var from sql.NullString
		if err := rows.Scan(&from, &e.ToStatus, &e.Agent, &e.Timestamp); err != nil {
			return LineageResult{Error: err.Error()}
		}
		e.FromStatus = from.String
		history = append(history, e)
	}

	flowType := t.TaskType
	if flowType == "" {
		flowType = "bugfix"
	}
	var stages []string
	if f := s.getFlow(flowType); f != nil {
		stages = f.StageNames()
		sort.Strings(stages)
	} else {
		stages = []string{"open", "assigned", "in_progress", "fixed", "verified", "closed"}
	}

	return LineageResult{Task: *t, History: history, FlowType: flowType, FlowStages: stages}
}
