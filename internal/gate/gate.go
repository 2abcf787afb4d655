// Package gate implements C4: precondition checks ("gates") that a DAG
// transition's `requires` list must satisfy before a stage change is
// allowed. Grounded on original_source/tasks/gates.py.
package gate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ai-janitor/minion/internal/store"
)

// Result is the outcome of checking one gate.
type Result struct {
	Passed  bool
	Gate    string
	Message string
}

// dbConditions are gate names resolved against DB-aggregate state.
var dbConditions = map[string]bool{
	"all_inv_tasks_closed":  true,
	"all_impl_tasks_closed": true,
	"all_leaves_have_tasks": true,
}

// taskPreconditions map a gate name to the tasks table column it requires
// to be non-null.
var taskPreconditions = map[string]string{
	"submit_result": "result_file",
}

var structuralChecks = map[string]bool{
	"numbered_child_folders": true,
	"impl_task_readmes":      true,
}

// TerminalStatuses is the standardized terminal-status set shared by
// gate/transition/rollup (original_source's gates.py and rollup.py
// disagreed on whether "completed" belonged; this package treats both
// tasks and requirements as closing out on the same four statuses).
var TerminalStatuses = map[string]bool{
	"closed":    true,
	"abandoned": true,
	"obsolete":  true,
	"completed": true,
}

// Context carries the inputs a gate may need to resolve.
type Context struct {
	ContextDir string // directory gates resolve filesystem artifacts against
	DB         store.Queryer
	EntityID   int64
	EntityType string // "task" or "requirement", defaults to "task"
}

// Check resolves a single gate against ctx.
func Check(gateName string, ctx Context) Result {
	entityType := ctx.EntityType
	if entityType == "" {
		entityType = "task"
	}
	switch {
	case dbConditions[gateName]:
		return checkDBGate(gateName, ctx.DB, ctx.EntityID, entityType)
	case taskPreconditions[gateName] != "":
		return checkTaskPrecondition(gateName, ctx.DB, ctx.EntityID)
	case structuralChecks[gateName]:
		return checkStructural(gateName, ctx.ContextDir)
	default:
		return checkFileGate(gateName, ctx.ContextDir)
	}
}

// CheckAll resolves every gate in gates, returning one Result per gate.
func CheckAll(gates []string, ctx Context) []Result {
	out := make([]Result, len(gates))
	for i, g := range gates {
		out[i] = Check(g, ctx)
	}
	return out
}

// AllPass reports whether every result passed.
func AllPass(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func checkFileGate(gateName, contextDir string) Result {
	if contextDir == "" {
		return Result{Gate: gateName, Message: fmt.Sprintf("no context dir provided to resolve %q", gateName)}
	}
	matches, err := filepath.Glob(filepath.Join(contextDir, gateName))
	if err != nil || len(matches) == 0 {
		return Result{Gate: gateName, Message: fmt.Sprintf("%q not found at %s", gateName, contextDir)}
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err == nil && !info.IsDir() && info.Size() == 0 {
			return Result{Gate: gateName, Message: fmt.Sprintf("%q exists but is empty", m)}
		}
	}
	return Result{Passed: true, Gate: gateName, Message: fmt.Sprintf("%q satisfied (%d match(es))", gateName, len(matches))}
}

func checkDBGate(gateName string, db store.Queryer, entityID int64, entityType string) Result {
	if db == nil {
		return Result{Gate: gateName, Message: fmt.Sprintf("no db connection to check %q", gateName)}
	}
	switch gateName {
	case "all_inv_tasks_closed":
		return allChildTasksClosed(db, entityID, entityType, "investigation")
	case "all_impl_tasks_closed":
		return allChildTasksClosed(db, entityID, entityType, "")
	case "all_leaves_have_tasks":
		return allLeavesHaveTasks(db, entityID)
	default:
		return Result{Gate: gateName, Message: fmt.Sprintf("unknown DB condition %q", gateName)}
	}
}

func checkTaskPrecondition(gateName string, db store.Queryer, entityID int64) Result {
	field := taskPreconditions[gateName]
	if field == "" {
		return Result{Gate: gateName, Message: fmt.Sprintf("unknown precondition %q", gateName)}
	}
	if db == nil {
		return Result{Gate: gateName, Message: fmt.Sprintf("no db to check %q", gateName)}
	}
	var value *string
	row := db.QueryRow(fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", field), entityID)
	if err := row.Scan(&value); err != nil {
		return Result{Gate: gateName, Message: fmt.Sprintf("task %d not found", entityID)}
	}
	if value == nil {
		return Result{Gate: gateName, Message: fmt.Sprintf("task %d: %s is null", entityID, field)}
	}
	return Result{Passed: true, Gate: gateName, Message: fmt.Sprintf("task %d: %s is set", entityID, field)}
}

func checkStructural(gateName, contextDir string) Result {
	if contextDir == "" {
		return Result{Gate: gateName, Message: fmt.Sprintf("no context dir for %q", gateName)}
	}
	switch gateName {
	case "numbered_child_folders":
		dirs := numberedChildDirs(contextDir)
		if len(dirs) == 0 {
			return Result{Gate: gateName, Message: fmt.Sprintf("no numbered child folders (NNN-*) in %s", contextDir)}
		}
		return Result{Passed: true, Gate: gateName, Message: fmt.Sprintf("%d numbered folders found", len(dirs))}
	case "impl_task_readmes":
		dirs := numberedChildDirs(contextDir)
		if len(dirs) == 0 {
			return Result{Gate: gateName, Message: "no numbered folders to check"}
		}
		var missing []string
		for _, d := range dirs {
			if !exists(filepath.Join(d, "README.md")) {
				missing = append(missing, filepath.Base(d))
			}
		}
		if len(missing) > 0 {
			return Result{Gate: gateName, Message: fmt.Sprintf("missing README.md in: %s", strings.Join(missing, ", "))}
		}
		return Result{Passed: true, Gate: gateName, Message: fmt.Sprintf("all %d folders have README.md", len(dirs))}
	default:
		return Result{Gate: gateName, Message: fmt.Sprintf("unknown structural check %q", gateName)}
	}
}

func numberedChildDirs(contextDir string) []string {
	entries, err := os.ReadDir(contextDir)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() || len(e.Name()) < 4 {
			continue
		}
		name := e.Name()
		if name[3] != '-' {
			continue
		}
		if !isDigits(name[:3]) {
			continue
		}
		dirs = append(dirs, filepath.Join(contextDir, name))
	}
	sort.Strings(dirs)
	return dirs
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// allChildTasksClosed checks that every task linked (directly, or via a
// descendant requirement's file_path prefix) to entityID is terminal.
// flowType, when non-empty, restricts the check to that flow_type.
func allChildTasksClosed(db store.Queryer, entityID int64, entityType, flowType string) Result {
	gateName := "all_impl_tasks_closed"
	if flowType == "investigation" {
		gateName = "all_inv_tasks_closed"
	}

	reqIDs := []int64{entityID}
	if entityType == "requirement" {
		var parentPath string
		row := db.QueryRow("SELECT file_path FROM requirements WHERE id = ?", entityID)
		if err := row.Scan(&parentPath); err == nil {
			rows, err := db.Query("SELECT id FROM requirements WHERE file_path LIKE ?", parentPath+"/%")
			if err == nil {
				defer rows.Close()
				for rows.Next() {
					var id int64
					if rows.Scan(&id) == nil {
						reqIDs = append(reqIDs, id)
					}
				}
			}
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(reqIDs)), ",")
	query := fmt.Sprintf("SELECT id, status FROM tasks WHERE requirement_id IN (%s)", placeholders)
	args := make([]any, len(reqIDs))
	for i, id := range reqIDs {
		args[i] = id
	}
	if flowType != "" {
		query += " AND flow_type = ?"
		args = append(args, flowType)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		// requirement_id/flow_type columns are part of the baseline schema
		// here (unlike the original's incremental migration), so a query
		// error means a real problem, not a vacuous pass.
		return Result{Gate: gateName, Message: fmt.Sprintf("query failed: %v", err)}
	}
	defer rows.Close()

	type row struct {
		id     int64
		status string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.status); err == nil {
			all = append(all, r)
		}
	}

	if len(all) == 0 {
		return Result{Gate: gateName, Message: fmt.Sprintf("no child tasks found for entity %d", entityID)}
	}

	var open []row
	for _, r := range all {
		if !TerminalStatuses[r.status] {
			open = append(open, r)
		}
	}
	if len(open) > 0 {
		limit := open
		if len(limit) > 5 {
			limit = limit[:5]
		}
		return Result{Gate: gateName, Message: fmt.Sprintf("%d tasks still open: %v", len(open), limit)}
	}
	return Result{Passed: true, Gate: gateName, Message: fmt.Sprintf("all %d child tasks closed", len(all))}
}

// allLeavesHaveTasks checks that every child requirement of entityID has
// at least one linked task.
func allLeavesHaveTasks(db store.Queryer, entityID int64) Result {
	gateName := "all_leaves_have_tasks"

	rows, err := db.Query("SELECT id FROM requirements WHERE parent_id = ?", entityID)
	if err != nil {
		return Result{Gate: gateName, Message: fmt.Sprintf("query failed: %v", err)}
	}
	defer rows.Close()

	var childIDs []int64
	for rows.Next() {
		var id int64
		if rows.Scan(&id) == nil {
			childIDs = append(childIDs, id)
		}
	}
	if len(childIDs) == 0 {
		return Result{Passed: true, Gate: gateName, Message: "no child requirements (this IS a leaf)"}
	}

	var missing []int64
	for _, id := range childIDs {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM tasks WHERE requirement_id = ?", id).Scan(&count); err == nil && count == 0 {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		limit := missing
		if len(limit) > 10 {
			limit = limit[:10]
		}
		return Result{Gate: gateName, Message: fmt.Sprintf("requirements without tasks: %v", limit)}
	}
	return Result{Passed: true, Gate: gateName, Message: fmt.Sprintf("all %d leaf requirements have tasks", len(childIDs))}
}
