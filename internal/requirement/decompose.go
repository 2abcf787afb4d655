package requirement

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/store"
)

// decomposableStages mirrors original_source/requirements/decompose.py's
// literal whitelist of stages a parent may be in when Decompose is called.
// Unlike UpdateStage's single-hop DAG walk, the final "land in tasked" step
// below is a direct, whitelist-validated write rather than a transition.Apply
// hop — decompose always ends in tasked regardless of which of these stages
// it started from, which the strict single-hop engine cannot express.
var decomposableStages = map[string]bool{
	"seed": true, "itemizing": true, "itemized": true,
	"investigating": true, "findings_ready": true, "decomposing": true,
}

// ChildSpec is one child requirement to create under a parent.
type ChildSpec struct {
	Slug        string
	Title       string
	Description string
	TaskType    string
	BlockedBy   []int // 1-based indices into the sibling children list
}

// DecomposeSpec is the full input to Decompose.
type DecomposeSpec struct {
	Children []ChildSpec
}

// CreatedChild is one successfully-created child of a Decompose call.
type CreatedChild struct {
	Path   string
	TaskID int64
	Title  string
}

// DecomposeResult is the outcome of Decompose.
type DecomposeResult struct {
	Status          string
	ParentPath      string
	ChildrenCreated int
	TasksCreated    int
	Children        []CreatedChild
	ParentStage     string
	Error           string
}

// Decompose breaks a parent requirement into children defined in spec: for
// each, it creates the folder+README, registers the requirement, creates a
// task pointed at the README, and links the task back to the child path.
// Sibling blocked_by references are resolved by index once every child has
// a task ID. Finally the parent is moved to "tasked". Grounded on
// original_source/requirements/decompose.py.
func (s *Service) Decompose(parentPath string, spec DecomposeSpec, agentName string) DecomposeResult {
	parentPath = strings.TrimSuffix(parentPath, "/")
	if len(spec.Children) == 0 {
		return DecomposeResult{Error: "spec must contain at least one child"}
	}

	parent, err := loadRequirement(s.DB, parentPath)
	if err != nil {
		return DecomposeResult{Error: fmt.Sprintf("parent requirement %q not found. Register it first.", parentPath)}
	}
	if !decomposableStages[parent.Stage] {
		var valid []string
		for st := range decomposableStages {
			valid = append(valid, st)
		}
		return DecomposeResult{Error: fmt.Sprintf("parent is in stage %q — cannot decompose. Valid stages: %s", parent.Stage, strings.Join(valid, ", "))}
	}
	if !agentExists(s.DB, agentName) {
		return DecomposeResult{Error: fmt.Sprintf("agent %q not registered", agentName)}
	}

	reqRoot := s.Layout.RequirementsRoot()
	var created []CreatedChild
	var taskIDs []int64

	for i, child := range spec.Children {
		num := fmt.Sprintf("%03d", i+1)
		description := child.Description
		if description == "" {
			description = child.Title
		}
		taskType := child.TaskType
		if taskType == "" {
			taskType = "feature"
		}
		childRelPath := fmt.Sprintf("%s/%s-%s", parentPath, num, child.Slug)
		childAbsPath := filepath.Join(reqRoot, childRelPath)

		if err := os.MkdirAll(childAbsPath, 0o755); err != nil {
			return DecomposeResult{Error: fmt.Sprintf("failed to create folder for %q: %v", childRelPath, err)}
		}
		readmePath := filepath.Join(childAbsPath, "README.md")
		if err := fsutil.AtomicWriteFile(readmePath, []byte(fmt.Sprintf("# %s\n\n%s\n", child.Title, strings.TrimSpace(description)))); err != nil {
			return DecomposeResult{Error: err.Error()}
		}

		reg := s.Register(childRelPath, agentName)
		if reg.Error != "" {
			return DecomposeResult{Error: fmt.Sprintf("failed to register child %q: %s", childRelPath, reg.Error)}
		}

		taskResult := s.Tasks.Create(agentName, child.Title, readmePath, "", "", "", "", taskType)
		if taskResult.Error != "" {
			return DecomposeResult{Error: fmt.Sprintf("failed to create task for %q: %s", childRelPath, taskResult.Error)}
		}
		taskIDs = append(taskIDs, taskResult.TaskID)

		link := s.LinkTask(taskResult.TaskID, childRelPath)
		if link.Error != "" {
			return DecomposeResult{Error: fmt.Sprintf("failed to link task #%d to %q: %s", taskResult.TaskID, childRelPath, link.Error)}
		}

		created = append(created, CreatedChild{Path: childRelPath, TaskID: taskResult.TaskID, Title: child.Title})
	}

	for i, child := range spec.Children {
		if len(child.BlockedBy) == 0 {
			continue
		}
		var blockers []string
		for _, ref := range child.BlockedBy {
			idx := ref - 1
			if idx < 0 || idx >= len(taskIDs) {
				return DecomposeResult{Error: fmt.Sprintf("child %d has invalid blocked_by reference: %d (valid range: 1-%d)", i+1, ref, len(taskIDs))}
			}
			blockers = append(blockers, strconv.FormatInt(taskIDs[idx], 10))
		}
		if _, err := s.DB.Exec("UPDATE tasks SET blocked_by = ? WHERE id = ?", strings.Join(blockers, ","), taskIDs[i]); err != nil {
			return DecomposeResult{Error: err.Error()}
		}
	}

	now := store.NowISO()
	if _, err := s.DB.Exec("UPDATE requirements SET stage = 'tasked', updated_at = ? WHERE file_path = ?", now, parentPath); err != nil {
		return DecomposeResult{Error: err.Error()}
	}
	logRequirementTransition(s.DB, parent.ID, parent.Stage, "tasked", agentName, now)

	return DecomposeResult{
		Status: "decomposed", ParentPath: parentPath, ChildrenCreated: len(created),
		TasksCreated: len(taskIDs), Children: created, ParentStage: "tasked",
	}
}
