package task

import (
	"database/sql"

	"github.com/ai-janitor/minion/internal/flow"
	"github.com/ai-janitor/minion/internal/gate"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/ai-janitor/minion/internal/transition"
)

// RollupResult is one hop of a rollup chain: a child reaching terminal
// status may advance its parent, whose own terminality may in turn advance
// a grandparent. Grounded on original_source/tasks/rollup.py.
type RollupResult struct {
	Triggered  bool
	EntityType string // "requirement"
	EntityID   int64
	FromStatus string
	ToStatus   string
	Error      string
}

// CheckAndRollup checks whether childID reaching a terminal status should
// advance its parent requirement (task -> requirement), recursing up
// through nested requirements (requirement -> parent requirement). It
// returns the full chain of rollup attempts, triggered or not.
func (s *Service) CheckAndRollup(childID int64, childType string) []RollupResult {
	var results []RollupResult
	switch childType {
	case "task":
		s.rollupTaskToRequirement(childID, &results)
	case "requirement":
		s.rollupRequirementToParent(childID, &results)
	}
	return results
}

func (s *Service) rollupTaskToRequirement(taskID int64, results *[]RollupResult) {
	var reqID sql.NullInt64
	if err := s.DB.QueryRow("SELECT requirement_id FROM tasks WHERE id = ?", taskID).Scan(&reqID); err != nil || !reqID.Valid {
		return
	}

	rows, err := s.DB.Query("SELECT status FROM tasks WHERE requirement_id = ?", reqID.Int64)
	if err != nil {
		return
	}
	var statuses []string
	for rows.Next() {
		var st string
		if rows.Scan(&st) == nil {
			statuses = append(statuses, st)
		}
	}
	rows.Close()
	if len(statuses) == 0 {
		return
	}

	open := 0
	for _, st := range statuses {
		if !TerminalStatuses[st] {
			open++
		}
	}
	if open > 0 {
		*results = append(*results, RollupResult{EntityType: "requirement", EntityID: reqID.Int64, Error: "tasks still open"})
		return
	}

	s.advanceRequirement(reqID.Int64, results)
}

func (s *Service) rollupRequirementToParent(reqID int64, results *[]RollupResult) {
	var parentID sql.NullInt64
	if err := s.DB.QueryRow("SELECT parent_id FROM requirements WHERE id = ?", reqID).Scan(&parentID); err != nil || !parentID.Valid {
		return
	}

	rows, err := s.DB.Query("SELECT stage FROM requirements WHERE parent_id = ?", parentID.Int64)
	if err != nil {
		return
	}
	var stages []string
	for rows.Next() {
		var st string
		if rows.Scan(&st) == nil {
			stages = append(stages, st)
		}
	}
	rows.Close()
	if len(stages) == 0 {
		return
	}
	for _, st := range stages {
		if !TerminalStatuses[st] {
			return
		}
	}

	s.advanceRequirement(parentID.Int64, results)
}

// advanceRequirement runs the transition engine for a requirement whose
// children are all terminal, applies the result if successful, and
// recurses to that requirement's own parent.
func (s *Service) advanceRequirement(reqID int64, results *[]RollupResult) {
	var stage, flowType, filePath string
	if err := s.DB.QueryRow("SELECT stage, flow_type, file_path FROM requirements WHERE id = ?", reqID).Scan(&stage, &flowType, &filePath); err != nil {
		return
	}
	if flowType == "" {
		flowType = "requirement"
	}

	var f *flow.Flow
	if s.Flows != nil {
		f, _ = s.Flows.Get(flowType)
	}
	if f == nil {
		*results = append(*results, RollupResult{EntityType: "requirement", EntityID: reqID, FromStatus: stage, Error: "no flow loaded for " + flowType})
		return
	}

	tr := transition.Apply(transition.Input{
		Flow: f, CurrentStatus: stage, Passed: true,
		GateContext: gate.Context{ContextDir: filePath, DB: s.DB, EntityID: reqID, EntityType: "requirement"},
	})
	if !tr.Success {
		*results = append(*results, RollupResult{EntityType: "requirement", EntityID: reqID, FromStatus: stage, Error: tr.Error})
		return
	}

	now := store.NowISO()
	if _, err := s.DB.Exec("UPDATE requirements SET stage = ?, updated_at = ? WHERE id = ?", tr.ToStatus, now, reqID); err != nil {
		*results = append(*results, RollupResult{EntityType: "requirement", EntityID: reqID, FromStatus: stage, Error: err.Error()})
		return
	}
	_, _ = s.DB.Exec(
		"INSERT INTO task_transitions (entity_id, entity_type, from_status, to_status, triggered_by, created_at) VALUES (?, 'requirement', ?, ?, 'rollup', ?)",
		reqID, stage, tr.ToStatus, now,
	)

	*results = append(*results, RollupResult{Triggered: true, EntityType: "requirement", EntityID: reqID, FromStatus: stage, ToStatus: tr.ToStatus})

	s.rollupRequirementToParent(reqID, results)
}
