package requirement

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/store"
)

// FindingsSpec is the structured input to Findings.
type FindingsSpec struct {
	RootCause      string
	Evidence       []string
	Recommendation string
}

// FindingsResult is the outcome of Findings.
type FindingsResult struct {
	Status       string
	FilePath     string
	FindingsFile string
	Stage        string
	Error        string
}

// Findings writes findings.md and advances the requirement to
// "findings_ready" — no current-stage precondition, matching the
// original's permissive findings() (investigation findings can land
// whenever the investigation actually concludes). Grounded on
// original_source/requirements/findings.py.
func (s *Service) Findings(filePath string, spec FindingsSpec, createdBy string) FindingsResult {
	filePath = strings.TrimSuffix(filePath, "/")
	if spec.RootCause == "" || spec.Recommendation == "" {
		return FindingsResult{Error: "root_cause and recommendation are required"}
	}
	if len(spec.Evidence) == 0 {
		return FindingsResult{Error: "evidence must be a non-empty list"}
	}

	req, err := loadRequirement(s.DB, filePath)
	if err != nil {
		return FindingsResult{Error: fmt.Sprintf("requirement %q not found. Register it first.", filePath)}
	}
	if !agentExists(s.DB, createdBy) {
		return FindingsResult{Error: fmt.Sprintf("agent %q not registered", createdBy)}
	}

	reqDir := filepath.Join(s.Layout.RequirementsRoot(), filePath)
	if !fsutil.Exists(reqDir) {
		return FindingsResult{Error: fmt.Sprintf("requirement directory does not exist: %s", reqDir)}
	}

	var evidence strings.Builder
	for _, item := range spec.Evidence {
		fmt.Fprintf(&evidence, "- %s\n", item)
	}
	content := fmt.Sprintf("## Root Cause\n\n%s\n\n## Evidence\n\n%s\n## Recommendation\n\n%s\n",
		spec.RootCause, evidence.String(), spec.Recommendation)

	findingsPath := filepath.Join(reqDir, "findings.md")
	if err := fsutil.AtomicWriteFile(findingsPath, []byte(content)); err != nil {
		return FindingsResult{Error: err.Error()}
	}

	now := store.NowISO()
	if _, err := s.DB.Exec("UPDATE requirements SET stage = 'findings_ready', updated_at = ? WHERE file_path = ?", now, filePath); err != nil {
		return FindingsResult{Error: err.Error()}
	}
	logRequirementTransition(s.DB, req.ID, req.Stage, "findings_ready", createdBy, now)

	return FindingsResult{Status: "findings_written", FilePath: filePath, FindingsFile: findingsPath, Stage: "findings_ready"}
}
