package requirement

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/store"
)

var itemizableStages = map[string]bool{"seed": true, "itemizing": true}

// ItemizeResult is the outcome of Itemize.
type ItemizeResult struct {
	Status       string
	FilePath     string
	ItemsWritten int
	OutputFile   string
	NewStage     string
	Error        string
}

// Itemize writes a numbered itemized-requirements.md from items and
// advances the requirement to "itemized". Grounded on
// original_source/requirements/itemize.py.
func (s *Service) Itemize(filePath string, items []string, createdBy string) ItemizeResult {
	filePath = strings.TrimSuffix(filePath, "/")
	if len(items) == 0 {
		return ItemizeResult{Error: "items must be a non-empty list"}
	}

	req, err := loadRequirement(s.DB, filePath)
	if err != nil {
		return ItemizeResult{Error: fmt.Sprintf("requirement %q not found. Register it first.", filePath)}
	}
	if !itemizableStages[req.Stage] {
		return ItemizeResult{Error: fmt.Sprintf("requirement is in stage %q — cannot itemize. Valid stages: itemizing, seed", req.Stage)}
	}
	if !agentExists(s.DB, createdBy) {
		return ItemizeResult{Error: fmt.Sprintf("agent %q not registered", createdBy)}
	}

	reqDir := filepath.Join(s.Layout.RequirementsRoot(), filePath)
	if !fsutil.Exists(reqDir) {
		return ItemizeResult{Error: fmt.Sprintf("requirement folder %q does not exist on disk", reqDir)}
	}

	var b strings.Builder
	b.WriteString("# Itemized Requirements\n\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.TrimSpace(item))
	}
	outputPath := filepath.Join(reqDir, "itemized-requirements.md")
	if err := fsutil.AtomicWriteFile(outputPath, []byte(b.String())); err != nil {
		return ItemizeResult{Error: err.Error()}
	}

	now := store.NowISO()
	if _, err := s.DB.Exec("UPDATE requirements SET stage = 'itemized', updated_at = ? WHERE file_path = ?", now, filePath); err != nil {
		return ItemizeResult{Error: err.Error()}
	}
	logRequirementTransition(s.DB, req.ID, req.Stage, "itemized", createdBy, now)

	return ItemizeResult{Status: "itemized", FilePath: filePath, ItemsWritten: len(items), OutputFile: outputPath, NewStage: "itemized"}
}
