// Package fsutil implements the artifact-tree conventions (C2): atomic
// content writes and the path layout under a project's .work directory.
// The filesystem is the source of truth for message/plan/log content; the
// store only ever holds paths into this tree.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases, replaces runs of non-alphanumerics with '-', trims
// leading/trailing '-', and truncates to maxLen.
func Slugify(text string, maxLen int) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(text), "-")
	s = strings.Trim(s, "-")
	if maxLen > 0 && len(s) > maxLen {
		s = strings.Trim(s[:maxLen], "-")
	}
	if s == "" {
		s = "item"
	}
	return s
}

// Timestamp returns the compact inbox-filename timestamp format.
func Timestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405")
}

// Layout resolves the artifact-tree paths rooted at a work directory
// (the directory containing the store's database file).
type Layout struct {
	WorkDir string
}

func NewLayout(workDir string) Layout { return Layout{WorkDir: workDir} }

func (l Layout) InboxDir(agent string) string {
	return filepath.Join(l.WorkDir, "inbox", agent)
}

func (l Layout) BattlePlanDir() string { return filepath.Join(l.WorkDir, "battle-plans") }
func (l Layout) RaidLogDir() string    { return filepath.Join(l.WorkDir, "raid-log") }
func (l Layout) ResultsDir() string    { return filepath.Join(l.WorkDir, "results") }
func (l Layout) ReviewsDir() string    { return filepath.Join(l.WorkDir, "reviews") }
func (l Layout) TestReportsDir() string { return filepath.Join(l.WorkDir, "test-reports") }
func (l Layout) BlocksDir() string     { return filepath.Join(l.WorkDir, "blocks") }
func (l Layout) RequirementsRoot() string { return filepath.Join(l.WorkDir, "requirements") }
func (l Layout) BacklogRoot() string   { return filepath.Join(l.WorkDir, "backlog") }
func (l Layout) IntelRoot() string     { return filepath.Join(l.WorkDir, "intel") }

func (l Layout) EnsureDirs() error {
	dirs := []string{
		filepath.Join(l.WorkDir, "inbox"),
		l.BattlePlanDir(), l.RaidLogDir(), l.ResultsDir(), l.ReviewsDir(),
		l.TestReportsDir(), l.BlocksDir(), l.RequirementsRoot(), l.BacklogRoot(), l.IntelRoot(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}
	return nil
}

// MessageFilePath builds the inbox path for a new message to toAgent.
func (l Layout) MessageFilePath(toAgent, fromAgent, slug string, now time.Time) (string, error) {
	dir := l.InboxDir(toAgent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s-%s.md", Timestamp(now), Slugify(fromAgent, 20), Slugify(slug, 20))
	return filepath.Join(dir, name), nil
}

func (l Layout) BattlePlanFilePath(agent, slug string, now time.Time) (string, error) {
	dir := l.BattlePlanDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s-plan.md", Timestamp(now), Slugify(agent, 20))
	_ = slug
	return filepath.Join(dir, name), nil
}

func (l Layout) RaidLogFilePath(agent, priority string, now time.Time) (string, error) {
	dir := l.RaidLogDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s-%s.md", Timestamp(now), Slugify(agent, 20), Slugify(priority, 20))
	return filepath.Join(dir, name), nil
}

// AtomicWriteFile writes content to path via a temp file in the same
// directory followed by rename, so readers never see a partial write.
func AtomicWriteFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpName); statErr == nil {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadContentFile returns the file's content, or "" if path is empty or
// missing. Errors reading an existing path are swallowed the same way the
// original read_content_file tolerates a vanished artifact file.
func ReadContentFile(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// NonEmptyFile reports whether path exists, is a regular file, and has
// non-zero size — used by the filesystem-artifact gate kind.
func NonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Size() > 0
}
