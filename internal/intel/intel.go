// Package intel implements the knowledge layer over .work/intel/: tagged
// markdown docs registered in a queryable index and linked to tasks and
// requirements, plus the persistent war-plan document. Grounded on
// original_source/.../intel/{_frontmatter,add_doc,find_docs,for_task,
// get_doc,link_doc,list_docs,read_doc,reindex,war_plan}.py.
package intel

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/store"
	"gopkg.in/yaml.v3"
)

// Service bundles the dependencies intel operations need.
type Service struct {
	DB     *store.DB
	Layout fsutil.Layout
	Auth   *auth.Registry
}

// Doc is one intel_docs row.
type Doc struct {
	Slug        string
	DocPath     string
	Tags        []string
	Description string
	CreatedBy   string
	CreatedAt   string
	UpdatedAt   string
}

// Link is one intel_links row.
type Link struct {
	EntityType string
	EntityID   int64
}

const frontmatterStub = `---
tags: []
linked_tasks: []
linked_reqs: []
author:
date:
---

`

var frontmatterRe = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n`)

// frontmatter is the parsed frontmatter block of an intel doc; unset
// fields fall back to the zero value, matching the original's
// never-raises, always-returns-defaults behavior.
type frontmatter struct {
	Tags        []string
	LinkedTasks []int64
	LinkedReqs  []int64
	Author      string
	Date        string
}

type rawFrontmatter struct {
	Tags        []string `yaml:"tags"`
	LinkedTasks []any    `yaml:"linked_tasks"`
	LinkedReqs  []any    `yaml:"linked_reqs"`
	Author      string   `yaml:"author"`
	Date        string   `yaml:"date"`
}

func toIntSlice(raw []any) []int64 {
	var out []int64
	for _, v := range raw {
		switch t := v.(type) {
		case int:
			out = append(out, int64(t))
		case int64:
			out = append(out, t)
		case float64:
			out = append(out, int64(t))
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// parseFrontmatter extracts YAML frontmatter from path, matching
// _frontmatter.py::_parse_frontmatter. Never errors — returns the zero
// frontmatter (empty slices, empty strings) on any read or parse failure.
func parseFrontmatter(path string) frontmatter {
	b, err := os.ReadFile(path)
	if err != nil {
		return frontmatter{}
	}
	m := frontmatterRe.FindSubmatch(b)
	if m == nil {
		return frontmatter{}
	}
	var raw rawFrontmatter
	if err := yaml.Unmarshal(m[1], &raw); err != nil {
		return frontmatter{}
	}
	return frontmatter{
		Tags:        raw.Tags,
		LinkedTasks: toIntSlice(raw.LinkedTasks),
		LinkedReqs:  toIntSlice(raw.LinkedReqs),
		Author:      raw.Author,
		Date:        raw.Date,
	}
}

func scanDoc(row interface{ Scan(...any) error }) (Doc, error) {
	var d Doc
	var tagsJSON, description, createdBy sql.NullString
	if err := row.Scan(&d.Slug, &d.DocPath, &tagsJSON, &description, &createdBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Doc{}, err
	}
	d.Description = description.String
	d.CreatedBy = createdBy.String
	d.Tags = []string{}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &d.Tags)
	}
	return d, nil
}

const docColumns = "slug, doc_path, tags, description, created_by, created_at, updated_at"

// AddDocResult is the outcome of AddDoc.
type AddDocResult struct {
	Status string
	Slug   string
	Error  string
}

// AddDoc inserts or updates an intel_docs row, optionally scaffolding the
// file with a frontmatter stub, then auto-links from the doc's own
// frontmatter linked_tasks/linked_reqs. Grounded on add_doc.py::add_doc.
func (s *Service) AddDoc(slug, docPath string, tags []string, description, createdBy string, scaffold bool) AddDocResult {
	if tags == nil {
		tags = []string{}
	}
	exists := fsutil.Exists(docPath)
	if !exists {
		if !scaffold {
			return AddDocResult{Error: fmt.Sprintf("file not found: %s. Use --scaffold to create it.", docPath)}
		}
		if err := os.MkdirAll(filepath.Dir(docPath), 0o755); err != nil {
			return AddDocResult{Error: err.Error()}
		}
		if err := fsutil.AtomicWriteFile(docPath, []byte(frontmatterStub)); err != nil {
			return AddDocResult{Error: err.Error()}
		}
	}

	now := store.NowISO()
	tagsJSON, _ := json.Marshal(tags)
	status := "added"
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		var existingSlug string
		if err := tx.QueryRow("SELECT slug FROM intel_docs WHERE slug = ?", slug).Scan(&existingSlug); err == nil {
			status = "updated"
			_, err := tx.Exec(
				"UPDATE intel_docs SET doc_path=?, tags=?, description=?, created_by=?, updated_at=? WHERE slug=?",
				docPath, string(tagsJSON), description, createdBy, now, slug,
			)
			if err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				"INSERT INTO intel_docs (slug, doc_path, tags, description, created_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
				slug, docPath, string(tagsJSON), description, createdBy, now, now,
			); err != nil {
				return err
			}
		}

		fm := parseFrontmatter(docPath)
		for _, taskID := range fm.LinkedTasks {
			_, _ = tx.Exec("INSERT OR IGNORE INTO intel_links (intel_slug, entity_type, entity_id) VALUES (?, 'task', ?)", slug, taskID)
		}
		for _, reqID := range fm.LinkedReqs {
			_, _ = tx.Exec("INSERT OR IGNORE INTO intel_links (intel_slug, entity_type, entity_id) VALUES (?, 'requirement', ?)", slug, reqID)
		}
		return nil
	})
	if err != nil {
		return AddDocResult{Error: err.Error()}
	}
	return AddDocResult{Status: status, Slug: slug}
}

// FindDocs searches by tag and/or doc_path fragment (AND when both given).
// Grounded on find_docs.py::find_docs.
func (s *Service) FindDocs(tag, pathFragment string) ([]Doc, error) {
	query := "SELECT " + docColumns + " FROM intel_docs"
	var wheres []string
	var args []any
	if tag != "" {
		wheres = append(wheres, "tags LIKE ?")
		args = append(args, fmt.Sprintf(`%%"%s"%%`, tag))
	}
	if pathFragment != "" {
		wheres = append(wheres, "doc_path LIKE ?")
		args = append(args, "%"+pathFragment+"%")
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY slug"
	return s.queryDocs(query, args...)
}

// ListDocs returns every registered doc, optionally filtered by tag,
// capped at limit (0 means the original's default of 50).
// Grounded on list_docs.py::list_docs.
func (s *Service) ListDocs(tag string, limit int) ([]Doc, error) {
	if limit <= 0 {
		limit = 50
	}
	if tag != "" {
		return s.queryDocs("SELECT "+docColumns+" FROM intel_docs WHERE tags LIKE ? ORDER BY slug LIMIT ?", fmt.Sprintf(`%%"%s"%%`, tag), limit)
	}
	return s.queryDocs("SELECT "+docColumns+" FROM intel_docs ORDER BY slug LIMIT ?", limit)
}

func (s *Service) queryDocs(query string, args ...any) ([]Doc, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Doc
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetDocResult is the outcome of GetDoc.
type GetDocResult struct {
	Doc   Doc
	Links []Link
	Error string
}

// GetDoc returns a doc's metadata and its linked entities.
// Grounded on get_doc.py::get_doc.
func (s *Service) GetDoc(slug string) GetDocResult {
	row := s.DB.QueryRow("SELECT "+docColumns+" FROM intel_docs WHERE slug = ?", slug)
	doc, err := scanDoc(row)
	if err != nil {
		return GetDocResult{Error: fmt.Sprintf("intel doc %q not registered", slug)}
	}

	rows, err := s.DB.Query("SELECT entity_type, entity_id FROM intel_links WHERE intel_slug = ? ORDER BY entity_type, entity_id", slug)
	if err != nil {
		return GetDocResult{Error: err.Error()}
	}
	defer rows.Close()
	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.EntityType, &l.EntityID); err != nil {
			return GetDocResult{Error: err.Error()}
		}
		links = append(links, l)
	}
	return GetDocResult{Doc: doc, Links: links}
}

// IntelForTask returns the docs linked to a given task.
// Grounded on for_task.py::intel_for_task.
func (s *Service) IntelForTask(taskID int64) ([]Doc, error) {
	return s.queryDocs(
		`SELECT d.slug, d.doc_path, d.tags, d.description, d.created_by, d.created_at, d.updated_at
		 FROM intel_links l JOIN intel_docs d ON l.intel_slug = d.slug
		 WHERE l.entity_type = 'task' AND l.entity_id = ? ORDER BY d.slug`,
		taskID,
	)
}

// LinkDocResult is the outcome of LinkDoc.
type LinkDocResult struct {
	Status     string
	Slug       string
	EntityType string
	EntityID   int64
	Error      string
}

// LinkDoc connects a registered doc to exactly one of a task or a
// requirement. A duplicate link is reported as already_linked, not an
// error. Grounded on link_doc.py::link_doc.
func (s *Service) LinkDoc(slug string, taskID, reqID *int64) LinkDocResult {
	if taskID == nil && reqID == nil {
		return LinkDocResult{Error: "provide a task id or a requirement id (exactly one required)"}
	}
	if taskID != nil && reqID != nil {
		return LinkDocResult{Error: "provide only one of task id or requirement id, not both"}
	}
	entityType := "task"
	var entityID int64
	if taskID != nil {
		entityID = *taskID
	}
	if reqID != nil {
		entityType = "requirement"
		entityID = *reqID
	}

	var existingSlug string
	if err := s.DB.QueryRow("SELECT slug FROM intel_docs WHERE slug = ?", slug).Scan(&existingSlug); err != nil {
		return LinkDocResult{Error: fmt.Sprintf("intel doc %q not registered", slug)}
	}

	_, err := s.DB.Exec("INSERT INTO intel_links (intel_slug, entity_type, entity_id) VALUES (?, ?, ?)", slug, entityType, entityID)
	if err != nil {
		return LinkDocResult{Status: "already_linked", Slug: slug, EntityType: entityType, EntityID: entityID}
	}
	return LinkDocResult{Status: "linked", Slug: slug, EntityType: entityType, EntityID: entityID}
}

// ReadDocResult is the outcome of ReadDoc.
type ReadDocResult struct {
	Slug    string
	Path    string
	Content string
	Error   string
}

// ReadDoc returns a registered doc's file content, optionally truncated
// to its first 10 lines. Grounded on read_doc.py::read_doc.
func (s *Service) ReadDoc(slug string, summary bool) ReadDocResult {
	var path string
	if err := s.DB.QueryRow("SELECT doc_path FROM intel_docs WHERE slug = ?", slug).Scan(&path); err != nil {
		return ReadDocResult{Error: fmt.Sprintf("intel doc %q not registered", slug)}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ReadDocResult{Error: fmt.Sprintf("file not found: %s", path), Slug: slug}
	}
	content := string(b)
	if summary {
		lines := strings.Split(content, "\n")
		if len(lines) > 10 {
			lines = lines[:10]
		}
		content = strings.Join(lines, "\n")
	}
	return ReadDocResult{Slug: slug, Path: path, Content: content}
}

// ReindexResult is the outcome of ReindexIntel.
type ReindexResult struct {
	Status       string
	Indexed      int
	LinksCreated int
}

// ReindexIntel walks the intel root, parses frontmatter on each markdown
// file (skipping WAR_PLAN.md, which isn't queryable), and upserts into
// intel_docs/intel_links. Never deletes rows for docs missing from disk.
// Grounded on reindex.py::reindex_intel.
func (s *Service) ReindexIntel() (ReindexResult, error) {
	root := s.Layout.IntelRoot()
	if !fsutil.Exists(root) {
		return ReindexResult{Status: "ok"}, nil
	}

	now := store.NowISO()
	var indexed, linksCreated int
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(d.Name(), ".md") || d.Name() == "WAR_PLAN.md" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		slug := strings.TrimSuffix(filepath.ToSlash(rel), ".md")

		fm := parseFrontmatter(path)
		tagsJSON, _ := json.Marshal(fm.Tags)

		if _, err := s.DB.Exec(
			`INSERT OR REPLACE INTO intel_docs (slug, doc_path, tags, description, created_by, created_at, updated_at)
			 VALUES (?, ?, ?, '', ?, COALESCE((SELECT created_at FROM intel_docs WHERE slug=?), ?), ?)`,
			slug, path, string(tagsJSON), fm.Author, slug, now, now,
		); err != nil {
			return err
		}
		indexed++

		for _, taskID := range fm.LinkedTasks {
			res, err := s.DB.Exec("INSERT OR IGNORE INTO intel_links (intel_slug, entity_type, entity_id) VALUES (?, 'task', ?)", slug, taskID)
			if err == nil {
				if n, _ := res.RowsAffected(); n > 0 {
					linksCreated++
				}
			}
		}
		for _, reqID := range fm.LinkedReqs {
			res, err := s.DB.Exec("INSERT OR IGNORE INTO intel_links (intel_slug, entity_type, entity_id) VALUES (?, 'requirement', ?)", slug, reqID)
			if err == nil {
				if n, _ := res.RowsAffected(); n > 0 {
					linksCreated++
				}
			}
		}
		return nil
	})
	if err != nil {
		return ReindexResult{}, err
	}
	return ReindexResult{Status: "ok", Indexed: indexed, LinksCreated: linksCreated}, nil
}

func (s *Service) warPlanPath() string {
	return filepath.Join(s.Layout.IntelRoot(), "WAR_PLAN.md")
}

// ShowWarPlanResult is the outcome of ShowWarPlan.
type ShowWarPlanResult struct {
	Content string
	Path    string
	Note    string
}

// ShowWarPlan reads the current war plan, or reports none is set.
// Grounded on war_plan.py::show_war_plan.
func (s *Service) ShowWarPlan() ShowWarPlanResult {
	path := s.warPlanPath()
	b, err := os.ReadFile(path)
	if err != nil {
		return ShowWarPlanResult{Path: path, Note: "No war plan set."}
	}
	return ShowWarPlanResult{Content: string(b), Path: path}
}

// WarPlanExcerpt returns up to maxChars of the war plan content, for
// inlining into a sitrep. Returns "" if no war plan is set.
func (s *Service) WarPlanExcerpt(maxChars int) (string, error) {
	res := s.ShowWarPlan()
	if len(res.Content) <= maxChars {
		return res.Content, nil
	}
	return res.Content[:maxChars], nil
}

func (s *Service) requireLead(agentName string) string {
	var class string
	if err := s.DB.QueryRow("SELECT agent_class FROM agents WHERE name = ?", agentName).Scan(&class); err != nil {
		return fmt.Sprintf("BLOCKED: agent %q not registered", agentName)
	}
	if class != "lead" {
		return fmt.Sprintf("BLOCKED: only lead-class agents can manage the war plan, %q is %q", agentName, class)
	}
	return ""
}

// WarPlanResult is the outcome of SetWarPlan/AppendWarPlan.
type WarPlanResult struct {
	Status string
	Path   string
	Agent  string
	Error  string
}

// SetWarPlan overwrites the war plan atomically. Lead-only.
// Grounded on war_plan.py::set_war_plan.
func (s *Service) SetWarPlan(agentName, content string) WarPlanResult {
	if msg := s.requireLead(agentName); msg != "" {
		return WarPlanResult{Error: msg}
	}
	path := s.warPlanPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WarPlanResult{Error: fmt.Sprintf("BLOCKED: failed to write war plan: %s", err)}
	}
	if err := fsutil.AtomicWriteFile(path, []byte(content)); err != nil {
		return WarPlanResult{Error: fmt.Sprintf("BLOCKED: failed to write war plan: %s", err)}
	}
	return WarPlanResult{Status: "set", Path: path, Agent: agentName}
}

// AppendWarPlan appends text to the war plan. Lead-only.
// Grounded on war_plan.py::append_war_plan.
func (s *Service) AppendWarPlan(agentName, text string) WarPlanResult {
	if msg := s.requireLead(agentName); msg != "" {
		return WarPlanResult{Error: msg}
	}
	path := s.warPlanPath()
	existing, _ := os.ReadFile(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WarPlanResult{Error: fmt.Sprintf("BLOCKED: failed to append to war plan: %s", err)}
	}
	if err := fsutil.AtomicWriteFile(path, append(existing, []byte(text+"\n")...)); err != nil {
		return WarPlanResult{Error: fmt.Sprintf("BLOCKED: failed to append to war plan: %s", err)}
	}
	return WarPlanResult{Status: "appended", Path: path, Agent: agentName}
}
