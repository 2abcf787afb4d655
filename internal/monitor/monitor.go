// Package monitor implements C12: fleet-wide observability —
// party_status, check_activity (with the liveness judgment heuristic),
// check_freshness, and sitrep. Grounded on original_source/monitoring.go.
package monitor

import (
	"database/sql"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/hp"
	"github.com/ai-janitor/minion/internal/store"
)

// Service bundles the dependencies every monitor operation needs.
type Service struct {
	DB     *store.DB
	Layout fsutil.Layout
	Auth   *auth.Registry

	// WarPlan, when set, returns the current war plan's content for
	// Sitrep's summary, which truncates it to 500 chars. cmd/minion wires
	// it to internal/intel's WarPlanExcerpt(500); nil means "no war plan
	// tracked".
	WarPlan func() (string, error)
}

// EnrichedAgent is one agents row with HP, staleness, and elapsed-time
// fields folded in, matching original_source/db.py::enrich_agent_row.
type EnrichedAgent struct {
	Name            string
	Class           string
	Status          string
	Transport       string
	CurrentZone     string
	LastSeen        string
	LastSeenMinsAgo *int
	ContextStale    bool
	HP              string
	CompactionCount int
}

func (s *Service) enrichAgents() ([]EnrichedAgent, error) {
	rows, err := s.DB.Query(`SELECT name, agent_class, status, transport, current_zone, last_seen,
		context_updated_at, hp_input_tokens, hp_output_tokens, hp_tokens_limit, hp_turn_input, hp_turn_output
		FROM agents ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []EnrichedAgent
	for rows.Next() {
		var (
			name, class                                     string
			status, transport, zone, lastSeen, contextAt    sql.NullString
			hpIn, hpOut, hpLimit, turnIn, turnOut            sql.NullInt64
		)
		if err := rows.Scan(&name, &class, &status, &transport, &zone, &lastSeen, &contextAt,
			&hpIn, &hpOut, &hpLimit, &turnIn, &turnOut); err != nil {
			return nil, err
		}

		a := EnrichedAgent{Name: name, Class: class, Status: status.String, Transport: transport.String, CurrentZone: zone.String, LastSeen: lastSeen.String}

		var inP, outP, tiP, toP *int
		limit := 0
		if hpIn.Valid {
			v := int(hpIn.Int64)
			inP = &v
		}
		if hpOut.Valid {
			v := int(hpOut.Int64)
			outP = &v
		}
		if hpLimit.Valid {
			limit = int(hpLimit.Int64)
		}
		if turnIn.Valid {
			v := int(turnIn.Int64)
			tiP = &v
		}
		if turnOut.Valid {
			v := int(turnOut.Int64)
			toP = &v
		}
		a.HP = hp.Summary(inP, outP, limit, tiP, toP)

		threshold := s.Auth.StalenessThreshold(class)
		if threshold > 0 {
			if !contextAt.Valid || contextAt.String == "" {
				a.ContextStale = true
			} else if updated, err := store.ParseISO(contextAt.String); err == nil {
				a.ContextStale = now.Sub(updated).Seconds() > float64(threshold)
			}
		}

		if lastSeen.Valid && lastSeen.String != "" {
			if ls, err := store.ParseISO(lastSeen.String); err == nil {
				mins := int(now.Sub(ls).Minutes())
				a.LastSeenMinsAgo = &mins
			}
		}

		var compactions int
		_ = s.DB.QueryRow("SELECT COUNT(*) FROM compaction_log WHERE agent_name = ?", name).Scan(&compactions)
		a.CompactionCount = compactions

		out = append(out, a)
	}
	return out, nil
}

// ClaimedFile is one file_claims row enriched with the file's current
// mtime, to help a lead judge whether an agent's claim is still live.
type ClaimedFile struct {
	FilePath  string
	ClaimedAt string
	Mtime     *time.Time
}

func claimedFiles(q store.Queryer, agent string) []ClaimedFile {
	rows, err := q.Query("SELECT file_path, claimed_at FROM file_claims WHERE agent_name = ?", agent)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []ClaimedFile
	for rows.Next() {
		var fp, claimedAt string
		if rows.Scan(&fp, &claimedAt) != nil {
			continue
		}
		c := ClaimedFile{FilePath: fp, ClaimedAt: claimedAt}
		if info, err := os.Stat(fp); err == nil {
			m := info.ModTime()
			c.Mtime = &m
		}
		out = append(out, c)
	}
	return out
}

// PartyAgent is one agents entry in a PartyStatus response.
type PartyAgent struct {
	EnrichedAgent
	OpenTasks      int
	TotalActivity  int
	ClaimedFiles   []ClaimedFile
}

// PartyStatus is the response to PartyStatus.
type PartyStatus struct {
	Agents []PartyAgent
}

// PartyStatus is the fleet dashboard: every agent plus its open task
// count/activity and currently-claimed files.
func (s *Service) PartyStatus() (PartyStatus, error) {
	agents, err := s.enrichAgents()
	if err != nil {
		return PartyStatus{}, err
	}

	out := PartyStatus{}
	for _, a := range agents {
		pa := PartyAgent{EnrichedAgent: a, ClaimedFiles: claimedFiles(s.DB, a.Name)}
		_ = s.DB.QueryRow(
			`SELECT COUNT(*), COALESCE(SUM(activity_count), 0) FROM tasks
			 WHERE assigned_to = ? AND status IN ('open', 'assigned', 'in_progress')`,
			a.Name,
		).Scan(&pa.OpenTasks, &pa.TotalActivity)
		out.Agents = append(out.Agents, pa)
	}
	return out, nil
}

// ActiveTaskSummary is one of check_activity's active_tasks entries.
type ActiveTaskSummary struct {
	ID            int64
	Title         string
	Status        string
	UpdatedAt     string
	ActivityCount int
	Zone          string
}

// CheckActivityResult is the response to CheckActivity.
type CheckActivityResult struct {
	AgentName       string
	AgentClass      string
	Status          string
	LastSeen        string
	CurrentZone     string
	LastSeenMinsAgo *int
	ActiveTasks     []ActiveTaskSummary
	LastTaskUpdate  string
	ClaimedFiles    []ClaimedFile
	Zones           []string
	Judgment        string
	Error           string
}

// CheckActivity answers "is this agent actually doing something" using
// the same freshest-evidence-wins heuristic as the original: any claimed
// file or zone directory touched in the last 5 minutes beats a stale
// last_seen, because a daemon can be silently compacting or thinking
// between heartbeat writes while still visibly editing files.
func (s *Service) CheckActivity(agentName string) CheckActivityResult {
	var class, status, lastSeen, zone sql.NullString
	err := s.DB.QueryRow("SELECT agent_class, status, last_seen, current_zone FROM agents WHERE name = ?", agentName).
		Scan(&class, &status, &lastSeen, &zone)
	if err != nil {
		return CheckActivityResult{Error: "agent '" + agentName + "' not found"}
	}

	result := CheckActivityResult{AgentName: agentName, AgentClass: class.String, Status: status.String, LastSeen: lastSeen.String, CurrentZone: zone.String}
	now := time.Now().UTC()

	if lastSeen.Valid && lastSeen.String != "" {
		if ls, err := store.ParseISO(lastSeen.String); err == nil {
			mins := int(now.Sub(ls).Minutes())
			result.LastSeenMinsAgo = &mins
		}
	}

	rows, err := s.DB.Query(
		`SELECT id, title, status, updated_at, activity_count, zone FROM tasks
		 WHERE assigned_to = ? AND status IN ('open', 'assigned', 'in_progress') ORDER BY updated_at DESC`,
		agentName,
	)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var t ActiveTaskSummary
			var zoneCol sql.NullString
			if rows.Scan(&t.ID, &t.Title, &t.Status, &t.UpdatedAt, &t.ActivityCount, &zoneCol) == nil {
				t.Zone = zoneCol.String
				result.ActiveTasks = append(result.ActiveTasks, t)
			}
		}
	}
	if len(result.ActiveTasks) > 0 {
		result.LastTaskUpdate = result.ActiveTasks[0].UpdatedAt
	}

	result.ClaimedFiles = claimedFiles(s.DB, agentName)

	zones := map[string]bool{}
	for _, t := range result.ActiveTasks {
		if t.Zone != "" {
			zones[t.Zone] = true
		}
	}
	if zone.Valid && zone.String != "" {
		zones[zone.String] = true
	}
	for z := range zones {
		result.Zones = append(result.Zones, z)
	}
	sort.Strings(result.Zones)

	var mtimes []time.Time
	for _, cf := range result.ClaimedFiles {
		if cf.Mtime != nil {
			mtimes = append(mtimes, *cf.Mtime)
		}
	}
	for z := range zones {
		if info, err := os.Stat(z); err == nil && info.IsDir() {
			mtimes = append(mtimes, info.ModTime())
		}
	}

	result.Judgment = judgment(now, lastSeen.String, result.LastTaskUpdate, mtimes)
	return result
}

// judgment mirrors original_source/monitoring.py::_agent_judgment: any
// recently-touched file/zone wins outright; otherwise the freshest of
// last_seen / last_task_update decides active (<5m) / idle (<15m) /
// possibly dead.
func judgment(now time.Time, lastSeen, lastTaskUpdate string, mtimes []time.Time) string {
	for _, mt := range mtimes {
		if now.Sub(mt) < 5*time.Minute {
			return "active"
		}
	}

	classify := func(ts string) (string, bool) {
		t, err := store.ParseISO(ts)
		if err != nil {
			return "", false
		}
		age := now.Sub(t).Minutes()
		switch {
		case age < 5:
			return "active", true
		case age < 15:
			return "idle", true
		default:
			return "possibly dead", true
		}
	}

	if lastSeen != "" {
		if j, ok := classify(lastSeen); ok {
			return j
		}
	}
	if lastTaskUpdate != "" {
		if j, ok := classify(lastTaskUpdate); ok {
			return j
		}
	}
	return "possibly dead"
}

// FreshnessEntry is one checked file's staleness verdict.
type FreshnessEntry struct {
	FilePath string
	Mtime    *time.Time
	Exists   bool
	Stale    bool
}

// CheckFreshnessResult is the response to CheckFreshness.
type CheckFreshnessResult struct {
	AgentName        string
	ContextUpdatedAt string
	Files            []FreshnessEntry
	StaleCount       int
	Note             string
	Warning          string
	Error            string
}

// CheckFreshness reports which of filePaths were modified after agentName
// last called set-context — files it may be editing blind.
func (s *Service) CheckFreshness(agentName string, filePaths []string) CheckFreshnessResult {
	var contextAt sql.NullString
	if err := s.DB.QueryRow("SELECT context_updated_at FROM agents WHERE name = ?", agentName).Scan(&contextAt); err != nil {
		return CheckFreshnessResult{Error: "agent '" + agentName + "' not found"}
	}
	var paths []string
	for _, p := range filePaths {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return CheckFreshnessResult{Error: "no file paths provided"}
	}

	if !contextAt.Valid || contextAt.String == "" {
		result := CheckFreshnessResult{AgentName: agentName, Note: "agent has never called set-context — all files considered stale"}
		for _, p := range paths {
			entry := FreshnessEntry{FilePath: p, Stale: true}
			if info, err := os.Stat(p); err == nil {
				entry.Exists = true
				m := info.ModTime()
				entry.Mtime = &m
			}
			result.Files = append(result.Files, entry)
			if entry.Exists {
				result.StaleCount++
			}
		}
		return result
	}

	contextTS, err := store.ParseISO(contextAt.String)
	if err != nil {
		return CheckFreshnessResult{Error: "invalid context_updated_at timestamp for '" + agentName + "'"}
	}

	result := CheckFreshnessResult{AgentName: agentName, ContextUpdatedAt: contextAt.String}
	for _, p := range paths {
		entry := FreshnessEntry{FilePath: p}
		if info, err := os.Stat(p); err == nil {
			entry.Exists = true
			m := info.ModTime()
			entry.Mtime = &m
			entry.Stale = m.After(contextTS)
			if entry.Stale {
				result.StaleCount++
			}
		}
		result.Files = append(result.Files, entry)
	}
	if result.StaleCount > 0 {
		result.Warning = "files modified since last set-context"
	}
	return result
}

// Sitrep is the fused common-operating-picture response.
type Sitrep struct {
	Agents       []EnrichedAgent
	ActiveTasks  []ActiveTaskSummary
	FileClaims   []ClaimedFile
	Flags        map[string]FlagEntry
	BattlePlan   *BattlePlanSummary
	RecentComms  []RecentComm
	WarPlan      string
	IntelCount   int
}

// FlagEntry is one flags row.
type FlagEntry struct {
	Value string
	SetBy string
	SetAt string
}

// BattlePlanSummary is the active battle plan, if any, with its content
// inlined.
type BattlePlanSummary struct {
	SetBy      string
	Status     string
	CreatedAt  string
	PlanContent string
}

// RecentComm is one of sitrep's last-10 message headers (no body).
type RecentComm struct {
	From      string
	To        string
	Timestamp string
	IsCC      bool
}

// Sitrep assembles the fleet-wide common operating picture in one call:
// agents, active tasks, file claims, flags, the active battle plan, the
// last 10 message headers, a war-plan excerpt, and the intel doc count.
func (s *Service) Sitrep() (Sitrep, error) {
	agents, err := s.enrichAgents()
	if err != nil {
		return Sitrep{}, err
	}
	out := Sitrep{Agents: agents, Flags: map[string]FlagEntry{}}

	rows, err := s.DB.Query("SELECT id, title, status, updated_at, activity_count, zone FROM tasks WHERE status IN ('open', 'assigned', 'in_progress') ORDER BY updated_at DESC")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var t ActiveTaskSummary
			var zoneCol sql.NullString
			if rows.Scan(&t.ID, &t.Title, &t.Status, &t.UpdatedAt, &t.ActivityCount, &zoneCol) == nil {
				t.Zone = zoneCol.String
				out.ActiveTasks = append(out.ActiveTasks, t)
			}
		}
	}

	claimRows, err := s.DB.Query("SELECT file_path, claimed_at FROM file_claims ORDER BY agent_name")
	if err == nil {
		defer claimRows.Close()
		for claimRows.Next() {
			var fp, claimedAt string
			if claimRows.Scan(&fp, &claimedAt) == nil {
				out.FileClaims = append(out.FileClaims, ClaimedFile{FilePath: fp, ClaimedAt: claimedAt})
			}
		}
	}

	flagRows, err := s.DB.Query("SELECT key, value, set_by, set_at FROM flags")
	if err == nil {
		defer flagRows.Close()
		for flagRows.Next() {
			var key string
			var e FlagEntry
			if flagRows.Scan(&key, &e.Value, &e.SetBy, &e.SetAt) == nil {
				out.Flags[key] = e
			}
		}
	}

	var bp BattlePlanSummary
	var planFile string
	err = s.DB.QueryRow("SELECT set_by, status, created_at, plan_file FROM battle_plan WHERE status = 'active' ORDER BY created_at DESC LIMIT 1").
		Scan(&bp.SetBy, &bp.Status, &bp.CreatedAt, &planFile)
	if err == nil {
		bp.PlanContent = fsutil.ReadContentFile(planFile)
		out.BattlePlan = &bp
	}

	commRows, err := s.DB.Query("SELECT from_agent, to_agent, timestamp, is_cc FROM messages ORDER BY timestamp DESC LIMIT 10")
	if err == nil {
		defer commRows.Close()
		var recent []RecentComm
		for commRows.Next() {
			var c RecentComm
			var isCC int
			if commRows.Scan(&c.From, &c.To, &c.Timestamp, &isCC) == nil {
				c.IsCC = isCC == 1
				recent = append(recent, c)
			}
		}
		for i := len(recent) - 1; i >= 0; i-- {
			out.RecentComms = append(out.RecentComms, recent[i])
		}
	}

	if s.WarPlan != nil {
		if content, err := s.WarPlan(); err == nil && content != "" {
			if len(content) > 500 {
				content = content[:500]
			}
			out.WarPlan = content
		}
	}

	_ = s.DB.QueryRow("SELECT COUNT(*) FROM intel_docs").Scan(&out.IntelCount)

	return out, nil
}
