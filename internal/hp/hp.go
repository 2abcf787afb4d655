// Package hp implements C11: agent "HP" (context-window health) tracking —
// token-usage extraction from LLM child stream-JSON, cumulative/turn
// counters, self-report sentinel handling, and threshold alerting.
// Grounded on original_source/daemon/runner/_hp.py and monitoring.py.
package hp

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
)

// DefaultContextWindow is used when the LLM child never reports a
// modelUsage.contextWindow (e.g. before the first "result" event).
const DefaultContextWindow = 200_000

// SelfReportSentinel is the hp_tokens_limit value that marks an agent as
// self-reporting HP via set-context --hp rather than daemon-observed.
const SelfReportSentinel = 100

// SystemTokens and ProjectOverhead approximate the LLM child's fixed
// system-prompt and project-context cost, subtracted from turn_input so
// HP% reflects conversation-accumulated tokens only.
const (
	SystemTokens    = 3_500
	ProjectOverhead = 4_000
)

// ToolTokens approximates each tool's JSON-schema + description cost
// injected by the LLM child ahead of the agent's own prompt.
var ToolTokens = map[string]int{
	"Bash": 400, "Read": 350, "Write": 250, "Edit": 400, "Glob": 200,
	"Grep": 500, "WebFetch": 300, "WebSearch": 250, "Task": 2_500,
	"NotebookEdit": 300, "AskUserQuestion": 500, "EnterPlanMode": 800,
	"ExitPlanMode": 300, "TaskCreate": 500, "TaskUpdate": 500, "TaskList": 300,
	"TaskGet": 200, "TeamCreate": 1_500, "TeamDelete": 100, "SendMessage": 800,
	"Skill": 300, "TaskOutput": 200, "TaskStop": 100,
}

const unknownToolTokens = 300

// EstimateToolOverhead sums SystemTokens + ProjectOverhead plus the cost of
// every tool in allowedTools (space/comma separated, `Name(args)` stripped
// to `Name`). An empty allowedTools means every tool is enabled, so every
// known tool's cost is summed.
func EstimateToolOverhead(allowedTools string) int {
	total := SystemTokens + ProjectOverhead
	allowedTools = strings.TrimSpace(allowedTools)
	if allowedTools == "" {
		for _, cost := range ToolTokens {
			total += cost
		}
		return total
	}
	fields := strings.FieldsFunc(allowedTools, func(r rune) bool { return r == ',' || r == ' ' })
	for _, f := range fields {
		name := f
		if i := strings.Index(name, "("); i >= 0 {
			name = name[:i]
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if cost, ok := ToolTokens[name]; ok {
			total += cost
		} else {
			total += unknownToolTokens
		}
	}
	return total
}

// Usage is the token usage extracted from one stream-JSON line.
type Usage struct {
	InputTokens   int
	OutputTokens  int
	ContextWindow int // 0 if not reported by this line
	SessionID     string
}

// ExtractUsage parses one stream-JSON line from the LLM child, returning
// the token usage it reports (zero value if the line carries none).
func ExtractUsage(line string) Usage {
	raw := strings.TrimSpace(line)
	if raw == "" || !strings.Contains(raw, "tokens") {
		return Usage{}
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Usage{}
	}

	if data["type"] == "result" {
		var usage Usage
		if sid, ok := data["session_id"].(string); ok && sid != "" {
			usage.SessionID = sid
		} else if sid, ok := data["sessionId"].(string); ok && sid != "" {
			usage.SessionID = sid
		}
		if modelUsage, ok := data["modelUsage"].(map[string]any); ok {
			for _, v := range modelUsage {
				info, ok := v.(map[string]any)
				if !ok {
					continue
				}
				usage.InputTokens = intField(info, "inputTokens") +
					intField(info, "cacheCreationInputTokens") +
					intField(info, "cacheReadInputTokens")
				usage.OutputTokens = intField(info, "outputTokens")
				usage.ContextWindow = intField(info, "contextWindow")
				return usage
			}
		}
		return usage
	}

	usageDict := findUsageDict(data)
	if usageDict == nil {
		return Usage{}
	}
	return Usage{
		InputTokens: intField(usageDict, "input_tokens") +
			intField(usageDict, "cache_creation_input_tokens") +
			intField(usageDict, "cache_read_input_tokens"),
		OutputTokens: intField(usageDict, "output_tokens"),
	}
}

func intField(m map[string]any, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// findUsageDict recursively searches obj for the first nested map
// containing an "input_tokens" key.
func findUsageDict(obj any) map[string]any {
	m, ok := obj.(map[string]any)
	if !ok {
		return nil
	}
	if _, ok := m["input_tokens"]; ok {
		return m
	}
	for _, v := range m {
		if found := findUsageDict(v); found != nil {
			return found
		}
	}
	return nil
}

// Summary renders a human-readable HP string from observed token counts.
// Per-turn counts are preferred when available (they reflect actual
// context pressure); cumulative counts are the fallback.
func Summary(inputTokens, outputTokens *int, limit int, turnInput, turnOutput *int) string {
	if limit == 0 {
		return "HP unknown"
	}

	var used int
	if turnInput != nil {
		used = *turnInput
	} else if inputTokens != nil {
		used = *inputTokens
		if used > limit {
			used = limit
		}
	}
	if used == 0 {
		return "HP unknown"
	}

	pctUsed := float64(used) / float64(limit) * 100
	hpPct := 100 - pctUsed
	if hpPct < 0 {
		hpPct = 0
	}
	status := "Healthy"
	if hpPct <= 25 {
		status = "CRITICAL"
	} else if hpPct <= 50 {
		status = "Wounded"
	}
	return fmt.Sprintf("%.0f%% HP [%dk/%dk] — %s", hpPct, used/1000, limit/1000, status)
}

// PctFromTurn computes HP% the same way Summary does, for threshold
// comparisons. Returns ok=false when no usable value is available.
func PctFromTurn(inputTokens int, limit int, turnInput *int) (pct float64, ok bool) {
	if limit == 0 {
		return 0, false
	}
	used := inputTokens
	if turnInput != nil {
		used = *turnInput
	}
	if used > limit {
		used = limit
	}
	if used <= 0 {
		return 0, false
	}
	pct = 100 - (float64(used) / float64(limit) * 100)
	if pct < 0 {
		pct = 0
	}
	return pct, true
}

// Thresholds fire alerts at 25% and 10% HP, in that order. Above 50% any
// previously fired alert resets so it can re-fire if HP drops again.
var Thresholds = []struct {
	Pct     float64
	Message func(agent string, pct float64) string
}{
	{25, func(agent string, pct float64) string {
		return fmt.Sprintf("%s at %.0f%% HP — consider fenix-down", agent, pct)
	}},
	{10, func(agent string, pct float64) string {
		return fmt.Sprintf("%s at %.0f%% HP — fenix-down NOW or lose knowledge", agent, pct)
	}},
}

// UpdateHP writes daemon-observed token usage to the agent row and fires
// any newly-crossed HP threshold alert. limit is the context window to
// report against (callers fall back to DefaultContextWindow when the LLM
// child hasn't reported one yet). A prior self-report (hp_tokens_limit ==
// SelfReportSentinel) makes this a no-op: daemon-observed HP never
// overwrites a self-reported value until the agent's next self-report
// resets it, per the decision recorded for self-reported HP of exactly
// 100. Grounded on original_source/daemon/runner/_hp.py::_update_hp,
// adapted from a CLI subprocess call to a direct, in-process DB write
// since the Go daemon shares a process with the rest of the core.
func UpdateHP(db *store.DB, layout fsutil.Layout, log *obslog.Logger, agentName string, inputTokens, outputTokens, limit int, turnInput, turnOutput *int) {
	var existingLimit sql.NullInt64
	if err := db.QueryRow("SELECT hp_tokens_limit FROM agents WHERE name = ?", agentName).Scan(&existingLimit); err != nil {
		return
	}
	if existingLimit.Valid && existingLimit.Int64 == SelfReportSentinel {
		return
	}

	now := store.NowISO()
	_, err := db.Exec(
		`UPDATE agents SET hp_input_tokens = ?, hp_output_tokens = ?, hp_tokens_limit = ?,
		 hp_turn_input = ?, hp_turn_output = ?, hp_updated_at = ? WHERE name = ?`,
		inputTokens, outputTokens, limit, turnInput, turnOutput, now, agentName,
	)
	if err != nil {
		return
	}

	if pct, ok := PctFromTurn(inputTokens, limit, turnInput); ok {
		FireAlerts(db, layout, log, agentName, pct)
	}
}

// FireAlerts checks hpPct against Thresholds for agentName, writing any
// newly-crossed alert to the lead's inbox and persisting the fired-alert
// set on the agent row so each threshold fires at most once per descent.
// It owns its own transaction and never returns an error to the caller —
// a failed alert is logged, not fatal to the HP update that triggered it.
func FireAlerts(db *store.DB, layout fsutil.Layout, log *obslog.Logger, agentName string, hpPct float64) {
	now := store.NowISO()
	lead := store.GetLead(db.DB)
	if lead == "" {
		return
	}

	var firedRaw *string
	if err := db.QueryRow("SELECT hp_alerts_fired FROM agents WHERE name = ?", agentName).Scan(&firedRaw); err != nil {
		return
	}
	var fired []string
	if firedRaw != nil && *firedRaw != "" {
		_ = json.Unmarshal([]byte(*firedRaw), &fired)
	}

	if hpPct > 50 {
		fired = []string{}
	} else {
		firedSet := map[string]bool{}
		for _, f := range fired {
			firedSet[f] = true
		}
		for _, th := range Thresholds {
			key := fmt.Sprintf("%d", int(th.Pct))
			if hpPct > th.Pct || firedSet[key] {
				continue
			}
			message := th.Message(agentName, hpPct)
			contentFile, err := layout.MessageFilePath(lead, "system", "", time.Now())
			if err == nil {
				if werr := fsutil.AtomicWriteFile(contentFile, []byte(message)); werr == nil {
					_, _ = db.Exec(
						"INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc) VALUES ('system', ?, ?, ?, 0, 0)",
						lead, contentFile, now,
					)
				}
			}
			fired = append(fired, key)
			firedSet[key] = true
			if log != nil {
				log.Emit(obslog.KindHPAlert, map[string]any{"agent": agentName, "hp_pct": hpPct, "threshold": th.Pct})
			}
		}
	}

	encoded, _ := json.Marshal(fired)
	_, _ = db.Exec("UPDATE agents SET hp_alerts_fired = ? WHERE name = ?", string(encoded), agentName)
}
