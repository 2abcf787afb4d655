package hp

import (
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "minion.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	now := store.NowISO()
	if _, err := db.Exec(
		"INSERT INTO agents (name, agent_class, registered_at, last_seen) VALUES ('coder-1', 'coder', ?, ?)",
		now, now,
	); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return db
}

func TestExtractUsageFromResultEvent(t *testing.T) {
	line := `{"type":"result","session_id":"sess-1","modelUsage":{"claude-x":{"inputTokens":1000,"cacheCreationInputTokens":500,"cacheReadInputTokens":200,"outputTokens":300,"contextWindow":200000}}}`
	u := ExtractUsage(line)
	if u.InputTokens != 1700 {
		t.Fatalf("input tokens: got %d, want 1700", u.InputTokens)
	}
	if u.OutputTokens != 300 {
		t.Fatalf("output tokens: got %d, want 300", u.OutputTokens)
	}
	if u.ContextWindow != 200000 {
		t.Fatalf("context window: got %d, want 200000", u.ContextWindow)
	}
	if u.SessionID != "sess-1" {
		t.Fatalf("session id: got %q", u.SessionID)
	}
}

func TestExtractUsageFromNestedAssistantEvent(t *testing.T) {
	line := `{"type":"assistant","message":{"usage":{"input_tokens":50,"output_tokens":10}}}`
	u := ExtractUsage(line)
	if u.InputTokens != 50 || u.OutputTokens != 10 {
		t.Fatalf("got %+v", u)
	}
}

func TestExtractUsageIgnoresUnrelatedLines(t *testing.T) {
	if got := ExtractUsage(""); got != (Usage{}) {
		t.Fatalf("empty line should yield zero usage, got %+v", got)
	}
	if got := ExtractUsage(`{"type":"system","message":"no usage here"}`); got != (Usage{}) {
		t.Fatalf("line without 'tokens' should yield zero usage, got %+v", got)
	}
	if got := ExtractUsage("not json at all but has tokens"); got != (Usage{}) {
		t.Fatalf("malformed json should yield zero usage, got %+v", got)
	}
}

func TestSummaryHealthyWoundedCritical(t *testing.T) {
	in := 150_000
	limit := 200_000
	if got := Summary(&in, nil, limit, nil, nil); got != "25% HP [150k/200k] — CRITICAL" {
		t.Fatalf("got %q", got)
	}

	turnIn := 50_000
	if got := Summary(nil, nil, limit, &turnIn, nil); got != "75% HP [50k/200k] — Healthy" {
		t.Fatalf("got %q", got)
	}
}

func TestSummaryUnknownWhenNoLimitOrNoUsage(t *testing.T) {
	if got := Summary(nil, nil, 0, nil, nil); got != "HP unknown" {
		t.Fatalf("got %q", got)
	}
	zero := 0
	if got := Summary(&zero, nil, 200_000, nil, nil); got != "HP unknown" {
		t.Fatalf("got %q", got)
	}
}

func TestEstimateToolOverheadAllToolsVsAllowlist(t *testing.T) {
	all := EstimateToolOverhead("")
	if all <= SystemTokens+ProjectOverhead {
		t.Fatal("expected all-tools estimate to exceed the fixed base cost")
	}

	narrow := EstimateToolOverhead("Bash Read Edit")
	want := SystemTokens + ProjectOverhead + ToolTokens["Bash"] + ToolTokens["Read"] + ToolTokens["Edit"]
	if narrow != want {
		t.Fatalf("got %d, want %d", narrow, want)
	}
	if narrow >= all {
		t.Fatal("narrow allowlist should cost less than enabling every tool")
	}
}

func TestEstimateToolOverheadUnknownToolDefaultsTo300(t *testing.T) {
	got := EstimateToolOverhead("SomeMCPTool")
	want := SystemTokens + ProjectOverhead + unknownToolTokens
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestPctFromTurnPrefersTurnInputOverCumulative(t *testing.T) {
	turnIn := 20_000
	pct, ok := PctFromTurn(999_999, 100_000, &turnIn)
	if !ok {
		t.Fatal("expected ok")
	}
	if pct != 80 {
		t.Fatalf("got %v, want 80", pct)
	}
}

func TestPctFromTurnNotOkWhenNoUsableValue(t *testing.T) {
	if _, ok := PctFromTurn(0, 100_000, nil); ok {
		t.Fatal("expected not ok when input and turn are both zero")
	}
	if _, ok := PctFromTurn(10, 0, nil); ok {
		t.Fatal("expected not ok when limit is zero")
	}
}

func TestUpdateHPWritesObservedTokensAndFiresAlert(t *testing.T) {
	db := newTestDB(t)
	layout := fsutil.Layout{WorkDir: filepath.Join(t.TempDir(), ".work")}
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	now := store.NowISO()
	if _, err := db.Exec(
		"INSERT INTO agents (name, agent_class, registered_at, last_seen) VALUES ('lead', 'lead', ?, ?)",
		now, now,
	); err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	if _, err := db.Exec(
		"INSERT INTO battle_plan (set_by, plan_file, status, created_at, updated_at) VALUES ('lead', 'x.md', 'active', ?, ?)",
		now, now,
	); err != nil {
		t.Fatalf("seed battle plan: %v", err)
	}

	turnInput := 190_000
	UpdateHP(db, layout, obslog.Nop(), "coder-1", 190_000, 500, 200_000, &turnInput, nil)

	var limit, hpInput int
	if err := db.QueryRow("SELECT hp_tokens_limit, hp_input_tokens FROM agents WHERE name = 'coder-1'").Scan(&limit, &hpInput); err != nil {
		t.Fatalf("query: %v", err)
	}
	if limit != 200_000 || hpInput != 190_000 {
		t.Fatalf("got limit=%d input=%d", limit, hpInput)
	}

	var unread int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE to_agent = 'lead'").Scan(&unread); err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if unread == 0 {
		t.Fatal("expected a threshold alert to be written to the lead's inbox")
	}
}

func TestUpdateHPSkipsWhenSelfReportSentinelActive(t *testing.T) {
	db := newTestDB(t)
	layout := fsutil.Layout{WorkDir: filepath.Join(t.TempDir(), ".work")}
	if _, err := db.Exec("UPDATE agents SET hp_tokens_limit = ? WHERE name = 'coder-1'", SelfReportSentinel); err != nil {
		t.Fatalf("seed sentinel: %v", err)
	}

	UpdateHP(db, layout, obslog.Nop(), "coder-1", 50_000, 10, 200_000, nil, nil)

	var limit int
	if err := db.QueryRow("SELECT hp_tokens_limit FROM agents WHERE name = 'coder-1'").Scan(&limit); err != nil {
		t.Fatalf("query: %v", err)
	}
	if limit != SelfReportSentinel {
		t.Fatalf("expected self-report sentinel to survive, got %d", limit)
	}
}
