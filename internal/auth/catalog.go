package auth

// Transports a daemon process may declare on register.
const (
	TransportTerminal = "terminal"
	TransportDaemon   = "daemon"
	TransportDaemonTS = "daemon-ts"
)

func ValidTransport(t string) bool {
	switch t {
	case TransportTerminal, TransportDaemon, TransportDaemonTS:
		return true
	default:
		return false
	}
}

// Task lifecycle statuses recognized by the fallback fixed-pipeline path
// used when no flow is loaded for a task_type (spec.md §4.6 complete_phase
// fallback; original_source tasks/crud.py's hardcoded linear pipeline).
var FallbackTaskStatuses = []string{
	"open", "assigned", "in_progress", "fixed", "verified",
	"closed", "abandoned", "stale", "obsolete",
}

// BattlePlanStatuses are the valid battle_plan.status values.
var BattlePlanStatuses = []string{"active", "superseded", "completed", "abandoned", "obsolete"}

// RaidLogPriorities are the valid raid_log_entry.priority values.
var RaidLogPriorities = []string{"low", "normal", "high", "critical"}

// ToolCatalogEntry documents one CLI operation: which classes may call it.
type ToolCatalogEntry struct {
	AllowedClasses []string // nil means "any registered agent"
	Description    string
}

// ToolCatalog is the per-command authorization table surfaced to agents on
// register so they know which commands they may call (original_source
// auth.py::TOOL_CATALOG). Authorization here is advisory documentation for
// the agent plus a basis for CLI-layer checks; it is not a security
// boundary (spec.md §1 Non-goals: no built-in auth beyond class tags).
var ToolCatalog = map[string]ToolCatalogEntry{
	"register":       {Description: "Register this agent with the party."},
	"deregister":     {Description: "Leave the party, releasing file claims."},
	"rename":         {AllowedClasses: []string{"lead"}, Description: "Rename the lead agent."},
	"set-status":     {Description: "Update this agent's free-text status line."},
	"set-context":    {Description: "Record HP and context summary."},
	"who":            {Description: "List all registered agents."},
	"send":           {Description: "Send a direct or broadcast message."},
	"check-inbox":    {Description: "Consume unread messages."},
	"list-history":   {Description: "Read recent message history."},
	"purge-inbox":    {Description: "Delete old consumed messages."},
	"task create":    {Description: "Create a task (lead-only unless chore)."},
	"task assign":    {AllowedClasses: []string{"lead"}, Description: "Assign a task to an agent."},
	"task pull":      {Description: "Claim an available task."},
	"task update":    {Description: "Update a non-terminal task's fields."},
	"task complete-phase": {Description: "Advance a task through its flow."},
	"task close":     {Description: "Close a task (requires result_file)."},
	"task done":      {AllowedClasses: []string{"lead"}, Description: "Fast-close a task, bypassing the DAG."},
	"task reopen":    {AllowedClasses: []string{"lead"}, Description: "Reopen a terminal task."},
	"req register":   {Description: "Register a requirement folder."},
	"req decompose":  {Description: "Decompose a requirement into children."},
	"poll":           {Description: "Block for messages or claimable work."},
	"update-hp":      {Description: "Daemon-only HP write."},
}
