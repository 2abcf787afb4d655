// Package daemon implements C10: the per-agent generation loop that polls
// for work, invokes the LLM child as an opaque subprocess, tracks HP and
// RSS, and auto-respawns on context death. Grounded on
// original_source/daemon/runner/__init__.py and its sibling mixin modules
// (_execution, _polling, _stream, _hp, _state, _db, _prompts, _alerting),
// adapting the teacher's internal/tactile.DirectExecutor timeout/capture
// conventions to a streaming child invocation and the teacher's
// internal/session.Spawner's per-process bookkeeping to a single agent's
// own generation loop rather than a registry of many.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/contracts"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/hp"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/poll"
	"github.com/ai-janitor/minion/internal/store"
)

// exitReason is why one generation's poll loop ended.
type exitReason int

const (
	reasonSignal exitReason = iota
	reasonPhoenixDown
	reasonStandDown
)

// AgentConfig is the one agent this daemon process runs.
type AgentConfig struct {
	Name             string
	Class            string
	Model            string
	PromptFragment   string
	Command          []string // argv template; prompt is appended as the final arg
	SupportsResume   bool
	ResumeFlag       string
	AllowedTools     string
	MaxHistoryTokens int
	NoOutputTimeout  time.Duration
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	SelfDismiss      bool
}

// Config is the runtime layout the daemon needs: where the comms DB and
// docs tree live, and where to write its own state/stream logs.
type Config struct {
	ProjectDir string
	DocsDir    string
	DBPath     string
	StateDir   string
	LogsDir    string
}

// pollData is the poll.Result reshaped into what a prompt builder needs.
type pollData struct {
	Messages []comms.Message
	Tasks    []poll.AvailableTask
}

// Daemon runs one agent's generation loop.
type Daemon struct {
	DB        *store.DB
	Layout    fsutil.Layout
	Contracts *contracts.Service
	Poll      *poll.Service
	Comms     *comms.Service
	Log       *obslog.Logger

	Config Config
	Agent  AgentConfig

	buffer                *RollingBuffer
	injectHistoryNextTurn bool
	consecutiveFailures   int
	lastError             string
	resumeReady           bool
	stoodDown             bool
	lastTaskID            int64
	generation            int
	childPID              int
	sessionID             string
	sessionInputTokens    int
	sessionOutputTokens   int
	toolOverheadTokens    int
	contextWindow         int
	phoenixDown           bool
}

// New constructs a Daemon for one agent, loading any prior resume-ready
// state from its state file.
func New(db *store.DB, layout fsutil.Layout, contractsSvc *contracts.Service, pollSvc *poll.Service, commsSvc *comms.Service, log *obslog.Logger, cfg Config, agent AgentConfig) *Daemon {
	d := &Daemon{
		DB: db, Layout: layout, Contracts: contractsSvc, Poll: pollSvc, Comms: commsSvc, Log: log,
		Config: cfg, Agent: agent,
		buffer: NewRollingBuffer(maxOr(agent.MaxHistoryTokens, 4000)),
	}
	d.resumeReady = d.loadResumeReady()
	return d
}

func maxOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Run drives the outer respawn loop: each generation runs until it exits
// for a signal, a stand_down, or phoenix_down (context exhaustion), and
// phoenix_down alone triggers a fresh generation. Grounded on
// original_source/daemon/runner/__init__.py::_run_poll_mode.
func (d *Daemon) Run(ctx context.Context) {
	_ = d.Layout.EnsureDirs()
	d.writeAgentRuntime(os.Getpid())
	d.log(fmt.Sprintf("starting daemon for %s (resume_ready=%v)", d.Agent.Name, d.resumeReady))

	d.generation = 0
	for ctx.Err() == nil {
		d.generation++
		generation := d.generation
		reason := d.pollGeneration(ctx, generation)
		if reason == reasonPhoenixDown {
			d.log(fmt.Sprintf("auto-respawn: generation %d died (context exhausted), rebooting as generation %d", generation, generation+1))
			if d.Log != nil {
				d.Log.Emit(obslog.KindDaemonRespawn, map[string]any{"agent": d.Agent.Name, "generation": generation})
			}
			d.resetForRespawn()
			continue
		}
		break
	}
	d.writeState("stopped", nil)
	d.log("daemon stopped")
}

// resetForRespawn clears per-generation session state after a phoenix_down
// exit, so the next generation starts with a fresh conversation.
func (d *Daemon) resetForRespawn() {
	d.sessionInputTokens = 0
	d.sessionOutputTokens = 0
	d.toolOverheadTokens = 0
	d.contextWindow = 0
	d.resumeReady = false
	d.consecutiveFailures = 0
	d.lastError = ""
	d.buffer = NewRollingBuffer(maxOr(d.Agent.MaxHistoryTokens, 4000))
	d.injectHistoryNextTurn = false
	d.stoodDown = false
	d.lastTaskID = 0
	d.phoenixDown = false
}

// pollGeneration runs one boot + poll cycle until the agent signals
// phoenix_down, the context is cancelled, or a stand_down/retire is
// raised against it. Grounded on
// original_source/daemon/runner/__init__.py::_poll_generation.
func (d *Daemon) pollGeneration(ctx context.Context, generation int) exitReason {
	d.writeState("idle", map[string]any{"generation": generation})
	hp.UpdateHP(d.DB, d.Layout, d.Log, d.Agent.Name, 0, 0, 0, ptr(0), ptr(0))

	d.log(fmt.Sprintf("boot (gen %d): invoking agent for ON STARTUP", generation))
	d.writeState("working", map[string]any{"generation": generation})
	bootResult := d.runAgent(ctx, d.buildBootPrompt())
	if bootResult.ExitCode == 0 {
		d.resumeReady = true
		d.recordBootHP(bootResult)
		d.log(fmt.Sprintf("boot (gen %d): complete", generation))
	} else {
		d.log(fmt.Sprintf("boot (gen %d): failed (exit %d)", generation, bootResult.ExitCode))
	}
	d.writeState("idle", map[string]any{"generation": generation})

	for ctx.Err() == nil {
		result := d.Poll.Loop(d.Agent.Name, 5, 30)

		if result.ExitCode == poll.ExitSignal {
			d.log("stand_down/retire detected — leaving the party")
			return reasonStandDown
		}
		if result.ExitCode == poll.ExitTimeout {
			continue
		}

		data := pollData{Messages: result.Messages, Tasks: result.Tasks}

		if d.stoodDown {
			d.wakeFromStanddown(data)
		}
		d.writeState("working", map[string]any{"generation": generation})

		for _, m := range data.Messages {
			d.log(fmt.Sprintf("message from %s: %.200s", m.From, m.Content))
		}
		for _, t := range data.Tasks {
			d.log(fmt.Sprintf("task #%d: %s", t.TaskID, t.Title))
			d.lastTaskID = t.TaskID
		}

		prompt := d.buildInboxPrompt(data)
		d.phoenixDown = false
		ok := d.processPrompt(ctx, prompt)

		if d.phoenixDown {
			return reasonPhoenixDown
		}
		if ctx.Err() != nil {
			return reasonSignal
		}

		if ok {
			d.consecutiveFailures = 0
			d.lastError = ""
			if !d.Poll.HasAvailableWork(d.Agent.Name) {
				d.standdown(generation)
			} else {
				d.writeState("idle", map[string]any{"generation": generation})
			}
			continue
		}

		d.consecutiveFailures++
		d.writeState("error", map[string]any{
			"generation": generation, "failures": d.consecutiveFailures, "last_error": d.lastError,
		})
		backoff := d.Agent.RetryBackoff
		if backoff <= 0 {
			backoff = 5 * time.Second
		}
		maxBackoff := d.Agent.RetryBackoffMax
		if maxBackoff <= 0 {
			maxBackoff = 5 * time.Minute
		}
		for i := 1; i < d.consecutiveFailures; i++ {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
				break
			}
		}
		d.log(fmt.Sprintf("failure #%d; backing off %s (%s)", d.consecutiveFailures, backoff, d.lastError))
		if d.consecutiveFailures >= 3 {
			d.alertLead(fmt.Sprintf(
				"agent %s has %d consecutive failures. Last error: %s",
				d.Agent.Name, d.consecutiveFailures, d.lastError,
			))
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return reasonSignal
		}
	}
	return reasonSignal
}

// processPrompt runs the agent, accounts HP, and decides success/failure.
// Returns false (a recoverable failure) only on timeout or non-zero
// exit; a phoenix_down is reported by leaving the daemon's own state at
// "phoenix_down" rather than through the return value, matching the
// original's state-file signaling. Grounded on
// original_source/daemon/runner/_execution.py::_process_prompt.
func (d *Daemon) processPrompt(ctx context.Context, prompt string) bool {
	result := d.runAgent(ctx, prompt)

	if result.InputTokens > 0 || result.OutputTokens > 0 {
		d.sessionInputTokens += result.InputTokens
		d.sessionOutputTokens += result.OutputTokens
		limit := d.contextWindow
		if limit <= 0 {
			limit = hp.DefaultContextWindow
		}
		turnInput := result.InputTokens
		hp.UpdateHP(d.DB, d.Layout, d.Log, d.Agent.Name, d.sessionInputTokens, d.sessionOutputTokens, limit, &turnInput, &result.OutputTokens)

		turnUsed := result.InputTokens
		if d.toolOverheadTokens > 0 {
			turnUsed -= d.toolOverheadTokens
			if turnUsed < 0 {
				turnUsed = 0
			}
		}
		hpPct := 100.0
		if limit > 0 {
			hpPct = 100 - (float64(turnUsed)/float64(limit))*100
			if hpPct < 0 {
				hpPct = 0
			}
		}
		if hpPct <= 5 {
			d.handlePhoenixDown(hpPct)
			return true
		}
	}

	if result.Interrupted {
		d.log("invocation interrupted by lead — returning to poll loop")
		return true
	}

	if result.CompactionDetected {
		d.injectHistoryNextTurn = true
		d.log("detected context compaction marker; history will be re-injected next cycle")
		d.logCompaction(d.sessionInputTokens, result.InputTokens)
	}

	if result.TimedOut {
		d.lastError = fmt.Sprintf("%s produced no output within the timeout", result.CommandName)
		return false
	}
	if result.ExitCode != 0 {
		d.lastError = fmt.Sprintf("%s exited with code %d", result.CommandName, result.ExitCode)
		return false
	}

	d.resumeReady = true
	return true
}

func (d *Daemon) recordBootHP(result runResult) {
	if result.InputTokens == 0 {
		return
	}
	promptTokens := len(d.buildBootPrompt()) / 4
	d.toolOverheadTokens = result.InputTokens - promptTokens
	if d.toolOverheadTokens < 0 {
		d.toolOverheadTokens = 0
	}
	d.sessionInputTokens += result.InputTokens
	d.sessionOutputTokens += result.OutputTokens
	limit := d.contextWindow
	if limit <= 0 {
		limit = hp.DefaultContextWindow
	}
	hp.UpdateHP(d.DB, d.Layout, d.Log, d.Agent.Name, d.sessionInputTokens, d.sessionOutputTokens, limit, &result.InputTokens, &result.OutputTokens)
}

// handlePhoenixDown alerts the lead and marks this generation's state so
// the outer loop knows to respawn. Grounded on
// original_source/daemon/triggers.py::handle_phoenix_down.
func (d *Daemon) handlePhoenixDown(hpPct float64) {
	d.alertLead(fmt.Sprintf(
		"agent %s at %.0f%% HP — context exhausted. Stopping daemon. Respawn to continue.",
		d.Agent.Name, hpPct,
	))
	d.writeState("phoenix_down", map[string]any{"hp_pct": hpPct})
	d.phoenixDown = true
}

// standdown marks the agent idle-with-no-work, alerting the lead once.
// Grounded on original_source/daemon/triggers.py::handle_standdown.
func (d *Daemon) standdown(generation int) {
	d.log(fmt.Sprintf("standdown: no remaining work (last_task_id=%d)", d.lastTaskID))
	d.writeState("stood_down", map[string]any{"generation": generation, "last_task_id": d.lastTaskID})
	d.stoodDown = true
	d.alertLead(fmt.Sprintf("%s stood down — no remaining work", d.Agent.Name))
	if d.Log != nil {
		d.Log.Emit(obslog.KindDaemonStanddown, map[string]any{"agent": d.Agent.Name, "generation": generation})
	}
}

// wakeFromStanddown decides whether the arriving work continues the
// agent's last task (resume) or starts something new (fresh session).
// Grounded on original_source/daemon/triggers.py::handle_wake_from_standdown.
func (d *Daemon) wakeFromStanddown(data pollData) {
	d.stoodDown = false
	for _, t := range data.Tasks {
		if t.TaskID == d.lastTaskID {
			d.log("waking from standdown: resume session")
			return
		}
	}
	if len(data.Messages) > 0 {
		d.log("waking from standdown: resume session")
		return
	}
	d.log("waking from standdown: new task(s), fresh session")
	d.resumeReady = false
	d.sessionID = ""
}

// alertLead sends a message to the commander, falling back to any lead
// if the commander is unreachable. Grounded on
// original_source/daemon/runner/_alerting.py::_alert_lead_poll.
func (d *Daemon) alertLead(message string) {
	if d.Comms == nil {
		d.log("ALERT: " + message)
		return
	}
	res := d.Comms.Send(d.Agent.Name, "commander", message, "")
	if res.Error != "" {
		res = d.Comms.Send(d.Agent.Name, "lead", message, "")
		if res.Error != "" {
			d.log("ALERT SEND FAILED: " + res.Error)
		}
	}
	d.log("ALERT: " + message)
}

func (d *Daemon) log(message string) {
	ts := time.Now().Format("2006-01-02 15:04:05")
	fmt.Printf("[%s] [%s] %s\n", ts, d.Agent.Name, message)
}

// statePath is where this agent's state JSON lives.
func (d *Daemon) statePath() string {
	return d.Config.StateDir + "/" + d.Agent.Name + ".json"
}

// loadResumeReady reads a prior generation's state file (if any) to learn
// whether a resume invocation is safe to attempt.
func (d *Daemon) loadResumeReady() bool {
	b, err := os.ReadFile(d.statePath())
	if err != nil {
		return false
	}
	var payload map[string]any
	if json.Unmarshal(b, &payload) != nil {
		return false
	}
	ready, _ := payload["resume_ready"].(bool)
	return ready
}

// writeState persists the agent's current status to its state file and
// piggybacks an RSS sample of the live child, mirroring
// original_source/daemon/runner/_state.py::_write_state.
func (d *Daemon) writeState(status string, extra map[string]any) {
	payload := map[string]any{
		"agent":                d.Agent.Name,
		"pid":                  os.Getpid(),
		"status":               status,
		"updated_at":           store.NowISO(),
		"consecutive_failures": d.consecutiveFailures,
		"resume_ready":         d.resumeReady,
		"stood_down":           d.stoodDown,
	}
	for k, v := range extra {
		payload[k] = v
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	if d.Config.StateDir != "" {
		_ = os.MkdirAll(d.Config.StateDir, 0o755)
		_ = fsutil.AtomicWriteFile(d.statePath(), encoded)
	}
	if d.childPID != 0 {
		rss := sampleRSSBytes(d.childPID)
		_, _ = d.DB.Exec("UPDATE agents SET rss_bytes = ? WHERE name = ?", rss, d.Agent.Name)
	}
}

func ptr(v int) *int { return &v }
