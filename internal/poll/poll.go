// Package poll implements C9: the blocking rendezvous loop an agent's
// transport calls between turns — signal check, message peek, four-tier
// task search, consume-and-return, sleep/timeout. Grounded on
// original_source/polling.py.
package poll

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/flow"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
)

// Exit codes, fixed by the minion-swarm transport contract.
const (
	ExitContent = 0
	ExitTimeout = 1
	ExitSignal  = 3
)

// fallbackActiveStatuses is used when the "bugfix" flow can't be loaded —
// same linear chain internal/task falls back to, minus its terminal stage.
var fallbackActiveStatuses = []string{"open", "assigned", "in_progress", "fixed", "verified"}

// Service bundles the dependencies the poll loop needs.
type Service struct {
	DB     *store.DB
	Layout fsutil.Layout
	Flows  *flow.Registry
	Auth   *auth.Registry
	Comms  *comms.Service
	Log    *obslog.Logger

	// Sleep is overridable in tests; nil means time.Sleep.
	Sleep func(time.Duration)
}

// AvailableTask is one claimable task surfaced by a poll, unclaimed.
type AvailableTask struct {
	TaskID   int64
	Title    string
	Status   string
	TaskFile string
	ClaimCmd string
}

// Result is the outcome of one Loop call.
type Result struct {
	ExitCode      int
	Messages      []comms.Message
	Tasks         []AvailableTask
	Signal        string
	Action        string
	TransportHint string
}

// Loop blocks until messages or claimable tasks arrive for agent, a
// stand_down/retire signal is raised against it, or timeout elapses.
// timeout <= 0 means block forever. Grounded on
// original_source/polling.py::poll_loop.
func (s *Service) Loop(agent string, interval, timeout int) Result {
	if interval <= 0 {
		interval = 5
	}
	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	elapsed := 0
	for {
		if sig := s.checkSignal(agent); sig != "" {
			action := "Do NOT restart polling. You have been retired from the party."
			if sig == "stand_down" {
				action = "Do NOT restart polling. The party has been dismissed."
			}
			return Result{ExitCode: ExitSignal, Signal: sig, Action: action}
		}

		hasMsgs := s.hasMessages(agent)
		tasks := s.availableTasks(agent)

		if hasMsgs || len(tasks) > 0 {
			result := Result{ExitCode: ExitContent, Tasks: tasks}
			if hasMsgs && s.Comms != nil {
				inbox := s.Comms.CheckInbox(agent)
				result.Messages = inbox.Messages
			}

			var transport sql.NullString
			_ = s.DB.QueryRow("SELECT transport FROM agents WHERE name = ?", agent).Scan(&transport)
			if !transport.Valid || transport.String == auth.TransportTerminal {
				result.TransportHint = fmt.Sprintf(
					"RESTART POLLING: Run `minion poll --agent %s` as a background task again. "+
						"Do NOT add --timeout. It blocks forever until the next message arrives.", agent)
			}

			if s.Log != nil {
				s.Log.Emit(obslog.KindPoll, map[string]any{
					"agent": agent, "exit_code": ExitContent,
					"messages": len(result.Messages), "tasks": len(result.Tasks),
				})
			}
			return result
		}

		sleep(time.Duration(interval) * time.Second)
		elapsed += interval
		if timeout > 0 && elapsed >= timeout {
			if s.Log != nil {
				s.Log.Emit(obslog.KindPoll, map[string]any{"agent": agent, "exit_code": ExitTimeout})
			}
			return Result{ExitCode: ExitTimeout}
		}
	}
}

// HasAvailableWork is a cheap check for whether agent has any claimable
// task right now, without consuming it or checking messages. The daemon
// calls this right after a successful turn to decide whether to stand
// down. Grounded on original_source/daemon/runner/_polling.py::_check_available_work.
func (s *Service) HasAvailableWork(agent string) bool {
	return len(s.availableTasks(agent)) > 0
}

// checkSignal reports "stand_down" (fleet-wide) or "retire" (this agent
// only), or "" if neither is raised.
func (s *Service) checkSignal(agent string) string {
	var v string
	if err := s.DB.QueryRow("SELECT value FROM flags WHERE key = 'stand_down'").Scan(&v); err == nil && v == "1" {
		return "stand_down"
	}
	var name string
	if err := s.DB.QueryRow("SELECT agent_name FROM agent_retire WHERE agent_name = ?", agent).Scan(&name); err == nil {
		return "retire"
	}
	return ""
}

// hasMessages peeks (without consuming) whether agent has any unread
// direct or un-acknowledged broadcast message.
func (s *Service) hasMessages(agent string) bool {
	var direct, broadcast int
	_ = s.DB.QueryRow("SELECT COUNT(*) FROM messages WHERE to_agent = ? AND read_flag = 0", agent).Scan(&direct)
	_ = s.DB.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE to_agent = 'all' AND from_agent != ?
		 AND id NOT IN (SELECT message_id FROM broadcast_reads WHERE agent_name = ?)`,
		agent, agent,
	).Scan(&broadcast)
	return direct+broadcast > 0
}

// activeStatuses returns the statuses a claimed task can sit in while
// still being "active" work, per the default bugfix flow (the original
// hard-codes this same default regardless of a candidate task's own
// task_type).
func (s *Service) activeStatuses() []string {
	if s.Flows != nil {
		if f, err := s.Flows.Get("bugfix"); err == nil {
			if a := f.ActiveStatuses(); len(a) > 0 {
				return a
			}
		}
	}
	out := make([]string, len(fallbackActiveStatuses))
	copy(out, fallbackActiveStatuses)
	return out
}

type taskRow struct {
	ID        int64
	Title     string
	Status    string
	TaskFile  sql.NullString
	BlockedBy sql.NullString
}

func (s *Service) queryTasks(q string, args ...any) []taskRow {
	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []taskRow
	for rows.Next() {
		var r taskRow
		if rows.Scan(&r.ID, &r.Title, &r.Status, &r.TaskFile, &r.BlockedBy) == nil {
			out = append(out, r)
		}
	}
	return out
}

// availableTasks finds claimable-but-not-yet-claimed tasks for agent,
// without claiming them, in four priority tiers: already assigned to it,
// open work matching its class, then (reviewer classes only) fixed work
// awaiting review and verified work awaiting test. Blocked tasks (an
// unclosed blocked_by reference) are filtered out. Grounded on
// original_source/polling.py::_find_available_tasks.
func (s *Service) availableTasks(agent string) []AvailableTask {
	var moonCrash string
	_ = s.DB.QueryRow("SELECT value FROM flags WHERE key = 'moon_crash'").Scan(&moonCrash)
	if moonCrash == "1" {
		return nil
	}

	var agentClass string
	if err := s.DB.QueryRow("SELECT agent_class FROM agents WHERE name = ?", agent).Scan(&agentClass); err != nil {
		return nil
	}

	actives := s.activeStatuses()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(actives)), ",")
	args := make([]any, 0, len(actives)+1)
	args = append(args, agent)
	for _, a := range actives {
		args = append(args, a)
	}
	candidates := s.queryTasks(
		fmt.Sprintf("SELECT id, title, status, task_file, blocked_by FROM tasks WHERE assigned_to = ? AND status IN (%s) ORDER BY created_at ASC LIMIT 10", placeholders),
		args...,
	)

	if len(candidates) == 0 {
		candidates = s.queryTasks(
			"SELECT id, title, status, task_file, blocked_by FROM tasks WHERE status = 'open' AND class_required = ? AND assigned_to IS NULL ORDER BY created_at ASC LIMIT 10",
			agentClass,
		)
	}

	reviewer := false
	if s.Auth != nil {
		for _, c := range s.Auth.ClassesWith(auth.CapReview) {
			if c == agentClass {
				reviewer = true
				break
			}
		}
	}

	if len(candidates) == 0 && reviewer {
		candidates = s.queryTasks("SELECT id, title, status, task_file, blocked_by FROM tasks WHERE status = 'fixed' AND assigned_to IS NULL ORDER BY created_at ASC LIMIT 10")
	}
	if len(candidates) == 0 && reviewer {
		candidates = s.queryTasks("SELECT id, title, status, task_file, blocked_by FROM tasks WHERE status = 'verified' AND assigned_to IS NULL ORDER BY created_at ASC LIMIT 10")
	}

	var out []AvailableTask
	for _, c := range candidates {
		if c.BlockedBy.Valid && s.hasOpenBlocker(c.BlockedBy.String) {
			continue
		}
		out = append(out, AvailableTask{
			TaskID:   c.ID,
			Title:    c.Title,
			Status:   c.Status,
			TaskFile: c.TaskFile.String,
			ClaimCmd: fmt.Sprintf("minion task pull --agent %s --task-id %d", agent, c.ID),
		})
	}
	return out
}

// hasOpenBlocker reports whether any task ID in the comma-separated
// blockedBy list is not yet closed.
func (s *Service) hasOpenBlocker(blockedBy string) bool {
	var ids []any
	for _, idStr := range strings.Split(blockedBy, ",") {
		idStr = strings.TrimSpace(idStr)
		if idStr == "" {
			continue
		}
		ids = append(ids, idStr)
	}
	if len(ids) == 0 {
		return false
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	var count int
	err := s.DB.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM tasks WHERE id IN (%s) AND status != 'closed'", placeholders),
		ids...,
	).Scan(&count)
	return err == nil && count > 0
}
