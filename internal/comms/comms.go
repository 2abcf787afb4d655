// Package comms implements C6: agent registration, messaging, and inbox
// discipline. Grounded on original_source/comms.py, with staleness and HP
// helpers from db.py folded in here since this is their only caller.
package comms

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/hp"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/ai-janitor/minion/internal/trigger"
)

// Service bundles the dependencies every comms operation needs.
type Service struct {
	DB      *store.DB
	Layout  fsutil.Layout
	Auth    *auth.Registry
	Log     *obslog.Logger
	DocsDir string
}

// Message is one row of the messages table, with its body inlined from
// the filesystem.
type Message struct {
	ID           int64
	From         string
	To           string
	Timestamp    string
	Content      string
	IsCC         bool
	CCOriginalTo string
}

// RegisterResult is the response to Register.
type RegisterResult struct {
	Status      string
	Agent       string
	Class       string
	Model       string
	Description string
	Onboarding  string
	Triggers    string
	Playbook    Playbook
	Error       string
}

// Playbook tells a newly-registered agent how to operate under its
// transport.
type Playbook struct {
	Type  string
	Steps []string
}

// Register creates or re-registers an agent. A re-registration (same
// name) refreshes class/model/description/transport and clears any
// retire marker on it, matching the original's ON CONFLICT path. The
// fleet-wide stand_down flag is not touched.
func (s *Service) Register(agentName, agentClass, model, description, transport string) RegisterResult {
	if !auth.ValidTransport(transport) {
		return RegisterResult{Error: fmt.Sprintf("invalid transport %q, must be 'terminal', 'daemon', or 'daemon-ts'", transport)}
	}
	if !s.Auth.IsValidClass(agentClass) {
		names := make([]string, 0)
		for n := range s.Auth.ValidClasses() {
			names = append(names, n)
		}
		sort.Strings(names)
		return RegisterResult{Error: fmt.Sprintf("unknown class %q, valid: %s", agentClass, strings.Join(names, ", "))}
	}
	if !s.Auth.ModelAllowed(agentClass, model) {
		def, _ := s.Auth.ClassDef(agentClass)
		return RegisterResult{Error: fmt.Sprintf("model %q not allowed for class %q, allowed: %s", model, agentClass, strings.Join(def.Models, ", "))}
	}

	now := store.NowISO()
	var modelArg, descArg any
	if model != "" {
		modelArg = model
	}
	if description != "" {
		descArg = description
	}

	err := s.DB.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO agents (name, agent_class, model, registered_at, last_seen, description, status, transport)
			 VALUES (?, ?, ?, ?, ?, ?, 'waiting for work', ?)
			 ON CONFLICT(name) DO UPDATE SET
			   last_seen = excluded.last_seen,
			   agent_class = excluded.agent_class,
			   model = COALESCE(NULLIF(excluded.model, ''), agents.model),
			   description = COALESCE(NULLIF(excluded.description, ''), agents.description),
			   transport = excluded.transport,
			   status = 'waiting for work',
			   hp_alerts_fired = NULL`,
			agentName, agentClass, modelArg, now, now, descArg, transport,
		); err != nil {
			return err
		}

		cutoff := time.Now().UTC().Add(-1 * time.Hour).Format(time.RFC3339)
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO broadcast_reads (agent_name, message_id, read_at)
			 SELECT ?, id, ? FROM messages WHERE to_agent = 'all' AND timestamp < ?`,
			agentName, now, cutoff,
		); err != nil {
			return err
		}

		_, err := tx.Exec("DELETE FROM agent_retire WHERE agent_name = ?", agentName)
		return err
	})
	if err != nil {
		return RegisterResult{Error: err.Error()}
	}

	result := RegisterResult{Status: "registered", Agent: agentName, Class: agentClass, Model: model, Description: description}
	result.Onboarding = s.loadOnboarding(agentClass)
	result.Triggers = trigger.FormatCodebook()
	if transport == auth.TransportTerminal {
		result.Playbook = Playbook{
			Type: "terminal",
			Steps: []string{
				"POLLING: run `minion poll --agent " + agentName + "` as a background task. The poll blocks until a message or task arrives — that is intentional.",
				"Read your protocol doc: " + s.DocsDir + "/protocol-" + agentClass + ".md",
				"Set your context with HP: minion set-context --agent " + agentName + " --context 'loaded, waiting for orders' --hp 95",
				"On compaction: call minion cold-start --agent " + agentName + " to recover state",
			},
		}
	} else {
		result.Playbook = Playbook{
			Type: "daemon",
			Steps: []string{
				"The watcher manages your context — it re-injects tools and state after compaction.",
				"Just check inbox and work: minion check-inbox --agent " + agentName,
			},
		}
	}

	if s.Log != nil {
		s.Log.Emit(obslog.KindAgentRegister, map[string]any{"agent": agentName, "class": agentClass, "transport": transport})
	}
	return result
}

func (s *Service) loadOnboarding(agentClass string) string {
	var parts []string
	if b := fsutil.ReadContentFile(s.DocsDir + "/protocol-common.md"); b != "" {
		parts = append(parts, b)
	}
	if agentClass != "" {
		if b := fsutil.ReadContentFile(s.DocsDir + "/protocol-" + agentClass + ".md"); b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// DeregisterResult is the response to Deregister.
type DeregisterResult struct {
	Status         string
	Agent          string
	ReleasedClaims int
	WaitlistNotify []string
	Error          string
}

// Deregister removes an agent, releasing its file claims and reporting
// which waiting agent (if any) is now unblocked for each.
func (s *Service) Deregister(agentName string) DeregisterResult {
	var result DeregisterResult
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		var exists string
		if err := tx.QueryRow("SELECT name FROM agents WHERE name = ?", agentName).Scan(&exists); err != nil {
			return fmt.Errorf("agent %q not found", agentName)
		}

		rows, err := tx.Query("SELECT file_path FROM file_claims WHERE agent_name = ?", agentName)
		if err != nil {
			return err
		}
		var claimed []string
		for rows.Next() {
			var fp string
			if rows.Scan(&fp) == nil {
				claimed = append(claimed, fp)
			}
		}
		rows.Close()

		for _, fp := range claimed {
			if _, err := tx.Exec("DELETE FROM file_claims WHERE file_path = ?", fp); err != nil {
				return err
			}
			var waiter string
			err := tx.QueryRow(
				"SELECT agent_name FROM file_waitlist WHERE file_path = ? ORDER BY added_at ASC LIMIT 1", fp,
			).Scan(&waiter)
			if err == nil {
				result.WaitlistNotify = append(result.WaitlistNotify, fmt.Sprintf("%s -> %s waiting", fp, waiter))
			}
		}
		if _, err := tx.Exec("DELETE FROM file_waitlist WHERE agent_name = ?", agentName); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM agents WHERE name = ?", agentName); err != nil {
			return err
		}
		result.ReleasedClaims = len(claimed)
		return nil
	})
	if err != nil {
		return DeregisterResult{Error: err.Error()}
	}
	result.Status, result.Agent = "deregistered", agentName
	if s.Log != nil {
		s.Log.Emit(obslog.KindAgentDeregister, map[string]any{"agent": agentName, "released_claims": result.ReleasedClaims})
	}
	return result
}

// Rename renames an agent and every message/broadcast-read row that
// references it.
func (s *Service) Rename(oldName, newName string) (status, errMsg string) {
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		var exists string
		if err := tx.QueryRow("SELECT name FROM agents WHERE name = ?", oldName).Scan(&exists); err != nil {
			return fmt.Errorf("agent %q not found", oldName)
		}
		if err := tx.QueryRow("SELECT name FROM agents WHERE name = ?", newName).Scan(&exists); err == nil {
			return fmt.Errorf("agent %q already exists", newName)
		}
		stmts := []struct{ q string }{
			{"UPDATE agents SET name = ? WHERE name = ?"},
			{"UPDATE messages SET from_agent = ? WHERE from_agent = ?"},
			{"UPDATE messages SET to_agent = ? WHERE to_agent = ?"},
			{"UPDATE messages SET cc_original_to = ? WHERE cc_original_to = ?"},
			{"UPDATE broadcast_reads SET agent_name = ? WHERE agent_name = ?"},
		}
		for _, st := range stmts {
			if _, err := tx.Exec(st.q, newName, oldName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err.Error()
	}
	return "renamed", ""
}

// SetStatus updates an agent's free-text status line.
func (s *Service) SetStatus(agentName, status string) error {
	_, err := s.DB.Exec("UPDATE agents SET status = ?, last_seen = ? WHERE name = ?", status, store.NowISO(), agentName)
	return err
}

// SetContextResult is the response to SetContext.
type SetContextResult struct {
	Status         string
	Agent          string
	Context        string
	HP             string
	UnclaimedFiles []string
	ClaimWarning   string
}

// SetContext records an agent's context summary, and either its
// self-reported HP (--hp) or daemon-observed token counts.
func (s *Service) SetContext(agentName, context string, tokensUsed, tokensLimit int, selfHP *int, filesModified string) (SetContextResult, error) {
	now := store.NowISO()
	if selfHP != nil {
		turnInput := 100 - *selfHP
		if turnInput < 1 {
			turnInput = 1
		}
		_, err := s.DB.Exec(
			`UPDATE agents SET context_summary = ?, context_updated_at = ?, last_seen = ?,
			 hp_turn_input = ?, hp_tokens_limit = ?, hp_updated_at = ? WHERE name = ?`,
			context, now, now, turnInput, hp.SelfReportSentinel, now, agentName,
		)
		if err != nil {
			return SetContextResult{}, err
		}
	} else {
		_, err := s.DB.Exec(
			"UPDATE agents SET context_summary = ?, context_updated_at = ?, last_seen = ? WHERE name = ?",
			context, now, now, agentName,
		)
		if err != nil {
			return SetContextResult{}, err
		}
	}

	result := SetContextResult{Status: "ok", Agent: agentName, Context: context}
	if selfHP != nil {
		turnInput := 100 - *selfHP
		if turnInput < 1 {
			turnInput = 1
		}
		result.HP = hp.Summary(nil, nil, 100, &turnInput, nil)
		hp.FireAlerts(s.DB, s.Layout, s.Log, agentName, float64(*selfHP))
	} else if tokensUsed > 0 && tokensLimit > 0 {
		result.HP = hp.Summary(&tokensUsed, nil, tokensLimit, nil, nil)
	}

	if filesModified != "" {
		var unclaimed []string
		for _, f := range strings.Split(filesModified, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			var owner string
			err := s.DB.QueryRow("SELECT agent_name FROM file_claims WHERE file_path = ?", f).Scan(&owner)
			if err != nil || owner != agentName {
				unclaimed = append(unclaimed, f)
			}
		}
		if len(unclaimed) > 0 {
			result.UnclaimedFiles = unclaimed
			var parts []string
			for _, f := range unclaimed {
				parts = append(parts, fmt.Sprintf("minion claim-file --agent %s --file %s", agentName, f))
			}
			result.ClaimWarning = "Editing unclaimed files — " + strings.Join(parts, " ")
		}
	}
	return result, nil
}

// AgentSummary is one entry of Who's response, enriched with HP and
// staleness like original_source's enrich_agent_row.
type AgentSummary struct {
	Name            string
	Class           string
	Status          string
	Transport       string
	HP              string
	ContextStale    bool
	LastSeenMinsAgo int
}

// Who lists every registered agent, newest last_seen first.
func (s *Service) Who() ([]AgentSummary, error) {
	rows, err := s.DB.Query(`SELECT name, agent_class, status, transport, last_seen, context_updated_at,
		hp_input_tokens, hp_output_tokens, hp_tokens_limit, hp_turn_input, hp_turn_output
		FROM agents ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []AgentSummary
	for rows.Next() {
		var (
			name, class                                   string
			status, transport, lastSeen, contextUpdatedAt sql.NullString
			hpIn, hpOut, hpLimit, turnIn, turnOut          sql.NullInt64
		)
		if err := rows.Scan(&name, &class, &status, &transport, &lastSeen, &contextUpdatedAt, &hpIn, &hpOut, &hpLimit, &turnIn, &turnOut); err != nil {
			return nil, err
		}
		a := AgentSummary{Name: name, Class: class, Status: status.String, Transport: transport.String}

		var inP, outP, limP, tiP, toP *int
		if hpIn.Valid {
			v := int(hpIn.Int64)
			inP = &v
		}
		if hpOut.Valid {
			v := int(hpOut.Int64)
			outP = &v
		}
		if turnIn.Valid {
			v := int(turnIn.Int64)
			tiP = &v
		}
		if turnOut.Valid {
			v := int(turnOut.Int64)
			toP = &v
		}
		limit := 0
		if hpLimit.Valid {
			limit = int(hpLimit.Int64)
			limP = &limit
		}
		_ = limP
		a.HP = hp.Summary(inP, outP, limit, tiP, toP)

		threshold := s.Auth.StalenessThreshold(class)
		if threshold > 0 {
			if !contextUpdatedAt.Valid || contextUpdatedAt.String == "" {
				a.ContextStale = true
			} else if updated, err := store.ParseISO(contextUpdatedAt.String); err == nil {
				a.ContextStale = now.Sub(updated).Seconds() > float64(threshold)
			}
		}
		if lastSeen.Valid && lastSeen.String != "" {
			if ls, err := store.ParseISO(lastSeen.String); err == nil {
				a.LastSeenMinsAgo = int(now.Sub(ls).Minutes())
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// staleness mirrors original_source's staleness_check: is_stale, message.
func (s *Service) staleness(agentName string) (bool, string) {
	var class string
	var contextUpdatedAt sql.NullString
	err := s.DB.QueryRow("SELECT agent_class, context_updated_at FROM agents WHERE name = ?", agentName).Scan(&class, &contextUpdatedAt)
	if err != nil {
		return false, ""
	}
	def, ok := s.Auth.ClassDef(class)
	if !ok || def.StalenessSec == 0 {
		return false, ""
	}
	threshold := def.StalenessSec
	if !contextUpdatedAt.Valid || contextUpdatedAt.String == "" {
		return true, fmt.Sprintf("BLOCKED: context not set. Call set-context before sending. (%s threshold: %d min)", class, threshold/60)
	}
	updated, err := store.ParseISO(contextUpdatedAt.String)
	if err != nil {
		return false, ""
	}
	age := time.Now().UTC().Sub(updated).Seconds()
	if age > float64(threshold) {
		mins := int(age / 60)
		return true, fmt.Sprintf("BLOCKED: context stale (%dm old, threshold %dm for %s). Call set-context to update your metrics before sending.", mins, threshold/60, class)
	}
	return false, ""
}

// SendResult is the response to Send.
type SendResult struct {
	Status           string
	From             string
	To               string
	CC               []string
	Triggers         []string
	Reminder         string
	Nudge            string
	ArtifactReminder string
	Error            string
}

var fileyPathSignals = []string{".work/", ".md\n", ".md ", ".md\t", ".md'", ".md\""}

// Send delivers a message, enforcing inbox discipline (sender must have
// no unread mail), an active battle plan, and context freshness before
// writing. Unknown senders are auto-registered as "coder".
func (s *Service) Send(fromAgent, toAgent, message, cc string) SendResult {
	if toAgent == "broadcast" {
		toAgent = "all"
	}
	now := store.NowISO()

	var unreadDirect, unreadBroadcast int
	if err := s.DB.QueryRow("SELECT COUNT(*) FROM messages WHERE to_agent = ? AND read_flag = 0", fromAgent).Scan(&unreadDirect); err != nil {
		return SendResult{Error: err.Error()}
	}
	if err := s.DB.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE to_agent = 'all' AND from_agent != ?
		 AND id NOT IN (SELECT message_id FROM broadcast_reads WHERE agent_name = ?)`,
		fromAgent, fromAgent,
	).Scan(&unreadBroadcast); err != nil {
		return SendResult{Error: err.Error()}
	}
	if unread := unreadDirect + unreadBroadcast; unread > 0 {
		return SendResult{Error: fmt.Sprintf("BLOCKED: you have %d unread message(s). Call check-inbox first.", unread)}
	}

	var activePlans int
	if err := s.DB.QueryRow("SELECT COUNT(*) FROM battle_plan WHERE status = 'active'").Scan(&activePlans); err != nil {
		return SendResult{Error: err.Error()}
	}
	if activePlans == 0 {
		return SendResult{Error: "BLOCKED: no active battle plan. Lead must call set-battle-plan first."}
	}

	if stale, msg := s.staleness(fromAgent); stale {
		return SendResult{Error: msg}
	}

	if _, err := s.DB.Exec(
		"INSERT OR IGNORE INTO agents (name, agent_class, registered_at, last_seen) VALUES (?, 'coder', ?, ?)",
		fromAgent, now, now,
	); err != nil {
		return SendResult{Error: err.Error()}
	}

	contentFile, err := s.Layout.MessageFilePath(toAgent, fromAgent, "", time.Now())
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	if err := fsutil.AtomicWriteFile(contentFile, []byte(message)); err != nil {
		return SendResult{Error: err.Error()}
	}

	result := SendResult{Status: "sent", From: fromAgent, To: toAgent}
	triggersFound, flags := trigger.Scan(message)
	result.Triggers = triggersFound

	err = s.DB.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc) VALUES (?, ?, ?, ?, 0, 0)",
			fromAgent, toAgent, contentFile, now,
		); err != nil {
			return err
		}

		var ccAgents []string
		if cc != "" {
			for _, a := range strings.Split(cc, ",") {
				if a = strings.TrimSpace(a); a != "" {
					ccAgents = append(ccAgents, a)
				}
			}
		}
		lead := store.GetLead(tx)
		hasLead := false
		for _, a := range ccAgents {
			if a == lead {
				hasLead = true
			}
		}
		if lead != "" && fromAgent != lead && toAgent != lead && !hasLead {
			ccAgents = append(ccAgents, lead)
		}

		for _, ccAgent := range ccAgents {
			if ccAgent == toAgent {
				continue
			}
			ccFile, err := s.Layout.MessageFilePath(ccAgent, fromAgent, "cc", time.Now())
			if err != nil {
				return err
			}
			if err := fsutil.AtomicWriteFile(ccFile, []byte(message)); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO messages (from_agent, to_agent, content_file, timestamp, read_flag, is_cc, cc_original_to)
				 VALUES (?, ?, ?, ?, 0, 1, ?)`,
				fromAgent, ccAgent, ccFile, now, toAgent,
			); err != nil {
				return err
			}
		}
		result.CC = ccAgents

		if _, err := tx.Exec("UPDATE agents SET last_seen = ? WHERE name = ?", now, fromAgent); err != nil {
			return err
		}

		for _, flag := range flags {
			if _, err := tx.Exec(
				`INSERT INTO flags (key, value, set_by, set_at) VALUES (?, '1', ?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = '1', set_by = excluded.set_by, set_at = excluded.set_at`,
				flag, fromAgent, now,
			); err != nil {
				return err
			}
		}

		var senderTransport, senderClass string
		_ = tx.QueryRow("SELECT transport, agent_class FROM agents WHERE name = ?", fromAgent).Scan(&senderTransport, &senderClass)
		if senderTransport == auth.TransportTerminal {
			result.Reminder = "Ensure 'minion poll' is running so you don't miss replies."
		}
		if senderClass == "lead" && toAgent != "all" {
			var openTasks int
			_ = tx.QueryRow(
				"SELECT COUNT(*) FROM tasks WHERE assigned_to = ? AND status IN ('open','assigned','in_progress')", toAgent,
			).Scan(&openTasks)
			if openTasks == 0 {
				result.Nudge = fmt.Sprintf("No open task found for %s — create one with `task create`", toAgent)
			}
		}
		return nil
	})
	if err != nil {
		return SendResult{Error: err.Error()}
	}

	if len(message) > 500 && !containsAny(message, fileyPathSignals) {
		result.ArtifactReminder = "Large message without a file path detected. SDLC artifacts should be written to the work tree first, then referenced by path."
	}

	if s.Log != nil {
		s.Log.Emit(obslog.KindSend, map[string]any{"from": fromAgent, "to": toAgent})
		if len(triggersFound) > 0 {
			s.Log.Emit(obslog.KindTrigger, map[string]any{"from": fromAgent, "words": triggersFound})
		}
	}
	return result
}

func containsAny(s string, signals []string) bool {
	for _, sig := range signals {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

// CheckInboxResult is the response to CheckInbox.
type CheckInboxResult struct {
	Messages   []Message
	Warning    string
	HPReminder string
	Error      string
}

// CheckInbox consumes (marks read) every unread direct and broadcast
// message for agentName, returning them in timestamp order.
func (s *Service) CheckInbox(agentName string) CheckInboxResult {
	now := store.NowISO()
	if _, err := s.DB.Exec("UPDATE agents SET last_seen = ?, last_inbox_check = ? WHERE name = ?", now, now, agentName); err != nil {
		return CheckInboxResult{Error: err.Error()}
	}

	var all []Message
	err := s.DB.WithTx(func(tx *sql.Tx) error {
		direct, ids, err := queryMessages(tx, "SELECT id, from_agent, to_agent, content_file, timestamp, is_cc, cc_original_to FROM messages WHERE to_agent = ? AND read_flag = 0", agentName)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
			args := make([]any, len(ids))
			for i, id := range ids {
				args[i] = id
			}
			if _, err := tx.Exec(fmt.Sprintf("UPDATE messages SET read_flag = 1 WHERE id IN (%s)", placeholders), args...); err != nil {
				return err
			}
		}

		broadcast, bids, err := queryMessages(tx,
			`SELECT id, from_agent, to_agent, content_file, timestamp, is_cc, cc_original_to FROM messages
			 WHERE to_agent = 'all' AND id NOT IN (SELECT message_id FROM broadcast_reads WHERE agent_name = ?)`,
			agentName)
		if err != nil {
			return err
		}
		for _, id := range bids {
			if _, err := tx.Exec("INSERT OR IGNORE INTO broadcast_reads (agent_name, message_id, read_at) VALUES (?, ?, ?)", agentName, id, now); err != nil {
				return err
			}
		}

		all = append(direct, broadcast...)
		sort.Slice(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })
		return nil
	})
	if err != nil {
		return CheckInboxResult{Error: err.Error()}
	}

	result := CheckInboxResult{Messages: all}
	if _, msg := s.staleness(agentName); msg != "" {
		result.Warning = strings.TrimPrefix(msg, "BLOCKED: ")
	}

	var transport string
	var hpLimit sql.NullInt64
	if err := s.DB.QueryRow("SELECT transport, hp_tokens_limit FROM agents WHERE name = ?", agentName).Scan(&transport, &hpLimit); err == nil {
		if transport == auth.TransportTerminal && !hpLimit.Valid {
			result.HPReminder = fmt.Sprintf("HP unknown — report with: minion set-context --agent %s --context '...' --hp <0-100>", agentName)
		}
	}
	return result
}

func queryMessages(tx *sql.Tx, query string, arg string) ([]Message, []int64, error) {
	rows, err := tx.Query(query, arg)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var msgs []Message
	var ids []int64
	for rows.Next() {
		var (
			id                  int64
			from, to, contentFile, ts string
			isCC                int
			ccOriginalTo        sql.NullString
		)
		if err := rows.Scan(&id, &from, &to, &contentFile, &ts, &isCC, &ccOriginalTo); err != nil {
			return nil, nil, err
		}
		m := Message{ID: id, From: from, To: to, Timestamp: ts, IsCC: isCC == 1, Content: fsutil.ReadContentFile(contentFile)}
		if ccOriginalTo.Valid {
			m.CCOriginalTo = ccOriginalTo.String
		}
		msgs = append(msgs, m)
		ids = append(ids, id)
	}
	return msgs, ids, nil
}

// GetHistory returns the most recent count messages, oldest first.
func (s *Service) GetHistory(count int) ([]Message, error) {
	rows, err := s.DB.Query(
		"SELECT id, from_agent, to_agent, content_file, timestamp, is_cc, cc_original_to FROM messages ORDER BY timestamp DESC LIMIT ?",
		count,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			id                        int64
			from, to, contentFile, ts string
			isCC                      int
			ccOriginalTo              sql.NullString
		)
		if err := rows.Scan(&id, &from, &to, &contentFile, &ts, &isCC, &ccOriginalTo); err != nil {
			return nil, err
		}
		m := Message{ID: id, From: from, To: to, Timestamp: ts, IsCC: isCC == 1, Content: fsutil.ReadContentFile(contentFile)}
		if ccOriginalTo.Valid {
			m.CCOriginalTo = ccOriginalTo.String
		}
		msgs = append(msgs, m)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PurgeInboxResult is the response to PurgeInbox.
type PurgeInboxResult struct {
	Status              string
	Agent               string
	DeletedDirect       int
	DismissedBroadcasts int
}

// PurgeInbox deletes agentName's direct messages (read or unread) older
// than olderThanHours, and dismisses (without deleting) equally-old
// broadcasts, cleaning up any now-orphaned broadcast_reads rows.
func (s *Service) PurgeInbox(agentName string, olderThanHours int) (PurgeInboxResult, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanHours) * time.Hour).Format(time.RFC3339)
	now := store.NowISO()
	result := PurgeInboxResult{Status: "purged", Agent: agentName}

	err := s.DB.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM messages WHERE to_agent = ? AND timestamp < ?", agentName, cutoff)
		if err != nil {
			return err
		}
		deleted, _ := res.RowsAffected()
		result.DeletedDirect = int(deleted)

		res, err = tx.Exec(
			`INSERT OR IGNORE INTO broadcast_reads (agent_name, message_id, read_at)
			 SELECT ?, id, ? FROM messages WHERE to_agent = 'all' AND timestamp < ?`,
			agentName, now, cutoff,
		)
		if err != nil {
			return err
		}
		dismissed, _ := res.RowsAffected()
		result.DismissedBroadcasts = int(dismissed)

		_, err = tx.Exec(
			`DELETE FROM broadcast_reads WHERE agent_name = ? AND message_id NOT IN (SELECT id FROM messages)`,
			agentName,
		)
		return err
	})
	if err != nil {
		return PurgeInboxResult{}, err
	}
	return result, nil
}
