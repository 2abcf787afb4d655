package daemon

import (
	"fmt"
	"strings"
)

// buildBootPrompt assembles the first invocation's prompt: role framing,
// the boot-sequence and daemon-rules contracts, and the agent's own
// prompt fragment. Grounded on
// original_source/daemon/runner/_prompts.py::_build_boot_prompt.
func (d *Daemon) buildBootPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, class %s.\n\n", d.Agent.Name, d.Agent.Class)
	if d.Agent.PromptFragment != "" {
		b.WriteString(d.Agent.PromptFragment)
		b.WriteString("\n\n")
	}
	b.WriteString("ON STARTUP\n")
	b.WriteString(d.Contracts.BootSequenceBody())
	b.WriteString("\n\n")
	b.WriteString("RULES\n")
	b.WriteString(d.Contracts.DaemonRulesBody())
	b.WriteString("\n")
	return b.String()
}

// buildInboxPrompt assembles a turn's prompt from already-fetched poll
// data (messages + claimable tasks), so the agent never has to re-poll
// inside its own turn. When a compaction was just detected, the rolling
// history buffer's snapshot is re-injected once. Grounded on
// original_source/daemon/runner/_prompts.py::_build_inbox_prompt.
func (d *Daemon) buildInboxPrompt(data pollData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, class %s.\n\n", d.Agent.Name, d.Agent.Class)

	if d.injectHistoryNextTurn && d.buffer.Len() > 0 {
		b.WriteString("RECENT HISTORY (context was compacted; this is what you were doing)\n")
		b.WriteString(d.buffer.Snapshot())
		b.WriteString("\n\n")
		d.injectHistoryNextTurn = false
	}

	header, format := d.Contracts.InboxHeaderAndFormat()
	if len(data.Messages) > 0 {
		b.WriteString(header)
		b.WriteString("\n")
		for _, m := range data.Messages {
			fmt.Fprintf(&b, format+"\n", m.Timestamp, m.From, m.Content)
		}
		b.WriteString("\n")
	}

	if len(data.Tasks) > 0 {
		b.WriteString("CLAIMABLE TASKS\n")
		for _, t := range data.Tasks {
			fmt.Fprintf(&b, "- #%d %s (%s): %s\n", t.TaskID, t.Title, t.Status, t.ClaimCmd)
		}
		b.WriteString("\n")
	}

	b.WriteString("RULES\n")
	b.WriteString(d.Contracts.DaemonRulesBody())
	b.WriteString("\n")
	return b.String()
}
