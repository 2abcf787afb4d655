// Package flow implements C3: YAML-defined per-flow task/requirement DAGs,
// with inheritance, validation, and a small pure query API. Grounded on
// original_source/tasks/{loader.py,_schema.py}.
package flow

import "fmt"

// Stage is one node of a Flow's DAG.
type Stage struct {
	Name            string
	Description     string
	Next            string
	Fail            string
	AltNext         string
	Workers         []string // nil means "current assignee continues"
	Requires        []string // gate names checked on entry
	Terminal        bool
	Skip            bool
	Parked          bool
	Spawns          string
	Protocol        string
	Context         string
	ContextTemplate string
}

// Flow is a named DAG of stages, already inheritance-resolved and
// validated.
type Flow struct {
	Name        string
	Description string
	Stages      map[string]*Stage
	Order       []string // stage names in lexical order (see build), for render_dag / list_flows stability
	DeadEnds    map[string]bool
}

// ValidTransitions returns the set of stages reachable in one hop from
// current: {next, fail, alt_next} intersected with known stages.
func (f *Flow) ValidTransitions(current string) map[string]bool {
	out := map[string]bool{}
	st, ok := f.Stages[current]
	if !ok {
		return out
	}
	for _, candidate := range []string{st.Next, st.Fail, st.AltNext} {
		if candidate == "" {
			continue
		}
		if _, known := f.Stages[candidate]; known {
			out[candidate] = true
		}
	}
	return out
}

// NextStatus returns the stage next-status.Next if passed, else Fail.
// Returns "" if the target is not a known stage or not set.
func (f *Flow) NextStatus(current string, passed bool) string {
	st, ok := f.Stages[current]
	if !ok {
		return ""
	}
	if passed {
		return st.Next
	}
	return st.Fail
}

// WorkersFor returns the eligible classes for a stage, or nil meaning "the
// current assignee continues". classRequired is consulted only to allow a
// flow-level override in the future; today it's informational.
func (f *Flow) WorkersFor(stage, classRequired string) []string {
	st, ok := f.Stages[stage]
	if !ok || len(st.Workers) == 0 {
		return nil
	}
	return st.Workers
}

// IsTerminal reports whether stage is terminal (including flow-level dead
// ends) or unknown (treated as terminal defensively — an unknown stage can
// never be advanced out of).
func (f *Flow) IsTerminal(stage string) bool {
	if f.DeadEnds[stage] {
		return true
	}
	st, ok := f.Stages[stage]
	if !ok {
		return true
	}
	return st.Terminal
}

// ActiveStatuses returns the non-terminal, non-parked, non-dead-end
// stages — what agents actively work on. Grounded on
// original_source/.../flow_bridge.py::active_statuses.
func (f *Flow) ActiveStatuses() []string {
	var out []string
	for _, name := range f.Order {
		st := f.Stages[name]
		if st.Terminal || st.Parked || f.DeadEnds[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// StageNames returns a copy of Order, the stage list in lexical order.
func (f *Flow) StageNames() []string {
	out := make([]string, len(f.Order))
	copy(out, f.Order)
	return out
}

// RenderDAG renders a human-readable stage list with a cursor marker at
// current.
func (f *Flow) RenderDAG(current string) string {
	out := fmt.Sprintf("flow %q:\n", f.Name)
	for _, name := range f.Order {
		st := f.Stages[name]
		marker := "  "
		if name == current {
			marker = "->"
		}
		terminal := ""
		if st.Terminal {
			terminal = " [terminal]"
		}
		next := st.Next
		if next == "" {
			next = "-"
		}
		out += fmt.Sprintf("%s %-24s next=%s%s\n", marker, name, next, terminal)
	}
	return out
}
