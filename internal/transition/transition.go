// Package transition implements C5: the single pure entry point every DAG
// status change flows through. It resolves the next stage, checks that
// stage's gates, and reports eligible worker classes — it never writes to
// the store itself, leaving the actual row UPDATE to the caller. Grounded
// on original_source/tasks/engine.py.
package transition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ai-janitor/minion/internal/flow"
	"github.com/ai-janitor/minion/internal/gate"
)

// Result is the outcome of one transition attempt.
type Result struct {
	Success         bool
	FromStatus      string
	ToStatus        string
	EligibleClasses []string // nil means "current assignee continues"
	GateFailures    []gate.Result
	Error           string
}

// ResolveNext determines the next status without checking gates or
// applying it. If explicitTarget is non-empty it overrides the flow's
// pass/fail transition (used for alt_next or dead-end escapes).
func ResolveNext(f *flow.Flow, currentStatus string, passed bool, explicitTarget string) Result {
	if f.IsTerminal(currentStatus) {
		return Result{FromStatus: currentStatus, Error: fmt.Sprintf("%q is a terminal stage, no transitions allowed", currentStatus)}
	}

	valid := f.ValidTransitions(currentStatus)
	if len(valid) == 0 {
		return Result{FromStatus: currentStatus, Error: fmt.Sprintf("no valid transitions from %q", currentStatus)}
	}

	if explicitTarget != "" {
		if !valid[explicitTarget] {
			names := make([]string, 0, len(valid))
			for n := range valid {
				names = append(names, n)
			}
			sort.Strings(names)
			return Result{
				FromStatus: currentStatus, ToStatus: explicitTarget,
				Error: fmt.Sprintf("%q is not a valid transition from %q; valid: %s", explicitTarget, currentStatus, strings.Join(names, ", ")),
			}
		}
		return Result{Success: true, FromStatus: currentStatus, ToStatus: explicitTarget}
	}

	toStatus := f.NextStatus(currentStatus, passed)
	if toStatus == "" {
		verb := "pass"
		if !passed {
			verb = "fail"
		}
		return Result{FromStatus: currentStatus, Error: fmt.Sprintf("no %s transition from %q", verb, currentStatus)}
	}
	return Result{Success: true, FromStatus: currentStatus, ToStatus: toStatus}
}

// CheckGates resolves every gate required by toStatus.
func CheckGates(f *flow.Flow, toStatus string, ctx gate.Context) []gate.Result {
	st, ok := f.Stages[toStatus]
	if !ok || len(st.Requires) == 0 {
		return nil
	}
	return gate.CheckAll(st.Requires, ctx)
}

// EligibleWorkers returns which agent classes may work the target stage.
// nil means "current assignee continues".
func EligibleWorkers(f *flow.Flow, toStatus, classRequired string) []string {
	return f.WorkersFor(toStatus, classRequired)
}

// Input bundles everything Apply needs to run the full pipeline.
type Input struct {
	Flow           *flow.Flow
	CurrentStatus  string
	ClassRequired  string
	Passed         bool
	ExplicitTarget string
	GateContext    gate.Context
}

// Apply runs the full transition pipeline: resolve, gate-check, report
// eligible workers. It performs no store writes — the caller applies
// Result.ToStatus to the entity's row itself, inside its own transaction,
// only after Result.Success is true.
func Apply(in Input) Result {
	result := ResolveNext(in.Flow, in.CurrentStatus, in.Passed, in.ExplicitTarget)
	if !result.Success {
		return result
	}

	gateResults := CheckGates(in.Flow, result.ToStatus, in.GateContext)
	if len(gateResults) > 0 && !gate.AllPass(gateResults) {
		var failures []gate.Result
		var messages []string
		for _, g := range gateResults {
			if !g.Passed {
				failures = append(failures, g)
				messages = append(messages, g.Message)
			}
		}
		return Result{
			FromStatus:   result.FromStatus,
			ToStatus:     result.ToStatus,
			GateFailures: failures,
			Error:        fmt.Sprintf("gate check failed: %s", strings.Join(messages, "; ")),
		}
	}

	eligible := EligibleWorkers(in.Flow, result.ToStatus, in.ClassRequired)
	return Result{
		Success: true, FromStatus: result.FromStatus, ToStatus: result.ToStatus,
		EligibleClasses: eligible,
	}
}
