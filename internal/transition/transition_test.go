package transition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/flow"
	"github.com/ai-janitor/minion/internal/gate"
	"github.com/stretchr/testify/require"
)

func bugfixFlow(t *testing.T) *flow.Flow {
	t.Helper()
	reg := flow.NewRegistry("", "")
	f, err := reg.Get("bugfix")
	require.NoError(t, err)
	return f
}

func TestResolveNextFollowsPassFail(t *testing.T) {
	f := bugfixFlow(t)

	got := ResolveNext(f, "in_progress", true, "")
	require.True(t, got.Success)
	require.Equal(t, "fixed", got.ToStatus)

	got = ResolveNext(f, "in_progress", false, "")
	require.True(t, got.Success)
	require.Equal(t, "blocked", got.ToStatus)
}

func TestResolveNextRejectsTerminal(t *testing.T) {
	f := bugfixFlow(t)
	got := ResolveNext(f, "closed", true, "")
	require.False(t, got.Success)
	require.Contains(t, got.Error, "terminal")
}

func TestResolveNextExplicitTargetMustBeValid(t *testing.T) {
	f := bugfixFlow(t)

	got := ResolveNext(f, "in_progress", true, "blocked")
	require.True(t, got.Success)
	require.Equal(t, "blocked", got.ToStatus)

	got = ResolveNext(f, "in_progress", true, "closed")
	require.False(t, got.Success)
	require.Contains(t, got.Error, "not a valid transition")
}

func TestApplyRunsGatesAndReportsEligibleWorkers(t *testing.T) {
	f := bugfixFlow(t)
	dir := t.TempDir()

	// "fixed" stage has no `requires` in the bundled default, so Apply
	// should succeed with no gate failures and report the oracle worker.
	result := Apply(Input{
		Flow: f, CurrentStatus: "in_progress", Passed: true,
		GateContext: gate.Context{ContextDir: dir},
	})
	require.True(t, result.Success)
	require.Equal(t, "fixed", result.ToStatus)
}

func TestApplyFailsWhenGateUnsatisfied(t *testing.T) {
	// Build a tiny in-memory flow whose target stage requires a file gate.
	f := &flow.Flow{
		Name: "gated",
		Stages: map[string]*flow.Stage{
			"open": {Name: "open", Next: "done"},
			"done": {Name: "done", Terminal: true, Requires: []string{"RESULTS.md"}},
		},
		Order: []string{"open", "done"},
	}
	dir := t.TempDir()

	result := Apply(Input{
		Flow: f, CurrentStatus: "open", Passed: true,
		GateContext: gate.Context{ContextDir: dir},
	})
	require.False(t, result.Success)
	require.Len(t, result.GateFailures, 1)
	require.Contains(t, result.Error, "gate check failed")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "RESULTS.md"), []byte("done"), 0o644))

	result = Apply(Input{
		Flow: f, CurrentStatus: "open", Passed: true,
		GateContext: gate.Context{ContextDir: dir},
	})
	require.True(t, result.Success)
	require.Equal(t, "done", result.ToStatus)
}
