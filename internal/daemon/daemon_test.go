package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/contracts"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/poll"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T, agentName, class string, command []string) *Daemon {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "minion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	layout := fsutil.Layout{WorkDir: filepath.Join(dir, ".work")}
	require.NoError(t, layout.EnsureDirs())

	a := &auth.Registry{}
	t.Cleanup(a.ResetForTest)

	docsDir := filepath.Join(dir, "docs")
	cs := &comms.Service{DB: db, Layout: layout, Auth: a, Log: obslog.Nop(), DocsDir: docsDir}
	require.Empty(t, cs.Register("lead-1", "lead", "", "", auth.TransportTerminal).Error)
	require.Empty(t, cs.Register(agentName, class, "", "", auth.TransportTerminal).Error)

	pollSvc := &poll.Service{DB: db, Layout: layout, Auth: a, Comms: cs, Log: obslog.Nop(), Sleep: func(time.Duration) {}}
	contractsSvc := contracts.New(docsDir)

	cfg := Config{
		ProjectDir: dir,
		DocsDir:    docsDir,
		DBPath:     filepath.Join(dir, "minion.db"),
		StateDir:   filepath.Join(dir, "state"),
		LogsDir:    filepath.Join(dir, "logs"),
	}
	agentCfg := AgentConfig{
		Name:             agentName,
		Class:            class,
		Model:            "test-model",
		Command:          command,
		MaxHistoryTokens: 1000,
		NoOutputTimeout:  2 * time.Second,
		RetryBackoff:     10 * time.Millisecond,
		RetryBackoffMax:  50 * time.Millisecond,
	}
	return New(db, layout, contractsSvc, pollSvc, cs, obslog.Nop(), cfg, agentCfg)
}

func TestNewLoadsResumeReadyFalseWhenNoStateFile(t *testing.T) {
	d := newTestDaemon(t, "coder-1", "coder", []string{"true"})
	require.False(t, d.resumeReady)
}

// TestRunExitsCleanlyWhenIdleAndCancelled drives a full generation with a
// no-op agent command and no pending work: the daemon boots, then idles
// in its poll loop until the context is cancelled, at which point Run
// must return and leave a state file behind.
func TestRunExitsCleanlyWhenIdleAndCancelled(t *testing.T) {
	d := newTestDaemon(t, "coder-1", "coder", []string{"sh", "-c", "echo hi"})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not return after context cancellation")
	}

	b, err := os.ReadFile(d.statePath())
	require.NoError(t, err)
	require.NotEmpty(t, b)
}

// TestRunRespawnsOnPhoenixDown seeds a claimable task so the daemon runs
// a real turn (not just the boot invocation), and makes that turn report
// near-total context usage via a result-event JSON line. The daemon must
// detect the exhausted context, alert, and start a second generation.
func TestRunRespawnsOnPhoenixDown(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	script := `
c=$(cat ` + counter + ` 2>/dev/null || echo 0)
c=$((c+1))
echo $c > ` + counter + `
if [ "$c" = "1" ]; then
  echo '{"type":"result","modelUsage":{"test-model":{"inputTokens":500,"outputTokens":10,"contextWindow":200000}},"note":"tokens"}'
else
  echo '{"type":"result","modelUsage":{"test-model":{"inputTokens":199000,"outputTokens":10,"contextWindow":200000}},"note":"tokens"}'
fi
`
	d := newTestDaemon(t, "coder-1", "coder", []string{"sh", "-c", script})

	_, err := d.DB.Exec(
		"INSERT INTO tasks (title, status, class_required, created_by, created_at, updated_at) VALUES ('fix it', 'open', 'coder', 'lead-1', ?, ?)",
		store.NowISO(), store.NowISO(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not return after context cancellation")
	}

	require.GreaterOrEqual(t, d.generation, 2, "expected at least one respawn after context exhaustion")
}
