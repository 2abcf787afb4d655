package daemon

import (
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/contracts"
	"github.com/stretchr/testify/require"
)

func newStreamTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	return &Daemon{Contracts: contracts.New(filepath.Join(t.TempDir(), "docs"))}
}

func TestRenderStreamLineExtractsNestedText(t *testing.T) {
	d := newStreamTestDaemon(t)
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}}`
	rendered, compaction := d.renderStreamLine(line)
	require.Equal(t, "hello world", rendered)
	require.False(t, compaction)
}

func TestRenderStreamLineFallsBackToRawOnInvalidJSON(t *testing.T) {
	d := newStreamTestDaemon(t)
	rendered, _ := d.renderStreamLine("not json at all")
	require.Equal(t, "not json at all\n", rendered)
}

func TestRenderStreamLineRendersErrorType(t *testing.T) {
	d := newStreamTestDaemon(t)
	line := `{"type":"error","message":"boom"}`
	rendered, _ := d.renderStreamLine(line)
	require.Equal(t, "[error] boom\n", rendered)
}

func TestRenderStreamLineDetectsCompactionMarker(t *testing.T) {
	d := newStreamTestDaemon(t)
	line := `{"type":"text","text":"your context window was compacted"}`
	_, compaction := d.renderStreamLine(line)
	require.True(t, compaction)
}

func TestRenderStreamLineIgnoresBlankLine(t *testing.T) {
	d := newStreamTestDaemon(t)
	rendered, compaction := d.renderStreamLine("   \n")
	require.Empty(t, rendered)
	require.False(t, compaction)
}
