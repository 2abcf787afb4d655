package obslog

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitAppendsJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	l.Emit(KindAgentRegister, map[string]any{"agent": "coder-1"})
	l.Emit(KindHPAlert, map[string]any{"agent": "coder-1", "pct": 10})
	require.NoError(t, l.Close())

	f, err := os.Open(filepath.Join(dir, "logs", "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"kind":"agent.register"`)
	require.Contains(t, lines[1], `"kind":"hp.alert"`)
}

func TestNopDiscardsSilently(t *testing.T) {
	l := Nop()
	require.NotPanics(t, func() {
		l.Emit(KindSend, map[string]any{"x": 1})
		require.NoError(t, l.Close())
	})
}
