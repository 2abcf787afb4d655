package contracts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetFallsBackToHardCodedDefault(t *testing.T) {
	s := New(t.TempDir())
	c := s.Get(BootSequence)
	require.Equal(t, defaults[BootSequence]["body"], c["body"])
}

func TestGetPrefersFileOverDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "contracts"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "contracts", BootSequence+".json"),
		[]byte(`{"body": "custom boot sequence"}`),
		0o644,
	))

	s := New(dir)
	require.Equal(t, "custom boot sequence", s.BootSequenceBody())
}

func TestGetFallsBackOnInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "contracts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contracts", DaemonRules+".json"), []byte("not json"), 0o644))

	s := New(dir)
	require.Equal(t, defaults[DaemonRules]["body"], s.DaemonRulesBody())
}

func TestSubstringMarkersDefaultsWhenMissing(t *testing.T) {
	s := New(t.TempDir())
	markers := s.SubstringMarkers()
	require.Contains(t, markers, "context window")
}

func TestContainsCompactionMarkerIsCaseInsensitive(t *testing.T) {
	s := New(t.TempDir())
	require.True(t, s.ContainsCompactionMarker("The CONTEXT WINDOW limit was reached"))
	require.False(t, s.ContainsCompactionMarker("everything is fine"))
}

func TestWatchInvalidatesCacheOnFileChange(t *testing.T) {
	dir := t.TempDir()
	contractsDir := filepath.Join(dir, "contracts")
	require.NoError(t, os.MkdirAll(contractsDir, 0o755))

	s := New(dir)
	require.Equal(t, defaults[DaemonRules]["body"], s.DaemonRulesBody())

	require.NoError(t, s.Watch())
	t.Cleanup(s.Stop)

	path := filepath.Join(contractsDir, DaemonRules+".json")
	require.NoError(t, os.WriteFile(path, []byte(`{"body": "hot reloaded rules"}`), 0o644))

	require.Eventually(t, func() bool {
		return s.DaemonRulesBody() == "hot reloaded rules"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMaxConsoleStreamCharsDefault(t *testing.T) {
	s := New(t.TempDir())
	require.Equal(t, 12000, s.MaxConsoleStreamChars())
}

func TestInboxHeaderAndFormatDefaults(t *testing.T) {
	s := New(t.TempDir())
	header, format := s.InboxHeaderAndFormat()
	require.NotEmpty(t, header)
	require.NotEmpty(t, format)
}
