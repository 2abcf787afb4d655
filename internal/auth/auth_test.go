package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func freshRegistry(t *testing.T) *Registry {
	t.Helper()
	r := &Registry{}
	t.Cleanup(r.ResetForTest)
	return r
}

func TestDefaultClassesFallback(t *testing.T) {
	r := freshRegistry(t)
	require.True(t, r.IsValidClass("lead"))
	require.True(t, r.IsValidClass("coder"))
	require.False(t, r.IsValidClass("nonexistent"))
	require.Equal(t, 900, r.StalenessThreshold("lead"))
	require.Equal(t, 300, r.StalenessThreshold("coder"))
	require.Equal(t, 1800, r.StalenessThreshold("oracle"))
	require.True(t, r.HasCapability("oracle", CapReview))
	require.False(t, r.HasCapability("coder", CapReview))
}

func TestLoadFromFileRejectsUnknownCapability(t *testing.T) {
	r := freshRegistry(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "classes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capabilities: ["code"]
classes:
  coder:
    capabilities: ["fly"]
`), 0o644))
	err := r.LoadFromFile(path)
	require.Error(t, err)
}

func TestLoadFromFileValid(t *testing.T) {
	r := freshRegistry(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "classes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capabilities: ["code", "review"]
classes:
  coder:
    capabilities: ["code"]
    staleness_seconds: 120
  oracle:
    capabilities: ["review"]
    models: ["claude-opus"]
`), 0o644))
	require.NoError(t, r.LoadFromFile(path))
	require.Equal(t, 120, r.StalenessThreshold("coder"))
	require.True(t, r.ModelAllowed("oracle", "claude-opus"))
	require.False(t, r.ModelAllowed("oracle", "gpt-4"))
	require.ElementsMatch(t, []string{"oracle"}, r.ClassesWith(CapReview))
}

func TestValidTransport(t *testing.T) {
	require.True(t, ValidTransport(TransportTerminal))
	require.True(t, ValidTransport(TransportDaemon))
	require.False(t, ValidTransport("ssh"))
}
