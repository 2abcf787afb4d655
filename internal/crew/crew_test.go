package crew

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ai-janitor/minion/internal/auth"
	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/fsutil"
	"github.com/ai-janitor/minion/internal/obslog"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "minion.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	layout := fsutil.Layout{WorkDir: filepath.Join(dir, ".work")}
	require.NoError(t, layout.EnsureDirs())

	a := &auth.Registry{}
	t.Cleanup(a.ResetForTest)
	cs := &comms.Service{DB: db, Layout: layout, Auth: a, Log: obslog.Nop()}
	return &Service{DB: db, Comms: cs}, dbPath
}

func writeCrewFile(t *testing.T, dir string) string {
	t.Helper()
	content := `
name: strike-team
agents:
  - name: lead-1
    class: lead
    provider: claude
    prompt_fragment: "You lead this party."
  - name: coder-1
    class: coder
    provider: claude
    prompt_fragment: "You implement tasks."
`
	path := filepath.Join(dir, "crew.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCrewParsesAgents(t *testing.T) {
	dir := t.TempDir()
	path := writeCrewFile(t, dir)

	c, err := LoadCrew(path)
	require.NoError(t, err)
	require.Equal(t, "strike-team", c.Name)
	require.Len(t, c.Agents, 2)
	require.Equal(t, "lead-1", c.Agents[0].Name)
	require.Equal(t, "lead", c.Agents[0].Class)
}

func TestSpawnPartyRegistersAgentsAndClearsFlags(t *testing.T) {
	s, dbPath := newService(t)
	dir := t.TempDir()
	c, err := LoadCrew(writeCrewFile(t, dir))
	require.NoError(t, err)

	now := store.NowISO()
	_, err = s.DB.Exec("INSERT INTO flags (key, value, set_by, set_at) VALUES ('stand_down', '1', 'lead-1', ?)", now)
	require.NoError(t, err)
	_, err = s.DB.Exec("INSERT INTO agent_retire (agent_name, set_by, set_at) VALUES ('coder-1', 'lead-1', ?)", now)
	require.NoError(t, err)

	got := s.SpawnParty(c, Mission{Name: "op-1", Brief: "ship it"}, dbPath)
	require.Equal(t, "spawned", got.Status)
	require.ElementsMatch(t, []string{"lead-1", "coder-1"}, got.Registered)
	require.Len(t, got.Plans, 2)

	var standDown string
	require.NoError(t, s.DB.QueryRow("SELECT value FROM flags WHERE key = 'stand_down'").Scan(&standDown))
	require.Equal(t, "0", standDown)

	var count int
	require.NoError(t, s.DB.QueryRow("SELECT COUNT(*) FROM agent_retire WHERE agent_name = 'coder-1'").Scan(&count))
	require.Equal(t, 0, count)

	who, err := s.Comms.Who()
	require.NoError(t, err)
	require.Len(t, who, 2)
}

func TestSpawnPartyPlansCarryDBPathAndClassEnv(t *testing.T) {
	s, dbPath := newService(t)
	dir := t.TempDir()
	c, err := LoadCrew(writeCrewFile(t, dir))
	require.NoError(t, err)

	got := s.SpawnParty(c, Mission{}, dbPath)
	require.Equal(t, "spawned", got.Status)
	require.Equal(t, dbPath, got.Plans[0].Env["MINION_DB_PATH"])
	require.Equal(t, "lead", got.Plans[0].Env["MINION_CLASS"])
}

func TestSpawnPartyReportsInvalidAgentClassWithoutFailingWholeParty(t *testing.T) {
	s, dbPath := newService(t)
	dir := t.TempDir()
	content := `
name: broken
agents:
  - name: ghost-1
    class: not-a-real-class
`
	path := filepath.Join(dir, "crew.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	c, err := LoadCrew(path)
	require.NoError(t, err)

	got := s.SpawnParty(c, Mission{}, dbPath)
	require.Equal(t, "partial", got.Status)
	require.NotEmpty(t, got.Errors)
	require.Empty(t, got.Registered)
}
