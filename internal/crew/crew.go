// Package crew implements the party/crew spawn interface (spec.md
// §4.12): crew YAML and mission templates are external configuration;
// the core's job is parsing them, doing the Store-side bookkeeping a
// party spawn requires (register every agent, clear stand_down and
// per-agent retire markers), and handing back a spawn plan — the actual
// OS process launch, pane layout, and window placement stay external.
// Adapted from the registry/active-tracking shape of the teacher's
// internal/session/spawner.go, repurposed from in-process subagent
// spawning to this package's external-process bookkeeping contract.
package crew

import (
	"fmt"
	"os"

	"github.com/ai-janitor/minion/internal/comms"
	"github.com/ai-janitor/minion/internal/config"
	"github.com/ai-janitor/minion/internal/store"
	"github.com/ai-janitor/minion/internal/trigger"
	"gopkg.in/yaml.v3"
)

// AgentSpec is one crew-member entry: who to spawn, what class/provider,
// and the prompt fragment that makes them distinct from a generic agent
// of their class.
type AgentSpec struct {
	Name           string `yaml:"name"`
	Class          string `yaml:"class"`
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	PromptFragment string `yaml:"prompt_fragment"`
}

// Crew is a parsed crew YAML document: the set of agents a party spawn
// should bring up together.
type Crew struct {
	Name   string      `yaml:"name"`
	Agents []AgentSpec `yaml:"agents"`
}

// LoadCrew parses a crew YAML file.
func LoadCrew(path string) (Crew, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Crew{}, fmt.Errorf("load crew %s: %w", path, err)
	}
	var c Crew
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Crew{}, fmt.Errorf("parse crew %s: %w", path, err)
	}
	return c, nil
}

// Mission is a parsed mission template: free-form fields merged into
// each spawned agent's boot prompt alongside its own PromptFragment.
type Mission struct {
	Name   string         `yaml:"name"`
	Brief  string         `yaml:"brief"`
	Extras map[string]any `yaml:"extras"`
}

// LoadMission parses a mission template YAML file.
func LoadMission(path string) (Mission, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Mission{}, fmt.Errorf("load mission %s: %w", path, err)
	}
	var m Mission
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Mission{}, fmt.Errorf("parse mission %s: %w", path, err)
	}
	return m, nil
}

// Service bundles the dependencies SpawnParty needs.
type Service struct {
	DB    *store.DB
	Comms *comms.Service
}

// SpawnPlan is one agent's half of the contract with the external
// process launcher: the environment it needs so its daemon process finds
// the same DB and asserts the right class, plus the prompt material the
// launcher's invocation should feed it on boot.
type SpawnPlan struct {
	Agent          AgentSpec
	Env            map[string]string
	PromptFragment string
	MissionBrief   string
}

// SpawnPartyResult is the outcome of SpawnParty.
type SpawnPartyResult struct {
	Status     string
	Registered []string
	Plans      []SpawnPlan
	Errors     []string
}

// SpawnParty registers every crew agent in the Store (idempotent — an
// already-registered agent is simply updated, matching comms.Register's
// own upsert), clears the fleet-wide stand_down flag and each named
// agent's retire marker, and returns a spawn plan per agent. It does not
// launch any process: that is explicitly external per spec.md §4.12.
func (s *Service) SpawnParty(c Crew, m Mission, dbPath string) SpawnPartyResult {
	var result SpawnPartyResult
	for _, agent := range c.Agents {
		reg := s.Comms.Register(agent.Name, agent.Class, agent.Model, "", "daemon")
		if reg.Error != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", agent.Name, reg.Error))
			continue
		}
		result.Registered = append(result.Registered, agent.Name)

		if _, err := s.DB.Exec("DELETE FROM agent_retire WHERE agent_name = ?", agent.Name); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: clear retire marker: %s", agent.Name, err))
		}

		result.Plans = append(result.Plans, SpawnPlan{
			Agent: agent,
			Env: map[string]string{
				config.EnvDBPath: dbPath,
				config.EnvClass:  agent.Class,
			},
			PromptFragment: agent.PromptFragment,
			MissionBrief:   m.Brief,
		})
	}

	now := store.NowISO()
	if _, err := s.DB.Exec(
		`INSERT INTO flags (key, value, set_by, set_at) VALUES (?, '0', 'party-spawn', ?)
		 ON CONFLICT(key) DO UPDATE SET value='0', set_by='party-spawn', set_at=?`,
		trigger.FlagStandDown, now, now,
	); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("clear stand_down: %s", err))
	}

	if len(result.Errors) == 0 {
		result.Status = "spawned"
	} else {
		result.Status = "partial"
	}
	return result
}

// SignalResult is the outcome of a fleet-wide or per-agent signal write
// (StandDown, RetireAgent, Interrupt, Resume).
type SignalResult struct {
	Status string
	Agent  string `json:",omitempty"`
	Error  string `json:",omitempty"`
}

// StandDown raises the fleet-wide stand_down flag that poll.Service's
// checkSignal reads on every loop iteration, telling every polling agent
// to exit rather than claim new work.
func (s *Service) StandDown(setBy string) SignalResult {
	now := store.NowISO()
	if _, err := s.DB.Exec(
		`INSERT INTO flags (key, value, set_by, set_at) VALUES (?, '1', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value='1', set_by=?, set_at=?`,
		trigger.FlagStandDown, setBy, now, setBy, now,
	); err != nil {
		return SignalResult{Status: "error", Error: err.Error()}
	}
	return SignalResult{Status: "stand_down set"}
}

// Resume clears the fleet-wide stand_down flag, letting poll.Service's
// checkSignal stop reporting it.
func (s *Service) Resume(setBy string) SignalResult {
	now := store.NowISO()
	if _, err := s.DB.Exec(
		`INSERT INTO flags (key, value, set_by, set_at) VALUES (?, '0', ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value='0', set_by=?, set_at=?`,
		trigger.FlagStandDown, setBy, now, setBy, now,
	); err != nil {
		return SignalResult{Status: "error", Error: err.Error()}
	}
	return SignalResult{Status: "resumed"}
}

// RetireAgent marks one agent for retirement; poll.Service's checkSignal
// reports "retire" to that agent's next poll and nothing else.
func (s *Service) RetireAgent(agentName, setBy string) SignalResult {
	now := store.NowISO()
	if _, err := s.DB.Exec(
		`INSERT INTO agent_retire (agent_name, set_by, set_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_name) DO UPDATE SET set_by=?, set_at=?`,
		agentName, setBy, now, setBy, now,
	); err != nil {
		return SignalResult{Status: "error", Agent: agentName, Error: err.Error()}
	}
	return SignalResult{Status: "retire set", Agent: agentName}
}

// Interrupt asks the daemon driving agentName to stop its current
// invocation at the next safe point; internal/daemon's checkInterrupt
// reads and clears this same row.
func (s *Service) Interrupt(agentName, setBy string) SignalResult {
	now := store.NowISO()
	if _, err := s.DB.Exec(
		`INSERT INTO agent_interrupt (agent_name, set_by, set_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_name) DO UPDATE SET set_by=?, set_at=?`,
		agentName, setBy, now, setBy, now,
	); err != nil {
		return SignalResult{Status: "error", Agent: agentName, Error: err.Error()}
	}
	return SignalResult{Status: "interrupt set", Agent: agentName}
}
