package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion/internal/config"
	"github.com/ai-janitor/minion/internal/crew"
)

var (
	spawnCrewName    string
	spawnAgentsCSV   string
	spawnRuntime     string
	spawnMissionFile string
)

var spawnPartyCmd = &cobra.Command{
	Use:   "spawn-party",
	Short: "register a crew's agents and return their per-agent spawn plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		crewPath, err := resolveCrewPath(spawnCrewName)
		if err != nil {
			return err
		}
		c, err := crew.LoadCrew(crewPath)
		if err != nil {
			return err
		}
		if spawnAgentsCSV != "" {
			c.Agents = filterAgents(c.Agents, strings.Split(spawnAgentsCSV, ","))
		}

		var m crew.Mission
		if spawnMissionFile != "" {
			m, err = crew.LoadMission(spawnMissionFile)
			if err != nil {
				return err
			}
		}

		if spawnRuntime == "ts" {
			os.Setenv(config.EnvTSDaemonDir, config.ResolveTSDaemonDir())
		}

		result := svc.crew.SpawnParty(c, m, svc.db.Path)
		return emit(result, "")
	},
}

// resolveCrewPath treats --crew as a direct file path when it names an
// existing file, and otherwise as a bare crew name looked up as
// <project>/crews/<name>.yaml, matching the mission-template convention
// of a project-local config directory (config.ResolveMissionsDir's
// sibling).
func resolveCrewPath(nameOrPath string) (string, error) {
	if nameOrPath == "" {
		return "", fmt.Errorf("--crew required")
	}
	if _, err := os.Stat(nameOrPath); err == nil {
		return nameOrPath, nil
	}
	candidate := filepath.Join(config.ProjectDir(), "crews", nameOrPath+".yaml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", fmt.Errorf("crew %q not found as a file or under %s", nameOrPath, filepath.Join(config.ProjectDir(), "crews"))
}

func filterAgents(agents []crew.AgentSpec, names []string) []crew.AgentSpec {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	var out []crew.AgentSpec
	for _, a := range agents {
		if want[a.Name] {
			out = append(out, a)
		}
	}
	return out
}

var standDownSetBy string

var standDownCmd = &cobra.Command{
	Use:   "stand-down",
	Short: "raise the fleet-wide stand_down flag; every polling agent exits on its next check",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.crew.StandDown(standDownSetBy)
		return emit(result, result.Error)
	},
}

var resumeSetBy string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "clear the fleet-wide stand_down flag",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.crew.Resume(resumeSetBy)
		return emit(result, result.Error)
	},
}

var retireAgentSetBy string

var retireAgentCmd = &cobra.Command{
	Use:   "retire-agent",
	Short: "mark one agent to be told to retire on its next poll",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.crew.RetireAgent(agentName, retireAgentSetBy)
		return emit(result, result.Error)
	},
}

var interruptSetBy string

var interruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "ask the daemon driving an agent to stop its current invocation",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.crew.Interrupt(agentName, interruptSetBy)
		return emit(result, result.Error)
	},
}

func init() {
	spawnPartyCmd.Flags().StringVar(&spawnCrewName, "crew", "", "crew name or path to a crew YAML file")
	spawnPartyCmd.Flags().StringVar(&spawnAgentsCSV, "agents", "", "comma-separated subset of the crew's agent names")
	spawnPartyCmd.Flags().StringVar(&spawnRuntime, "runtime", "", "python|ts (default: python)")
	spawnPartyCmd.Flags().StringVar(&spawnMissionFile, "mission", "", "path to a mission template YAML file")
	spawnPartyCmd.MarkFlagRequired("crew")

	standDownCmd.Flags().StringVar(&standDownSetBy, "agent", "", "calling agent name")
	resumeCmd.Flags().StringVar(&resumeSetBy, "agent", "", "calling agent name")

	retireAgentCmd.Flags().StringVar(&agentName, "agent", "", "agent to retire")
	retireAgentCmd.Flags().StringVar(&retireAgentSetBy, "set-by", "", "calling agent name")
	retireAgentCmd.MarkFlagRequired("agent")

	interruptCmd.Flags().StringVar(&agentName, "agent", "", "agent to interrupt")
	interruptCmd.Flags().StringVar(&interruptSetBy, "set-by", "", "calling agent name")
	interruptCmd.MarkFlagRequired("agent")
}
