package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var sitrepCmd = &cobra.Command{
	Use:   "sitrep",
	Short: "fleet-wide situation report: agents, active tasks, claims, flags, comms",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result, err := svc.monitor.Sitrep()
		if err != nil {
			return err
		}
		return emit(result, "")
	},
}

var partyStatusCmd = &cobra.Command{
	Use:   "party-status",
	Short: "per-agent status, open tasks and claimed files",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result, err := svc.monitor.PartyStatus()
		if err != nil {
			return err
		}
		return emit(result, "")
	},
}

var checkActivityCmd = &cobra.Command{
	Use:   "check-activity",
	Short: "judge whether an agent looks alive, idle or stuck",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.monitor.CheckActivity(agentName)
		return emit(result, result.Error)
	},
}

var checkFreshnessFiles string

var checkFreshnessCmd = &cobra.Command{
	Use:   "check-freshness",
	Short: "report which files were modified after an agent's last context update",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		var files []string
		if checkFreshnessFiles != "" {
			files = strings.Split(checkFreshnessFiles, ",")
		}
		result := svc.monitor.CheckFreshness(agentName, files)
		return emit(result, result.Error)
	},
}

func init() {
	checkActivityCmd.Flags().StringVar(&agentName, "agent", "", "agent to check")
	checkActivityCmd.MarkFlagRequired("agent")

	checkFreshnessCmd.Flags().StringVar(&agentName, "agent", "", "agent to check against")
	checkFreshnessCmd.Flags().StringVar(&checkFreshnessFiles, "files", "", "comma-separated file paths")
	checkFreshnessCmd.MarkFlagRequired("agent")
	checkFreshnessCmd.MarkFlagRequired("files")
}
