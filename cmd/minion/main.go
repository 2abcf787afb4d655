// Package main implements the minion CLI — the external interface (spec.md
// §6) onto the fleet-coordination core: every internal/* service is opened
// fresh per invocation and closed before exit, matching the original's
// per-call connection discipline (spec.md §5).
//
// This file is the entry point and command registration hub; subcommands
// are split across cmd_*.go by the component they front:
//
//   - cmd_agent.go      - register/deregister/who/send/check-inbox/
//     set-context/set-status/list-history/purge-inbox/poll/update-hp
//   - cmd_task.go       - task create/assign/update/list/get/pull/result/
//     review/test/block/done/close/reopen/complete-phase/lineage
//   - cmd_requirement.go - req register/reindex/update/link/list/status/
//     tree/orphans/unlinked/decompose/itemize/findings/create
//   - cmd_backlog.go    - backlog add/list/show/update/promote/reindex/
//     kill/defer/reopen
//   - cmd_intel.go      - intel add/list/show/find/link/read/reindex/
//     war-plan show/set/append
//   - cmd_crew.go       - spawn-party/stand-down/retire-agent/interrupt/
//     resume
//   - cmd_monitor.go    - sitrep/party-status/check-activity/check-freshness
//   - cmd_daemon.go     - daemon (runs the generation loop for one agent)
//   - services.go       - shared service-bundle construction, JSON result
//     emission
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ai-janitor/minion/internal/config"
)

var (
	// Global flags. Each, when set, overrides the environment variable
	// config resolves from (spec.md §6 "Environment variables"), so every
	// subcommand sees a consistent view regardless of how it was invoked.
	verbose    bool
	dbPath     string
	docsDir    string
	projectDir string
	classFlag  string

	logger *zap.Logger
)

// rootCmd is the minion binary's base command.
var rootCmd = &cobra.Command{
	Use:   "minion",
	Short: "minion - fleet coordinator for long-running LLM agent processes",
	Long: `minion coordinates a fleet of long-running LLM-backed agent processes:
agent registration and messaging, a task DAG, a requirement tree above it,
a backlog triage store, an intel/knowledge layer, and a daemon runner that
drives one agent's poll -> invoke -> stream-parse -> update-hp loop.

Every subcommand is a single call against the shared SQLite store at
.work/minion.db (override with --db-path or MINION_DB_PATH); there is no
long-running server process except the daemon itself.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dbPath != "" {
			os.Setenv(config.EnvDBPath, dbPath)
		}
		if docsDir != "" {
			os.Setenv(config.EnvDocsDir, docsDir)
		}
		if projectDir != "" {
			os.Setenv(config.EnvProject, projectDir)
		}
		if classFlag != "" {
			os.Setenv(config.EnvClass, classFlag)
		}

		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "path to minion.db (default: MINION_DB_PATH or .work/minion.db)")
	rootCmd.PersistentFlags().StringVar(&docsDir, "docs-dir", "", "contracts/onboarding docs root (default: MINION_DOCS_DIR)")
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", "", "project directory, legacy DB location (default: MINION_PROJECT)")
	rootCmd.PersistentFlags().StringVar(&classFlag, "class", "", "caller class tag for require-class gates (default: MINION_CLASS)")

	rootCmd.AddCommand(
		pollCmd,
		updateHPCmd,
		registerCmd,
		deregisterCmd,
		sendCmd,
		checkInboxCmd,
		setContextCmd,
		setStatusCmd,
		whoCmd,
		listHistoryCmd,
		purgeInboxCmd,
	)

	rootCmd.AddCommand(taskCmd, reqCmd, backlogCmd, intelCmd)

	rootCmd.AddCommand(
		spawnPartyCmd,
		standDownCmd,
		retireAgentCmd,
		interruptCmd,
		resumeCmd,
	)

	rootCmd.AddCommand(sitrepCmd, partyStatusCmd, checkActivityCmd, checkFreshnessCmd)

	rootCmd.AddCommand(daemonCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
