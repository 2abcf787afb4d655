package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion/internal/config"
	"github.com/ai-janitor/minion/internal/daemon"
)

// agentConfigFile mirrors daemon.AgentConfig but with JSON-friendly
// duration fields (seconds), so a crew's spawn plan can hand the
// launched process a plain JSON file instead of Go-specific types.
type agentConfigFile struct {
	Name                string   `json:"name"`
	Class               string   `json:"class"`
	Model               string   `json:"model"`
	PromptFragment      string   `json:"prompt_fragment"`
	Command             []string `json:"command"`
	SupportsResume      bool     `json:"supports_resume"`
	ResumeFlag          string   `json:"resume_flag"`
	AllowedTools        string   `json:"allowed_tools"`
	MaxHistoryTokens    int      `json:"max_history_tokens"`
	NoOutputTimeoutSecs int      `json:"no_output_timeout_secs"`
	RetryBackoffSecs    int      `json:"retry_backoff_secs"`
	RetryBackoffMaxSecs int      `json:"retry_backoff_max_secs"`
	SelfDismiss         bool     `json:"self_dismiss"`
}

var daemonAgentConfigPath string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run one agent's poll -> invoke -> stream-parse -> update-hp generation loop",
	Long: `daemon drives a single long-running agent process: it polls for
work, launches the configured LLM command with the resulting prompt,
parses its stream-JSON output for HP-relevant token usage, and repeats
until stood down, retired, or killed. Configure the agent via
--agent-config, a JSON file shaped like daemon.AgentConfig.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()

		agentCfg, err := loadAgentConfig(daemonAgentConfigPath)
		if err != nil {
			return err
		}

		cfg := daemon.Config{
			ProjectDir: config.ProjectDir(),
			DocsDir:    config.ResolveDocsDir(),
			DBPath:     svc.db.Path,
			StateDir:   config.SwarmRuntimeDir(),
			LogsDir:    config.SwarmRuntimeDir(),
		}

		d := daemon.New(svc.db, svc.layout, svc.contracts, svc.poll, svc.comms, svc.log, cfg, agentCfg)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()

		d.Run(ctx)
		return nil
	},
}

func loadAgentConfig(path string) (daemon.AgentConfig, error) {
	if path == "" {
		return daemon.AgentConfig{}, fmt.Errorf("--agent-config required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return daemon.AgentConfig{}, fmt.Errorf("read agent config %s: %w", path, err)
	}
	var f agentConfigFile
	if err := json.Unmarshal(b, &f); err != nil {
		return daemon.AgentConfig{}, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	return daemon.AgentConfig{
		Name:             f.Name,
		Class:            f.Class,
		Model:            f.Model,
		PromptFragment:   f.PromptFragment,
		Command:          f.Command,
		SupportsResume:   f.SupportsResume,
		ResumeFlag:       f.ResumeFlag,
		AllowedTools:     f.AllowedTools,
		MaxHistoryTokens: f.MaxHistoryTokens,
		NoOutputTimeout:  time.Duration(f.NoOutputTimeoutSecs) * time.Second,
		RetryBackoff:     time.Duration(f.RetryBackoffSecs) * time.Second,
		RetryBackoffMax:  time.Duration(f.RetryBackoffMaxSecs) * time.Second,
		SelfDismiss:      f.SelfDismiss,
	}, nil
}

func init() {
	daemonCmd.Flags().StringVar(&daemonAgentConfigPath, "agent-config", "", "path to a JSON agent config file (see daemon.AgentConfig)")
	daemonCmd.MarkFlagRequired("agent-config")
}
