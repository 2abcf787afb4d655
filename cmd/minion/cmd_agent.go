package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion/internal/hp"
)

var (
	agentName    string
	agentClass   string
	agentModel   string
	agentDesc    string
	agentTransport string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "register or re-register an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.comms.Register(agentName, agentClass, agentModel, agentDesc, agentTransport)
		return emit(result, result.Error)
	},
}

var deregisterCmd = &cobra.Command{
	Use:   "deregister",
	Short: "remove an agent, releasing its file claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.comms.Deregister(agentName)
		return emit(result, result.Error)
	},
}

var (
	sendTo string
	sendMessage string
	sendCC string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "send a message to an agent or 'broadcast'",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.comms.Send(agentName, sendTo, sendMessage, sendCC)
		return emit(result, result.Error)
	},
}

var checkInboxCmd = &cobra.Command{
	Use:   "check-inbox",
	Short: "consume and return an agent's unread mail",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.comms.CheckInbox(agentName)
		return emit(result, result.Error)
	},
}

var (
	setContextText   string
	setContextHP     int
	setContextHasHP  bool
	setContextTokensUsed  int
	setContextTokensLimit int
	setContextFiles       string
)

var setContextCmd = &cobra.Command{
	Use:   "set-context",
	Short: "record an agent's context summary and HP",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		var selfHP *int
		if setContextHasHP {
			v := setContextHP
			selfHP = &v
		}
		result, err := svc.comms.SetContext(agentName, setContextText, setContextTokensUsed, setContextTokensLimit, selfHP, setContextFiles)
		if err != nil {
			return err
		}
		return emit(result, "")
	},
}

var setStatusValue string

var setStatusCmd = &cobra.Command{
	Use:   "set-status",
	Short: "set an agent's free-text status line",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		if err := svc.comms.SetStatus(agentName, setStatusValue); err != nil {
			return err
		}
		return emit(map[string]string{"status": "ok", "agent": agentName}, "")
	},
}

var whoCmd = &cobra.Command{
	Use:   "who",
	Short: "list every registered agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		agents, err := svc.comms.Who()
		if err != nil {
			return err
		}
		return emit(agents, "")
	},
}

var listHistoryCount int

var listHistoryCmd = &cobra.Command{
	Use:   "list-history",
	Short: "show the last N fleet-wide messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		history, err := svc.comms.GetHistory(listHistoryCount)
		if err != nil {
			return err
		}
		return emit(history, "")
	},
}

var purgeInboxOlderThanHours int

var purgeInboxCmd = &cobra.Command{
	Use:   "purge-inbox",
	Short: "delete an agent's direct mail older than a cutoff, read or unread",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result, err := svc.comms.PurgeInbox(agentName, purgeInboxOlderThanHours)
		if err != nil {
			return err
		}
		return emit(result, "")
	},
}

var (
	pollInterval int
	pollTimeout  int
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "block until messages/tasks arrive, a signal is raised, or timeout elapses",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.poll.Loop(agentName, pollInterval, pollTimeout)
		if err := emit(result, ""); err != nil {
			return err
		}
		if result.ExitCode != 0 {
			os.Exit(result.ExitCode)
		}
		return nil
	},
}

var (
	hpInputTokens  int
	hpOutputTokens int
	hpLimit        int
	hpTurnInput    int
	hpHasTurnInput bool
	hpTurnOutput   int
	hpHasTurnOutput bool
)

var updateHPCmd = &cobra.Command{
	Use:   "update-hp",
	Short: "record daemon-observed token usage and fire HP threshold alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		limit := hpLimit
		if limit == 0 {
			limit = hp.DefaultContextWindow
		}
		var turnInput, turnOutput *int
		if hpHasTurnInput {
			turnInput = &hpTurnInput
		}
		if hpHasTurnOutput {
			turnOutput = &hpTurnOutput
		}
		hp.UpdateHP(svc.db, svc.layout, svc.log, agentName, hpInputTokens, hpOutputTokens, limit, turnInput, turnOutput)
		return emit(map[string]string{"status": "ok", "agent": agentName}, "")
	},
}

func init() {
	for _, c := range []*cobra.Command{
		registerCmd, deregisterCmd, sendCmd, checkInboxCmd, setContextCmd, setStatusCmd,
		listHistoryCmd, purgeInboxCmd, pollCmd, updateHPCmd,
	} {
		c.Flags().StringVar(&agentName, "agent", "", "agent name")
		c.MarkFlagRequired("agent")
	}

	registerCmd.Flags().StringVar(&agentClass, "class", "", "agent class")
	registerCmd.Flags().StringVar(&agentModel, "model", "", "LLM model id")
	registerCmd.Flags().StringVar(&agentDesc, "description", "", "free-text description")
	registerCmd.Flags().StringVar(&agentTransport, "transport", "terminal", "terminal|daemon|daemon-ts")

	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient agent name, or 'broadcast'")
	sendCmd.Flags().StringVar(&sendMessage, "message", "", "message body")
	sendCmd.Flags().StringVar(&sendCC, "cc", "", "comma-separated cc list")
	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("message")

	setContextCmd.Flags().StringVar(&setContextText, "context", "", "context summary")
	setContextCmd.Flags().IntVar(&setContextHP, "hp", 0, "self-reported HP percent (0-100)")
	setContextCmd.Flags().IntVar(&setContextTokensUsed, "tokens-used", 0, "daemon-observed tokens used")
	setContextCmd.Flags().IntVar(&setContextTokensLimit, "tokens-limit", 0, "daemon-observed token limit")
	setContextCmd.Flags().StringVar(&setContextFiles, "files-modified", "", "comma-separated files touched this turn")
	setContextCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		setContextHasHP = cmd.Flags().Changed("hp")
		return nil
	}

	setStatusCmd.Flags().StringVar(&setStatusValue, "status", "", "free-text status line")

	listHistoryCmd.Flags().IntVar(&listHistoryCount, "count", 50, "number of messages to return")
	purgeInboxCmd.Flags().IntVar(&purgeInboxOlderThanHours, "older-than-hours", 24, "purge cutoff in hours")

	pollCmd.Flags().IntVar(&pollInterval, "interval", 5, "seconds between checks")
	pollCmd.Flags().IntVar(&pollTimeout, "timeout", 0, "seconds before giving up (0 = block forever)")

	updateHPCmd.Flags().IntVar(&hpInputTokens, "input-tokens", 0, "cumulative input tokens")
	updateHPCmd.Flags().IntVar(&hpOutputTokens, "output-tokens", 0, "cumulative output tokens")
	updateHPCmd.Flags().IntVar(&hpLimit, "limit", 0, "context window size (default: hp.DefaultContextWindow, 200000)")
	updateHPCmd.Flags().IntVar(&hpTurnInput, "turn-input", 0, "this turn's input tokens")
	updateHPCmd.Flags().IntVar(&hpTurnOutput, "turn-output", 0, "this turn's output tokens")
	updateHPCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		hpHasTurnInput = cmd.Flags().Changed("turn-input")
		hpHasTurnOutput = cmd.Flags().Changed("turn-output")
		return nil
	}
}
