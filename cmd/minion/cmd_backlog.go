package main

import (
	"github.com/spf13/cobra"
)

var backlogCmd = &cobra.Command{
	Use:   "backlog",
	Short: "triage ideas, bugs, requests, smells and debt ahead of the requirement tree",
}

var (
	backlogItemType    string
	backlogTitle       string
	backlogSource      string
	backlogDescription string
	backlogPriority    string
)

var backlogAddCmd = &cobra.Command{
	Use:   "add",
	Short: "file a new backlog item",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.backlog.Add(backlogItemType, backlogTitle, backlogSource, backlogDescription, backlogPriority)
		return emit(result, result.Error)
	},
}

var (
	backlogListType     string
	backlogListPriority string
	backlogListStatus   string
)

var backlogListCmd = &cobra.Command{
	Use:   "list",
	Short: "list backlog items matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		items, err := svc.backlog.List(backlogListType, backlogListPriority, backlogListStatus)
		if err != nil {
			return err
		}
		return emit(items, "")
	},
}

var backlogFilePath string

var backlogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "show a single backlog item",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		item, err := svc.backlog.Get(backlogFilePath)
		if err != nil {
			return err
		}
		return emit(item, "")
	},
}

var backlogUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "change a backlog item's priority/status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.backlog.Update(backlogFilePath, backlogPriority, backlogListStatus)
		return emit(result, result.Error)
	},
}

var (
	backlogPromoteOrigin   string
	backlogPromoteSlug     string
	backlogPromoteFlowType string
)

var backlogPromoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "promote an open backlog item into a requirement",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.backlog.Promote(backlogFilePath, backlogPromoteOrigin, backlogPromoteSlug, backlogPromoteFlowType)
		return emit(result, result.Error)
	},
}

var backlogReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "scan the backlog root and register anything missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.backlog.Reindex()
		return emit(result, result.Error)
	},
}

var backlogKillReason string

var backlogKillCmd = &cobra.Command{
	Use:   "kill",
	Short: "close an open backlog item as won't-do",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.backlog.Kill(backlogFilePath, backlogKillReason)
		return emit(result, result.Error)
	},
}

var backlogDeferUntil string

var backlogDeferCmd = &cobra.Command{
	Use:   "defer",
	Short: "shelve an open backlog item until a later date",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.backlog.Defer(backlogFilePath, backlogDeferUntil)
		return emit(result, result.Error)
	},
}

var backlogReopenCmd = &cobra.Command{
	Use:   "reopen",
	Short: "reopen a killed or deferred backlog item",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.backlog.Reopen(backlogFilePath)
		return emit(result, result.Error)
	},
}

func init() {
	backlogCmd.AddCommand(
		backlogAddCmd, backlogListCmd, backlogShowCmd, backlogUpdateCmd, backlogPromoteCmd,
		backlogReindexCmd, backlogKillCmd, backlogDeferCmd, backlogReopenCmd,
	)

	backlogAddCmd.Flags().StringVar(&backlogItemType, "type", "", "idea|bug|request|smell|debt")
	backlogAddCmd.Flags().StringVar(&backlogTitle, "title", "", "item title")
	backlogAddCmd.Flags().StringVar(&backlogSource, "source", "", "where this item came from")
	backlogAddCmd.Flags().StringVar(&backlogDescription, "description", "", "item description")
	backlogAddCmd.Flags().StringVar(&backlogPriority, "priority", "unset", "unset|low|medium|high|critical")
	backlogAddCmd.MarkFlagRequired("type")
	backlogAddCmd.MarkFlagRequired("title")

	backlogListCmd.Flags().StringVar(&backlogListType, "type", "", "filter by type")
	backlogListCmd.Flags().StringVar(&backlogListPriority, "priority", "", "filter by priority")
	backlogListCmd.Flags().StringVar(&backlogListStatus, "status", "", "filter by status")

	for _, c := range []*cobra.Command{backlogShowCmd, backlogUpdateCmd, backlogPromoteCmd, backlogKillCmd, backlogDeferCmd, backlogReopenCmd} {
		c.Flags().StringVar(&backlogFilePath, "path", "", "backlog item file path")
		c.MarkFlagRequired("path")
	}

	backlogUpdateCmd.Flags().StringVar(&backlogPriority, "priority", "", "new priority")
	backlogUpdateCmd.Flags().StringVar(&backlogListStatus, "status", "", "new status")

	backlogPromoteCmd.Flags().StringVar(&backlogPromoteOrigin, "origin", "", "bug|feature (default inferred from item type)")
	backlogPromoteCmd.Flags().StringVar(&backlogPromoteSlug, "slug", "", "requirement folder slug")
	backlogPromoteCmd.Flags().StringVar(&backlogPromoteFlowType, "flow-type", "", "flow type to register the new requirement under")

	backlogKillCmd.Flags().StringVar(&backlogKillReason, "reason", "", "why this item won't be done")

	backlogDeferCmd.Flags().StringVar(&backlogDeferUntil, "until", "", "date or note to defer until")
}
