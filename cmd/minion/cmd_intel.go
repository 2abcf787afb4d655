package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var intelCmd = &cobra.Command{
	Use:   "intel",
	Short: "manage the cross-task knowledge layer and the fleet's shared war plan",
}

var (
	intelSlug        string
	intelDocPath     string
	intelTags        string
	intelDescription string
	intelScaffold    bool
)

var intelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "register a knowledge doc",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		var tags []string
		if intelTags != "" {
			tags = strings.Split(intelTags, ",")
		}
		result := svc.intel.AddDoc(intelSlug, intelDocPath, tags, intelDescription, agentName, intelScaffold)
		return emit(result, result.Error)
	},
}

var (
	intelFindTag  string
	intelFindPath string
)

var intelFindCmd = &cobra.Command{
	Use:   "find",
	Short: "search docs by tag and/or path fragment",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		docs, err := svc.intel.FindDocs(intelFindTag, intelFindPath)
		if err != nil {
			return err
		}
		return emit(docs, "")
	},
}

var (
	intelListTag   string
	intelListLimit int
)

var intelListCmd = &cobra.Command{
	Use:   "list",
	Short: "list docs, optionally filtered by tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		docs, err := svc.intel.ListDocs(intelListTag, intelListLimit)
		if err != nil {
			return err
		}
		return emit(docs, "")
	},
}

var intelShowCmd = &cobra.Command{
	Use:   "show",
	Short: "show a doc and its links",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.intel.GetDoc(intelSlug)
		return emit(result, result.Error)
	},
}

var (
	intelLinkTaskID int64
	intelLinkReqID  int64
)

var intelLinkCmd = &cobra.Command{
	Use:   "link",
	Short: "link a doc to a task or a requirement",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		var taskID, reqID *int64
		if cmd.Flags().Changed("task-id") {
			taskID = &intelLinkTaskID
		}
		if cmd.Flags().Changed("req-id") {
			reqID = &intelLinkReqID
		}
		result := svc.intel.LinkDoc(intelSlug, taskID, reqID)
		return emit(result, result.Error)
	},
}

var intelReadSummary bool

var intelReadCmd = &cobra.Command{
	Use:   "read",
	Short: "read a doc's full contents, or a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.intel.ReadDoc(intelSlug, intelReadSummary)
		return emit(result, result.Error)
	},
}

var intelReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "scan the intel root and register anything missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result, err := svc.intel.ReindexIntel()
		if err != nil {
			return err
		}
		return emit(result, "")
	},
}

var warPlanCmd = &cobra.Command{
	Use:   "war-plan",
	Short: "show or edit the fleet's shared strategic war plan",
}

var warPlanShowCmd = &cobra.Command{
	Use:   "show",
	Short: "show the current war plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.intel.ShowWarPlan()
		return emit(result, "")
	},
}

var warPlanContent string

var warPlanSetCmd = &cobra.Command{
	Use:   "set",
	Short: "replace the war plan (lead-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.intel.SetWarPlan(agentName, warPlanContent)
		return emit(result, result.Error)
	},
}

var warPlanAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "append to the war plan (lead-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.intel.AppendWarPlan(agentName, warPlanContent)
		return emit(result, result.Error)
	},
}

func init() {
	intelCmd.AddCommand(intelAddCmd, intelListCmd, intelShowCmd, intelFindCmd, intelLinkCmd, intelReadCmd, intelReindexCmd, warPlanCmd)
	warPlanCmd.AddCommand(warPlanShowCmd, warPlanSetCmd, warPlanAppendCmd)

	for _, c := range []*cobra.Command{intelAddCmd, intelShowCmd, intelLinkCmd, intelReadCmd} {
		c.Flags().StringVar(&intelSlug, "slug", "", "doc slug")
		c.MarkFlagRequired("slug")
	}

	intelAddCmd.Flags().StringVar(&intelDocPath, "path", "", "path to the doc file")
	intelAddCmd.Flags().StringVar(&intelTags, "tags", "", "comma-separated tags")
	intelAddCmd.Flags().StringVar(&intelDescription, "description", "", "short description")
	intelAddCmd.Flags().BoolVar(&intelScaffold, "scaffold", false, "create the doc file if it doesn't exist")
	intelAddCmd.Flags().StringVar(&agentName, "agent", "", "calling agent name")
	intelAddCmd.MarkFlagRequired("path")

	intelFindCmd.Flags().StringVar(&intelFindTag, "tag", "", "filter by tag")
	intelFindCmd.Flags().StringVar(&intelFindPath, "path", "", "filter by path fragment")

	intelListCmd.Flags().StringVar(&intelListTag, "tag", "", "filter by tag")
	intelListCmd.Flags().IntVar(&intelListLimit, "limit", 50, "max rows")

	intelLinkCmd.Flags().Int64Var(&intelLinkTaskID, "task-id", 0, "task id to link to")
	intelLinkCmd.Flags().Int64Var(&intelLinkReqID, "req-id", 0, "requirement id to link to")

	intelReadCmd.Flags().BoolVar(&intelReadSummary, "summary", false, "truncate to the first lines")

	warPlanSetCmd.Flags().StringVar(&agentName, "agent", "", "calling agent name (must be lead)")
	warPlanSetCmd.Flags().StringVar(&warPlanContent, "content", "", "new war plan content")
	warPlanSetCmd.MarkFlagRequired("agent")
	warPlanSetCmd.MarkFlagRequired("content")

	warPlanAppendCmd.Flags().StringVar(&agentName, "agent", "", "calling agent name (must be lead)")
	warPlanAppendCmd.Flags().StringVar(&warPlanContent, "content", "", "text to append")
	warPlanAppendCmd.MarkFlagRequired("agent")
	warPlanAppendCmd.MarkFlagRequired("content")
}
