package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion/internal/requirement"
)

var reqCmd = &cobra.Command{
	Use:   "req",
	Short: "manage the requirement tree sitting above the task DAG",
}

var (
	reqFilePath    string
	reqTitle       string
	reqDescription string
)

var reqCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "scaffold and register a new requirement folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.reqs.Create(reqFilePath, reqTitle, reqDescription, agentName)
		return emit(result, result.Error)
	},
}

var reqFlowType string

var reqRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "register an existing requirement file",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		var result requirement.RegisterResult
		if reqFlowType != "" {
			result = svc.reqs.RegisterWithFlow(reqFilePath, agentName, reqFlowType)
		} else {
			result = svc.reqs.Register(reqFilePath, agentName)
		}
		return emit(result, result.Error)
	},
}

var reqReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "scan the requirements root and register anything missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.reqs.Reindex()
		return emit(result, result.Error)
	},
}

var (
	reqToStage string
	reqSkip    bool
)

var reqUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "advance a requirement's stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.reqs.UpdateStage(reqFilePath, reqToStage, reqSkip, classFlag, agentName)
		return emit(result, result.Error)
	},
}

var reqLinkTaskID int64

var reqLinkCmd = &cobra.Command{
	Use:   "link",
	Short: "link a task to a requirement",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.reqs.LinkTask(reqLinkTaskID, reqFilePath)
		return emit(result, result.Error)
	},
}

var (
	reqListStage  string
	reqListOrigin string
)

var reqListCmd = &cobra.Command{
	Use:   "list",
	Short: "list requirements matching a stage/origin filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		reqs, err := svc.reqs.List(reqListStage, reqListOrigin)
		if err != nil {
			return err
		}
		return emit(reqs, "")
	},
}

var reqStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "show a requirement's stage and linked-task completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.reqs.Status(reqFilePath)
		return emit(result, result.Error)
	},
}

var reqTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "show a requirement and its descendants with linked tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.reqs.Tree(reqFilePath)
		return emit(result, result.Error)
	},
}

var reqOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "list requirements with no linked tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		reqs, err := svc.reqs.Orphans()
		if err != nil {
			return err
		}
		return emit(reqs, "")
	},
}

var reqUnlinkedCmd = &cobra.Command{
	Use:   "unlinked",
	Short: "list tasks with no requirement link",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		tasks, err := svc.reqs.UnlinkedTasks()
		if err != nil {
			return err
		}
		return emit(tasks, "")
	},
}

var reqDecomposeChildren string

var reqDecomposeCmd = &cobra.Command{
	Use:   "decompose",
	Short: "split a requirement into child requirements and their tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		spec, err := parseDecomposeChildren(reqDecomposeChildren)
		if err != nil {
			return err
		}
		result := svc.reqs.Decompose(reqFilePath, spec, agentName)
		return emit(result, result.Error)
	},
}

// parseDecomposeChildren reads a "slug:title,slug:title" shorthand on the
// command line into a DecomposeSpec; richer fields (description, task
// type, blocked-by) are left at zero value; the shorthand carries only a
// slug and a title per child.
func parseDecomposeChildren(raw string) (requirement.DecomposeSpec, error) {
	var spec requirement.DecomposeSpec
	if raw == "" {
		return spec, fmt.Errorf("--children required, e.g. --children slug1:Title One,slug2:Title Two")
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return spec, fmt.Errorf("invalid child spec %q, want slug:title", part)
		}
		spec.Children = append(spec.Children, requirement.ChildSpec{
			Slug:  strings.TrimSpace(kv[0]),
			Title: strings.TrimSpace(kv[1]),
		})
	}
	return spec, nil
}

var (
	reqFindingsRootCause      string
	reqFindingsEvidence       string
	reqFindingsRecommendation string
)

var reqFindingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "record an investigation's findings on a requirement",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		var evidence []string
		if reqFindingsEvidence != "" {
			evidence = strings.Split(reqFindingsEvidence, ",")
		}
		result := svc.reqs.Findings(reqFilePath, requirement.FindingsSpec{
			RootCause:      reqFindingsRootCause,
			Evidence:       evidence,
			Recommendation: reqFindingsRecommendation,
		}, agentName)
		return emit(result, result.Error)
	},
}

var reqItemizeItems string

var reqItemizeCmd = &cobra.Command{
	Use:   "itemize",
	Short: "write a requirement's discrete checklist items",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		var items []string
		if reqItemizeItems != "" {
			items = strings.Split(reqItemizeItems, ",")
		}
		result := svc.reqs.Itemize(reqFilePath, items, agentName)
		return emit(result, result.Error)
	},
}

func init() {
	reqCmd.AddCommand(
		reqCreateCmd, reqRegisterCmd, reqReindexCmd, reqUpdateCmd, reqLinkCmd, reqListCmd,
		reqStatusCmd, reqTreeCmd, reqOrphansCmd, reqUnlinkedCmd, reqDecomposeCmd, reqFindingsCmd,
		reqItemizeCmd,
	)

	for _, c := range []*cobra.Command{
		reqCreateCmd, reqRegisterCmd, reqUpdateCmd, reqStatusCmd, reqTreeCmd, reqDecomposeCmd,
		reqFindingsCmd, reqItemizeCmd,
	} {
		c.Flags().StringVar(&reqFilePath, "path", "", "requirement file path")
		c.MarkFlagRequired("path")
	}
	reqLinkCmd.Flags().StringVar(&reqFilePath, "path", "", "requirement file path")
	reqLinkCmd.MarkFlagRequired("path")

	for _, c := range []*cobra.Command{reqCreateCmd, reqRegisterCmd, reqUpdateCmd, reqDecomposeCmd, reqFindingsCmd, reqItemizeCmd} {
		c.Flags().StringVar(&agentName, "agent", "", "calling agent name")
		c.MarkFlagRequired("agent")
	}

	reqCreateCmd.Flags().StringVar(&reqTitle, "title", "", "requirement title")
	reqCreateCmd.Flags().StringVar(&reqDescription, "description", "", "requirement description")
	reqCreateCmd.MarkFlagRequired("title")

	reqRegisterCmd.Flags().StringVar(&reqFlowType, "flow-type", "", "flow type to register under (default: requirement)")

	reqUpdateCmd.Flags().StringVar(&reqToStage, "to-stage", "", "stage to advance to")
	reqUpdateCmd.Flags().BoolVar(&reqSkip, "skip", false, "walk through intermediate stages automatically (lead-only)")
	reqUpdateCmd.MarkFlagRequired("to-stage")

	reqLinkCmd.Flags().Int64Var(&reqLinkTaskID, "task-id", 0, "task id to link")
	reqLinkCmd.MarkFlagRequired("task-id")

	reqListCmd.Flags().StringVar(&reqListStage, "stage", "", "filter by stage")
	reqListCmd.Flags().StringVar(&reqListOrigin, "origin", "", "filter by origin")

	reqDecomposeCmd.Flags().StringVar(&reqDecomposeChildren, "children", "", "comma-separated slug:title pairs")

	reqFindingsCmd.Flags().StringVar(&reqFindingsRootCause, "root-cause", "", "root cause statement")
	reqFindingsCmd.Flags().StringVar(&reqFindingsEvidence, "evidence", "", "comma-separated evidence items")
	reqFindingsCmd.Flags().StringVar(&reqFindingsRecommendation, "recommendation", "", "recommended fix")

	reqItemizeCmd.Flags().StringVar(&reqItemizeItems, "items", "", "comma-separated checklist items")
}
