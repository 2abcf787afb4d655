package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ai-janitor/minion/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "create, route and advance tasks through a flow's status DAG",
}

var (
	taskTitle         string
	taskFile          string
	taskProject       string
	taskZone          string
	taskBlockedBy     string
	taskClassRequired string
	taskType          string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		result := svc.tasks.Create(agentName, taskTitle, taskFile, taskProject, taskZone, taskBlockedBy, taskClassRequired, taskType)
		return emit(result, result.Error)
	},
}

var taskAssignTo string

var taskAssignCmd = &cobra.Command{
	Use:   "assign",
	Short: "assign a task to an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Assign(agentName, taskID, taskAssignTo)
		return emit(result, result.Error)
	},
}

var (
	taskStatus   string
	taskProgress string
	taskFiles    string
)

var taskUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "update a task's status/progress/files",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Update(agentName, taskID, taskStatus, taskProgress, taskFiles)
		return emit(result, result.Error)
	},
}

var (
	taskListStatus  string
	taskListProject string
	taskListZone    string
	taskListAssignedTo string
	taskListClass   string
	taskListCount   int
)

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "list tasks matching a filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		tasks, err := svc.tasks.List(task.ListFilter{
			Status:        taskListStatus,
			Project:       taskListProject,
			Zone:          taskListZone,
			AssignedTo:    taskListAssignedTo,
			ClassRequired: taskListClass,
			Count:         taskListCount,
		})
		if err != nil {
			return err
		}
		return emit(tasks, "")
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get",
	Short: "fetch a single task by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		t, err := svc.tasks.Get(taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return emit(nil, fmt.Sprintf("task #%d not found", taskID))
		}
		return emit(t, "")
	},
}

var taskPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "claim a task and fetch its task file contents",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Pull(agentName, taskID)
		return emit(result, result.Error)
	},
}

var taskResultFile string

var taskResultCmd = &cobra.Command{
	Use:   "result",
	Short: "attach a result file to a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.SubmitResult(agentName, taskID, taskResultFile)
		return emit(result, result.Error)
	},
}

var (
	taskVerdict string
	taskNotes   string
)

var taskReviewCmd = &cobra.Command{
	Use:   "review",
	Short: "record a review verdict (pass|fail) on a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result, domainErr := svc.tasks.Review(agentName, taskID, taskVerdict, taskNotes)
		return emit(result, domainErr)
	},
}

var (
	taskTestPassed bool
	taskTestOutput string
)

var taskTestCmd = &cobra.Command{
	Use:   "test",
	Short: "record a test-run verdict on a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result, domainErr := svc.tasks.TestReport(agentName, taskID, taskTestPassed, taskTestOutput, taskNotes)
		return emit(result, domainErr)
	},
}

var taskBlockReason string

var taskBlockCmd = &cobra.Command{
	Use:   "block",
	Short: "mark a task blocked with a reason",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Block(agentName, taskID, taskBlockReason)
		return emit(result, result.Error)
	},
}

var taskSummary string

var taskDoneCmd = &cobra.Command{
	Use:   "done",
	Short: "close out a task with a summary (lead-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Done(agentName, taskID, taskSummary)
		return emit(result, result.Error)
	},
}

var taskCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "close a task the caller owns (or any task, if lead)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Close(agentName, taskID)
		return emit(result, result.Error)
	},
}

var taskReopenToStatus string

var taskReopenCmd = &cobra.Command{
	Use:   "reopen",
	Short: "reopen a closed/terminal task (lead-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Reopen(agentName, taskID, taskReopenToStatus)
		return emit(result, result.Error)
	},
}

var (
	taskPhasePassed bool
	taskPhaseReason string
)

var taskCompletePhaseCmd = &cobra.Command{
	Use:   "complete-phase",
	Short: "advance or reject a task's current flow phase",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.CompletePhase(agentName, taskID, taskPhasePassed, taskPhaseReason)
		return emit(result, result.Error)
	},
}

var taskLineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "show a task's full status transition history",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.Close()
		taskID, err := parseTaskID(args)
		if err != nil {
			return err
		}
		result := svc.tasks.Lineage(taskID)
		return emit(result, result.Error)
	},
}

// parseTaskID accepts the task id either as --task-id or as the sole
// positional argument, matching the embedded "task pull --agent %s
// --task-id %d" hints already baked into internal/poll's output.
func parseTaskID(args []string) (int64, error) {
	if taskIDFlag != 0 {
		return taskIDFlag, nil
	}
	if len(args) == 1 {
		v, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid task id %q: %w", args[0], err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("task id required: pass --task-id or a single positional argument")
}

var taskIDFlag int64

func init() {
	taskCmd.AddCommand(
		taskCreateCmd, taskAssignCmd, taskUpdateCmd, taskListCmd, taskGetCmd, taskPullCmd,
		taskResultCmd, taskReviewCmd, taskTestCmd, taskBlockCmd, taskDoneCmd, taskCloseCmd,
		taskReopenCmd, taskCompletePhaseCmd, taskLineageCmd,
	)

	for _, c := range []*cobra.Command{
		taskAssignCmd, taskUpdateCmd, taskGetCmd, taskPullCmd, taskResultCmd, taskReviewCmd,
		taskTestCmd, taskBlockCmd, taskDoneCmd, taskCloseCmd, taskReopenCmd, taskCompletePhaseCmd,
		taskLineageCmd,
	} {
		c.Flags().Int64Var(&taskIDFlag, "task-id", 0, "task id")
	}

	for _, c := range []*cobra.Command{
		taskCreateCmd, taskAssignCmd, taskUpdateCmd, taskPullCmd, taskResultCmd, taskReviewCmd,
		taskTestCmd, taskBlockCmd, taskDoneCmd, taskCloseCmd, taskReopenCmd, taskCompletePhaseCmd,
	} {
		c.Flags().StringVar(&agentName, "agent", "", "calling agent name")
		c.MarkFlagRequired("agent")
	}

	taskCreateCmd.Flags().StringVar(&taskTitle, "title", "", "task title")
	taskCreateCmd.Flags().StringVar(&taskFile, "task-file", "", "path to the task's markdown spec")
	taskCreateCmd.Flags().StringVar(&taskProject, "project", "", "project name")
	taskCreateCmd.Flags().StringVar(&taskZone, "zone", "", "file-claim zone")
	taskCreateCmd.Flags().StringVar(&taskBlockedBy, "blocked-by", "", "comma-separated blocking task ids")
	taskCreateCmd.Flags().StringVar(&taskClassRequired, "class-required", "", "required agent class")
	taskCreateCmd.Flags().StringVar(&taskType, "task-type", "", "flow type governing this task's status DAG")
	taskCreateCmd.MarkFlagRequired("title")

	taskAssignCmd.Flags().StringVar(&taskAssignTo, "to", "", "agent to assign the task to")
	taskAssignCmd.MarkFlagRequired("to")

	taskUpdateCmd.Flags().StringVar(&taskStatus, "status", "", "new status")
	taskUpdateCmd.Flags().StringVar(&taskProgress, "progress", "", "progress note")
	taskUpdateCmd.Flags().StringVar(&taskFiles, "files", "", "comma-separated files touched")

	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "filter by status")
	taskListCmd.Flags().StringVar(&taskListProject, "project", "", "filter by project")
	taskListCmd.Flags().StringVar(&taskListZone, "zone", "", "filter by zone")
	taskListCmd.Flags().StringVar(&taskListAssignedTo, "assigned-to", "", "filter by assignee")
	taskListCmd.Flags().StringVar(&taskListClass, "class-required", "", "filter by required class")
	taskListCmd.Flags().IntVar(&taskListCount, "count", 0, "max rows (0 = no limit)")

	taskResultCmd.Flags().StringVar(&taskResultFile, "result-file", "", "path to the result file")
	taskResultCmd.MarkFlagRequired("result-file")

	taskReviewCmd.Flags().StringVar(&taskVerdict, "verdict", "", "pass|fail")
	taskReviewCmd.Flags().StringVar(&taskNotes, "notes", "", "reviewer notes")
	taskReviewCmd.MarkFlagRequired("verdict")

	taskTestCmd.Flags().BoolVar(&taskTestPassed, "passed", false, "whether the test run passed")
	taskTestCmd.Flags().StringVar(&taskTestOutput, "output", "", "captured test output")
	taskTestCmd.Flags().StringVar(&taskNotes, "notes", "", "tester notes")

	taskBlockCmd.Flags().StringVar(&taskBlockReason, "reason", "", "why the task is blocked")
	taskBlockCmd.MarkFlagRequired("reason")

	taskDoneCmd.Flags().StringVar(&taskSummary, "summary", "", "completion summary")
	taskDoneCmd.MarkFlagRequired("summary")

	taskReopenCmd.Flags().StringVar(&taskReopenToStatus, "to-status", "", "status to reopen into")
	taskReopenCmd.MarkFlagRequired("to-status")

	taskCompletePhaseCmd.Flags().BoolVar(&taskPhasePassed, "passed", false, "whether the current phase passed")
	taskCompletePhaseCmd.Flags().StringVar(&taskPhaseReason, "reason", "", "reason, required on rejection")
}
