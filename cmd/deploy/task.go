package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"deploy-go/internal/app"
	"deploy-go/internal/model"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage deployment tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an inactive task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, _ := cmd.Flags().GetInt64("entity")
		recursive, _ := cmd.Flags().GetBool("recursive")
		comment, _ := cmd.Flags().GetString("comment")

		a, err := newApp(cmd, "CreateTask")
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.CreateTask(cmd.Context(), entity, args[0], recursive, comment)
		if err != nil {
			return fmt.Errorf("creating task: %w", err)
		}
		return render(cmd.OutOrStdout(), t)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		a, err := newApp(cmd, "ListTasks")
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.ListTasks(cmd.Context(), all)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), tasks)
	},
}

var taskStatusesCmd = &cobra.Command{
	Use:   "statuses TASK_ID",
	Short: "Show the latest status each agent reported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "TaskStatuses")
		if err != nil {
			return err
		}
		defer a.Close()

		statuses, err := a.TaskStatuses(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), statuses)
	},
}

// taskAction builds a command that runs one single-task mutation.
func taskAction(use, short, operation, done string, fn func(*app.DeployApp, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, operation)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := fn(a, cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("%s task %s\n", done, args[0])
			return nil
		},
	}
}

var (
	taskActivateCmd = taskAction("activate", "Offer the task to its targets", "ActivateTask", "Activated",
		func(a *app.DeployApp, ctx context.Context, id string) error { return a.SetTaskActive(ctx, id, true) })
	taskDeactivateCmd = taskAction("deactivate", "Stop offering the task", "DeactivateTask", "Deactivated",
		func(a *app.DeployApp, ctx context.Context, id string) error { return a.SetTaskActive(ctx, id, false) })
	taskDeleteCmd = taskAction("delete", "Mark the task deleted", "DeleteTask", "Deleted",
		(*app.DeployApp).DeleteTask)
	taskRestoreCmd = taskAction("restore", "Undo a delete", "RestoreTask", "Restored",
		(*app.DeployApp).RestoreTask)
	taskPurgeCmd = taskAction("purge", "Remove the task with its attachments and statuses", "PurgeTask", "Purged",
		(*app.DeployApp).PurgeTask)
)

var taskAddPackageCmd = &cobra.Command{
	Use:   "add-package TASK_ID PACKAGE_ID",
	Short: "Attach a package to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "AttachPackage")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.AttachPackage(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("attaching package: %w", err)
		}
		fmt.Printf("Attached package %s to task %s\n", args[1], args[0])
		return nil
	},
}

func parseTargetType(s string) (model.TargetType, error) {
	switch t := model.TargetType(s); t {
	case model.TargetAgent, model.TargetGroup:
		return t, nil
	default:
		return "", fmt.Errorf("unknown target type %q (want agent or group)", s)
	}
}

var taskAddTargetCmd = &cobra.Command{
	Use:   "add-target TASK_ID agent|group REF",
	Short: "Attach an agent (agent ID or machine ID) or a group to a task",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, err := parseTargetType(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "AttachTarget")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.AttachTarget(cmd.Context(), args[0], typ, args[2]); err != nil {
			return fmt.Errorf("attaching target: %w", err)
		}
		fmt.Printf("Attached %s %s to task %s\n", typ, args[2], args[0])
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusesCmd)
	taskCmd.AddCommand(taskActivateCmd)
	taskCmd.AddCommand(taskDeactivateCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskRestoreCmd)
	taskCmd.AddCommand(taskPurgeCmd)
	taskCmd.AddCommand(taskAddPackageCmd)
	taskCmd.AddCommand(taskAddTargetCmd)

	taskCreateCmd.Flags().Int64("entity", model.RootEntityID, "Entity that owns the task")
	taskCreateCmd.Flags().BoolP("recursive", "r", false, "Also offer the task to agents of child entities")
	taskCreateCmd.Flags().String("comment", "", "Free-form comment")
	taskListCmd.Flags().BoolP("all", "a", false, "Include deleted tasks")

	rootCmd.AddCommand(taskCmd)
}
