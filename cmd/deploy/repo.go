package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Inspect the file repository",
}

var repoTreeCmd = &cobra.Command{
	Use:   "tree [PATH]",
	Short: "List the server upload root as a tree",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RepoTree")
		if err != nil {
			return err
		}
		defer a.Close()

		rel := ""
		if len(args) > 0 {
			rel = args[0]
		}
		tree, err := a.RepoTree(cmd.Context(), rel)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), tree)
	},
}

var repoLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored content with reference counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListContents")
		if err != nil {
			return err
		}
		defer a.Close()

		contents, err := a.ListContents(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), contents)
	},
}

var repoGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove content no package file references",
	RunE: func(cmd *cobra.Command, args []string) error {
		grace, _ := cmd.Flags().GetDuration("grace")

		a, err := newApp(cmd, "GarbageCollect")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.GarbageCollect(cmd.Context(), grace)
		if err != nil {
			return fmt.Errorf("collecting: %w", err)
		}
		return render(cmd.OutOrStdout(), res)
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Maintain the metadata database",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a consistent snapshot of the database to DEST",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "BackupDatabase")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDatabase(args[0]); err != nil {
			return fmt.Errorf("backing up database: %w", err)
		}
		fmt.Printf("Database written to %s\n", args[0])
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DumpSchema")
		if err != nil {
			return err
		}
		defer a.Close()

		schema, err := a.DumpSchema(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), schema)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View administrative operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-8s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

func init() {
	repoCmd.AddCommand(repoTreeCmd)
	repoCmd.AddCommand(repoLsCmd)
	repoCmd.AddCommand(repoGCCmd)
	repoGCCmd.Flags().Duration("grace", time.Hour, "Keep unreferenced content younger than this")

	dbCmd.AddCommand(dbBackupCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
