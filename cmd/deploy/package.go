package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deploy-go/internal/deploy"
	"deploy-go/internal/model"
)

var packageCmd = &cobra.Command{
	Use:     "package",
	Aliases: []string{"pkg"},
	Short:   "Manage packages and their files",
}

var packageCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an empty package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		comment, _ := cmd.Flags().GetString("comment")

		a, err := newApp(cmd, "CreatePackage")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.CreatePackage(cmd.Context(), args[0], comment)
		if err != nil {
			return fmt.Errorf("creating package: %w", err)
		}
		return render(cmd.OutOrStdout(), p)
	},
}

var packageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListPackages")
		if err != nil {
			return err
		}
		defer a.Close()

		pkgs, err := a.ListPackages(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), pkgs)
	},
}

var packageFilesCmd = &cobra.Command{
	Use:   "files PACKAGE_ID",
	Short: "List the files of a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListFiles")
		if err != nil {
			return err
		}
		defer a.Close()

		files, err := a.ListFiles(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), files)
	},
}

var packageAddFileCmd = &cobra.Command{
	Use:   "add-file PACKAGE_ID PATH",
	Short: "Add a local file, or with --server a file below the upload root",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromServer, _ := cmd.Flags().GetBool("server")
		policy := deploy.FilePolicy{}
		policy.P2P, _ = cmd.Flags().GetBool("p2p")
		policy.P2PRetentionDays, _ = cmd.Flags().GetInt("p2p-retention-days")
		policy.Uncompress, _ = cmd.Flags().GetBool("uncompress")

		a, err := newApp(cmd, "AddFile")
		if err != nil {
			return err
		}
		defer a.Close()

		var pf *model.PackageFile
		if fromServer {
			pf, err = a.AddServerFile(cmd.Context(), args[0], args[1], policy)
		} else {
			pf, err = a.AddLocalFile(cmd.Context(), args[0], args[1], policy)
		}
		if err != nil {
			return fmt.Errorf("adding file: %w", err)
		}
		return render(cmd.OutOrStdout(), pf)
	},
}

var packageRmFileCmd = &cobra.Command{
	Use:   "rm-file FILE_ID",
	Short: "Remove a file from its package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RemoveFile")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveFile(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("removing file: %w", err)
		}
		fmt.Printf("Removed file %s\n", args[0])
		return nil
	},
}

var packageDeleteCmd = &cobra.Command{
	Use:   "delete PACKAGE_ID",
	Short: "Delete a package, its files and its task attachments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DeletePackage")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeletePackage(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("deleting package: %w", err)
		}
		fmt.Printf("Deleted package %s\n", args[0])
		return nil
	},
}

func init() {
	packageCmd.AddCommand(packageCreateCmd)
	packageCmd.AddCommand(packageListCmd)
	packageCmd.AddCommand(packageFilesCmd)
	packageCmd.AddCommand(packageAddFileCmd)
	packageCmd.AddCommand(packageRmFileCmd)
	packageCmd.AddCommand(packageDeleteCmd)

	packageCreateCmd.Flags().String("comment", "", "Free-form comment")
	packageAddFileCmd.Flags().Bool("server", false, "PATH is relative to the server upload root")
	packageAddFileCmd.Flags().Bool("p2p", false, "Let agents share the file peer to peer")
	packageAddFileCmd.Flags().Int("p2p-retention-days", 0, "Days agents keep the file for peers")
	packageAddFileCmd.Flags().Bool("uncompress", false, "Agents extract the file after download")

	rootCmd.AddCommand(packageCmd)
}
