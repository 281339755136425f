package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deploy-go/internal/model"
)

// entity command
var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage the entity hierarchy",
}

var entityCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an entity below --parent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent, _ := cmd.Flags().GetInt64("parent")

		a, err := newApp(cmd, "CreateEntity")
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.CreateEntity(cmd.Context(), parent, args[0])
		if err != nil {
			return fmt.Errorf("creating entity: %w", err)
		}
		return render(cmd.OutOrStdout(), e)
	},
}

var entityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListEntities")
		if err != nil {
			return err
		}
		defer a.Close()

		entities, err := a.ListEntities(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), entities)
	},
}

// agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage agents",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register MACHINE_ID",
	Short: "Register an agent so its polls are answered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		entity, _ := cmd.Flags().GetInt64("entity")

		a, err := newApp(cmd, "RegisterAgent")
		if err != nil {
			return err
		}
		defer a.Close()

		agent, err := a.RegisterAgent(cmd.Context(), args[0], name, entity)
		if err != nil {
			return fmt.Errorf("registering agent: %w", err)
		}
		return render(cmd.OutOrStdout(), agent)
	},
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListAgents")
		if err != nil {
			return err
		}
		defer a.Close()

		agents, err := a.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), agents)
	},
}

var agentPreviewCmd = &cobra.Command{
	Use:   "preview MACHINE_ID",
	Short: "Show the job descriptor the agent receives on its next poll",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "PreviewAgent")
		if err != nil {
			return err
		}
		defer a.Close()

		desc, err := a.PreviewAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), desc)
	},
}

// group command
var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage agent groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "CreateGroup")
		if err != nil {
			return err
		}
		defer a.Close()

		g, err := a.CreateGroup(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("creating group: %w", err)
		}
		return render(cmd.OutOrStdout(), g)
	},
}

var groupAddMemberCmd = &cobra.Command{
	Use:   "add-member GROUP_ID AGENT",
	Short: "Add an agent (agent ID or machine ID) to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "AddGroupMember")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.AddGroupMember(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("adding member: %w", err)
		}
		fmt.Printf("Added %s to group %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	entityCmd.AddCommand(entityCreateCmd)
	entityCmd.AddCommand(entityListCmd)
	entityCreateCmd.Flags().Int64("parent", model.RootEntityID, "Parent entity ID")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentPreviewCmd)
	agentRegisterCmd.Flags().String("name", "", "Display name (defaults to the machine ID)")
	agentRegisterCmd.Flags().Int64("entity", model.RootEntityID, "Entity the agent belongs to")

	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupAddMemberCmd)

	rootCmd.AddCommand(entityCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(groupCmd)
}
