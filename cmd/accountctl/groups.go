package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

const membersFlagName = "members"

func (a *app) groupCMD() *cobra.Command {
	groupCmd := &cobra.Command{
		Use:   "group",
		Short: "Create, delete and list groups, and manage membership",
	}
	groupCmd.AddCommand(
		a.groupAddCMD(),
		a.groupDelCMD(),
		a.groupListCMD(),
		a.groupJoinCMD(),
		a.groupLeaveCMD(),
	)
	return groupCmd
}

func (a *app) groupAddCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid, err := cmd.Flags().GetInt(gidFlagName)
			if err != nil {
				return err
			}
			members, err := cmd.Flags().GetStringSlice(membersFlagName)
			if err != nil {
				return err
			}
			dir, err := a.directory()
			if err != nil {
				return err
			}
			g, err := dir.CreateGroup(cmd.Context(), args[0], gid, members)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created group %s (gid %d)\n", g.Name, g.GID)
			return nil
		},
	}
	cmd.Flags().Int(gidFlagName, -1, "group id")
	cmd.Flags().StringSlice(membersFlagName, nil, "initial members, comma separated")
	_ = cmd.MarkFlagRequired(gidFlagName)
	return cmd
}

func (a *app) groupDelCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "del NAME",
		Short: "Delete a group no user has as primary group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			if err := dir.DeleteGroup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted group %s\n", args[0])
			return nil
		},
	}
}

func (a *app) groupListCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every group in file order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			groups, err := dir.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, groups, func(w io.Writer) {
				fmt.Fprintln(w, "NAME\tGID\tMEMBERS")
				for _, g := range groups {
					fmt.Fprintf(w, "%s\t%d\t%s\n", g.Name, g.GID, strings.Join(g.Members, ","))
				}
			})
		},
	}
}

func (a *app) groupJoinCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "join USER GROUP...",
		Short: "Add a user to one or more groups",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			if err := dir.AddUserToGroups(cmd.Context(), args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s joined %s\n", args[0], strings.Join(args[1:], ", "))
			return nil
		},
	}
}

func (a *app) groupLeaveCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "leave USER GROUP...",
		Short: "Remove a user from one or more groups",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			if err := dir.RemoveUserFromGroups(cmd.Context(), args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s left %s\n", args[0], strings.Join(args[1:], ", "))
			return nil
		},
	}
}
