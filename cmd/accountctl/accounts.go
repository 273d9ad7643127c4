package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	ut "kyri56xcaesar/accountd/internal/utils"
	"kyri56xcaesar/accountd/pkg/accountdir"
)

const (
	excludeFlagName = "exclude"
	repairFlagName  = "repair"
)

func (a *app) passwdCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd USER",
		Short: "Replace the password hash of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := a.hashFromFlags(cmd.Flags(), cmd.InOrStdin())
			if err != nil {
				return err
			}
			if hash == "" {
				return fmt.Errorf("one of --%s, --%s or --%s is required", hashFlagName, passwordFlagName, passwordStdinFlagName)
			}
			dir, err := a.directory()
			if err != nil {
				return err
			}
			if err := dir.SetPassword(cmd.Context(), args[0], hash); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password of %s updated\n", args[0])
			return nil
		},
	}
	addPasswordFlags(cmd)
	return cmd
}

func (a *app) lockCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "lock USER",
		Short: "Disable password login for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			if err := dir.LockAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", args[0])
			return nil
		},
	}
}

func (a *app) unlockCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock USER",
		Short: "Re-enable password login for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			if err := dir.UnlockAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", args[0])
			return nil
		},
	}
}

func (a *app) peersCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the homes of the members of the given groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := cmd.Flags().GetStringArray(gidFlagName)
			if err != nil {
				return err
			}
			gids, err := ut.SplitAllToInt(raw, ",")
			if err != nil {
				return err
			}
			exclude, err := cmd.Flags().GetString(excludeFlagName)
			if err != nil {
				return err
			}
			dir, err := a.directory()
			if err != nil {
				return err
			}
			peers, err := dir.GroupPeerHomes(cmd.Context(), gids, exclude)
			if err != nil {
				return err
			}
			if peers == nil {
				peers = []accountdir.PeerHome{}
			}
			return render(cmd, peers, func(w io.Writer) {
				fmt.Fprintln(w, "USER\tHOME")
				for _, p := range peers {
					fmt.Fprintf(w, "%s\t%s\n", p.Username, p.Home)
				}
			})
		},
	}
	cmd.Flags().StringArray(gidFlagName, nil, "group id, repeatable or comma separated")
	cmd.Flags().String(excludeFlagName, "", "user to leave out, usually the caller")
	return cmd
}

// errOutstanding makes reconcile exit non-zero while issues need an operator.
var errOutstanding = errors.New("issues need manual repair")

func (a *app) reconcileCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Check passwd, group, shadow and sudoers.d against each other",
		Long: `Reports entries that break the rules between the four stores.
With --repair, drops unknown and repeated members, adds locked shadow entries,
and removes orphan shadow entries and grant files. The rest is only reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repair, err := cmd.Flags().GetBool(repairFlagName)
			if err != nil {
				return err
			}
			dir, err := a.directory()
			if err != nil {
				return err
			}
			rep, err := dir.Reconcile(cmd.Context(), repair)
			if err != nil {
				return err
			}
			err = render(cmd, rep, func(w io.Writer) {
				if rep.Clean() {
					fmt.Fprintln(w, "no issues found")
					return
				}
				fmt.Fprintln(w, "KIND\tSUBJECT\tREPAIRED\tDETAIL")
				for _, i := range rep.Issues {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", i.Kind, i.Subject, i.Repaired, i.Detail)
				}
			})
			if err != nil {
				return err
			}
			if n := len(rep.Outstanding()); n > 0 {
				return fmt.Errorf("%d %w", n, errOutstanding)
			}
			return nil
		},
	}
	cmd.Flags().Bool(repairFlagName, false, "fix what can be fixed without guessing")
	return cmd
}
