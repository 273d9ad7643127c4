package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kyri56xcaesar/accountd/internal/homedir"
	"kyri56xcaesar/accountd/internal/logger"
	"kyri56xcaesar/accountd/pkg/accountdir"
)

const (
	uidFlagName           = "uid"
	gidFlagName           = "gid"
	hashFlagName          = "hash"
	passwordFlagName      = "password"
	passwordStdinFlagName = "password-stdin"
	gecosFlagName         = "gecos"
	homeFlagName          = "home"
	shellFlagName         = "shell"
	primaryGroupFlagName  = "primary-group"
	sudoFlagName          = "sudo"
	createHomeFlagName    = "create-home"
	removeHomeFlagName    = "remove-home"
)

func (a *app) userCMD() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Create, delete and inspect users",
	}
	userCmd.AddCommand(a.userAddCMD(), a.userDelCMD(), a.userGetCMD(), a.userListCMD())
	return userCmd
}

// addPasswordFlags registers the three mutually exclusive ways to give a password.
func addPasswordFlags(cmd *cobra.Command) {
	cmd.Flags().String(hashFlagName, "", "crypt(3) hash stored verbatim")
	cmd.Flags().String(passwordFlagName, "", "plaintext password, bcrypt hashed before storing")
	cmd.Flags().Bool(passwordStdinFlagName, false, "read the plaintext password from the first line of stdin")
	cmd.MarkFlagsMutuallyExclusive(hashFlagName, passwordFlagName, passwordStdinFlagName)
}

// hashFromFlags returns the hash to store, or "" when no password was given.
func (a *app) hashFromFlags(flags *pflag.FlagSet, stdin io.Reader) (string, error) {
	hash, err := flags.GetString(hashFlagName)
	if err != nil {
		return "", err
	}
	plain, err := flags.GetString(passwordFlagName)
	if err != nil {
		return "", err
	}
	fromStdin, err := flags.GetBool(passwordStdinFlagName)
	if err != nil {
		return "", err
	}
	if fromStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		plain = strings.TrimRight(line, "\r\n")
		if plain == "" {
			return "", errors.New("empty password on stdin")
		}
	}
	if plain != "" {
		return accountdir.HashPassword(plain, accountdir.HashScheme(a.cfg.HASH_SCHEME), a.cfg.HASH_COST)
	}
	return hash, nil
}

func (a *app) homes() *homedir.Provisioner {
	log, _ := logger.New("", false, false)
	return homedir.New(a.cfg.DEFAULT_HOME_BASE, a.cfg.HOME_SKEL_DIR, a.cfg.HOME_DRY_RUN, log)
}

func (a *app) userAddCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a user, its primary group when missing and its shadow entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			spec := accountdir.UserSpec{Name: args[0]}
			var err error
			if spec.UID, err = flags.GetInt(uidFlagName); err != nil {
				return err
			}
			if spec.GID, err = flags.GetInt(gidFlagName); err != nil {
				return err
			}
			if spec.Gecos, err = flags.GetString(gecosFlagName); err != nil {
				return err
			}
			if spec.Home, err = flags.GetString(homeFlagName); err != nil {
				return err
			}
			if spec.Shell, err = flags.GetString(shellFlagName); err != nil {
				return err
			}
			if spec.PrimaryGroup, err = flags.GetString(primaryGroupFlagName); err != nil {
				return err
			}
			if spec.Sudo, err = flags.GetBool(sudoFlagName); err != nil {
				return err
			}
			if spec.Hash, err = a.hashFromFlags(flags, cmd.InOrStdin()); err != nil {
				return err
			}
			createHome := a.cfg.HOME_PROVISION
			if flags.Changed(createHomeFlagName) {
				if createHome, err = flags.GetBool(createHomeFlagName); err != nil {
					return err
				}
			}

			if createHome && spec.Home != "" {
				if err := a.homes().Check(spec.Home); err != nil {
					return err
				}
			}

			dir, err := a.directory()
			if err != nil {
				return err
			}
			u, err := dir.CreateUser(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (uid %d, gid %d, home %s)\n", u.Name, u.UID, u.GID, u.Home)
			if createHome {
				if err := a.homes().Create(u.Home, u.UID, u.GID); err != nil {
					return fmt.Errorf("user created but home provisioning failed: %w", err)
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int(uidFlagName, -1, "user id")
	flags.Int(gidFlagName, -1, "primary group id, the group is created when missing")
	flags.String(gecosFlagName, "", "comment field")
	flags.String(homeFlagName, "", "home directory, defaults to DEFAULT_HOME_BASE/NAME")
	flags.String(shellFlagName, "", "login shell, defaults to DEFAULT_SHELL")
	flags.String(primaryGroupFlagName, "", "name of the primary group when it has to be created, defaults to NAME")
	flags.Bool(sudoFlagName, false, "grant passwordless sudo")
	flags.Bool(createHomeFlagName, false, "populate the home directory from HOME_SKEL_DIR (default HOME_PROVISION)")
	addPasswordFlags(cmd)
	_ = cmd.MarkFlagRequired(uidFlagName)
	_ = cmd.MarkFlagRequired(gidFlagName)
	return cmd
}

func (a *app) userDelCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "del NAME",
		Short: "Delete a user everywhere, pruning groups left without purpose",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removeHome, err := cmd.Flags().GetBool(removeHomeFlagName)
			if err != nil {
				return err
			}
			dir, err := a.directory()
			if err != nil {
				return err
			}

			removed, pruned, err := dir.DeleteUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "deleted user %s\n", args[0])
			if len(pruned) > 0 {
				fmt.Fprintf(out, "pruned groups: %s\n", strings.Join(pruned, ", "))
			}
			if removeHome {
				return a.homes().Remove(removed.Home)
			}
			return nil
		},
	}
	cmd.Flags().Bool(removeHomeFlagName, false, "also remove the home directory")
	return cmd
}

func (a *app) userGetCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show a user and the groups it belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			info, err := dir.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, info, func(w io.Writer) {
				fmt.Fprintf(w, "NAME\t%s\nUID\t%d\nGID\t%d\nGECOS\t%s\nHOME\t%s\nSHELL\t%s\n",
					info.Name, info.UID, info.GID, info.Gecos, info.Home, info.Shell)
				for _, g := range info.Groups {
					fmt.Fprintf(w, "GROUP\t%s (%d, %s)\n", g.Name, g.GID, g.Role)
				}
			})
		},
	}
}

func (a *app) userListCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every user in passwd order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.directory()
			if err != nil {
				return err
			}
			users, err := dir.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, users, func(w io.Writer) {
				fmt.Fprintln(w, "NAME\tUID\tGID\tHOME\tSHELL")
				for _, u := range users {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", u.Name, u.UID, u.GID, u.Home, u.Shell)
				}
			})
		},
	}
}
