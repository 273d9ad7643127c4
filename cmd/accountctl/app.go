package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	ut "kyri56xcaesar/accountd/internal/utils"
	"kyri56xcaesar/accountd/pkg/accountdir"
)

const (
	configFlagName = "config"
	outputFlagName = "output"

	outputTable = "table"
	outputJSON  = "json"
)

// app is the state shared by every subcommand, filled in before any of
// them runs.
type app struct {
	cfg ut.EnvConfig
	dir *accountdir.Directory
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "accountctl",
		Short: "Manage local users, groups, passwords and sudo grants",
		Long: `accountctl edits passwd, group, shadow and sudoers.d in place.
It cooperates with a running accountd through the same lock files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString(configFlagName)
			if err != nil {
				return err
			}
			return a.load(path)
		},
	}
	rootCmd.PersistentFlags().StringP(configFlagName, "c", "configs/accountd.conf",
		"path of the env style configuration file")
	rootCmd.PersistentFlags().StringP(outputFlagName, string(outputFlagName[0]), outputTable,
		"output format, available values: [ table | json ]")

	rootCmd.AddCommand(
		a.userCMD(),
		a.groupCMD(),
		a.passwdCMD(),
		a.lockCMD(),
		a.unlockCMD(),
		a.peersCMD(),
		a.reconcileCMD(),
		a.tokenCMD(),
		secretCMD(),
	)
	return rootCmd
}

func (a *app) load(path string) error {
	cfg, err := ut.LoadConfig(path)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// directory opens the account files, creating any that are missing.
func (a *app) directory() (*accountdir.Directory, error) {
	if a.dir != nil {
		return a.dir, nil
	}
	dir, err := accountdir.New(a.cfg.DirectoryConfig())
	if err != nil {
		return nil, err
	}
	if err := dir.EnsureLayout(); err != nil {
		return nil, err
	}
	a.dir = dir
	return dir, nil
}

func outputFormat(flags *pflag.FlagSet) (string, error) {
	output, err := flags.GetString(outputFlagName)
	if err != nil {
		return "", err
	}
	switch output {
	case outputTable, outputJSON:
		return output, nil
	default:
		return "", fmt.Errorf("unknown output format %q", output)
	}
}

// render prints v as indented json, or calls table with a tab separated
// writer.
func render(cmd *cobra.Command, v any, table func(w io.Writer)) error {
	output, err := outputFormat(cmd.Flags())
	if err != nil {
		return err
	}
	if output == outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}
