package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the selfheald command with its subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "selfheald",
		Short:         "Dependency health monitor with rule-driven recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(
		newRunCmd(),
		newValidateRulesCmd(),
	)

	return root
}
