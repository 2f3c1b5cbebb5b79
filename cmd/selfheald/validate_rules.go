package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	selfheal "github.com/JohnPlummer/jp-go-selfheal"
)

func newValidateRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-rules <file>",
		Short: "Parse a rules file and print the rules in evaluation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := selfheal.LoadRulesFile(args[0])
			if err != nil {
				return err
			}

			// Loading into a monitor applies defaults, ordering and duplicate checks.
			m, err := selfheal.New(selfheal.DefaultConfig(), selfheal.WithRules(rules...))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tID\tSERVICE\tACTION\tMAX\tCOOLDOWN\tENABLED\tCONDITION")
			for _, r := range m.RecoveryRules() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
					r.Priority, r.ID, r.ServiceName, r.Action, r.MaxAttempts, r.Cooldown, r.Enabled, r.Condition)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d rules OK\n", len(rules))
			return err
		},
	}
}
