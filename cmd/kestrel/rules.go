package main

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Load every rule in a file and report the first error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			set, err := rules.LoadRuleSet(specs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", args[0], set.Len())
			for _, r := range set.Rules() {
				state := "enabled"
				if !r.Enabled() {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-24s weight=%-6g %s\n", r.ID(), r.Weight(), state)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "kinds",
		Short: "List the registered rule types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), strings.Join(rules.Kinds(), "\n"))
		},
	})

	return cmd
}
