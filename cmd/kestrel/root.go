package main

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
)

// configLoader resolves the configuration for a command, binding its flags.
type configLoader func(cmd *cobra.Command) (*domain.Config, error)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "kestrel",
		Short: "Hybrid transaction risk scoring",
		Long: `Kestrel scores transactions by fusing declarative rules with
anomaly detectors over cached per-entity features.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	var load configLoader = func(cmd *cobra.Command) (*domain.Config, error) {
		return loadConfig(cfgFile, cmd)
	}

	root.AddCommand(
		newServeCmd(load),
		newRulesCmd(),
		newScoreCmd(load),
		newEnsembleCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
			},
		},
	)
	return root
}
