// Package main provides the afkeeper binary: the session keeper service and
// its maintenance commands.
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "afkeeper",
		Short:         "Keep automated game sessions connected and observable",
		Long:          "afkeeper runs a fixed set of game sessions that reconnect on failure, defeat idle kicks, and stream their status and logs to browser observers.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/dev.yaml", "path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newPruneCmd(opts),
		newHashTokenCmd(),
	)
	return rootCmd
}
