package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cory-johannsen/afkeeper/internal/config"
	"github.com/cory-johannsen/afkeeper/internal/hub"
	"github.com/cory-johannsen/afkeeper/internal/storage/postgres"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the log journal schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			res, err := postgres.Migrate(cfg.Database.DSN(), direction, steps)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			if !res.Changed {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, elapsed)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migrated %s to version=%d dirty=%v [%s]\n", direction, res.Version, res.Dirty, elapsed)
			return err
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "migration direction: up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return cmd
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journaled log lines beyond the newest per session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must be >= 0, got %d", keep)
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			pool, err := postgres.NewPool(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer pool.Close()

			deleted, err := postgres.NewLogRepository(pool.DB()).Prune(cmd.Context(), keep)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d log lines, kept up to %d per session\n", deleted, keep)
			return err
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 1000, "log lines to keep per session")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to set as http.control_token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := hub.HashToken(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}
