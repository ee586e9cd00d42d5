package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/booger/internal/plugs/builtin"
	"github.com/alfredjeanlab/booger/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Apply database migrations for the relay and its plugs",
	GroupID: "relay",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()

		db, err := postgres.Connect(ctx, cfg.DB, logger)
		if err != nil {
			return fmt.Errorf("connect to event store: %w", err)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db, logger); err != nil {
			return err
		}

		exts, err := builtin.Load(ctx, cfg.Plugs.Use, cfg, logger)
		if err != nil {
			return err
		}
		defer builtin.Close(exts)
		if err := builtin.Migrate(ctx, exts); err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

func init() {
	addRelayFlags(migrateCmd)
}
