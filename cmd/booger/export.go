package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/booger/internal/store/postgres"
	boogersync "github.com/alfredjeanlab/booger/internal/sync"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Write every stored event as JSONL",
	GroupID: "relay",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		ctx := cmd.Context()

		store, err := postgres.New(ctx, cfg.DB, logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		defer store.Close()

		if exportOut == "" || exportOut == "-" {
			return boogersync.ExportJSONL(ctx, store, cmd.OutOrStdout())
		}
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOut, err)
		}
		if err := boogersync.ExportJSONL(ctx, store, f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file; stdout when empty or -")
	addRelayFlags(exportCmd)
}
