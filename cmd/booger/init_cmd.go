package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/booger/internal/config"
)

var initCmd = &cobra.Command{
	Use:     "init [path]",
	Short:   "Write a default config file",
	GroupID: "system",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultPath
		if len(args) == 1 {
			path = args[0]
		} else if configPath != "" {
			path = configPath
		}
		if err := config.WriteDefault(path); err != nil {
			if errors.Is(err, config.ErrExists) {
				return fmt.Errorf("%w; remove it first to start over", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}
