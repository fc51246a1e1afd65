package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskwarden/internal/app"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}
		cfg, err := app.ValidateConfig(path)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		driver := cfg.Storage.Driver
		if driver == "" {
			driver = "memory"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config %s is valid (storage=%s, verification=%t)\n",
			path, driver, cfg.Verification.IsEnabled())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
