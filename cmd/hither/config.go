package main

import (
	"github.com/spf13/cobra"

	"github.com/hither-run/hither/pkg/config"
)

// loadConfig builds a config.Config from the --config/--data-dir persistent
// flags, falling back to config.Default.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}
