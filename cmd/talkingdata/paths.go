package main

import (
	"github.com/spf13/cobra"

	"github.com/benaskins/talkingdata/internal/config"
)

// loadConfig reads the file named by --config, or the default path.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
