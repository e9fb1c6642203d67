package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/driftlab/puffsync/pkg/config"
)

// configureLogger builds the command logger from --log-level, falling back
// to the command's verbose flag and then to warn so sync problems surface
// without flag juggling. Level parsing and formatter setup live in
// pkg/config so the flag path and the config-file path cannot drift apart.
func configureLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		levelStr = "warn"
		if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
			levelStr = "debug"
		}
	}

	cfg := config.Config{LogLevel: levelStr}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return cfg.NewLogger(), nil
}
