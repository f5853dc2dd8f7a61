// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/stakehouse/stakehouse/internal/config"
	"github.com/stakehouse/stakehouse/internal/logging"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Stakehouse CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stakehouse",
		Short: "Stakehouse - identity and session core",
		Long: `Stakehouse is the identity and session core for a betting-game
platform: accounts, credential verification with optional TOTP, and
session-token management on PostgreSQL.`,
	}

	// Global flags; log settings are overridable per invocation, the rest
	// comes from the config file and environment.
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().String("log.level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log.format", "text", "log format (json, text)")

	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig builds the configuration for a subcommand and installs the
// default logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	logging.SetDefault("stakehouse", cmd.Root().Version, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
