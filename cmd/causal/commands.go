// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCausal/pkg/logging"
	"github.com/AleutianAI/AleutianCausal/services/causal/config"
	"github.com/AleutianAI/AleutianCausal/services/causal/fit"
)

// app holds the state shared by every subcommand after PersistentPreRunE.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "causal",
		Short:         "Causal reasoning over program structure and execution traces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Name())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"Path to a YAML config file (default: $"+config.EnvConfigPath+" or built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Override logging.level (debug, info, warn, error)")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage stored models",
	}
	modelsCmd.AddCommand(
		newModelsListCmd(a),
		newModelsDeleteCmd(a),
		newModelsExportCmd(a),
	)

	rootCmd.AddCommand(
		newServeCmd(a),
		newBuildCmd(a),
		newFitCmd(a),
		newImpactCmd(a),
		modelsCmd,
		newWorkerCmd(a),
	)
	return rootCmd
}

// setup loads configuration and installs the process logger.
func (a *app) setup(command string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	service := "causal"
	if command == fit.WorkerSubcommand {
		service = "causal-worker"
	}
	a.logger = logging.New(cfg.LoggingConfig(service))
	slog.SetDefault(a.logger.Slog())
	return nil
}

// slog returns the process logger.
func (a *app) slog() *slog.Logger {
	return a.logger.Slog()
}
