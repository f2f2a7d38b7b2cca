// Package cli defines Cobra command definitions for the nbctl binary.
// This file contains the root command, shared flags, and the
// per-invocation config and logger setup.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/config"
	"github.com/davidwarshawsky/mcp-server-jupyter/internal/common/logger"
)

var (
	configPath string
	verbose    bool
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "nbctl",
	Short: "Inspect and repair mcp-jupyter server state",
	Long: `nbctl works against the same configuration as the mcp-jupyter
server. It lists persisted kernel sessions, reaps kernels whose owning
server is gone, and queries the provenance trail.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing config.yaml (default: . and /etc/mcp-jupyter)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log component internals to stderr")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(provenanceCmd)
}

// loadEnvironment resolves configuration and a logger for one command
// invocation. The logger stays quiet unless --verbose is set so command
// output remains parseable.
func loadEnvironment() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	level := "error"
	if verbose {
		level = "debug"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     "console",
		OutputPath: "stderr",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, log, nil
}
