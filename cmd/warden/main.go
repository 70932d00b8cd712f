// Package main provides the CLI entry point for the Warden agent governance
// service.
//
// Warden sits between AI agents and their tools, enforcing permission
// profiles, rate limits, and circuit breakers on every tool call, and running
// an anomaly detection loop that can pause misbehaving agents.
//
// # Basic Usage
//
// Start the service:
//
//	warden serve --config warden.yaml
//
// Check whether an agent may call a tool:
//
//	warden check --agent agent-1 --tool web_search
//
// Inspect detection rules and interventions:
//
//	warden rules list
//	warden interventions list --agent agent-1
//
// # Environment Variables
//
//   - WARDEN_CONFIG: Path to configuration file (default: warden.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Configure structured logging with JSON output for production parsing.
	// serve replaces this with the logger built from the config file.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - Tool-call governance for AI agents",
		Long: `Warden governs agent tool calls with permission profiles, token-bucket
rate limits, and per-tool circuit breakers, and runs an anomaly detection
loop that pauses agents whose behavior trips a guardrail rule.

Documentation: https://github.com/haasonsaas/warden`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCheckCmd(),
		buildRulesCmd(),
		buildInterventionsCmd(),
	)

	return rootCmd
}
