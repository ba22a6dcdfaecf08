package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pacerhq/pacer/internal/config"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	flagHome     string
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "pacer",
	Short:         "pacer - pacing and telemetry sidecar for AI coding sessions",
	Long:          `pacer runs as the hook handler of an AI coding assistant: it exports conversation traces to an observability backend, masks declared secrets, and paces API quota consumption.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "state directory (default $PACER_HOME or ~/.config/pacer)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	registerHookCommands(rootCmd)
	registerAdminCommands(rootCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pacer %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

// loadConfig builds the effective configuration from flags downward.
func loadConfig() *config.Config {
	return config.Load(config.Overrides{
		Home:       flagHome,
		LogLevel:   flagLogLevel,
		ConfigFile: flagConfig,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
