package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stintlab/stint/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stint",
	Short: "Stint - brokered compute sessions on a worker fleet",
	Long: `Stint brokers time-bounded, resource-limited compute sessions on a
fleet of worker hosts. Users book a container image with CPU and memory
needs for a future window; an admin approves the booking onto a worker;
the controller starts the container at the scheduled moment and tears it
down when the booking expires.

Run one controller and one agent per worker host.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stint version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(addAgentCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
