package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gantrykit/gantry/pkg/client"
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
	Use:   "gantry",
	Short: "Gantry - autonomous task scheduling and execution engine",
	Long: `Gantry schedules and executes interdependent tasks: tasks enter a
dependency graph, a priority scheduler sequences them, and a bounded
worker pool runs them. Every state change is persisted, so an
interrupted session resumes exactly where it stopped.

One binary runs both the daemon (gantry serve) and the operator CLI
that talks to it.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Gantry version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "localhost:8080", "Daemon API address")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(conflictCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(analyzeCmd)
}

// apiClient builds a client for the daemon named by --addr.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.NewClient(addr)
}
