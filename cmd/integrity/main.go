package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
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
	Use:   "integrity",
	Short: "Integrity - node state management and integrity monitoring",
	Long: `Integrity tracks the composite state (administrative, operational,
availability and standby) of every node in a redundant cluster, keeps it in
a shared store, and gates business transactions on node sanity.

Run "integrity run" on every node with store.backend=etcd so all nodes share
their records; the other commands talk to a running node.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Integrity version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "127.0.0.1:9090", "HTTP address of the node")
	rootCmd.PersistentFlags().StringP("output", "o", "yaml", "Output format (yaml|json)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Request timeout (0 uses the client default)")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(readyCmd)
}
