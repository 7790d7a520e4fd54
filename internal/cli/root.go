// Package cli implements the peerd command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/peerd/internal/api"
)

var rootCmd = &cobra.Command{
	Use:   "peerd",
	Short: "Peer connection controller",
	Long: `peerd keeps a set of TCP peers connected.
It dials known peers, accepts inbound connections, tracks every peer's
lifecycle and persists the known peer list across restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	api.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
