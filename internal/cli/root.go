// Package cli implements the driver's command-line interface using Cobra:
// starting the driver itself, and a small set of admin commands that talk
// to a running driver's HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mudforge",
	Short: "mudforge — a MUD driver",
	Long: `mudforge is a MUD driver: it loads Lua game objects, runs them on a
single cooperative scheduler, and exposes them to players over WebSocket.

Game content lives in a separate mudlib tree; this binary is the driver
that runs it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
