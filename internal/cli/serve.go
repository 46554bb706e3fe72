package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mudforge/driver/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the driver",
	Long:  `Boot the registry, loader, scheduler, efun bridge and connection layer, then serve players until terminated.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}

	if serveHost != "" {
		d.Config.Driver.Host = serveHost
	}
	if servePort > 0 {
		d.Config.Driver.Port = servePort
	}

	return d.Serve(context.Background())
}
