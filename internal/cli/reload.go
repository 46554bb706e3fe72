package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func init() {
	reloadCmd.Flags().StringVar(&reloadHost, "host", "", "Driver host (default 127.0.0.1)")
	reloadCmd.Flags().IntVar(&reloadPort, "port", 0, "Driver port (default 4000)")
	rootCmd.AddCommand(reloadCmd)
}

var (
	reloadHost string
	reloadPort int
)

var reloadCmd = &cobra.Command{
	Use:   "reload <path>",
	Short: "Recompile a Blueprint and rebind every live Clone to the new code",
	Args:  cobra.ExactArgs(1),
	RunE:  runReload,
}

func runReload(cmd *cobra.Command, args []string) error {
	path := args[0]
	base := adminBaseURL(reloadHost, reloadPort)
	body, err := adminPost(base + "/api/reload?path=" + url.QueryEscape(path))
	if err != nil {
		return err
	}
	fmt.Printf("reloaded %v\n", body["reloaded"])
	return nil
}
