package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	sessionsCmd.Flags().StringVar(&sessionsHost, "host", "", "Driver host (default 127.0.0.1)")
	sessionsCmd.Flags().IntVar(&sessionsPort, "port", 0, "Driver port (default 4000)")
	rootCmd.AddCommand(sessionsCmd)
}

var (
	sessionsHost string
	sessionsPort int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List players currently connected to a running driver",
	RunE:  runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	url := adminBaseURL(sessionsHost, sessionsPort) + "/api/sessions"
	body, err := adminGet(url)
	if err != nil {
		return err
	}

	players, _ := body["players"].([]any)
	if len(players) == 0 {
		fmt.Println("no players connected")
		return nil
	}
	for _, p := range players {
		fmt.Println(p)
	}
	return nil
}
