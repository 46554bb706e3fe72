package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	objectsCmd.Flags().StringVar(&objectsHost, "host", "", "Driver host (default 127.0.0.1)")
	objectsCmd.Flags().IntVar(&objectsPort, "port", 0, "Driver port (default 4000)")
	rootCmd.AddCommand(objectsCmd)
}

var (
	objectsHost string
	objectsPort int
)

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "List every Blueprint loaded in a running driver",
	RunE:  runObjects,
}

func runObjects(cmd *cobra.Command, args []string) error {
	url := adminBaseURL(objectsHost, objectsPort) + "/api/objects"
	body, err := adminGet(url)
	if err != nil {
		return err
	}

	blueprints, _ := body["blueprints"].([]any)
	if len(blueprints) == 0 {
		fmt.Println("no blueprints loaded")
		return nil
	}
	for _, bp := range blueprints {
		fmt.Println(bp)
	}
	return nil
}
