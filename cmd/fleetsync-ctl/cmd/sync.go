package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a fleet sync",
	Long:  `Ask the server to start a fleet sync. The server runs it in the background; use report to see the outcome.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		resp, err := client.Post("/api/v1/sync", nil)
		if err != nil {
			return fmt.Errorf("error triggering sync: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return CheckResponse(resp)
		}

		fmt.Println("Sync started.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
