package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/internal/api"
)

var getJSON bool

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get [run-id]",
	Short: "Get the full report of a past run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]
		client := NewClient()
		resp, err := client.Get("/api/v1/runs/" + runID)
		if err != nil {
			return fmt.Errorf("error getting run: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return CheckResponse(resp)
		}

		var apiResp struct {
			Data api.FleetSyncReport `json:"data"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
			return fmt.Errorf("error decoding response: %v", err)
		}

		if getJSON {
			PrintJSON(apiResp.Data)
			return nil
		}

		printReport(apiResp.Data)
		return nil
	},
}

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "print the raw report as JSON")
	runsCmd.AddCommand(getCmd)
}
