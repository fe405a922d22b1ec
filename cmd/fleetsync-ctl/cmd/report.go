package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetsync/fleetsync/internal/api"
)

var reportJSON bool

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the most recent sync report",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		resp, err := client.Get("/api/v1/report")
		if err != nil {
			return fmt.Errorf("error fetching report: %v", err)
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

		if reportJSON {
			PrintJSON(apiResp.Data)
			return nil
		}

		printReport(apiResp.Data)
		return nil
	},
}

func printReport(report api.FleetSyncReport) {
	fmt.Printf("Run %s (%s), started %s\n\n", report.RunID, report.Trigger, report.StartedAt.Format(time.RFC3339))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTAGE\tRESULT\tERROR")
	for _, res := range report.Results {
		result := "ok"
		if !res.Success() {
			result = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.Name, res.Stage, result, res.Error)
	}
	w.Flush()

	failed := report.Failed()
	fmt.Printf("\n%d synced, %d failed\n", len(report.Results)-failed, failed)
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the raw report as JSON")
	rootCmd.AddCommand(reportCmd)
}
