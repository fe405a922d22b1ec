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

var listLimit int

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewClient()
		resp, err := client.Get(fmt.Sprintf("/api/v1/runs?limit=%d", listLimit))
		if err != nil {
			return fmt.Errorf("error fetching runs: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return CheckResponse(resp)
		}

		var apiResp struct {
			Data []api.RunRecord `json:"data"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
			return fmt.Errorf("error decoding response: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTRIGGER\tSTARTED\tTOTAL\tFAILED")
		for _, run := range apiResp.Data {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", run.ID, run.Trigger, run.StartedAt.Format(time.RFC3339), run.Total, run.Failed)
		}
		w.Flush()

		return nil
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of runs to list")
	runsCmd.AddCommand(listCmd)
}
