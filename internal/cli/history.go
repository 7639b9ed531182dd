package cli

import (
	"fmt"

	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagHistoryLimit  int
	flagHistorySearch string
	flagHistoryStatus string
)

func init() {
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 50, "maximum number of requests to list")
	historyCmd.Flags().StringVar(&flagHistorySearch, "search", "", "full-text query (spec.md §4.4 search(fts_query))")
	historyCmd.Flags().StringVar(&flagHistoryStatus, "status", "", "filter to a single request status")

	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List or search this project's request history",
	Long: `List past requests in this project, most recent first. Pass
--search to run a full-text query over command text and justification
fields, or --status to filter to one lifecycle state.

Examples:
  slb history
  slb history --status rejected
  slb history --search "force push"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectPath()
		if err != nil {
			return err
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		var requests []*db.Request
		switch {
		case flagHistorySearch != "":
			requests, err = dbConn.Search(project, flagHistorySearch, flagHistoryLimit)
		case flagHistoryStatus != "":
			requests, err = dbConn.ListByStatus(project, db.RequestStatus(flagHistoryStatus))
		default:
			requests, err = dbConn.ListAllRequests(project, flagHistoryLimit)
		}
		if err != nil {
			return fmt.Errorf("listing history: %w", err)
		}

		result := make([]map[string]any, len(requests))
		for i, r := range requests {
			result[i] = map[string]any{
				"request_id":   r.ID,
				"command":      displayCommandFor(r),
				"status":       string(r.Status),
				"risk_tier":    string(r.RiskTier),
				"requestor":    r.RequestorAgent,
				"created_at":   r.CreatedAt,
				"resolved_at":  r.ResolvedAt,
			}
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(result)
	},
}
