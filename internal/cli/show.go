package cli

import (
	"fmt"

	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show the full JSON envelope for a request",
	Long: `Show the complete Request JSON envelope (spec.md §6) for one
request, including its reviews, outcome, and rollback capture if present.
Unlike 'status', this always emits the raw stable JSON shape rather than a
summary, useful for audit or scripting.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		request, reviews, err := dbConn.GetRequestWithReviews(requestID)
		if err != nil {
			return fmt.Errorf("getting request: %w", err)
		}

		outcome, err := dbConn.GetOutcome(requestID)
		if err != nil && err != db.ErrNotFound {
			return fmt.Errorf("getting outcome: %w", err)
		}

		attachments, err := dbConn.ListAttachments(requestID)
		if err != nil {
			return fmt.Errorf("listing attachments: %w", err)
		}

		resp := map[string]any{
			"request":     request,
			"reviews":     reviews,
			"attachments": attachments,
		}
		if outcome != nil {
			resp["outcome"] = outcome
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(resp)
	},
}
