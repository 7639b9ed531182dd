package cli

import (
	"fmt"

	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a pending or approved request",
	Long: `Cancel a request you created.

Only the requestor's own session may cancel, and only while the request is
still pending or approved (spec.md §4.4). Once a request starts executing,
it can no longer be cancelled.

Examples:
  slb cancel abc123 -s $SESSION_ID`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]

		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		request, err := core.CancelRequest(dbConn, flagSessionID, requestID)
		if err != nil {
			return fmt.Errorf("cancelling request: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"request_id": request.ID,
			"status":     string(request.Status),
		})
	},
}
