package cli

import (
	"fmt"

	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagPendingAllProjects bool
	flagPendingReviewPool  bool
)

func init() {
	rootCmd.AddCommand(pendingCmd)

	pendingCmd.Flags().BoolVar(&flagPendingAllProjects, "all-projects", false, "list pending requests across every project, not just the current one")
	pendingCmd.Flags().BoolVar(&flagPendingReviewPool, "review-pool", false, "exclude requests raised by the acting session itself")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List requests awaiting review",
	Long: `List requests currently pending review.

By default, lists pending requests for the current project. Pass
--all-projects to see every project's queue, or --review-pool with
-s/--session-id to see only requests a given reviewer session could still
cast a vote on (excluding its own).

Examples:
  slb pending
  slb pending --all-projects
  slb pending -s <session-id> --review-pool`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		var requests []*db.Request
		if flagPendingAllProjects {
			requests, err = dbConn.ListPendingAllProjects()
		} else {
			project, perr := projectPath()
			if perr != nil {
				return perr
			}
			requests, err = dbConn.ListPendingRequests(project)
		}
		if err != nil {
			return fmt.Errorf("listing pending requests: %w", err)
		}

		if flagPendingReviewPool && flagSessionID != "" {
			filtered := make([]*db.Request, 0, len(requests))
			for _, r := range requests {
				if r.RequestorSessionID != flagSessionID {
					filtered = append(filtered, r)
				}
			}
			requests = filtered
		}

		result := make([]map[string]any, len(requests))
		for i, r := range requests {
			result[i] = map[string]any{
				"request_id":    r.ID,
				"command":       r.Command.Raw,
				"risk_tier":     string(r.RiskTier),
				"project_path":  r.ProjectPath,
				"min_approvals": r.MinApprovals,
				"created_at":    r.CreatedAt,
				"expires_at":    r.ExpiresAt,
			}
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(result)
	},
}

// dedupeStrings returns in, with duplicate and empty entries removed,
// preserving first-seen order.
func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
