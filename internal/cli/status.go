package cli

import (
	"fmt"
	"time"

	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagStatusWait        bool
	flagStatusWaitTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&flagStatusWait, "wait", false, "block until the request leaves pending review")
	statusCmd.Flags().DurationVar(&flagStatusWaitTimeout, "wait-timeout", 5*time.Minute, "maximum time to block with --wait")
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show a request's current status, reviews, and outcome",
	Long: `Show the full state of a single request: its command, risk tier,
review progress, and (once resolved) execution outcome.

Pass --wait to block until the request resolves past pending review, useful
for an agent that just submitted a request and wants to poll for the verdict
without its own retry loop.

Examples:
  slb status <request-id>
  slb status <request-id> --wait`,
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

		if flagStatusWait {
			request, reviews, err = waitForResolution(dbConn, requestID, flagStatusWaitTimeout)
			if err != nil {
				return err
			}
		}

		return writeStatus(dbConn, request, reviews)
	},
}

// waitForResolution polls a request until it leaves pending status or the
// timeout elapses, returning whatever state it last observed either way.
func waitForResolution(dbConn *db.DB, requestID string, timeout time.Duration) (*db.Request, []*db.Review, error) {
	deadline := time.Now().Add(timeout)
	for {
		request, reviews, err := dbConn.GetRequestWithReviews(requestID)
		if err != nil {
			return nil, nil, fmt.Errorf("getting request: %w", err)
		}
		if request.Status != db.StatusPending || time.Now().After(deadline) {
			return request, reviews, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func writeStatus(dbConn *db.DB, request *db.Request, reviews []*db.Review) error {
	approvals := 0
	rejections := 0
	reviewList := make([]map[string]any, len(reviews))
	for i, rv := range reviews {
		switch rv.Decision {
		case db.DecisionApprove:
			approvals++
		case db.DecisionReject:
			rejections++
		}
		reviewList[i] = map[string]any{
			"reviewer_session_id": rv.ReviewerSessionID,
			"reviewer":            reviewerAgentName(dbConn, rv),
			"decision":            string(rv.Decision),
			"comment":             rv.Comment,
			"created_at":          rv.CreatedAt,
		}
	}

	result := map[string]any{
		"request_id":      request.ID,
		"status":          string(request.Status),
		"command":         request.Command.Raw,
		"risk_tier":       string(request.RiskTier),
		"project_path":    request.ProjectPath,
		"min_approvals":   request.MinApprovals,
		"requestor_agent": request.RequestorAgent,
		"approval_count":  approvals,
		"rejection_count": rejections,
		"reviews":         reviewList,
		"created_at":      request.CreatedAt,
	}
	if request.ApprovalExpiresAt != nil {
		result["approval_expires_at"] = *request.ApprovalExpiresAt
	}
	if request.Rollback != nil {
		result["rollback_path"] = request.Rollback.Path
	}

	out := output.New(output.Format(GetOutput()))
	return out.Write(result)
}

// reviewerAgentName looks up the display name for whoever cast rv, falling
// back to the raw session ID if the session has since been removed.
func reviewerAgentName(dbConn *db.DB, rv *db.Review) string {
	session, err := dbConn.GetSession(rv.ReviewerSessionID)
	if err != nil {
		return rv.ReviewerSessionID
	}
	return session.AgentName
}
