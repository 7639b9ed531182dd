// Package cli implements the outcome command for recording execution feedback.
package cli

import (
	"fmt"
	"time"

	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

var (
	outcomeNotes        string
	outcomeLimit        int
	outcomeProblemsOnly bool
)

func init() {
	rootCmd.AddCommand(outcomeCmd)
	outcomeCmd.AddCommand(outcomeRecordCmd)
	outcomeCmd.AddCommand(outcomeListCmd)
	outcomeCmd.AddCommand(outcomeStatsCmd)

	outcomeRecordCmd.Flags().StringVarP(&outcomeNotes, "notes", "n", "", "feedback about whether the execution caused problems")

	outcomeListCmd.Flags().IntVar(&outcomeLimit, "limit", 20, "maximum number of outcomes to list")
	outcomeListCmd.Flags().BoolVar(&outcomeProblemsOnly, "problems-only", false, "only show outcomes with a non-zero exit code or marked orphaned")
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Record and view execution outcomes",
	Long: `Manage execution outcome feedback for analytics and learning.

The exit code, duration, and log path of every executed request are recorded
automatically by 'slb run'. Use this command to attach human feedback
afterward, or to review the project's execution history.

Examples:
  slb outcome record <request-id> -n "broke the staging deploy"
  slb outcome list
  slb outcome list --problems-only
  slb outcome stats`,
}

var outcomeRecordCmd = &cobra.Command{
	Use:   "record <request-id>",
	Short: "Attach human feedback to an executed request's outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		request, err := dbConn.GetRequest(requestID)
		if err != nil {
			return fmt.Errorf("getting request: %w", err)
		}
		if request.Status != db.StatusExecuted && request.Status != db.StatusExecutionFailed {
			return fmt.Errorf("request has not been executed yet (status: %s)", request.Status)
		}

		if err := dbConn.UpdateOutcomeFeedback(requestID, outcomeNotes); err != nil {
			return fmt.Errorf("recording feedback: %w", err)
		}

		outcome, err := dbConn.GetOutcome(requestID)
		if err != nil {
			return fmt.Errorf("reading outcome: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"request_id":     outcome.RequestID,
			"exit_code":      outcome.ExitCode,
			"duration_ms":    outcome.DurationMs,
			"human_feedback": outcome.HumanFeedback,
			"recorded_at":    outcome.CreatedAt.Format(time.RFC3339),
		})
	},
}

var outcomeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent execution outcomes",
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

		var outcomes []*db.ExecutionOutcome
		if outcomeProblemsOnly {
			outcomes, err = dbConn.ListProblematicOutcomes(project, outcomeLimit)
		} else {
			outcomes, err = dbConn.ListOutcomes(project, outcomeLimit)
		}
		if err != nil {
			return fmt.Errorf("listing outcomes: %w", err)
		}

		result := make([]map[string]any, len(outcomes))
		for i, o := range outcomes {
			result[i] = map[string]any{
				"request_id":     o.RequestID,
				"exit_code":      o.ExitCode,
				"duration_ms":    o.DurationMs,
				"human_feedback": o.HumanFeedback,
				"orphaned":       o.Orphaned,
				"created_at":     o.CreatedAt.Format(time.RFC3339),
			}
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"outcomes": result,
			"count":    len(result),
		})
	},
}

var outcomeStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outcome statistics",
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

		outcomeStats, err := dbConn.GetOutcomeStats(project)
		if err != nil {
			return fmt.Errorf("getting outcome stats: %w", err)
		}

		approvalStats, err := dbConn.GetTimeToApprovalStats(project)
		if err != nil {
			return fmt.Errorf("getting approval stats: %w", err)
		}

		agentStats, err := dbConn.GetRequestStatsByAgent(project)
		if err != nil {
			return fmt.Errorf("getting agent stats: %w", err)
		}
		byAgent := make([]map[string]any, len(agentStats))
		for i, s := range agentStats {
			byAgent[i] = map[string]any{
				"agent":     s.Agent,
				"total":     s.Total,
				"approved":  s.Approved,
				"rejected":  s.Rejected,
				"timed_out": s.TimedOut,
				"cancelled": s.Cancelled,
			}
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"outcomes": map[string]any{
				"count":         outcomeStats.Count,
				"success_count": outcomeStats.SuccessCount,
				"success_rate":  outcomeStats.SuccessRate,
				"orphan_count":  outcomeStats.OrphanCount,
			},
			"approval_times": map[string]any{
				"count":       approvalStats.Count,
				"avg_seconds": approvalStats.AvgSeconds,
				"max_seconds": approvalStats.MaxSeconds,
			},
			"by_agent": byAgent,
		})
	},
}
