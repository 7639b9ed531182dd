package cli

import (
	"fmt"
	"os"

	"github.com/twoperson/slb/internal/config"
	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagRequestReason         string
	flagRequestExpectedEffect string
	flagRequestGoal           string
	flagRequestSafety         string
	flagRequestShell          bool
	flagRequestAttachFile     []string
	flagRequestAttachContext  []string
	flagRequestAttachScreen   []string
	flagRequestDryRun         bool
)

func init() {
	requestCmd.Flags().StringVar(&flagRequestReason, "reason", "", "reason/justification for the command (required for dangerous commands)")
	requestCmd.Flags().StringVar(&flagRequestExpectedEffect, "expected-effect", "", "expected effect of the command")
	requestCmd.Flags().StringVar(&flagRequestGoal, "goal", "", "goal this command helps achieve")
	requestCmd.Flags().StringVar(&flagRequestSafety, "safety", "", "safety argument (why this is safe to run)")
	requestCmd.Flags().BoolVar(&flagRequestShell, "shell", true, "classify/store the command as a shell invocation")
	requestCmd.Flags().StringSliceVar(&flagRequestAttachFile, "attach-file", nil, "attach file content as context")
	requestCmd.Flags().StringSliceVar(&flagRequestAttachContext, "attach-context", nil, "run command and attach output as context")
	requestCmd.Flags().StringSliceVar(&flagRequestAttachScreen, "attach-screenshot", nil, "attach screenshot/image file")
	requestCmd.Flags().BoolVar(&flagRequestDryRun, "dry-run", false, "run a best-effort dry-run/plan variant and attach its output for reviewers")

	rootCmd.AddCommand(requestCmd)
}

// requestCmd is the plumbing counterpart to `run`: it creates the request
// row (or reports the command as safe) and returns immediately without
// waiting for a review or executing anything. Agents that want to keep
// working while a review is pending use this instead of `run`'s blocking
// wait.
var requestCmd = &cobra.Command{
	Use:   "request <command>",
	Short: "Create an approval request without waiting or executing",
	Long: `Create a request for a command and return immediately.

Unlike 'run', this never blocks waiting for approval and never executes the
command itself. Use 'slb status <id> --wait' or 'slb watch' to observe the
outcome, and 'slb execute <id>' once it is approved.

Examples:
  slb request "rm -rf ./build" --reason "Clean build artifacts"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := args[0]

		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}

		project, err := projectPath()
		if err != nil {
			return err
		}

		cfg, err := config.Load(config.LoadOptions{
			ProjectDir: project,
			ConfigPath: flagConfig,
		})
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cwd, err := os.Getwd()
		if err != nil {
			cwd = project
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		out := output.New(output.Format(GetOutput()))

		attachments, err := CollectAttachments(cmd.Context(), AttachmentFlags{
			Files:       flagRequestAttachFile,
			Contexts:    flagRequestAttachContext,
			Screenshots: flagRequestAttachScreen,
		})
		if err != nil {
			return writeError(cmd, out, "attachment_error", command, err)
		}

		rl := core.NewRateLimiter(dbConn, toRateLimitConfig(cfg))
		creator := core.NewRequestCreator(dbConn, rl, nil, toRequestCreatorConfig(cfg))
		result, err := creator.CreateRequest(core.CreateRequestOptions{
			SessionID: flagSessionID,
			Command:   command,
			Cwd:       cwd,
			Shell:     flagRequestShell,
			Justification: core.Justification{
				Reason:         flagRequestReason,
				ExpectedEffect: flagRequestExpectedEffect,
				Goal:           flagRequestGoal,
				SafetyArgument: flagRequestSafety,
			},
			Attachments: attachments,
			ProjectPath: project,
			DryRun:      flagRequestDryRun,
		})
		if err != nil {
			return writeRequestCreationError(cmd, out, command, err)
		}

		if result.Skipped {
			return out.Write(map[string]any{
				"status":      "skip_review",
				"command":     command,
				"skip_reason": result.SkipReason,
				"tier":        string(result.Classification.Tier),
			})
		}

		request := result.Request
		return out.Write(map[string]any{
			"status":        string(request.Status),
			"request_id":    request.ID,
			"tier":          string(request.RiskTier),
			"min_approvals": request.MinApprovals,
			"expires_at":    request.ExpiresAt,
		})
	},
}
