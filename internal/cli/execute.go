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

var flagExecuteBackground bool

func init() {
	executeCmd.Flags().BoolVar(&flagExecuteBackground, "background", false, "return immediately after claiming the request; don't stream output")

	rootCmd.AddCommand(executeCmd)
}

// executeCmd is the plumbing counterpart to `run`'s execution step: it
// claims an already-approved request and runs it. Unlike `run`, it never
// creates a request or waits for approval; a request not currently approved
// fails immediately with the same errors the Execution Gate would raise
// (approval_expired, command_hash_mismatch, already_claimed, not_approved).
var executeCmd = &cobra.Command{
	Use:   "execute <request-id>",
	Short: "Execute an approved request",
	Long: `Claim and execute a request that has already been approved.

This is the Execution Gate (spec.md §4.7): it re-verifies the command hash,
confirms the approval hasn't expired, and atomically claims the request for
exactly one caller before running the command locally.

Examples:
  slb execute abc123
  slb execute abc123 --background`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]

		project, err := projectPath()
		if err != nil {
			return err
		}

		cfg, err := config.Load(config.LoadOptions{ProjectDir: project, ConfigPath: flagConfig})
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		out := output.New(output.Format(GetOutput()))

		executor := core.NewExecutor(dbConn, nil).
			WithNotifier(buildAgentMailNotifier(project)).
			WithReplayWindow(toReviewConfig(cfg).ReplayWindow)

		exitCode, err := runApprovedRequestExecute(cmd, out, executor, cfg, project, requestID)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			os.Exit(exitCode)
		}
		return nil
	},
}

func runApprovedRequestExecute(cmd *cobra.Command, out *output.Writer, executor *core.Executor, cfg config.Config, project, requestID string) (int, error) {
	execResult, execErr := executor.ExecuteApprovedRequest(cmd.Context(), core.ExecuteOptions{
		RequestID:         requestID,
		SessionID:         flagSessionID,
		LogDir:            ".slb/logs",
		SuppressOutput:    GetOutput() == "json" || flagExecuteBackground,
		CaptureRollback:   cfg.General.EnableRollbackCapture,
		MaxRollbackSizeMB: cfg.General.MaxRollbackSizeMB,
	})

	exitCode := 0
	durationMs := int64(0)
	logPath := ""
	if execResult != nil {
		exitCode = execResult.ExitCode
		durationMs = execResult.Duration.Milliseconds()
		logPath = execResult.LogPath
	}

	resp := map[string]any{
		"status":      "executed",
		"request_id":  requestID,
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"log_path":    logPath,
	}
	if execErr != nil {
		resp["error"] = execErr.Error()
	}

	if GetOutput() == "json" {
		_ = out.Write(resp)
		if execErr != nil {
			return 1, nil
		}
		return exitCode, nil
	}

	if execErr != nil {
		fmt.Fprintf(os.Stderr, "[slb] Execution failed: %s\n", execErr.Error())
		return 1, nil
	}
	if exitCode != 0 {
		fmt.Fprintf(os.Stderr, "\n[slb] Command exited with code %d\n", exitCode)
		return exitCode, nil
	}
	return 0, nil
}
