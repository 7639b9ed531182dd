package cli

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	flagEmergencyReason string
	flagEmergencyYes    bool
	flagEmergencyAck    string
)

// ErrAckMismatch is returned when --ack doesn't match sha256(command), which
// means the caller didn't actually compute the hash of what it's about to run.
var ErrAckMismatch = fmt.Errorf("--ack does not match sha256(command); this is a verification failure, not a usage error")

func init() {
	emergencyExecuteCmd.Flags().StringVar(&flagEmergencyReason, "reason", "", "reason this bypasses the two-person rule (required)")
	emergencyExecuteCmd.Flags().BoolVar(&flagEmergencyYes, "yes", false, "confirm the break-glass bypass (required)")
	emergencyExecuteCmd.Flags().StringVar(&flagEmergencyAck, "ack", "", "hex sha256 of the exact command text, proving it was read before running (required)")

	rootCmd.AddCommand(emergencyExecuteCmd)
}

var emergencyExecuteCmd = &cobra.Command{
	Use:   "emergency-execute \"<cmd>\" --reason <s> --yes --ack <sha256>",
	Short: "Bypass the two-person rule for a human-operated break-glass execution",
	Long: `Run a command immediately, skipping classification, review, and
quorum entirely. This is a human override of last resort (spec.md §7), not
an agent-facing verb: --session-id must name a human session, --yes and
--ack must both be supplied, and --ack must equal the hex sha256 of the
exact command text, which forces whoever runs this to have actually
computed a hash of what they are about to run rather than copy-pasting
blind.

The execution is always recorded twice, regardless of exit code: once as a
row in the project store's emergency_executions table (session, command,
reason, ack hash), and once appended to an append-only emergency log under
.slb/emergency.log. No execution_outcomes row is written; the exit code and
duration are kept only in the emergency log. It counts toward its
own human-only rate-limit counter (spec.md §9 Open Question #4), never
against the per-session agent limits that 'run'/'request' consume.

Examples:
  slb emergency-execute "systemctl restart nginx" --reason "prod down, on-call" \
      --yes --ack $(printf '%s' "systemctl restart nginx" | sha256sum | cut -d' ' -f1)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := args[0]

		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}
		if flagEmergencyReason == "" {
			return fmt.Errorf("--reason is required")
		}
		if !flagEmergencyYes {
			return fmt.Errorf("--yes is required to confirm a two-person-rule bypass")
		}
		if flagEmergencyAck == "" {
			return fmt.Errorf("--ack <sha256> is required")
		}

		sum := sha256.Sum256([]byte(command))
		want := hex.EncodeToString(sum[:])
		if !strings.EqualFold(want, flagEmergencyAck) {
			return ErrAckMismatch
		}

		project, err := projectPath()
		if err != nil {
			return err
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		session, err := dbConn.GetSession(flagSessionID)
		if err != nil {
			return fmt.Errorf("getting session: %w", err)
		}
		if !session.IsHuman {
			return fmt.Errorf("emergency-execute requires a human session (start one with --human)")
		}

		out := output.New(output.Format(GetOutput()))
		if GetOutput() != "json" && term.IsTerminal(int(os.Stderr.Fd())) {
			fmt.Fprintf(os.Stderr, "[slb] EMERGENCY EXECUTE: bypassing the two-person rule for: %s\n", command)
		}

		cwd, err := os.Getwd()
		if err != nil {
			cwd = project
		}

		logPath, err := createRunLogFile(project, "emergency")
		if err != nil {
			return writeError(cmd, out, "log_create_failed", command, err)
		}

		spec := &db.CommandSpec{Raw: command, Cwd: cwd, Shell: true}
		spec.Hash = db.ComputeCommandHash(*spec)

		var streamWriter *os.File
		if GetOutput() != "json" {
			streamWriter = os.Stderr
		}
		result, execErr := core.RunCommand(cmd.Context(), spec, logPath, streamWriter)

		exitCode := 1
		durationMs := int64(0)
		if result != nil {
			exitCode = result.ExitCode
			durationMs = result.Duration.Milliseconds()
		}

		emergencyID, logErr := dbConn.RecordEmergencyExecution(flagSessionID, command, flagEmergencyReason, want)
		if logErr != nil {
			fmt.Fprintf(os.Stderr, "[slb] WARNING: failed to record emergency execution in store: %s\n", logErr)
		}
		if appendErr := appendEmergencyAuditLog(project, emergencyLogEntry{
			SessionID:  flagSessionID,
			Command:    command,
			Reason:     flagEmergencyReason,
			AckHash:    want,
			ExitCode:   exitCode,
			DurationMs: durationMs,
			LogPath:    logPath,
		}); appendErr != nil {
			fmt.Fprintf(os.Stderr, "[slb] WARNING: failed to append emergency audit log: %s\n", appendErr)
		}

		resp := map[string]any{
			"status":       "executed",
			"emergency":    true,
			"emergency_id": emergencyID,
			"command":      command,
			"exit_code":    exitCode,
			"duration_ms":  durationMs,
			"log_path":     logPath,
			"reviewed":     false,
		}
		if execErr != nil {
			resp["error"] = execErr.Error()
		}

		if GetOutput() == "json" {
			_ = out.Write(resp)
			if execErr != nil || exitCode != 0 {
				os.Exit(1)
			}
			return nil
		}

		if execErr != nil {
			fmt.Fprintf(os.Stderr, "[slb] Execution failed: %s\n", execErr.Error())
			os.Exit(1)
		}
		if exitCode != 0 {
			fmt.Fprintf(os.Stderr, "\n[slb] Command exited with code %d\n", exitCode)
			os.Exit(exitCode)
		}
		return nil
	},
}
