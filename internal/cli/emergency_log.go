package cli

import (
	"path/filepath"
	"time"

	"github.com/twoperson/slb/internal/utils"
)

// emergencyLogEntry is one line of the append-only emergency audit trail
// required by spec.md §7: emergency-execute always logs to both the project
// store (an emergency_executions row, via db.RecordEmergencyExecution, not an
// execution outcome) and this file, independent of whether the store write
// succeeds.
type emergencyLogEntry struct {
	SessionID  string
	Command    string
	Reason     string
	AckHash    string
	ExitCode   int
	DurationMs int64
	LogPath    string
}

// appendEmergencyAuditLog appends one structured entry to
// <project>/.slb/emergency.log using the same charmbracelet/log writer the
// daemon uses, so the file reads like every other slb log stream.
func appendEmergencyAuditLog(project string, entry emergencyLogEntry) error {
	path := filepath.Join(project, ".slb", "emergency.log")
	logger, err := utils.InitFileLogger(path, utils.LoggerOptions{
		Level:           "info",
		Prefix:          "emergency",
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
	})
	if err != nil {
		return err
	}

	logger.With(
		"session_id", entry.SessionID,
		"command", entry.Command,
		"reason", entry.Reason,
		"ack_hash", entry.AckHash,
		"exit_code", entry.ExitCode,
		"duration_ms", entry.DurationMs,
		"log_path", entry.LogPath,
	).Info("emergency execute")
	return nil
}
