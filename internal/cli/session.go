package cli

import (
	"fmt"
	"time"

	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagSessionAgent    string
	flagSessionProgram  string
	flagSessionModel    string
	flagSessionHuman    bool
	flagSessionCreate   bool
	flagSessionForce    bool
	flagSessionGCSecs   int
	flagSessionGCDryRun bool
)

func init() {
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionResumeCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionHeartbeatCmd)
	sessionCmd.AddCommand(sessionGCCmd)
	sessionCmd.AddCommand(sessionResetLimitsCmd)

	for _, c := range []*cobra.Command{sessionStartCmd, sessionResumeCmd} {
		c.Flags().StringVar(&flagSessionAgent, "agent", "", "agent name (required)")
		c.Flags().StringVar(&flagSessionProgram, "program", "", "program/client identifier")
		c.Flags().StringVar(&flagSessionModel, "model", "", "model identifier, used for require_different_model checks")
		c.Flags().BoolVar(&flagSessionHuman, "human", false, "mark this session as a human reviewer, not an agent")
	}
	sessionResumeCmd.Flags().BoolVar(&flagSessionCreate, "create-if-missing", false, "create a new session if no active one is found")
	sessionResumeCmd.Flags().BoolVar(&flagSessionForce, "force", false, "end a mismatched-program session and start fresh")

	sessionGCCmd.Flags().IntVar(&flagSessionGCSecs, "threshold", 3600, "end sessions whose last heartbeat is older than this many seconds")
	sessionGCCmd.Flags().BoolVar(&flagSessionGCDryRun, "dry-run", false, "report what would be ended without ending anything")

	rootCmd.AddCommand(sessionCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new session for an agent in this project",
	Long: `Start a new session, returning its id and HMAC session key.

The session key is printed exactly once: it is never retrievable again
except by resuming the same (agent, project) session. Per I1, only one
active session may exist per (agent, project); starting a second one while
the first is still active fails with session_conflict.

Examples:
  slb session start --agent claude-a --program claude-code --model opus`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSessionAgent == "" {
			return fmt.Errorf("--agent is required")
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

		sess := &db.Session{
			AgentName:   flagSessionAgent,
			Program:     flagSessionProgram,
			Model:       flagSessionModel,
			ProjectPath: project,
			IsHuman:     flagSessionHuman,
		}
		if err := dbConn.CreateSession(sess); err != nil {
			return fmt.Errorf("starting session: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"session_id":  sess.ID,
			"session_key": sess.SessionKey,
			"agent_name":  sess.AgentName,
			"project_path": sess.ProjectPath,
			"started_at":  sess.StartedAt.Format(time.RFC3339),
		})
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session",
	Long: `End a session. Idempotent: ending an already-ended session is a
no-op that returns the original ended_at rather than an error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		sess, err := dbConn.EndSession(args[0])
		if err != nil {
			return fmt.Errorf("ending session: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		resp := map[string]any{"session_id": sess.ID}
		if sess.EndedAt != nil {
			resp["ended_at"] = sess.EndedAt.Format(time.RFC3339)
		}
		return out.Write(resp)
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the active session for an agent in this project, or start one",
	Long: `Resume the active (agent, project) session, heartbeating it. With
--create-if-missing, starts a new session if none is active. A resume
request under a different --program than the active session fails with
program_mismatch unless --force ends the mismatched session first.

Examples:
  slb session resume --agent claude-a --program claude-code --create-if-missing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSessionAgent == "" {
			return fmt.Errorf("--agent is required")
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

		sess, err := core.ResumeSession(dbConn, core.ResumeOptions{
			AgentName:        flagSessionAgent,
			Program:          flagSessionProgram,
			Model:            flagSessionModel,
			ProjectPath:      project,
			CreateIfMissing:  flagSessionCreate,
			ForceEndMismatch: flagSessionForce,
		})
		if err != nil {
			return fmt.Errorf("resuming session: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"session_id":     sess.ID,
			"session_key":    sess.SessionKey,
			"agent_name":     sess.AgentName,
			"project_path":   sess.ProjectPath,
			"last_active_at": sess.LastActiveAt.Format(time.RFC3339),
		})
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions in this project",
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

		sessions, err := dbConn.ListActiveSessions(project)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}

		result := make([]map[string]any, len(sessions))
		for i, s := range sessions {
			result[i] = map[string]any{
				"session_id":     s.ID,
				"agent_name":     s.AgentName,
				"program":        s.Program,
				"model":          s.Model,
				"is_human":       s.IsHuman,
				"started_at":     s.StartedAt.Format(time.RFC3339),
				"last_active_at": s.LastActiveAt.Format(time.RFC3339),
			}
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(result)
	},
}

var sessionHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat <session-id>",
	Short: "Refresh a session's last-active timestamp",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		if err := dbConn.UpdateSessionHeartbeat(args[0]); err != nil {
			return fmt.Errorf("recording heartbeat: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{"session_id": args[0], "status": "ok"})
	},
}

var sessionGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "End sessions whose heartbeat is stale",
	Long: `Garbage-collect sessions in this project whose last heartbeat is
older than --threshold seconds. Always scoped to the current project: a
stale session in another project is never touched.`,
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

		result, err := core.GarbageCollectStaleSessions(dbConn, core.SessionGCOptions{
			ProjectPath: project,
			Threshold:   time.Duration(flagSessionGCSecs) * time.Second,
			DryRun:      flagSessionGCDryRun,
		})
		if err != nil {
			return fmt.Errorf("garbage collecting sessions: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"ended":       result.EndedIDs,
			"skipped":     result.SkippedIDs,
			"stale_count": len(result.Sessions),
			"dry_run":     flagSessionGCDryRun,
		})
	},
}

var sessionResetLimitsCmd = &cobra.Command{
	Use:   "reset-limits <session-id>",
	Short: "Reset a session's rate-limit window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		resetAt, err := dbConn.ResetSessionRateLimits(args[0], time.Now().UTC())
		if err != nil {
			return fmt.Errorf("resetting rate limits: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"session_id": args[0],
			"reset_at":   resetAt.Format(time.RFC3339),
		})
	},
}
