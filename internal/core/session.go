// Package core implements session resumption and garbage collection for SLB.
package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/twoperson/slb/internal/db"
)

// ErrSessionProgramMismatch is returned by ResumeSession when an active
// session exists for (agent, project) under a different program and the
// caller didn't pass ForceEndMismatch.
var ErrSessionProgramMismatch = errors.New("an active session exists for a different program")

// ResumeOptions configures ResumeSession.
type ResumeOptions struct {
	AgentName        string
	Program          string
	Model            string
	ProjectPath      string
	CreateIfMissing  bool
	ForceEndMismatch bool
}

// ResumeSession finds the active session for (AgentName, ProjectPath) and
// heartbeats it, or creates a new one. Per I1, at most one active session
// may exist per (agent, project); a caller resuming under a different
// Program either fails with ErrSessionProgramMismatch or, with
// ForceEndMismatch, ends the stale session and starts a fresh one.
func ResumeSession(dbConn *db.DB, opts ResumeOptions) (*db.Session, error) {
	if dbConn == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	if opts.AgentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if opts.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}

	existing, err := dbConn.GetActiveSession(opts.AgentName, opts.ProjectPath)
	if err != nil {
		if !errors.Is(err, db.ErrSessionNotFound) {
			return nil, fmt.Errorf("looking up active session: %w", err)
		}
		if !opts.CreateIfMissing {
			return nil, db.ErrSessionNotFound
		}
		return createSession(dbConn, opts)
	}

	if existing.Program != opts.Program {
		if !opts.ForceEndMismatch {
			return nil, fmt.Errorf("%w: active session %s runs %q, requested %q",
				ErrSessionProgramMismatch, existing.ID, existing.Program, opts.Program)
		}
		if _, err := dbConn.EndSession(existing.ID); err != nil {
			return nil, fmt.Errorf("ending mismatched session: %w", err)
		}
		return createSession(dbConn, opts)
	}

	if err := dbConn.UpdateSessionHeartbeat(existing.ID); err != nil {
		return nil, fmt.Errorf("updating heartbeat: %w", err)
	}
	return dbConn.GetSession(existing.ID)
}

func createSession(dbConn *db.DB, opts ResumeOptions) (*db.Session, error) {
	sess := &db.Session{
		AgentName:   opts.AgentName,
		Program:     opts.Program,
		Model:       opts.Model,
		ProjectPath: opts.ProjectPath,
	}
	if err := dbConn.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// SessionGCOptions configures GarbageCollectStaleSessions.
type SessionGCOptions struct {
	ProjectPath string
	Threshold   time.Duration
	DryRun      bool
}

// SessionGCResult reports the outcome of a garbage-collection sweep.
type SessionGCResult struct {
	Sessions   []*db.Session
	EndedIDs   []string
	SkippedIDs []string
}

// GarbageCollectStaleSessions ends active sessions in ProjectPath whose last
// heartbeat is older than Threshold. Sessions outside ProjectPath are never
// touched, even if they are themselves stale: GC is always project-scoped so
// one project's maintenance run can't end another project's sessions.
func GarbageCollectStaleSessions(dbConn *db.DB, opts SessionGCOptions) (*SessionGCResult, error) {
	if dbConn == nil {
		return nil, fmt.Errorf("db connection is required")
	}
	if opts.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if opts.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive")
	}

	active, err := dbConn.ListActiveSessions(opts.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}

	cutoff := time.Now().UTC().Add(-opts.Threshold)
	result := &SessionGCResult{}
	for _, s := range active {
		if s.LastActiveAt.After(cutoff) {
			continue
		}
		result.Sessions = append(result.Sessions, s)
		if opts.DryRun {
			continue
		}
		if _, err := dbConn.EndSession(s.ID); err != nil {
			result.SkippedIDs = append(result.SkippedIDs, s.ID)
			continue
		}
		result.EndedIDs = append(result.EndedIDs, s.ID)
	}

	return result, nil
}
