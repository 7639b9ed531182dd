package db

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session id doesn't resolve.
var ErrSessionNotFound = fmt.Errorf("session not found: %w", ErrNotFound)

// ErrSessionConflict is returned by CreateSession when a partial-unique-index
// violation means another active session already exists for (agent, project).
var ErrSessionConflict = errors.New("an active session already exists for this agent and project")

// NewSessionKey generates a fresh random HMAC secret for a session.
func NewSessionKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateSession inserts a new session row. I1 (at most one active session per
// agent+project) is enforced by the partial unique index on
// sessions(agent_name, project_path) WHERE ended_at IS NULL, not by
// check-then-insert logic here.
func (d *DB) CreateSession(s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.SessionKey == "" {
		key, err := NewSessionKey()
		if err != nil {
			return err
		}
		s.SessionKey = key
	}
	now := time.Now().UTC()
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	if s.LastActiveAt.IsZero() {
		s.LastActiveAt = now
	}

	_, err := d.Exec(`
		INSERT INTO sessions (id, agent_name, program, model, project_path, session_key, is_human, started_at, last_active_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.AgentName, s.Program, s.Model, s.ProjectPath, s.SessionKey, boolToInt(s.IsHuman),
		formatTime(s.StartedAt), formatTime(s.LastActiveAt), formatTimePtr(s.EndedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSessionConflict
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (d *DB) GetSession(id string) (*Session, error) {
	row := d.QueryRow(`
		SELECT id, agent_name, program, model, project_path, session_key, is_human, started_at, last_active_at, ended_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// GetActiveSession returns the active session for (agent, project), if any.
func (d *DB) GetActiveSession(agent, project string) (*Session, error) {
	row := d.QueryRow(`
		SELECT id, agent_name, program, model, project_path, session_key, is_human, started_at, last_active_at, ended_at
		FROM sessions WHERE agent_name = ? AND project_path = ? AND ended_at IS NULL
	`, agent, project)
	return scanSession(row)
}

// ListActiveSessions lists every non-ended session, optionally scoped to project.
func (d *DB) ListActiveSessions(project string) ([]*Session, error) {
	var rows *sql.Rows
	var err error
	if project == "" {
		rows, err = d.Query(`
			SELECT id, agent_name, program, model, project_path, session_key, is_human, started_at, last_active_at, ended_at
			FROM sessions WHERE ended_at IS NULL ORDER BY last_active_at DESC
		`)
	} else {
		rows, err = d.Query(`
			SELECT id, agent_name, program, model, project_path, session_key, is_human, started_at, last_active_at, ended_at
			FROM sessions WHERE ended_at IS NULL AND project_path = ? ORDER BY last_active_at DESC
		`, project)
	}
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CountActiveSessions returns the number of active sessions, optionally
// scoped to a project. Used by the dynamic quorum calculation.
func (d *DB) CountActiveSessions(project string) (int, error) {
	var count int
	var err error
	if project == "" {
		err = d.QueryRow(`SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL`).Scan(&count)
	} else {
		err = d.QueryRow(`SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL AND project_path = ?`, project).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return count, nil
}

// UpdateSessionHeartbeat bumps last_active_at for a still-active session.
// Ended sessions are silently ignored, matching the heartbeat contract in
// the design (no error on a stale heartbeat race).
func (d *DB) UpdateSessionHeartbeat(id string) error {
	_, err := d.Exec(`UPDATE sessions SET last_active_at = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	return nil
}

// EndSession ends a session. Calling it twice is a no-op: the second call
// returns the original ended_at rather than an error, matching the
// idempotence property tested in §8 of the design doc.
func (d *DB) EndSession(id string) (*Session, error) {
	sess, err := d.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.EndedAt != nil {
		return sess, nil
	}
	now := time.Now().UTC()
	_, err = d.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`, formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("ending session: %w", err)
	}
	sess.EndedAt = &now
	return sess, nil
}

// EndSessionForce ends a session unconditionally, used by `resume --force`
// to clear a conflicting session before creating a replacement.
func (d *DB) EndSessionForce(id string) error {
	_, err := d.EndSession(id)
	return err
}

// FindStaleSessions returns active sessions whose last_active_at is older
// than now-threshold.
func (d *DB) FindStaleSessions(threshold time.Duration) ([]*Session, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := d.Query(`
		SELECT id, agent_name, program, model, project_path, session_key, is_human, started_at, last_active_at, ended_at
		FROM sessions WHERE ended_at IS NULL AND last_active_at < ?
		ORDER BY last_active_at ASC
	`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("finding stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ResetSessionRateLimits records a rate-limit reset timestamp for a session,
// used by the human-only `session reset-limits` command.
func (d *DB) ResetSessionRateLimits(id string, at time.Time) (time.Time, error) {
	_, err := d.Exec(`UPDATE sessions SET rate_limit_reset_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return time.Time{}, fmt.Errorf("resetting rate limits: %w", err)
	}
	return at, nil
}

// GetSessionRateLimitResetAt returns the last rate-limit reset timestamp for
// a session, or nil if it has never been reset.
func (d *DB) GetSessionRateLimitResetAt(id string) (*time.Time, error) {
	var ns sql.NullString
	err := d.QueryRow(`SELECT rate_limit_reset_at FROM sessions WHERE id = ?`, id).Scan(&ns)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading rate limit reset: %w", err)
	}
	return parseTimePtr(ns)
}

func scanSession(row *sql.Row) (*Session, error) {
	s := &Session{}
	var (
		startedAt, lastActiveAt string
		endedAt                 sql.NullString
		isHuman                 int
	)
	err := row.Scan(&s.ID, &s.AgentName, &s.Program, &s.Model, &s.ProjectPath, &s.SessionKey,
		&isHuman, &startedAt, &lastActiveAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	s.IsHuman = isHuman != 0
	s.StartedAt, _ = parseTime(startedAt)
	s.LastActiveAt, _ = parseTime(lastActiveAt)
	s.EndedAt, err = parseTimePtr(endedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return s, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		s := &Session{}
		var (
			startedAt, lastActiveAt string
			endedAt                 sql.NullString
			isHuman                 int
		)
		if err := rows.Scan(&s.ID, &s.AgentName, &s.Program, &s.Model, &s.ProjectPath, &s.SessionKey,
			&isHuman, &startedAt, &lastActiveAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		s.IsHuman = isHuman != 0
		s.StartedAt, _ = parseTime(startedAt)
		s.LastActiveAt, _ = parseTime(lastActiveAt)
		ep, err := parseTimePtr(endedAt)
		if err != nil {
			return nil, err
		}
		s.EndedAt = ep
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed: UNIQUE")
}
