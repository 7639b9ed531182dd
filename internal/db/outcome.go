package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrOutcomeExists is returned by RecordOutcome when an outcome has already
// been recorded for this request; execution_outcomes has a one-row-per-request
// primary key, so a retried execution can't silently overwrite the original.
var ErrOutcomeExists = errors.New("execution outcome already recorded for this request")

// RecordOutcome appends the result of executing a request. Idempotent in
// the sense that a duplicate call errors rather than overwriting, so a crash
// mid-write followed by a safe retry is the only path that lands a second
// attempt, and it must go through RecordOutcomeOverwrite explicitly.
func (d *DB) RecordOutcome(o *ExecutionOutcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := d.Exec(`
		INSERT INTO execution_outcomes (request_id, exit_code, duration_ms, log_path, human_feedback, orphaned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.RequestID, o.ExitCode, o.DurationMs, o.LogPath, o.HumanFeedback, boolToInt(o.Orphaned), formatTime(o.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOutcomeExists
		}
		return fmt.Errorf("recording execution outcome: %w", err)
	}
	return nil
}

// GetOutcome retrieves the outcome recorded for a request.
func (d *DB) GetOutcome(requestID string) (*ExecutionOutcome, error) {
	row := d.QueryRow(`
		SELECT request_id, exit_code, duration_ms, log_path, human_feedback, orphaned, created_at
		FROM execution_outcomes WHERE request_id = ?
	`, requestID)
	o := &ExecutionOutcome{}
	var logPath, feedback sql.NullString
	var orphaned int
	var createdAt string
	err := row.Scan(&o.RequestID, &o.ExitCode, &o.DurationMs, &logPath, &feedback, &orphaned, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading execution outcome: %w", err)
	}
	o.LogPath = logPath.String
	o.HumanFeedback = feedback.String
	o.Orphaned = orphaned != 0
	o.CreatedAt, _ = parseTime(createdAt)
	return o, nil
}

// OutcomeStats summarizes exit-code success rate across a project's history.
type OutcomeStats struct {
	Count        int     `json:"count"`
	SuccessCount int     `json:"success_count"`
	SuccessRate  float64 `json:"success_rate"`
	OrphanCount  int     `json:"orphan_count"`
}

func (d *DB) GetOutcomeStats(project string) (*OutcomeStats, error) {
	rows, err := d.Query(`
		SELECT eo.exit_code, eo.orphaned FROM execution_outcomes eo
		JOIN requests r ON r.id = eo.request_id
		WHERE r.project_path = ?
	`, project)
	if err != nil {
		return nil, fmt.Errorf("reading outcome stats: %w", err)
	}
	defer rows.Close()

	stats := &OutcomeStats{}
	for rows.Next() {
		var exitCode, orphaned int
		if err := rows.Scan(&exitCode, &orphaned); err != nil {
			return nil, fmt.Errorf("scanning outcome stats row: %w", err)
		}
		stats.Count++
		if exitCode == 0 {
			stats.SuccessCount++
		}
		if orphaned != 0 {
			stats.OrphanCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Count > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.Count)
	}
	return stats, nil
}

// UpdateOutcomeFeedback attaches human feedback to an already-recorded
// outcome, used by `slb outcome record` after execution has already logged
// the exit code via RecordOutcome.
func (d *DB) UpdateOutcomeFeedback(requestID, feedback string) error {
	res, err := d.Exec(`UPDATE execution_outcomes SET human_feedback = ? WHERE request_id = ?`, feedback, requestID)
	if err != nil {
		return fmt.Errorf("updating outcome feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOutcomes lists execution outcomes for a project, newest first.
func (d *DB) ListOutcomes(project string, limit int) ([]*ExecutionOutcome, error) {
	q := `
		SELECT eo.request_id, eo.exit_code, eo.duration_ms, eo.log_path, eo.human_feedback, eo.orphaned, eo.created_at
		FROM execution_outcomes eo
		JOIN requests r ON r.id = eo.request_id
		WHERE r.project_path = ?
		ORDER BY eo.created_at DESC
	`
	args := []any{project}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomeRows(rows)
}

// ListProblematicOutcomes lists outcomes with a non-zero exit code or marked
// orphaned, newest first.
func (d *DB) ListProblematicOutcomes(project string, limit int) ([]*ExecutionOutcome, error) {
	q := `
		SELECT eo.request_id, eo.exit_code, eo.duration_ms, eo.log_path, eo.human_feedback, eo.orphaned, eo.created_at
		FROM execution_outcomes eo
		JOIN requests r ON r.id = eo.request_id
		WHERE r.project_path = ? AND (eo.exit_code != 0 OR eo.orphaned != 0)
		ORDER BY eo.created_at DESC
	`
	args := []any{project}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing problematic outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomeRows(rows)
}

func scanOutcomeRows(rows *sql.Rows) ([]*ExecutionOutcome, error) {
	var out []*ExecutionOutcome
	for rows.Next() {
		o := &ExecutionOutcome{}
		var logPath, feedback sql.NullString
		var orphaned int
		var createdAt string
		if err := rows.Scan(&o.RequestID, &o.ExitCode, &o.DurationMs, &logPath, &feedback, &orphaned, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		o.LogPath = logPath.String
		o.HumanFeedback = feedback.String
		o.Orphaned = orphaned != 0
		o.CreatedAt, _ = parseTime(createdAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecordRollbackCapture stores the location of a pre-execution snapshot.
func (d *DB) RecordRollbackCapture(rc *RollbackCapture) error {
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now().UTC()
	}
	_, err := d.Exec(`
		INSERT INTO rollback_captures (request_id, path, size_bytes, created_at) VALUES (?, ?, ?, ?)
	`, rc.RequestID, rc.Path, rc.SizeBytes, formatTime(rc.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording rollback capture: %w", err)
	}
	return nil
}

// GetRollbackCapture retrieves the rollback snapshot location for a request, if any.
func (d *DB) GetRollbackCapture(requestID string) (*RollbackCapture, error) {
	row := d.QueryRow(`SELECT request_id, path, size_bytes, rolled_back_at, created_at FROM rollback_captures WHERE request_id = ?`, requestID)
	rc, err := scanRollbackCapture(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading rollback capture: %w", err)
	}
	return rc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRollbackCapture(row rowScanner) (*RollbackCapture, error) {
	rc := &RollbackCapture{}
	var createdAt string
	var rolledBackAt sql.NullString
	if err := row.Scan(&rc.RequestID, &rc.Path, &rc.SizeBytes, &rolledBackAt, &createdAt); err != nil {
		return nil, err
	}
	rc.CreatedAt, _ = parseTime(createdAt)
	rc.RolledBackAt, _ = parseTimePtr(rolledBackAt)
	return rc, nil
}

// UpdateRequestRolledBackAt marks a request's captured rollback snapshot as
// having been restored, recording when. Returns ErrNotFound if no rollback
// capture exists for this request.
func (d *DB) UpdateRequestRolledBackAt(requestID string, at time.Time) error {
	res, err := d.Exec(`UPDATE rollback_captures SET rolled_back_at = ? WHERE request_id = ?`, formatTime(at), requestID)
	if err != nil {
		return fmt.Errorf("updating rollback restored time: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordEmergencyExecution logs a break-glass emergency execution (ack_hash
// binds the recorded acknowledgement text to prevent replaying a stale ack).
func (d *DB) RecordEmergencyExecution(sessionID, command, reason, ackHash string) (int64, error) {
	res, err := d.Exec(`
		INSERT INTO emergency_executions (session_id, command, reason, ack_hash, created_at) VALUES (?, ?, ?, ?, ?)
	`, sessionID, command, reason, ackHash, formatTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("recording emergency execution: %w", err)
	}
	return res.LastInsertId()
}

// AddAttachment stores an attachment against a request.
func (d *DB) AddAttachment(a *Attachment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var metadataJSON sql.NullString
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling attachment metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := d.Exec(`
		INSERT INTO attachments (request_id, type, name, content, mime_type, metadata_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.RequestID, string(a.Type), a.Name, a.Content, a.MimeType, metadataJSON, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding attachment: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// ListAttachments lists attachments for a request, oldest first.
func (d *DB) ListAttachments(requestID string) ([]*Attachment, error) {
	rows, err := d.Query(`
		SELECT id, request_id, type, name, content, mime_type, metadata_json, created_at FROM attachments WHERE request_id = ? ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		a := &Attachment{}
		var createdAt string
		var mimeType, metadataJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.RequestID, &a.Type, &a.Name, &a.Content, &mimeType, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		a.MimeType = mimeType.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshalling attachment metadata: %w", err)
			}
		}
		a.CreatedAt, _ = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
