package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrPatternExists is returned by AddCustomPattern when the (tier, pattern)
// pair is already present and not removed.
var ErrPatternExists = errors.New("pattern already exists for this tier")

// AddCustomPattern layers a new pattern on top of the compiled-in defaults.
// Re-adding a previously-removed pattern clears its removed_at instead of
// erroring, so `patterns add` is idempotent after a prior removal.
func (d *DB) AddCustomPattern(p *CustomPattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	existing, err := d.getCustomPattern(p.Tier, p.Pattern)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if existing.RemovedAt == nil {
			return ErrPatternExists
		}
		_, err := d.Exec(`UPDATE custom_patterns SET removed_at = NULL, source = ?, created_at = ? WHERE tier = ? AND pattern = ?`,
			p.Source, formatTime(p.CreatedAt), string(p.Tier), p.Pattern)
		if err != nil {
			return fmt.Errorf("reinstating custom pattern: %w", err)
		}
		return nil
	}
	_, err = d.Exec(`INSERT INTO custom_patterns (tier, pattern, source, created_at, removed_at) VALUES (?, ?, ?, ?, NULL)`,
		string(p.Tier), p.Pattern, p.Source, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("adding custom pattern: %w", err)
	}
	return nil
}

// RemoveCustomPattern soft-deletes a custom pattern by stamping removed_at.
// Built-in patterns aren't represented in this table and can't be removed
// this way; a removal request against one is recorded as a PatternChange
// instead (see RequestPatternRemoval).
func (d *DB) RemoveCustomPattern(tier RiskTier, pattern string) error {
	res, err := d.Exec(`UPDATE custom_patterns SET removed_at = ? WHERE tier = ? AND pattern = ? AND removed_at IS NULL`,
		formatTime(time.Now().UTC()), string(tier), pattern)
	if err != nil {
		return fmt.Errorf("removing custom pattern: %w", err)
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

// ListCustomPatterns lists active (non-removed) custom patterns, optionally
// filtered to one tier.
func (d *DB) ListCustomPatterns(tier RiskTier) ([]*CustomPattern, error) {
	var rows *sql.Rows
	var err error
	if tier == "" {
		rows, err = d.Query(`SELECT tier, pattern, source, created_at, removed_at FROM custom_patterns WHERE removed_at IS NULL ORDER BY tier, pattern`)
	} else {
		rows, err = d.Query(`SELECT tier, pattern, source, created_at, removed_at FROM custom_patterns WHERE tier = ? AND removed_at IS NULL ORDER BY pattern`, string(tier))
	}
	if err != nil {
		return nil, fmt.Errorf("listing custom patterns: %w", err)
	}
	defer rows.Close()
	return scanCustomPatterns(rows)
}

func (d *DB) getCustomPattern(tier RiskTier, pattern string) (*CustomPattern, error) {
	row := d.QueryRow(`SELECT tier, pattern, source, created_at, removed_at FROM custom_patterns WHERE tier = ? AND pattern = ?`,
		string(tier), pattern)
	cp := &CustomPattern{}
	var createdAt string
	var removedAt sql.NullString
	err := row.Scan(&cp.Tier, &cp.Pattern, &cp.Source, &createdAt, &removedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading custom pattern: %w", err)
	}
	cp.CreatedAt, _ = parseTime(createdAt)
	cp.RemovedAt, err = parseTimePtr(removedAt)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func scanCustomPatterns(rows *sql.Rows) ([]*CustomPattern, error) {
	var out []*CustomPattern
	for rows.Next() {
		cp := &CustomPattern{}
		var createdAt string
		var removedAt sql.NullString
		if err := rows.Scan(&cp.Tier, &cp.Pattern, &cp.Source, &createdAt, &removedAt); err != nil {
			return nil, fmt.Errorf("scanning custom pattern: %w", err)
		}
		cp.CreatedAt, _ = parseTime(createdAt)
		rp, err := parseTimePtr(removedAt)
		if err != nil {
			return nil, err
		}
		cp.RemovedAt = rp
		out = append(out, cp)
	}
	return out, rows.Err()
}

// RecordPatternChange appends an audit-trail entry for a requested pattern
// edit (add, remove_request, or suggest). This table is insert-only; nothing
// ever updates or deletes a row here except the status flip on a
// remove_request once a human rules on it.
func (d *DB) RecordPatternChange(pc *PatternChange) (int64, error) {
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = time.Now().UTC()
	}
	if pc.Status == "" {
		pc.Status = PatternChangeStatusPending
	}
	res, err := d.Exec(`
		INSERT INTO pattern_changes (change_type, tier, pattern, reason, author_session_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, pc.ChangeType, string(pc.Tier), pc.Pattern, pc.Reason, pc.AuthorSession, pc.Status, formatTime(pc.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("recording pattern change: %w", err)
	}
	return res.LastInsertId()
}

// ResolvePatternChange flips a pending remove_request to approved or
// rejected; only a human reviewer may call this path (enforced by the core
// layer, not here).
func (d *DB) ResolvePatternChange(id int64, status string) error {
	res, err := d.Exec(`UPDATE pattern_changes SET status = ? WHERE id = ? AND status = ?`,
		status, id, PatternChangeStatusPending)
	if err != nil {
		return fmt.Errorf("resolving pattern change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// ListPatternChanges lists pattern_changes rows, optionally filtered by status.
func (d *DB) ListPatternChanges(status string) ([]*PatternChange, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = d.Query(`SELECT id, change_type, tier, pattern, reason, author_session_id, status, created_at FROM pattern_changes ORDER BY created_at DESC`)
	} else {
		rows, err = d.Query(`SELECT id, change_type, tier, pattern, reason, author_session_id, status, created_at FROM pattern_changes WHERE status = ? ORDER BY created_at DESC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("listing pattern changes: %w", err)
	}
	defer rows.Close()

	var out []*PatternChange
	for rows.Next() {
		pc := &PatternChange{}
		var createdAt string
		if err := rows.Scan(&pc.ID, &pc.ChangeType, &pc.Tier, &pc.Pattern, &pc.Reason, &pc.AuthorSession, &pc.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pattern change: %w", err)
		}
		pc.CreatedAt, _ = parseTime(createdAt)
		out = append(out, pc)
	}
	return out, rows.Err()
}
