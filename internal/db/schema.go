package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion is the current expected schema version. Bump alongside a new
// entry in migrations.
const SchemaVersion = 1

var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				agent_name TEXT NOT NULL,
				program TEXT NOT NULL,
				model TEXT NOT NULL,
				project_path TEXT NOT NULL,
				session_key TEXT NOT NULL,
				is_human INTEGER NOT NULL DEFAULT 0,
				started_at TEXT NOT NULL,
				last_active_at TEXT NOT NULL,
				ended_at TEXT,
				rate_limit_reset_at TEXT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_identity
				ON sessions(agent_name, project_path) WHERE ended_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path)`,
			`CREATE TABLE IF NOT EXISTS requests (
				id TEXT PRIMARY KEY,
				project_path TEXT NOT NULL,
				raw TEXT NOT NULL,
				argv_json TEXT,
				cwd TEXT NOT NULL,
				shell INTEGER NOT NULL DEFAULT 0,
				command_hash TEXT NOT NULL,
				display_redacted TEXT,
				contains_sensitive INTEGER NOT NULL DEFAULT 0,
				parse_status TEXT,
				reason TEXT NOT NULL,
				expected_effect TEXT,
				goal TEXT,
				safety_argument TEXT,
				dry_run_command TEXT,
				dry_run_output TEXT,
				risk_tier TEXT NOT NULL,
				matched_rule TEXT,
				status TEXT NOT NULL,
				min_approvals INTEGER NOT NULL DEFAULT 1,
				require_different_model INTEGER NOT NULL DEFAULT 0,
				requestor_session_id TEXT NOT NULL,
				requestor_agent TEXT NOT NULL,
				requestor_model TEXT NOT NULL,
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				approval_expires_at TEXT,
				resolved_at TEXT,
				FOREIGN KEY (requestor_session_id) REFERENCES sessions(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_requests_project_status ON requests(project_path, status)`,
			`CREATE INDEX IF NOT EXISTS idx_requests_requestor ON requests(requestor_session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_requests_status_expires ON requests(status, expires_at)`,
			`CREATE TABLE IF NOT EXISTS reviews (
				id TEXT PRIMARY KEY,
				request_id TEXT NOT NULL,
				reviewer_session_id TEXT NOT NULL,
				decision TEXT NOT NULL,
				signature TEXT NOT NULL,
				signature_timestamp TEXT NOT NULL,
				responses_json TEXT,
				comment TEXT,
				created_at TEXT NOT NULL,
				UNIQUE(request_id, reviewer_session_id),
				FOREIGN KEY (request_id) REFERENCES requests(id),
				FOREIGN KEY (reviewer_session_id) REFERENCES sessions(id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_reviews_request ON reviews(request_id)`,
			`CREATE TABLE IF NOT EXISTS pattern_changes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				change_type TEXT NOT NULL,
				tier TEXT NOT NULL,
				pattern TEXT NOT NULL,
				reason TEXT,
				author_session_id TEXT,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS custom_patterns (
				tier TEXT NOT NULL,
				pattern TEXT NOT NULL,
				source TEXT NOT NULL,
				created_at TEXT NOT NULL,
				removed_at TEXT,
				PRIMARY KEY (tier, pattern)
			)`,
			`CREATE TABLE IF NOT EXISTS execution_outcomes (
				request_id TEXT PRIMARY KEY,
				exit_code INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL,
				log_path TEXT,
				human_feedback TEXT,
				orphaned INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				FOREIGN KEY (request_id) REFERENCES requests(id)
			)`,
			`CREATE TABLE IF NOT EXISTS attachments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				request_id TEXT NOT NULL,
				type TEXT NOT NULL,
				name TEXT,
				content TEXT NOT NULL,
				mime_type TEXT,
				metadata_json TEXT,
				created_at TEXT NOT NULL,
				FOREIGN KEY (request_id) REFERENCES requests(id)
			)`,
			`CREATE TABLE IF NOT EXISTS rollback_captures (
				request_id TEXT PRIMARY KEY,
				path TEXT NOT NULL,
				size_bytes INTEGER NOT NULL,
				rolled_back_at TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS emergency_executions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				command TEXT NOT NULL,
				reason TEXT NOT NULL,
				ack_hash TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS requests_fts USING fts5(
				id UNINDEXED, raw, reason, goal, expected_effect, tokenize='porter unicode61'
			)`,
		},
	},
}

// ApplyMigrations runs every migration whose version is greater than the
// currently-applied max, in order, inside one transaction per migration.
func (d *DB) ApplyMigrations(ctx context.Context) error {
	if d.conn == nil {
		return fmt.Errorf("database is closed")
	}
	if _, err := d.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}

	current, err := d.GetSchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := d.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration version, or 0 if none.
func (d *DB) GetSchemaVersion() (int, error) {
	if d.conn == nil {
		return 0, fmt.Errorf("database is closed")
	}
	var version sql.NullInt64
	err := d.conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		if isNoSuchTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("querying schema version: %w", err)
	}
	return int(version.Int64), nil
}

// ValidateSchema fails if the on-disk schema version doesn't match what this
// binary expects, preventing a newer/older daemon from silently corrupting state.
func (d *DB) ValidateSchema() error {
	if d.conn == nil {
		return fmt.Errorf("database is closed")
	}
	version, err := d.GetSchemaVersion()
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("schema version mismatch: on-disk=%d, expected=%d", version, SchemaVersion)
	}
	return nil
}

// GetStats returns a coarse summary of the store for `slb status`.
func (d *DB) GetStats() (*Stats, error) {
	if d.conn == nil {
		return nil, fmt.Errorf("database is closed")
	}
	version, err := d.GetSchemaVersion()
	if err != nil {
		return nil, err
	}
	stats := &Stats{SchemaVersion: version}

	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&stats.SessionCount); err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM sessions WHERE ended_at IS NULL`).Scan(&stats.ActiveSessions); err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM requests`).Scan(&stats.RequestCount); err != nil {
		return nil, fmt.Errorf("counting requests: %w", err)
	}
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM requests WHERE status = ?`, string(StatusPending)).Scan(&stats.PendingCount); err != nil {
		return nil, fmt.Errorf("counting pending requests: %w", err)
	}
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM reviews`).Scan(&stats.ReviewCount); err != nil {
		return nil, fmt.Errorf("counting reviews: %w", err)
	}
	return stats, nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, ddlType string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("scanning table_info(%s): %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, ddlType)); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	return nil
}

func isNoSuchTable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "no such table")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
