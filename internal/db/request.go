package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRequestNotFound is returned when a request id doesn't resolve.
var ErrRequestNotFound = fmt.Errorf("request not found: %w", ErrNotFound)

// ErrInvalidTransition is returned by UpdateRequestStatus when the
// compare-and-swap predicate (status = expected) matches zero rows: either
// the request doesn't exist, or another writer already moved it past the
// expected status. Callers racing for the same transition (P3, P6, P7) treat
// this as "I lost the race", not as a fatal error.
var ErrInvalidTransition = errors.New("invalid status transition")

// CreateRequest inserts a new request row in StatusPending (or the caller's
// chosen initial status, for tests).
func (d *DB) CreateRequest(r *Request) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	argvJSON, err := json.Marshal(r.Command.Argv)
	if err != nil {
		return fmt.Errorf("marshalling argv: %w", err)
	}
	if r.Command.Hash == "" {
		hash, err := CommandHash(r.Command.Raw, r.Command.Cwd, r.Command.Argv, r.Command.Shell)
		if err != nil {
			return fmt.Errorf("hashing command: %w", err)
		}
		r.Command.Hash = hash
	}

	_, err = d.Exec(`
		INSERT INTO requests (
			id, project_path, raw, argv_json, cwd, shell, command_hash, display_redacted, contains_sensitive, parse_status,
			reason, expected_effect, goal, safety_argument,
			dry_run_command, dry_run_output,
			risk_tier, matched_rule, status, min_approvals, require_different_model,
			requestor_session_id, requestor_agent, requestor_model,
			created_at, expires_at, approval_expires_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.ProjectPath, r.Command.Raw, string(argvJSON), r.Command.Cwd, boolToInt(r.Command.Shell),
		r.Command.Hash, r.Command.DisplayRedacted, boolToInt(r.Command.ContainsSensitive), r.Command.ParseStatus,
		r.Justification.Reason, r.Justification.ExpectedEffect, r.Justification.Goal, r.Justification.SafetyArgument,
		dryRunCommand(r.DryRun), dryRunOutput(r.DryRun),
		string(r.RiskTier), r.MatchedRule, string(r.Status), r.MinApprovals, boolToInt(r.RequireDifferentModel),
		r.RequestorSessionID, r.RequestorAgent, r.RequestorModel,
		formatTime(r.CreatedAt), formatTime(r.ExpiresAt), formatTimePtr(r.ApprovalExpiresAt), formatTimePtr(r.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if err := d.IndexRequestForSearch(r); err != nil {
		return err
	}
	return nil
}

// GetRequest retrieves a request by id, joined with its requestor session
// for display purposes. Its rollback capture, if any, is attached.
func (d *DB) GetRequest(id string) (*Request, error) {
	row := d.QueryRow(requestSelectQuery+" WHERE r.id = ?", id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, err
	}
	rc, err := d.GetRollbackCapture(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err == nil {
		r.Rollback = rc
	}
	return r, nil
}

// GetRequestWithReviews retrieves a request together with every review cast
// against it, ordered oldest first.
func (d *DB) GetRequestWithReviews(id string) (*Request, []*Review, error) {
	r, err := d.GetRequest(id)
	if err != nil {
		return nil, nil, err
	}
	reviews, err := d.ListReviews(id)
	if err != nil {
		return nil, nil, err
	}
	return r, reviews, nil
}

// ListPending lists pending requests for a project, oldest first.
func (d *DB) ListPending(project string) ([]*Request, error) {
	rows, err := d.Query(requestSelectQuery+" WHERE r.project_path = ? AND r.status = ? ORDER BY r.created_at ASC",
		project, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListPendingAllProjects lists pending requests across every project, used
// by the daemon's cross-project notification fanout.
func (d *DB) ListPendingAllProjects() ([]*Request, error) {
	rows, err := d.Query(requestSelectQuery+" WHERE r.status = ? ORDER BY r.created_at ASC", string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListByStatus lists requests for a project in a given status, newest first.
func (d *DB) ListByStatus(project string, status RequestStatus) ([]*Request, error) {
	rows, err := d.Query(requestSelectQuery+" WHERE r.project_path = ? AND r.status = ? ORDER BY r.created_at DESC",
		project, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing requests by status: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListAllRequests lists every request for a project, newest first, used by
// `slb history`.
func (d *DB) ListAllRequests(project string, limit int) ([]*Request, error) {
	q := requestSelectQuery + " WHERE r.project_path = ? ORDER BY r.created_at DESC"
	args := []any{project}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := d.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListExpiring returns pending or approved requests whose relevant deadline
// (expires_at for pending, approval_expires_at for approved) has passed,
// used by the daemon's timeout scheduler.
func (d *DB) ListExpiring(now time.Time) ([]*Request, error) {
	rows, err := d.Query(requestSelectQuery+` WHERE
		(r.status = ? AND r.expires_at <= ?) OR
		(r.status = ? AND r.approval_expires_at IS NOT NULL AND r.approval_expires_at <= ?)
		ORDER BY r.created_at ASC`,
		string(StatusPending), formatTime(now), string(StatusApproved), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("listing expiring requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListOrphanedExecuting returns requests stuck in StatusExecuting whose
// claim is older than the execution claim TTL, used by the execution gate's
// orphan sweep.
func (d *DB) ListOrphanedExecuting(olderThan time.Time) ([]*Request, error) {
	rows, err := d.Query(requestSelectQuery+" WHERE r.status = ? AND r.resolved_at IS NOT NULL AND r.resolved_at <= ?",
		string(StatusExecuting), formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("listing orphaned executions: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// UpdateRequestStatus performs a compare-and-swap transition: the UPDATE's
// WHERE clause pins the expected current status, so exactly one concurrent
// caller wins a race for the same transition (P3 approval-quorum race, P6
// execution-claim race, P7 cancel-vs-approve race). The loser gets
// ErrInvalidTransition and must re-read the request to learn what happened.
func (d *DB) UpdateRequestStatus(id string, expected, next RequestStatus) error {
	now := time.Now().UTC()
	var resolvedAt any
	// StatusExecuting isn't terminal, but the execution gate's orphan sweep
	// needs a claim timestamp to measure the claim's age against its TTL, and
	// resolved_at is the column already available for that purpose.
	if isTerminalStatus(next) || next == StatusExecuting {
		resolvedAt = formatTime(now)
	}

	res, err := d.Exec(`
		UPDATE requests SET status = ?, resolved_at = COALESCE(?, resolved_at)
		WHERE id = ? AND status = ?
	`, string(next), resolvedAt, id, string(expected))
	if err != nil {
		return fmt.Errorf("updating request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkApproved transitions a pending request to approved, stamping its
// approval deadline. CAS-guarded on the pending status.
func (d *DB) MarkApproved(id string, approvalExpiresAt time.Time) error {
	res, err := d.Exec(`
		UPDATE requests SET status = ?, approval_expires_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusApproved), formatTime(approvalExpiresAt), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("marking request approved: %w", err)
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

// ClaimForExecution atomically transitions an approved request to executing.
// First writer wins; all others receive ErrInvalidTransition, which the
// execution gate treats as "someone else is already running this".
func (d *DB) ClaimForExecution(id string) error {
	return d.UpdateRequestStatus(id, StatusApproved, StatusExecuting)
}

// ReclassifyAndDemote updates a request's recorded tier, matched rule, and
// minimum-approval count to a fresh classification and resets its approval
// expiry, used when the execution gate's re-classification (gate condition
// #4) finds the command now ranks in a stricter tier than the one it was
// approved under. Callers run this after the approved->pending CAS
// transition has already won the race.
func (d *DB) ReclassifyAndDemote(id string, tier RiskTier, matchedRule string, minApprovals int) error {
	_, err := d.Exec(`
		UPDATE requests SET risk_tier = ?, matched_rule = ?, min_approvals = ?, approval_expires_at = NULL
		WHERE id = ?
	`, string(tier), matchedRule, minApprovals, id)
	if err != nil {
		return fmt.Errorf("reclassifying demoted request: %w", err)
	}
	return nil
}

func isTerminalStatus(s RequestStatus) bool {
	switch s {
	case StatusExecuted, StatusExecutionFailed, StatusCancelled, StatusTimeout, StatusTimedOut, StatusRejected:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a request in this status can no longer transition.
func (s RequestStatus) IsTerminal() bool {
	return isTerminalStatus(s)
}

// ListPendingRequests is an alias of ListPending kept for callers (the
// daemon) that spell it out in full.
func (d *DB) ListPendingRequests(project string) ([]*Request, error) {
	return d.ListPending(project)
}

// CountPendingBySession counts a session's currently-pending requests, used
// by the rate limiter's MaxPendingPerSession check.
func (d *DB) CountPendingBySession(sessionID string) (int, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM requests WHERE requestor_session_id = ? AND status = ?`,
		sessionID, string(StatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending requests for session: %w", err)
	}
	return n, nil
}

// CountRequestsSince counts a session's requests created at or after since,
// used by the rate limiter's MaxRequestsPerMinute check.
func (d *DB) CountRequestsSince(sessionID string, since time.Time) (int, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM requests WHERE requestor_session_id = ? AND created_at >= ?`,
		sessionID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting requests since: %w", err)
	}
	return n, nil
}

// OldestRequestCreatedAtSince returns the created_at of the oldest request a
// session made at or after since, or nil if there are none. Used to compute
// when the rate limiter's per-minute window will next free up.
func (d *DB) OldestRequestCreatedAtSince(sessionID string, since time.Time) (*time.Time, error) {
	var createdAt sql.NullString
	err := d.QueryRow(`
		SELECT MIN(created_at) FROM requests WHERE requestor_session_id = ? AND created_at >= ?
	`, sessionID, formatTime(since)).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("reading oldest request time: %w", err)
	}
	return parseTimePtr(createdAt)
}

const requestSelectQuery = `
	SELECT
		r.id, r.project_path, r.raw, r.argv_json, r.cwd, r.shell, r.command_hash, r.display_redacted, r.contains_sensitive, r.parse_status,
		r.reason, r.expected_effect, r.goal, r.safety_argument,
		r.dry_run_command, r.dry_run_output,
		r.risk_tier, r.matched_rule, r.status, r.min_approvals, r.require_different_model,
		r.requestor_session_id, r.requestor_agent, r.requestor_model,
		r.created_at, r.expires_at, r.approval_expires_at, r.resolved_at,
		s.agent_name, s.model
	FROM requests r
	LEFT JOIN sessions s ON s.id = r.requestor_session_id
`

func scanRequestRow(scan func(dest ...any) error) (*Request, error) {
	r := &Request{}
	var (
		argvJSON                                       sql.NullString
		displayRedacted                                 sql.NullString
		parseStatus                                     sql.NullString
		expectedEffect, goal, safetyArg                 sql.NullString
		dryRunCmd, dryRunOut                             sql.NullString
		matchedRule                                     sql.NullString
		containsSensitive, shell, requireDifferentModel int
		createdAt, expiresAt                            string
		approvalExpiresAt, resolvedAt                   sql.NullString
		sessAgent, sessModel                            sql.NullString
	)
	err := scan(
		&r.ID, &r.ProjectPath, &r.Command.Raw, &argvJSON, &r.Command.Cwd, &shell, &r.Command.Hash, &displayRedacted, &containsSensitive, &parseStatus,
		&r.Justification.Reason, &expectedEffect, &goal, &safetyArg,
		&dryRunCmd, &dryRunOut,
		&r.RiskTier, &matchedRule, &r.Status, &r.MinApprovals, &requireDifferentModel,
		&r.RequestorSessionID, &r.RequestorAgent, &r.RequestorModel,
		&createdAt, &expiresAt, &approvalExpiresAt, &resolvedAt,
		&sessAgent, &sessModel,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("scanning request: %w", err)
	}

	r.Command.Shell = shell != 0
	r.Command.ContainsSensitive = containsSensitive != 0
	r.Command.DisplayRedacted = displayRedacted.String
	r.Command.ParseStatus = parseStatus.String
	if argvJSON.Valid && argvJSON.String != "" {
		if err := json.Unmarshal([]byte(argvJSON.String), &r.Command.Argv); err != nil {
			return nil, fmt.Errorf("unmarshalling argv: %w", err)
		}
	}
	r.Justification.ExpectedEffect = expectedEffect.String
	r.Justification.Goal = goal.String
	r.Justification.SafetyArgument = safetyArg.String
	if dryRunCmd.Valid {
		r.DryRun = &DryRunResult{Command: dryRunCmd.String, Output: dryRunOut.String}
	}
	r.MatchedRule = matchedRule.String
	r.RequireDifferentModel = requireDifferentModel != 0
	r.CreatedAt, _ = parseTime(createdAt)
	r.ExpiresAt, _ = parseTime(expiresAt)
	if r.ApprovalExpiresAt, err = parseTimePtr(approvalExpiresAt); err != nil {
		return nil, err
	}
	if r.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	if sessAgent.Valid {
		r.Requestor = &RequestorRef{SessionID: r.RequestorSessionID, AgentName: sessAgent.String, Model: sessModel.String}
	}
	return r, nil
}

func scanRequest(row *sql.Row) (*Request, error) {
	return scanRequestRow(row.Scan)
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var out []*Request
	for rows.Next() {
		r, err := scanRequestRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func dryRunCommand(d *DryRunResult) any {
	if d == nil {
		return nil
	}
	return d.Command
}

func dryRunOutput(d *DryRunResult) any {
	if d == nil {
		return nil
	}
	return d.Output
}

// AgentStats is one agent's row of GetRequestStatsByAgent's per-agent
// request counts, shown by `slb outcome stats`.
type AgentStats struct {
	Agent     string `json:"agent"`
	Total     int    `json:"total"`
	Approved  int    `json:"approved"`
	Rejected  int    `json:"rejected"`
	TimedOut  int    `json:"timed_out"`
	Cancelled int    `json:"cancelled"`
}

func (d *DB) GetRequestStatsByAgent(project string) ([]AgentStats, error) {
	rows, err := d.Query(`
		SELECT requestor_agent,
			COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		FROM requests WHERE project_path = ?
		GROUP BY requestor_agent ORDER BY requestor_agent
	`, string(StatusExecuted), string(StatusRejected), string(StatusTimeout), string(StatusTimedOut), string(StatusCancelled), project)
	if err != nil {
		return nil, fmt.Errorf("aggregating stats by agent: %w", err)
	}
	defer rows.Close()

	var out []AgentStats
	for rows.Next() {
		var s AgentStats
		if err := rows.Scan(&s.Agent, &s.Total, &s.Approved, &s.Rejected, &s.TimedOut, &s.Cancelled); err != nil {
			return nil, fmt.Errorf("scanning agent stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TimeToApprovalStats summarizes how long pending requests took to resolve.
type TimeToApprovalStats struct {
	Count      int     `json:"count"`
	AvgSeconds float64 `json:"avg_seconds"`
	MaxSeconds float64 `json:"max_seconds"`
}

func (d *DB) GetTimeToApprovalStats(project string) (*TimeToApprovalStats, error) {
	rows, err := d.Query(`
		SELECT created_at, resolved_at FROM requests
		WHERE project_path = ? AND status = ? AND resolved_at IS NOT NULL
	`, project, string(StatusExecuted))
	if err != nil {
		return nil, fmt.Errorf("reading approval times: %w", err)
	}
	defer rows.Close()

	stats := &TimeToApprovalStats{}
	var total float64
	for rows.Next() {
		var createdAt, resolvedAt string
		if err := rows.Scan(&createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning approval time row: %w", err)
		}
		c, err1 := parseTime(createdAt)
		r, err2 := parseTime(resolvedAt)
		if err1 != nil || err2 != nil {
			continue
		}
		secs := r.Sub(c).Seconds()
		total += secs
		if secs > stats.MaxSeconds {
			stats.MaxSeconds = secs
		}
		stats.Count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.Count > 0 {
		stats.AvgSeconds = total / float64(stats.Count)
	}
	return stats, nil
}
