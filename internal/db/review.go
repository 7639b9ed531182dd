package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReviewResponse captures a reviewer's answers to the standard four
// reasoning prompts (P5: a reviewer must engage with the request's
// justification, not just click approve). Stored inside Review.Responses.
type ReviewResponse struct {
	ReasonResponse string `json:"reason_response,omitempty"`
	EffectResponse string `json:"effect_response,omitempty"`
	GoalResponse   string `json:"goal_response,omitempty"`
	SafetyResponse string `json:"safety_response,omitempty"`
}

// ToMap converts a ReviewResponse into the map[string]any shape Review.Responses stores.
func (rr ReviewResponse) ToMap() map[string]any {
	return map[string]any{
		"reason_response": rr.ReasonResponse,
		"effect_response": rr.EffectResponse,
		"goal_response":   rr.GoalResponse,
		"safety_response": rr.SafetyResponse,
	}
}

// ReviewResponseFromMap reconstructs a ReviewResponse from Review.Responses.
func ReviewResponseFromMap(m map[string]any) ReviewResponse {
	get := func(k string) string {
		if v, ok := m[k].(string); ok {
			return v
		}
		return ""
	}
	return ReviewResponse{
		ReasonResponse: get("reason_response"),
		EffectResponse: get("effect_response"),
		GoalResponse:   get("goal_response"),
		SafetyResponse: get("safety_response"),
	}
}

// ErrDuplicateReview is returned by CreateReview when the reviewer has
// already voted on this request, enforced by the UNIQUE(request_id,
// reviewer_session_id) constraint (I3: one vote per reviewer per request).
var ErrDuplicateReview = errors.New("reviewer has already voted on this request")

// CreateReview inserts a review. Self-review (requestor voting on their own
// request) is rejected by the Review Engine before this is ever called; this
// layer only enforces the one-vote-per-reviewer constraint.
func (d *DB) CreateReview(r *Review) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var responsesJSON any
	if len(r.Responses) > 0 {
		b, err := json.Marshal(r.Responses)
		if err != nil {
			return fmt.Errorf("marshalling review responses: %w", err)
		}
		responsesJSON = string(b)
	}

	_, err := d.Exec(`
		INSERT INTO reviews (id, request_id, reviewer_session_id, decision, signature, signature_timestamp, responses_json, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.RequestID, r.ReviewerSessionID, string(r.Decision), r.Signature, formatTime(r.SignatureTimestamp),
		responsesJSON, r.Comment, formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReview
		}
		return fmt.Errorf("creating review: %w", err)
	}
	return nil
}

// ListReviews lists all reviews for a request, oldest first.
func (d *DB) ListReviews(requestID string) ([]*Review, error) {
	rows, err := d.Query(`
		SELECT id, request_id, reviewer_session_id, decision, signature, signature_timestamp, responses_json, comment, created_at
		FROM reviews WHERE request_id = ? ORDER BY created_at ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	defer rows.Close()

	var out []*Review
	for rows.Next() {
		rv := &Review{}
		var sigTs, createdAt string
		var responsesJSON sql.NullString
		if err := rows.Scan(&rv.ID, &rv.RequestID, &rv.ReviewerSessionID, &rv.Decision, &rv.Signature, &sigTs,
			&responsesJSON, &rv.Comment, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning review: %w", err)
		}
		rv.SignatureTimestamp, _ = parseTime(sigTs)
		rv.CreatedAt, _ = parseTime(createdAt)
		if responsesJSON.Valid && responsesJSON.String != "" {
			if err := json.Unmarshal([]byte(responsesJSON.String), &rv.Responses); err != nil {
				return nil, fmt.Errorf("unmarshalling review responses: %w", err)
			}
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// ListReviewsForRequest is an alias for ListReviews, kept for callers that
// read more naturally with the fully-qualified name (e.g. the watch stream).
func (d *DB) ListReviewsForRequest(requestID string) ([]*Review, error) {
	return d.ListReviews(requestID)
}

// CountApprovals counts approve decisions recorded for a request.
func (d *DB) CountApprovals(requestID string) (int, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM reviews WHERE request_id = ? AND decision = ?`,
		requestID, string(DecisionApprove)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting approvals: %w", err)
	}
	return n, nil
}

// CountRejections counts reject decisions recorded for a request.
func (d *DB) CountRejections(requestID string) (int, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM reviews WHERE request_id = ? AND decision = ?`,
		requestID, string(DecisionReject)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rejections: %w", err)
	}
	return n, nil
}

// HasReviewed reports whether a session has already voted on a request.
func (d *DB) HasReviewed(requestID, reviewerSessionID string) (bool, error) {
	var n int
	err := d.QueryRow(`SELECT COUNT(*) FROM reviews WHERE request_id = ? AND reviewer_session_id = ?`,
		requestID, reviewerSessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking existing review: %w", err)
	}
	return n > 0, nil
}

// DistinctReviewerModels returns the set of distinct session models that
// have approved a request, used to enforce RequireDifferentModel quorum.
func (d *DB) DistinctReviewerModels(requestID string) ([]string, error) {
	rows, err := d.Query(`
		SELECT DISTINCT s.model FROM reviews r
		JOIN sessions s ON s.id = r.reviewer_session_id
		WHERE r.request_id = ? AND r.decision = ?
	`, requestID, string(DecisionApprove))
	if err != nil {
		return nil, fmt.Errorf("listing distinct reviewer models: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
