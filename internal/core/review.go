package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/twoperson/slb/internal/db"
)

// Review submission errors.
var (
	// ErrReviewSessionRequired is returned when no reviewer session ID is given.
	ErrReviewSessionRequired = errors.New("reviewer session ID is required")
	// ErrReviewSessionKeyRequired is returned when no session key is given.
	ErrReviewSessionKeyRequired = errors.New("reviewer session key is required")
	// ErrReviewSessionKeyMismatch is returned when the supplied session key
	// does not match the reviewer's stored secret (I8: only the session
	// holder can cast its vote).
	ErrReviewSessionKeyMismatch = errors.New("session key mismatch")
	// ErrSelfReview is returned when a session tries to review its own request.
	ErrSelfReview = errors.New("a session cannot review its own request")
	// ErrRequestNotPending is returned when the request is no longer open for review.
	ErrRequestNotPending = errors.New("request is not pending review")
	// ErrSameModelReview is returned when RequireDifferentModel is set and the
	// reviewer's model has already cast an approval on this request.
	ErrSameModelReview = errors.New("this request requires approval from a distinct model, which has already reviewed")
	// ErrSignatureInvalid is returned when a review's HMAC no longer
	// verifies against the reviewer's current session key, or the
	// reviewer's session has since ended. Either invalidates the vote (I8).
	ErrSignatureInvalid = errors.New("signature_invalid: review signature does not verify")
	// ErrSignatureStale is returned when a review's signature_timestamp
	// falls outside the replay window (P4, boundary: "signature replay
	// window").
	ErrSignatureStale = errors.New("signature_stale: review signature timestamp is outside the replay window")
)

// ReviewOptions holds the inputs for submitting a review.
type ReviewOptions struct {
	// SessionID is the reviewing session (required).
	SessionID string
	// SessionKey is the reviewing session's HMAC secret, used to prove
	// possession of the session rather than being sent as a pre-computed
	// signature: the Review Engine itself signs the vote once the key checks
	// out, since no client-side signing step exists in this CLI.
	SessionKey string
	// RequestID is the request being reviewed (required).
	RequestID string
	// Decision is approve or reject (required).
	Decision db.Decision
	// Responses are structured answers to the justification prompts.
	Responses db.ReviewResponse
	// Comments is free-text commentary, or the rejection reason for rejects.
	Comments string
}

// ReviewResult summarizes the effect of a submitted review.
type ReviewResult struct {
	Review               *db.Review
	Approvals            int
	Rejections           int
	RequestStatusChanged bool
	NewRequestStatus     db.RequestStatus
}

// ReviewConfig controls quorum resolution and approval TTLs.
type ReviewConfig struct {
	// ConflictPolicy governs how a rejection is reconciled against prior approvals.
	ConflictPolicy db.ConflictPolicy
	// ApprovalTTLMinutes is how long an approved (dangerous-tier) request stays
	// claimable before it expires unexecuted.
	ApprovalTTLMinutes int
	// ApprovalTTLCriticalMinutes is the shorter TTL applied to critical-tier requests.
	ApprovalTTLCriticalMinutes int
	// ReplayWindow bounds how far a signature timestamp may drift from now
	// before the Review Engine refuses to trust it (I8/P4).
	ReplayWindow time.Duration
}

// DefaultReviewConfig returns the default review configuration.
func DefaultReviewConfig() *ReviewConfig {
	return &ReviewConfig{
		ConflictPolicy:             db.ConflictAnyRejectionBlocks,
		ApprovalTTLMinutes:         30,
		ApprovalTTLCriticalMinutes: 10,
		ReplayWindow:               5 * time.Minute,
	}
}

// ReviewService validates and records approval/rejection votes, and drives
// the request status transitions that follow from them.
type ReviewService struct {
	db       *db.DB
	config   *ReviewConfig
	notifier RequestNotifier
}

// NewReviewService constructs a ReviewService.
func NewReviewService(database *db.DB, config *ReviewConfig) *ReviewService {
	if config == nil {
		config = DefaultReviewConfig()
	}
	return &ReviewService{db: database, config: config, notifier: NoopNotifier{}}
}

// SetNotifier overrides the default no-op notifier.
func (rs *ReviewService) SetNotifier(n RequestNotifier) {
	if n != nil {
		rs.notifier = n
	}
}

// SubmitReview validates a review and records it, transitioning the request
// to approved/rejected when quorum resolves.
func (rs *ReviewService) SubmitReview(opts ReviewOptions) (*ReviewResult, error) {
	if opts.SessionID == "" {
		return nil, ErrReviewSessionRequired
	}
	if opts.SessionKey == "" {
		return nil, ErrReviewSessionKeyRequired
	}
	if opts.RequestID == "" {
		return nil, fmt.Errorf("request ID is required")
	}

	reviewer, err := rs.db.GetSession(opts.SessionID)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting reviewer session: %w", err)
	}
	if !hmac.Equal([]byte(opts.SessionKey), []byte(reviewer.SessionKey)) {
		return nil, ErrReviewSessionKeyMismatch
	}
	if reviewer.EndedAt != nil {
		return nil, ErrSessionInactive
	}

	request, err := rs.db.GetRequest(opts.RequestID)
	if err != nil {
		if errors.Is(err, db.ErrRequestNotFound) || errors.Is(err, db.ErrNotFound) {
			return nil, db.ErrRequestNotFound
		}
		return nil, fmt.Errorf("getting request: %w", err)
	}
	if request.Status != db.StatusPending {
		return nil, fmt.Errorf("%w (status: %s)", ErrRequestNotPending, request.Status)
	}
	if request.RequestorSessionID == reviewer.ID {
		return nil, ErrSelfReview
	}

	alreadyReviewed, err := rs.db.HasReviewed(opts.RequestID, reviewer.ID)
	if err != nil {
		return nil, fmt.Errorf("checking existing review: %w", err)
	}
	if alreadyReviewed {
		return nil, fmt.Errorf("session %s has already reviewed this request", reviewer.ID)
	}

	if opts.Decision == db.DecisionApprove && request.RequireDifferentModel {
		models, err := rs.db.DistinctReviewerModels(opts.RequestID)
		if err != nil {
			return nil, fmt.Errorf("checking reviewer models: %w", err)
		}
		for _, m := range models {
			if m == reviewer.Model {
				return nil, ErrSameModelReview
			}
		}
	}

	now := time.Now().UTC()
	review := &db.Review{
		RequestID:          opts.RequestID,
		ReviewerSessionID:  reviewer.ID,
		Decision:           opts.Decision,
		SignatureTimestamp: now,
		Responses:          opts.Responses.ToMap(),
		Comment:            opts.Comments,
	}
	review.Signature = signReview(reviewer.SessionKey, review.RequestID, string(review.Decision), now)

	// The timestamp we just signed is server time, so this can't fire on
	// submission; it's the same check VerifyReviewSignature reapplies at
	// execute time, against the clock as it stands then (P4, replay window).
	if now.Sub(review.SignatureTimestamp) > rs.config.ReplayWindow {
		return nil, ErrSignatureStale
	}

	if err := rs.db.CreateReview(review); err != nil {
		if errors.Is(err, db.ErrDuplicateReview) {
			return nil, fmt.Errorf("session %s has already reviewed this request", reviewer.ID)
		}
		return nil, fmt.Errorf("recording review: %w", err)
	}

	approvals, err := rs.db.CountApprovals(opts.RequestID)
	if err != nil {
		return nil, fmt.Errorf("counting approvals: %w", err)
	}
	rejections, err := rs.db.CountRejections(opts.RequestID)
	if err != nil {
		return nil, fmt.Errorf("counting rejections: %w", err)
	}

	result := &ReviewResult{Review: review, Approvals: approvals, Rejections: rejections}

	switch {
	case opts.Decision == db.DecisionReject && rs.config.ConflictPolicy == db.ConflictAnyRejectionBlocks:
		if err := rs.db.UpdateRequestStatus(opts.RequestID, db.StatusPending, db.StatusRejected); err == nil {
			result.RequestStatusChanged = true
			result.NewRequestStatus = db.StatusRejected
			_ = rs.notifier.NotifyNewRequest(request)
		} else if !errors.Is(err, db.ErrInvalidTransition) {
			return nil, fmt.Errorf("rejecting request: %w", err)
		}
	case opts.Decision == db.DecisionReject && rs.config.ConflictPolicy == db.ConflictFirstWins:
		// first_wins: a rejection only carries the request if it's the very
		// first vote cast; once someone else has already weighed in, a later
		// rejection is just a dissenting vote, not a veto.
		if approvals+rejections == 1 {
			if err := rs.db.UpdateRequestStatus(opts.RequestID, db.StatusPending, db.StatusRejected); err == nil {
				result.RequestStatusChanged = true
				result.NewRequestStatus = db.StatusRejected
				_ = rs.notifier.NotifyNewRequest(request)
			} else if !errors.Is(err, db.ErrInvalidTransition) {
				return nil, fmt.Errorf("rejecting request: %w", err)
			}
		}
	case opts.Decision == db.DecisionReject && rs.config.ConflictPolicy == db.ConflictHumanBreaksTie:
		// human_breaks_tie: a rejection against a prior approval is a real
		// conflict that needs a human; absent a contradictory prior vote it
		// just defers, leaving the request pending for more reviews.
		if approvals > 0 {
			if err := rs.db.UpdateRequestStatus(opts.RequestID, db.StatusPending, db.StatusEscalated); err == nil {
				result.RequestStatusChanged = true
				result.NewRequestStatus = db.StatusEscalated
				_ = rs.notifier.NotifyNewRequest(request)
			} else if !errors.Is(err, db.ErrInvalidTransition) {
				return nil, fmt.Errorf("escalating request: %w", err)
			}
		}
	case opts.Decision == db.DecisionApprove && rejections == 0 && approvals >= request.MinApprovals:
		ttl := rs.config.ApprovalTTLMinutes
		if request.RiskTier == db.RiskTierCritical {
			ttl = rs.config.ApprovalTTLCriticalMinutes
		}
		approvalExpiresAt := now.Add(time.Duration(ttl) * time.Minute)
		if err := rs.db.MarkApproved(opts.RequestID, approvalExpiresAt); err == nil {
			result.RequestStatusChanged = true
			result.NewRequestStatus = db.StatusApproved
			_ = rs.notifier.NotifyNewRequest(request)
		} else if !errors.Is(err, db.ErrInvalidTransition) {
			return nil, fmt.Errorf("approving request: %w", err)
		}
	}

	return result, nil
}

// signReview computes the P4 signature: HMAC-SHA256(session.hmac_key,
// request_id ∥ decision ∥ signature_timestamp). The reviewer session is
// bound separately, by looking up the key under ReviewerSessionID rather
// than folding it into the MAC input itself.
func signReview(sessionKey, requestID, decision string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(sessionKey))
	mac.Write([]byte(requestID))
	mac.Write([]byte{0x0A})
	mac.Write([]byte(decision))
	mac.Write([]byte{0x0A})
	mac.Write([]byte(ts.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyReviewSignature re-derives a cast review's HMAC using the
// reviewer's current session key and checks its timestamp is still within
// the replay window. Called at execute time (§4.5's last line): a rotated
// key or an ended session makes the stored signature fail to verify, so an
// approval resting on it no longer counts.
func VerifyReviewSignature(database *db.DB, review *db.Review, replayWindow time.Duration, now time.Time) error {
	reviewer, err := database.GetSession(review.ReviewerSessionID)
	if err != nil {
		if errors.Is(err, db.ErrSessionNotFound) {
			return ErrSignatureInvalid
		}
		return fmt.Errorf("getting reviewer session: %w", err)
	}
	if reviewer.EndedAt != nil {
		return ErrSignatureInvalid
	}
	want := signReview(reviewer.SessionKey, review.RequestID, string(review.Decision), review.SignatureTimestamp)
	if !hmac.Equal([]byte(want), []byte(review.Signature)) {
		return ErrSignatureInvalid
	}
	if now.Sub(review.SignatureTimestamp) > replayWindow {
		return ErrSignatureStale
	}
	return nil
}
