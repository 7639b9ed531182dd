package cli

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twoperson/slb/internal/daemon"
	"github.com/twoperson/slb/internal/db"
	"github.com/spf13/cobra"
)

var (
	flagWatchSessionID          string
	flagWatchAutoApproveCaution bool
	flagWatchPollInterval       = 2 * time.Second
	flagWatchRealtime           bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&flagWatchSessionID, "session-id", "s", "", "session ID to record as reviewer for auto-approved caution requests (defaults to \"auto-approve\")")
	watchCmd.Flags().BoolVar(&flagWatchAutoApproveCaution, "auto-approve-caution", false, "automatically approve CAUTION-tier requests as they arrive")
	watchCmd.Flags().DurationVar(&flagWatchPollInterval, "poll-interval", 2*time.Second, "how often to poll the store when the daemon isn't reachable")
	watchCmd.Flags().BoolVar(&flagWatchRealtime, "realtime", false, "require the daemon's live event stream; fail instead of degrading to polling")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream request lifecycle events",
	Long: `Stream request_pending/request_approved/... events as they happen.

watch prefers the daemon's live IPC event stream; when the daemon isn't
running it degrades to polling the store directly at --poll-interval,
matching the CLI's general no-daemon-required design.`,
	RunE: runWatch,
}

// AutoApproveDecision is the result of evaluating whether a request is
// eligible for the --auto-approve-caution fast path.
type AutoApproveDecision struct {
	ShouldApprove bool
	Reason        string
}

// shouldAutoApproveCaution reports whether a request in the given status and
// tier may be auto-approved. Only a pending CAUTION-tier request qualifies;
// every other status or tier is refused, with a reason naming the
// disqualifying status or tier.
func shouldAutoApproveCaution(status db.RequestStatus, tier db.RiskTier) AutoApproveDecision {
	if status != db.StatusPending {
		return AutoApproveDecision{
			ShouldApprove: false,
			Reason:        fmt.Sprintf("request status is %q, not pending", status),
		}
	}
	if tier != db.RiskTierCaution {
		return AutoApproveDecision{
			ShouldApprove: false,
			Reason:        fmt.Sprintf("risk tier is %q; only caution-tier requests are eligible for auto-approval", tier),
		}
	}
	return AutoApproveDecision{
		ShouldApprove: true,
		Reason:        "pending caution-tier request is eligible for auto-approval",
	}
}

// PollAction is the action evaluateRequestForPolling recommends for a
// request observed during a polling pass.
type PollAction string

const (
	PollActionEmitNew          PollAction = "emit_new"
	PollActionEmitStatusChange PollAction = "emit_status_change"
	PollActionSkip             PollAction = "skip"
)

// RequestPollResult is the outcome of evaluating one request against the
// seen map during a polling pass.
type RequestPollResult struct {
	Action    PollAction
	EventType string
	Reason    string
}

// statusToEventType maps a terminal/transitional request status to the
// watch-stream event name it produces. Pending and unrecognized statuses
// have no associated event.
func statusToEventType(status db.RequestStatus) string {
	switch status {
	case db.StatusApproved:
		return "request_approved"
	case db.StatusRejected:
		return "request_rejected"
	case db.StatusExecuted, db.StatusExecutionFailed:
		return "request_executed"
	case db.StatusTimeout, db.StatusTimedOut:
		return "request_timeout"
	case db.StatusCancelled:
		return "request_cancelled"
	default:
		return ""
	}
}

// evaluateRequestForPolling decides what a polling pass should do about one
// request given the statuses already observed for it.
func evaluateRequestForPolling(requestID string, status db.RequestStatus, seen map[string]db.RequestStatus) RequestPollResult {
	prevStatus, ok := seen[requestID]
	if !ok {
		return RequestPollResult{
			Action:    PollActionEmitNew,
			EventType: "request_pending",
			Reason:    fmt.Sprintf("request %s is new (status=%s)", requestID, status),
		}
	}
	if prevStatus == status {
		return RequestPollResult{
			Action: PollActionSkip,
			Reason: fmt.Sprintf("request %s status unchanged (%s)", requestID, status),
		}
	}
	eventType := statusToEventType(status)
	if eventType == "" {
		return RequestPollResult{
			Action: PollActionSkip,
			Reason: fmt.Sprintf("request %s transitioned from %s to unrecognized status %s", requestID, prevStatus, status),
		}
	}
	return RequestPollResult{
		Action:    PollActionEmitStatusChange,
		EventType: eventType,
		Reason:    fmt.Sprintf("request %s transitioned from %s to %s", requestID, prevStatus, status),
	}
}

// displayCommandFor returns the redacted command text, falling back to the
// raw command when no redaction was necessary.
func displayCommandFor(req *db.Request) string {
	if req.Command.DisplayRedacted != "" {
		return req.Command.DisplayRedacted
	}
	return req.Command.Raw
}

// pollRequests runs one polling pass over every project's pending requests,
// emitting newline-delimited events for anything new or changed since the
// last pass, and optionally auto-approving newly-seen CAUTION requests.
func pollRequests(ctx context.Context, dbConn *db.DB, enc *json.Encoder, seen map[string]db.RequestStatus) error {
	requests, err := dbConn.ListPendingAllProjects()
	if err != nil {
		return fmt.Errorf("listing pending requests: %w", err)
	}

	for _, req := range requests {
		result := evaluateRequestForPolling(req.ID, req.Status, seen)
		switch result.Action {
		case PollActionEmitNew:
			seen[req.ID] = req.Status
			_ = enc.Encode(daemon.RequestStreamEvent{
				Event:     result.EventType,
				RequestID: req.ID,
				RiskTier:  string(req.RiskTier),
				Command:   displayCommandFor(req),
				Requestor: req.RequestorAgent,
			})
			if flagWatchAutoApproveCaution && req.RiskTier == db.RiskTierCaution {
				if err := autoApproveCaution(ctx, req.ID); err != nil {
					_ = enc.Encode(daemon.RequestStreamEvent{
						Event:     "auto_approve_error",
						RequestID: req.ID,
						Reason:    err.Error(),
					})
				}
			}
		case PollActionEmitStatusChange:
			seen[req.ID] = req.Status
			_ = enc.Encode(daemon.RequestStreamEvent{
				Event:     result.EventType,
				RequestID: req.ID,
				RiskTier:  string(req.RiskTier),
				Command:   displayCommandFor(req),
				Requestor: req.RequestorAgent,
			})
		case PollActionSkip:
			// Nothing changed worth reporting; leave the seen map as-is.
		}
	}
	return nil
}

// autoApproveCaution records an automatic approval review for a
// CAUTION-tier request, using flagWatchSessionID as the reviewing session
// (defaulting to "auto-approve"). A request that is no longer pending is
// treated as already resolved and is a no-op, not an error; a request that
// fails shouldAutoApproveCaution's tier check is refused with an error
// naming the denial reason.
func autoApproveCaution(ctx context.Context, requestID string) error {
	dbConn, err := db.OpenWithOptions(flagDB, db.OpenOptions{CreateIfNotExists: false})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer dbConn.Close()

	req, err := dbConn.GetRequest(requestID)
	if err != nil {
		return fmt.Errorf("getting request: %w", err)
	}

	decision := shouldAutoApproveCaution(req.Status, req.RiskTier)
	if !decision.ShouldApprove {
		if req.Status != db.StatusPending {
			// Already resolved by the time we got here; nothing to do.
			return nil
		}
		return fmt.Errorf("auto-approval denied: %s", decision.Reason)
	}

	sessionID := flagWatchSessionID
	if sessionID == "" {
		sessionID = "auto-approve"
	}

	reviewer, err := dbConn.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("getting auto-approve session %q: %w", sessionID, err)
	}

	now := time.Now().UTC()
	review := &db.Review{
		RequestID:          requestID,
		ReviewerSessionID:  sessionID,
		Decision:           db.DecisionApprove,
		SignatureTimestamp: now,
		Comment:            "auto-approved: caution-tier command under watch's --auto-approve-caution policy",
	}
	review.Signature = signAutoApproval(reviewer.SessionKey, review.RequestID, review.ReviewerSessionID, string(review.Decision), now)

	if err := dbConn.CreateReview(review); err != nil {
		return fmt.Errorf("recording auto-approval: %w", err)
	}

	approvals, err := dbConn.CountApprovals(requestID)
	if err != nil {
		return fmt.Errorf("counting approvals: %w", err)
	}
	if approvals >= req.MinApprovals {
		ttl := 30 * time.Minute
		if err := dbConn.MarkApproved(requestID, now.Add(ttl)); err != nil && !errors.Is(err, db.ErrInvalidTransition) {
			return fmt.Errorf("approving request: %w", err)
		}
	}
	return nil
}

// signAutoApproval mirrors the Review Engine's signing scheme (see
// core.signReview) so an auto-approved review carries the same kind of
// HMAC proof a human-reviewed one does. As there, the reviewer session is
// bound by whose key signs, not by the MAC input.
func signAutoApproval(sessionKey, requestID, reviewerSessionID, decision string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(sessionKey))
	mac.Write([]byte(requestID))
	mac.Write([]byte{0x0A})
	mac.Write([]byte(decision))
	mac.Write([]byte{0x0A})
	mac.Write([]byte(ts.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(mac.Sum(nil))
}

// runWatch serves the `slb watch` command. It first tries the daemon's live
// IPC event stream; if the daemon isn't reachable it falls back to polling
// the store directly, so watch works the same whether or not a daemon is
// running.
func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	client := daemon.NewIPCClient(daemon.DefaultSocketPath())
	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	daemonUp := client.Ping(pingCtx) == nil
	cancel()

	enc := json.NewEncoder(cmd.OutOrStdout())

	if daemonUp {
		return runWatchDaemon(ctx, client, enc)
	}
	client.Close()
	if flagWatchRealtime {
		return fmt.Errorf("%w: --realtime requires a running daemon", daemon.ErrDaemonUnreachable)
	}
	return runWatchPolling(ctx, enc)
}

// runWatchDaemon streams events from a live daemon subscription until ctx is
// done or the subscription ends.
func runWatchDaemon(ctx context.Context, client *daemon.IPCClient, enc *json.Encoder) error {
	defer client.Close()

	events, err := client.Subscribe(ctx)
	if err != nil {
		return runWatchPolling(ctx, enc)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if rse := daemon.ToRequestStreamEvent(ev); rse != nil {
				_ = enc.Encode(rse)
			}
		}
	}
}

// runWatchPolling is the no-daemon fallback: it polls the store at
// flagWatchPollInterval until ctx is done.
func runWatchPolling(ctx context.Context, enc *json.Encoder) error {
	dbConn, err := db.OpenWithOptions(flagDB, db.OpenOptions{CreateIfNotExists: false})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer dbConn.Close()

	interval := flagWatchPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	seen := make(map[string]db.RequestStatus)

	if err := pollRequests(ctx, dbConn, enc, seen); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pollRequests(ctx, dbConn, enc, seen); err != nil {
				return err
			}
		}
	}
}
