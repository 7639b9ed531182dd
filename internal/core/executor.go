package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/twoperson/slb/internal/db"
)

// Execution gate errors.
var (
	// ErrExecutionClaimLost is returned when another caller already claimed
	// this request for execution (P6: first writer wins).
	ErrExecutionClaimLost = errors.New("request is already executing or no longer approved")
	// ErrCommandTampered is returned when the command bound to a request no
	// longer hashes to the value recorded at creation time (I2/P5).
	ErrCommandTampered = errors.New("command hash no longer matches the request: possible tampering")
	// ErrApprovalExpired is returned when execute is attempted after the
	// approval window (ApprovalExpiresAt) has elapsed (gate condition #2,
	// I6, P5).
	ErrApprovalExpired = errors.New("approval_expired: approval window has elapsed")
	// ErrTierRaisedSinceApproval is returned when gate condition #4's
	// re-classification finds the command now ranks in a stricter tier than
	// the one it was approved under. The request is demoted back to pending
	// rather than executed, and a fresh review cycle is required.
	ErrTierRaisedSinceApproval = errors.New("tier_raised_since_approval: command reclassified to a stricter tier since approval, new review required")
)

// DefaultReplayWindow bounds how stale a backing review's signature may be
// at execute time before the approval it contributed to is no longer
// trusted (§4.5's execute-time re-verification, P4).
const DefaultReplayWindow = 5 * time.Minute

// ExecuteOptions configures a single execution attempt.
type ExecuteOptions struct {
	// RequestID is the approved request to execute (required).
	RequestID string
	// SessionID is the session driving the execution, for the log header.
	SessionID string
	// LogDir is where the execution transcript is written, relative to the
	// project root unless absolute.
	LogDir string
	// SuppressOutput prevents streaming command output to stdout (JSON mode).
	SuppressOutput bool
	// CaptureRollback captures pre-execution state when the command supports it.
	CaptureRollback bool
	// MaxRollbackSizeMB bounds the filesystem rollback capture.
	MaxRollbackSizeMB int
}

// ExecuteResult summarizes a completed (or failed) execution attempt.
type ExecuteResult struct {
	ExitCode int
	Duration time.Duration
	LogPath  string
	Rollback *RollbackData
}

// Executor claims approved requests and runs them, recording the outcome.
// It is the only path through which an approved command actually executes,
// enforcing the atomic claim (P6), hash re-verification (P5), and
// re-classification (gate condition #4) invariants.
type Executor struct {
	db            *db.DB
	notifier      RequestNotifier
	patternEngine *PatternEngine
	replayWindow  time.Duration
}

// NewExecutor constructs an Executor. The config parameter is accepted for
// symmetry with the other *Service constructors; execution has no tunables
// of its own beyond what ExecuteOptions already carries per call.
func NewExecutor(database *db.DB, config any) *Executor {
	return &Executor{db: database, notifier: NoopNotifier{}, patternEngine: GetDefaultEngine(), replayWindow: DefaultReplayWindow}
}

// WithReplayWindow overrides the signature replay window used by the
// execute-time re-verification, so callers sharing a ReviewConfig keep both
// ends of the check consistent.
func (e *Executor) WithReplayWindow(d time.Duration) *Executor {
	if d > 0 {
		e.replayWindow = d
	}
	return e
}

// WithPatternEngine overrides the engine used for gate condition #4's
// re-classification check, so callers with custom or database-backed
// patterns reclassify against the same rules the request was created
// under instead of the process-wide default.
func (e *Executor) WithPatternEngine(engine *PatternEngine) *Executor {
	if engine != nil {
		e.patternEngine = engine
	}
	return e
}

// WithNotifier overrides the default no-op notifier and returns the Executor
// for chaining.
func (e *Executor) WithNotifier(n RequestNotifier) *Executor {
	if n != nil {
		e.notifier = n
	}
	return e
}

// ExecuteApprovedRequest claims an approved request and runs its command.
// The command hash is re-verified immediately before running to detect any
// tampering between approval and execution. The outcome (exit code,
// duration, log path) is recorded regardless of success or failure.
func (e *Executor) ExecuteApprovedRequest(ctx context.Context, opts ExecuteOptions) (*ExecuteResult, error) {
	if opts.RequestID == "" {
		return nil, fmt.Errorf("request ID is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	request, err := e.db.GetRequest(opts.RequestID)
	if err != nil {
		return nil, fmt.Errorf("getting request: %w", err)
	}
	if request.Status != db.StatusApproved {
		return nil, fmt.Errorf("%w (status: %s)", ErrExecutionClaimLost, request.Status)
	}

	// Gate condition #2: the approval window must not have elapsed.
	if request.ApprovalExpiresAt != nil && time.Now().UTC().After(*request.ApprovalExpiresAt) {
		return nil, ErrApprovalExpired
	}

	// Gate condition #3: the command bound to the request must not have
	// been tampered with between approval and execution.
	ok, err := VerifyCommandHash(&request.Command)
	if err != nil {
		return nil, fmt.Errorf("verifying command hash: %w", err)
	}
	if !ok {
		return nil, ErrCommandTampered
	}

	// Gate condition #4: re-classify under the current policy. If the
	// command now ranks in a stricter tier than the one it was approved
	// under, the approval no longer covers it: demote back to pending and
	// require a fresh review cycle instead of executing.
	engine := e.patternEngine
	if engine == nil {
		engine = GetDefaultEngine()
	}
	reclassified := engine.ClassifyCommand(request.Command.Raw, request.Command.Cwd)
	if tierRank(reclassified.Tier) < tierRank(request.RiskTier) {
		if demoteErr := e.db.UpdateRequestStatus(request.ID, db.StatusApproved, db.StatusPending); demoteErr != nil && !errors.Is(demoteErr, db.ErrInvalidTransition) {
			return nil, fmt.Errorf("demoting request after tier raise: %w", demoteErr)
		}
		if reclassErr := e.db.ReclassifyAndDemote(request.ID, reclassified.Tier, reclassified.MatchedRule, reclassified.MinApprovals); reclassErr != nil {
			return nil, fmt.Errorf("recording reclassification: %w", reclassErr)
		}
		return nil, ErrTierRaisedSinceApproval
	}

	// Execute-time signature re-verification (§4.5): re-derive each backing
	// review's HMAC against the reviewer's *current* session key and make
	// sure its timestamp hasn't aged out of the replay window. A rotated
	// key or an ended session silently drops that approval; if what's left
	// no longer meets quorum, the approval can't be trusted anymore.
	reviews, err := e.db.ListReviews(request.ID)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	now := time.Now().UTC()
	validApprovals := 0
	stale := false
	for _, rv := range reviews {
		if rv.Decision != db.DecisionApprove {
			continue
		}
		if verr := VerifyReviewSignature(e.db, rv, e.replayWindow, now); verr != nil {
			if errors.Is(verr, ErrSignatureStale) {
				stale = true
			}
			continue
		}
		validApprovals++
	}
	if validApprovals < request.MinApprovals {
		if stale {
			return nil, ErrSignatureStale
		}
		return nil, ErrSignatureInvalid
	}

	if err := e.db.ClaimForExecution(opts.RequestID); err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			return nil, ErrExecutionClaimLost
		}
		return nil, fmt.Errorf("claiming request for execution: %w", err)
	}

	result := &ExecuteResult{}

	if opts.CaptureRollback {
		rbOpts := RollbackCaptureOptions{MaxSizeBytes: int64(opts.MaxRollbackSizeMB) * 1024 * 1024}
		rb, rbErr := CaptureRollbackState(ctx, request, rbOpts)
		if rbErr == nil && rb != nil {
			result.Rollback = rb
			_ = e.db.RecordRollbackCapture(&db.RollbackCapture{RequestID: request.ID, Path: rb.RollbackPath})
		}
	}

	logPath, err := e.resolveLogPath(request, opts.LogDir)
	if err != nil {
		return nil, err
	}

	var streamWriter *os.File
	if !opts.SuppressOutput {
		streamWriter = os.Stdout
	}

	execCtx, cancel := context.WithTimeout(ctx, DefaultExecutionTimeout)
	defer cancel()

	cmdResult, runErr := RunCommand(execCtx, &request.Command, logPath, streamWriter)

	exitCode := -1
	var duration time.Duration
	if cmdResult != nil {
		exitCode = cmdResult.ExitCode
		duration = cmdResult.Duration
	}
	result.ExitCode = exitCode
	result.Duration = duration
	result.LogPath = logPath

	finalStatus := db.StatusExecuted
	if runErr != nil || exitCode != 0 {
		finalStatus = db.StatusExecutionFailed
	}
	_ = e.db.UpdateRequestStatus(request.ID, db.StatusExecuting, finalStatus)

	outcome := &db.ExecutionOutcome{
		RequestID:  request.ID,
		ExitCode:   exitCode,
		DurationMs: duration.Milliseconds(),
		LogPath:    logPath,
	}
	if err := e.db.RecordOutcome(outcome); err != nil && !errors.Is(err, db.ErrOutcomeExists) {
		return result, fmt.Errorf("recording outcome: %w", err)
	}

	_ = e.notifier.NotifyNewRequest(request)

	if runErr != nil {
		return result, fmt.Errorf("executing command: %w", runErr)
	}
	return result, nil
}

func (e *Executor) resolveLogPath(request *db.Request, logDir string) (string, error) {
	if logDir == "" {
		logDir = ".slb/logs"
	}
	if !filepath.IsAbs(logDir) && request.ProjectPath != "" {
		logDir = filepath.Join(request.ProjectPath, logDir)
	}
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}
	timestamp := time.Now().Format("20060102-150405")
	return filepath.Join(logDir, fmt.Sprintf("%s_%s.log", timestamp, request.ID)), nil
}
