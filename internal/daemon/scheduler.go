package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/twoperson/slb/internal/db"
)

// Scheduler periodically sweeps the store for requests whose deadline has
// passed (the Lifecycle Controller's timeout handling) and for executions
// whose claimant has vanished (the Execution Gate's orphan recovery).
// Both concerns share one ticker since both are "notice something is
// stale and reconcile it" sweeps over the same store.
type Scheduler struct {
	db            *db.DB
	logger        *log.Logger
	interval      time.Duration
	claimTTL      time.Duration
	timeoutAction string // escalate | auto_reject | auto_approve_warn
	onEvent       func(eventType string, req *db.Request)
}

// NewScheduler constructs a Scheduler. timeoutAction defaults to "escalate"
// when empty, matching config.DefaultConfig's General.TimeoutAction.
func NewScheduler(database *db.DB, logger *log.Logger, interval, claimTTL time.Duration, timeoutAction string, onEvent func(string, *db.Request)) *Scheduler {
	if timeoutAction == "" {
		timeoutAction = "escalate"
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if claimTTL <= 0 {
		claimTTL = 120 * time.Second
	}
	return &Scheduler{
		db:            database,
		logger:        logger,
		interval:      interval,
		claimTTL:      claimTTL,
		timeoutAction: timeoutAction,
		onEvent:       onEvent,
	}
}

// Run ticks at the scheduler's interval until ctx is done, sweeping once
// per tick plus once immediately so a daemon restart doesn't wait a full
// interval before reconciling whatever went stale while it was down.
func (s *Scheduler) Run(ctx context.Context) {
	s.sweepOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Scheduler) sweepOnce() {
	now := time.Now().UTC()

	expiring, err := s.db.ListExpiring(now)
	if err != nil {
		s.logf("listing expiring requests: %v", err)
	}
	for _, req := range expiring {
		s.handleExpired(req)
	}

	orphaned, err := s.db.ListOrphanedExecuting(now.Add(-s.claimTTL))
	if err != nil {
		s.logf("listing orphaned executions: %v", err)
		return
	}
	for _, req := range orphaned {
		s.handleOrphan(req)
	}
}

// handleExpired applies the configured timeout action to a request whose
// expires_at (pending) or approval_expires_at (approved) deadline passed.
func (s *Scheduler) handleExpired(req *db.Request) {
	switch s.timeoutAction {
	case "auto_reject":
		if err := s.db.UpdateRequestStatus(req.ID, req.Status, db.StatusRejected); err == nil {
			s.emit("request_rejected", req)
		} else if !errors.Is(err, db.ErrInvalidTransition) {
			s.logf("auto-rejecting expired request %s: %v", req.ID, err)
		}
	case "auto_approve_warn":
		if req.Status != db.StatusPending {
			return
		}
		approvalExpiresAt := time.Now().UTC().Add(s.claimTTL)
		if err := s.db.MarkApproved(req.ID, approvalExpiresAt); err == nil {
			s.emit("request_approved", req)
		} else if !errors.Is(err, db.ErrInvalidTransition) {
			s.logf("auto-approving expired request %s: %v", req.ID, err)
		}
	default: // escalate
		if err := s.db.UpdateRequestStatus(req.ID, req.Status, db.StatusEscalated); err == nil {
			s.emit("request_escalated", req)
		} else if !errors.Is(err, db.ErrInvalidTransition) {
			s.logf("escalating expired request %s: %v", req.ID, err)
		}
	}
}

// handleOrphan reclaims a request stuck in "executing" whose claim has
// outlived the execution claim TTL, almost always because the claiming
// process crashed before recording an outcome. Per the "after claim"
// recovery rule, a claim that's merely stale but still within its approval
// window gets another shot: it reverts to approved so a future execute()
// can re-claim it. Only once the approval itself has also expired is the
// request given up on as execution_failed.
func (s *Scheduler) handleOrphan(req *db.Request) {
	now := time.Now().UTC()
	if req.ApprovalExpiresAt != nil && now.Before(*req.ApprovalExpiresAt) {
		if err := s.db.UpdateRequestStatus(req.ID, db.StatusExecuting, db.StatusApproved); err != nil {
			if !errors.Is(err, db.ErrInvalidTransition) {
				s.logf("reverting orphaned execution %s to approved: %v", req.ID, err)
			}
			return
		}
		s.emit("request_approved", req)
		return
	}

	if err := s.db.UpdateRequestStatus(req.ID, db.StatusExecuting, db.StatusExecutionFailed); err != nil {
		if !errors.Is(err, db.ErrInvalidTransition) {
			s.logf("recovering orphaned execution %s: %v", req.ID, err)
		}
		return
	}
	if err := s.db.RecordOutcome(&db.ExecutionOutcome{
		RequestID:     req.ID,
		ExitCode:      -1,
		HumanFeedback: "execution claim expired without a recorded outcome; assumed crashed",
		Orphaned:      true,
	}); err != nil && !errors.Is(err, db.ErrOutcomeExists) {
		s.logf("recording orphan outcome for %s: %v", req.ID, err)
	}
	s.emit("request_executed", req)
}

func (s *Scheduler) emit(eventType string, req *db.Request) {
	if s.onEvent != nil {
		s.onEvent(eventType, req)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}
