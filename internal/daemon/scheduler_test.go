package daemon

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/twoperson/slb/internal/db"
)

// TestHandleOrphan_RevertsWithinApprovalWindow covers the "after claim"
// recovery rule: a claim that's gone stale but whose approval hasn't
// expired yet goes back to approved, not execution_failed.
func TestHandleOrphan_RevertsWithinApprovalWindow(t *testing.T) {
	database := setupTestDB(t)
	sess := createTestSession(t, database, "sess-orphan-revert")
	req := createTestRequest(t, database, "req-orphan-revert", sess.ID, db.StatusApproved, 1)

	if err := database.ClaimForExecution(req.ID); err != nil {
		t.Fatalf("claiming for execution: %v", err)
	}
	claimed, err := database.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("getting claimed request: %v", err)
	}

	var events []string
	sched := NewScheduler(database, nil, time.Hour, time.Millisecond, "escalate",
		func(eventType string, r *db.Request) { events = append(events, eventType) })

	sched.handleOrphan(claimed)

	updated, err := database.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("getting request after orphan sweep: %v", err)
	}
	if updated.Status != db.StatusApproved {
		t.Errorf("expected status reverted to approved, got %s", updated.Status)
	}
	if len(events) != 1 || events[0] != "request_approved" {
		t.Errorf("expected a single request_approved event, got %v", events)
	}
}

// TestHandleOrphan_FailsAfterApprovalExpiry covers the other half: once the
// approval window has also elapsed, the orphaned claim is given up on.
func TestHandleOrphan_FailsAfterApprovalExpiry(t *testing.T) {
	database := setupTestDB(t)
	sess := createTestSession(t, database, "sess-orphan-fail")
	req := createTestRequest(t, database, "req-orphan-fail", sess.ID, db.StatusApproved, 1)

	if err := database.ClaimForExecution(req.ID); err != nil {
		t.Fatalf("claiming for execution: %v", err)
	}
	claimed, err := database.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("getting claimed request: %v", err)
	}
	// createTestRequest stamps a future approval_expires_at; overwrite it
	// to simulate a claim whose approval has since lapsed.
	past := time.Now().UTC().Add(-time.Minute)
	claimed.ApprovalExpiresAt = &past

	var events []string
	sched := NewScheduler(database, nil, time.Hour, time.Millisecond, "escalate",
		func(eventType string, r *db.Request) { events = append(events, eventType) })

	sched.handleOrphan(claimed)

	updated, err := database.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("getting request after orphan sweep: %v", err)
	}
	if updated.Status != db.StatusExecutionFailed {
		t.Errorf("expected status execution_failed, got %s", updated.Status)
	}
	if len(events) != 1 || events[0] != "request_executed" {
		t.Errorf("expected a single request_executed event, got %v", events)
	}
}

// TestSchedulerRun_NoGoroutineLeak runs the scheduler's ticking loop and
// cancels it, verifying Run's goroutine and ticker don't outlive ctx.
func TestSchedulerRun_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	database := setupTestDB(t)
	sched := NewScheduler(database, nil, 5*time.Millisecond, time.Minute, "escalate", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler.Run did not return after context cancellation")
	}
}
