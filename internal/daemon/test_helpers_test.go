package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/twoperson/slb/internal/db"
)

// shortSocketDir creates a temp directory with a short path for Unix socket tests.
// macOS has a 104-byte limit on Unix socket paths, and t.TempDir() includes the
// full test name which can easily exceed this limit.
func shortSocketDir(t *testing.T) string {
	t.Helper()

	// Generate a short random suffix
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		t.Fatalf("generating random suffix: %v", err)
	}
	suffix := hex.EncodeToString(buf[:])

	// Use /tmp directly for shorter paths (macOS temp dir is very long)
	dir := filepath.Join("/tmp", "slb-test-"+suffix)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("creating short temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	return dir
}

// setupTestDB opens a throwaway migrated database for a single test.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	conn, err := db.OpenAndMigrate(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// createTestSession persists a minimal session for id.
func createTestSession(t *testing.T, database *db.DB, id string) *db.Session {
	t.Helper()
	s := &db.Session{
		ID:          id,
		AgentName:   "agent-" + id,
		Program:     "test-harness",
		Model:       "test-model",
		ProjectPath: "/tmp/slb-test-project",
	}
	if err := database.CreateSession(s); err != nil {
		t.Fatalf("creating test session %s: %v", id, err)
	}
	return s
}

// createTestRequest persists a request with a correctly computed command
// hash, in the given status, owned by requestorID.
func createTestRequest(t *testing.T, database *db.DB, id, requestorID string, status db.RequestStatus, minApprovals int) *db.Request {
	t.Helper()
	now := time.Now().UTC()

	spec := db.CommandSpec{
		Raw:  "echo hello",
		Argv: []string{"echo", "hello"},
		Cwd:  "/tmp/slb-test-project",
	}
	hash, err := db.CommandHash(spec.Raw, spec.Cwd, spec.Argv, spec.Shell)
	if err != nil {
		t.Fatalf("hashing test command: %v", err)
	}
	spec.Hash = hash

	r := &db.Request{
		ID:                 id,
		ProjectPath:         "/tmp/slb-test-project",
		Command:             spec,
		Justification:       db.Justification{Reason: "test request"},
		RiskTier:            db.RiskTierDangerous,
		MinApprovals:        minApprovals,
		Status:              status,
		RequestorSessionID:  requestorID,
		RequestorAgent:      "agent-" + requestorID,
		RequestorModel:      "test-model",
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Hour),
	}
	if status == db.StatusApproved {
		exp := now.Add(time.Hour)
		r.ApprovalExpiresAt = &exp
	}
	if err := database.CreateRequest(r); err != nil {
		t.Fatalf("creating test request %s: %v", id, err)
	}
	return r
}

// createTestReview persists an approval or rejection vote on requestID.
func createTestReview(t *testing.T, database *db.DB, requestID, reviewerID string, decision db.Decision) {
	t.Helper()
	rv := &db.Review{
		RequestID:          requestID,
		ReviewerSessionID:  reviewerID,
		Decision:           decision,
		Signature:          "test-signature",
		SignatureTimestamp: time.Now().UTC(),
	}
	if err := database.CreateReview(rv); err != nil {
		t.Fatalf("creating test review on %s: %v", requestID, err)
	}
}
