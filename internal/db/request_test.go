package db

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	conn, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestCreateRequestRoundTrip checks that everything CreateRequest writes
// comes back unchanged from GetRequest. Timestamps are truncated to the
// second first since the store persists them as RFC3339 text.
func TestCreateRequestRoundTrip(t *testing.T) {
	conn := openTestDB(t)

	sess := &Session{
		ID:          "sess-roundtrip",
		AgentName:   "claude",
		Program:     "claude-code",
		Model:       "test-model",
		ProjectPath: "/tmp/project",
	}
	if err := conn.CreateSession(sess); err != nil {
		t.Fatalf("creating session: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	approvalExpires := now.Add(30 * time.Minute)

	spec := CommandSpec{
		Raw:             "rm -rf build/",
		Argv:            []string{"rm", "-rf", "build/"},
		Cwd:             "/tmp/project",
		Shell:           false,
		DisplayRedacted: "rm -rf build/",
	}
	hash, err := CommandHash(spec.Raw, spec.Cwd, spec.Argv, spec.Shell)
	if err != nil {
		t.Fatalf("hashing command: %v", err)
	}
	spec.Hash = hash

	want := &Request{
		ID:          "req-roundtrip",
		ProjectPath: "/tmp/project",
		Command:     spec,
		Justification: Justification{
			Reason:         "cleaning stale build output",
			ExpectedEffect: "build/ directory removed",
			Goal:           "fresh build",
			SafetyArgument: "build/ is fully regenerable",
		},
		RiskTier:           RiskTierDangerous,
		MatchedRule:        "rm_recursive",
		RequestorSessionID: sess.ID,
		RequestorAgent:     sess.AgentName,
		RequestorModel:     sess.Model,
		Status:             StatusPending,
		MinApprovals:       1,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Hour),
		ApprovalExpiresAt:  &approvalExpires,
	}

	if err := conn.CreateRequest(want); err != nil {
		t.Fatalf("creating request: %v", err)
	}

	got, err := conn.GetRequest(want.ID)
	if err != nil {
		t.Fatalf("getting request: %v", err)
	}

	diff := cmp.Diff(want, got,
		cmpopts.IgnoreFields(Request{}, "Requestor", "Rollback", "DryRun", "ResolvedAt"),
		cmpopts.EquateApproxTime(time.Second),
	)
	if diff != "" {
		t.Errorf("request round trip mismatch (-want +got):\n%s", diff)
	}

	if got.Requestor == nil || got.Requestor.AgentName != sess.AgentName {
		t.Errorf("expected requestor ref to be populated with agent %q, got %+v", sess.AgentName, got.Requestor)
	}
}
