// Package testutil provides a database-backed test harness and fixture
// builders shared by the cli and e2e test suites. It exists so every test
// doesn't re-derive the same temp-dir-plus-schema boilerplate.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
)

// Harness bundles a freshly migrated database with a scratch project
// directory, both cleaned up automatically at test end.
type Harness struct {
	DB         *db.DB
	DBPath     string
	ProjectDir string
}

// NewHarness creates a temp project directory with a fresh SQLite database
// at <dir>/.slb/state.db, matching the layout `slb` expects to find under a
// real project root.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, ".slb", "state.db")

	conn, err := db.OpenAndMigrate(dbPath)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &Harness{DB: conn, DBPath: dbPath, ProjectDir: dir}
}

// SessionOption configures a session built by MakeSession.
type SessionOption func(*db.Session)

// WithAgent sets the session's agent name.
func WithAgent(name string) SessionOption {
	return func(s *db.Session) { s.AgentName = name }
}

// WithModel sets the session's reported model identifier.
func WithModel(model string) SessionOption {
	return func(s *db.Session) { s.Model = model }
}

// WithProject sets the session's project path.
func WithProject(path string) SessionOption {
	return func(s *db.Session) { s.ProjectPath = path }
}

// WithProgram sets the session's reported agent program (e.g. "claude-code").
func WithProgram(program string) SessionOption {
	return func(s *db.Session) { s.Program = program }
}

// WithHuman marks the session as a human-operated session rather than an agent's.
func WithHuman() SessionOption {
	return func(s *db.Session) { s.IsHuman = true }
}

// MakeSession creates and persists a session with sensible defaults,
// overridden by opts.
func MakeSession(t *testing.T, database *db.DB, opts ...SessionOption) *db.Session {
	t.Helper()

	s := &db.Session{
		ID:          uuid.NewString(),
		AgentName:   "test-agent-" + uuid.NewString()[:8],
		Program:     "test-harness",
		Model:       "test-model",
		ProjectPath: t.TempDir(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := database.CreateSession(s); err != nil {
		t.Fatalf("creating test session: %v", err)
	}
	return s
}

// RequestOption configures a request built by MakeRequest.
type RequestOption func(*db.Request)

// WithCommand sets the request's bound command, computing its argv parse and
// I2 binding hash the same way the real request path does.
func WithCommand(raw, cwd string, shell bool) RequestOption {
	return func(r *db.Request) {
		argv, _ := core.ParseCommandToArgv(raw)
		r.Command = db.CommandSpec{
			Raw:   raw,
			Argv:  argv,
			Cwd:   cwd,
			Shell: shell,
		}
		r.Command.Hash = db.ComputeCommandHash(r.Command)
	}
}

// WithRisk sets the request's risk tier and derives the matching default
// quorum from core.MinApprovalsForTier.
func WithRisk(tier db.RiskTier) RequestOption {
	return func(r *db.Request) {
		r.RiskTier = tier
		r.MinApprovals = core.MinApprovalsForTier(tier)
		r.RequireDifferentModel = tier == db.RiskTierCritical
	}
}

// WithStatus sets the request's initial status, bypassing the normal
// pending-first lifecycle for tests that need to start mid-flow.
func WithStatus(status db.RequestStatus) RequestOption {
	return func(r *db.Request) { r.Status = status }
}

// WithMinApprovals overrides the quorum derived by WithRisk.
func WithMinApprovals(n int) RequestOption {
	return func(r *db.Request) { r.MinApprovals = n }
}

// WithRequireDifferentModel overrides the distinct-model requirement derived by WithRisk.
func WithRequireDifferentModel(require bool) RequestOption {
	return func(r *db.Request) { r.RequireDifferentModel = require }
}

// WithRequestProject sets the request's project path, overriding the
// requesting session's own project path.
func WithRequestProject(path string) RequestOption {
	return func(r *db.Request) { r.ProjectPath = path }
}

// WithExpiresAt overrides the request's pending-review deadline.
func WithExpiresAt(t time.Time) RequestOption {
	return func(r *db.Request) { r.ExpiresAt = t }
}

// WithReason sets the request's justification reason.
func WithReason(reason string) RequestOption {
	return func(r *db.Request) { r.Justification.Reason = reason }
}

// MakeRequest creates and persists a pending request from session, with
// sensible defaults overridden by opts.
func MakeRequest(t *testing.T, database *db.DB, session *db.Session, opts ...RequestOption) *db.Request {
	t.Helper()

	now := time.Now().UTC()
	r := &db.Request{
		ID:          uuid.NewString(),
		ProjectPath: session.ProjectPath,
		Command: db.CommandSpec{
			Raw: "echo test",
			Cwd: session.ProjectPath,
		},
		Justification: db.Justification{
			Reason: "test fixture request",
		},
		RiskTier:           db.RiskTierDangerous,
		MinApprovals:       1,
		Status:             db.StatusPending,
		RequestorSessionID: session.ID,
		RequestorAgent:     session.AgentName,
		RequestorModel:     session.Model,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Hour),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Command.Hash == "" {
		r.Command.Hash = db.ComputeCommandHash(r.Command)
	}
	if err := database.CreateRequest(r); err != nil {
		t.Fatalf("creating test request: %v", err)
	}
	return r
}

// TouchFile creates an empty file at path, creating parent directories as
// needed, for tests exercising file-path attachment or rollback flows.
func TouchFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("creating parent dir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("creating test file %s: %v", path, err)
	}
}
