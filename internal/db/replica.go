package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Replica mirrors a durable subset of the authoritative SQLite store into
// Postgres. It is write-only from the daemon's perspective: SQLite remains
// the only store the Execution Gate and Review Engine ever read from, so a
// Replica outage degrades durability, never correctness. Modeled on
// LerianStudio-midaz's pgx pool wiring, trimmed to the handful of statements
// this mirror needs.
type Replica struct {
	pool *pgxpool.Pool
}

// OpenReplica connects to a Postgres DSN and ensures the mirror tables
// exist. Returns (nil, nil) if dsn is empty, so callers can treat a disabled
// replica and an absent one identically.
func OpenReplica(ctx context.Context, dsn string) (*Replica, error) {
	if dsn == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to replica postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging replica postgres: %w", err)
	}
	r := &Replica{pool: pool}
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Replica) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS slb_requests_mirror (
			id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			raw TEXT NOT NULL,
			risk_tier TEXT NOT NULL,
			status TEXT NOT NULL,
			requestor_agent TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			mirrored_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS slb_outcomes_mirror (
			request_id TEXT PRIMARY KEY,
			exit_code INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			orphaned BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			mirrored_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("ensuring replica schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Replica) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// MirrorRequest upserts a request's terminal-relevant fields into the
// replica. Called by the daemon after a request reaches a resolved status;
// failures are logged by the caller and never block the authoritative write.
func (r *Replica) MirrorRequest(ctx context.Context, req *Request) error {
	if r == nil || r.pool == nil {
		return nil
	}
	var resolvedAt any
	if req.ResolvedAt != nil {
		resolvedAt = *req.ResolvedAt
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO slb_requests_mirror (id, project_path, raw, risk_tier, status, requestor_agent, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, resolved_at = EXCLUDED.resolved_at, mirrored_at = now()
	`, req.ID, req.ProjectPath, req.Command.Raw, string(req.RiskTier), string(req.Status), req.RequestorAgent, req.CreatedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("mirroring request %s: %w", req.ID, err)
	}
	return nil
}

// MirrorOutcome upserts an execution outcome into the replica.
func (r *Replica) MirrorOutcome(ctx context.Context, o *ExecutionOutcome) error {
	if r == nil || r.pool == nil {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO slb_outcomes_mirror (request_id, exit_code, duration_ms, orphaned, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (request_id) DO UPDATE SET exit_code = EXCLUDED.exit_code, mirrored_at = now()
	`, o.RequestID, o.ExitCode, o.DurationMs, o.Orphaned, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("mirroring outcome for %s: %w", o.RequestID, err)
	}
	return nil
}

// PingContext is a liveness check on the replica connection.
func (r *Replica) PingContext(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("replica not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.pool.Ping(ctx)
}
