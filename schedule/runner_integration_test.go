package schedule

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestRunner_ReclaimsExpiredLeases_Integration connects to a real PostgreSQL
// via DATABASE_URL and verifies that a running job abandoned by a crashed
// worker is claimed again once its lease expires, while a freshly claimed job
// is left alone.
func TestRunner_ReclaimsExpiredLeases_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('scheduled_jobs') IS NOT NULL`).Scan(&exists); err != nil || !exists {
		t.Skip("database schema missing; apply migrations/0001_engine.sql first")
	}

	prefix := fmt.Sprintf("it-lease-%d", time.Now().UnixNano())
	abandoned := prefix + "-abandoned"
	held := prefix + "-held"
	pending := prefix + "-pending"

	const seedSQL = `
INSERT INTO scheduled_jobs (id, kind, payload, run_at, status, claimed_at)
VALUES ($1, 'it.noop', '{}'::jsonb, now() - interval '10 minutes', $2, $3)
`
	past := time.Now().Add(-10 * time.Minute).UTC()
	if _, err := pool.Exec(ctx, seedSQL, abandoned, "running", past); err != nil {
		t.Fatalf("seed abandoned job: %v", err)
	}
	if _, err := pool.Exec(ctx, seedSQL, held, "running", time.Now().UTC()); err != nil {
		t.Fatalf("seed held job: %v", err)
	}
	if _, err := pool.Exec(ctx, seedSQL, pending, "pending", nil); err != nil {
		t.Fatalf("seed pending job: %v", err)
	}
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM scheduled_jobs WHERE id LIKE $1`, prefix+"%")
	})

	r := NewRunner(pool, RunnerConfig{ClaimLease: 5 * time.Minute, ClaimBatch: 50}, nil)

	jobs, err := r.claimDue(ctx)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}

	claimed := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		claimed[j.ID] = true
	}
	if !claimed[abandoned] {
		t.Errorf("expected abandoned running job reclaimed after its lease expired")
	}
	if !claimed[pending] {
		t.Errorf("expected pending job claimed")
	}
	if claimed[held] {
		t.Errorf("expected job with a live lease left alone")
	}

	var claimedAt time.Time
	if err := pool.QueryRow(ctx, `SELECT claimed_at FROM scheduled_jobs WHERE id = $1`, abandoned).Scan(&claimedAt); err != nil {
		t.Fatalf("read reclaimed lease: %v", err)
	}
	if !claimedAt.After(past) {
		t.Errorf("expected reclaim to stamp a fresh lease, got %v", claimedAt)
	}
}
