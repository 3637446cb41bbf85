package infra

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

const localStressDB = "auction_stress"

// InitLocalDatabase falls back to a locally running PostgreSQL when Docker is
// unavailable, recreating the stress database fresh for each run. The admin
// connection comes from AUCTION_STRESS_ADMIN_DSN (default: the local postgres
// superuser); the returned DSN reuses the same credentials against the
// recreated database.
func InitLocalDatabase(ctx context.Context) (string, error) {
	if !isPostgresRunning() {
		return "", fmt.Errorf("PostgreSQL is not running")
	}

	adminDSN := os.Getenv("AUCTION_STRESS_ADMIN_DSN")
	if adminDSN == "" {
		adminDSN = "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable"
	}

	conn, err := pgx.Connect(ctx, adminDSN)
	if err != nil {
		return "", fmt.Errorf("failed to connect to postgres database: %w", err)
	}
	defer conn.Close(ctx)

	_, _ = conn.Exec(ctx, "SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()", localStressDB)
	if _, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{localStressDB}.Sanitize()); err != nil {
		return "", fmt.Errorf("failed to drop existing database: %w", err)
	}
	if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{localStressDB}.Sanitize()); err != nil {
		return "", fmt.Errorf("failed to create test database: %w", err)
	}

	u, err := url.Parse(adminDSN)
	if err != nil {
		return "", fmt.Errorf("failed to parse admin dsn: %w", err)
	}
	u.Path = "/" + localStressDB
	return u.String(), nil
}

func isPostgresRunning() bool {
	cmd := exec.Command("pg_isready", "-h", "127.0.0.1", "-p", "5432")
	err := cmd.Run()
	return err == nil
}
