package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	// Create migrations table if not exists
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Run migrations
	for _, m := range migrations {
		if err := db.runMigration(ctx, m); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) runMigration(ctx context.Context, m migration) error {
	// Check if already applied
	var exists bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
		m.version,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration %d: %w", m.version, err)
	}

	if exists {
		return nil
	}

	// Run migration
	_, err = db.Pool.Exec(ctx, m.sql)
	if err != nil {
		return fmt.Errorf("failed to run migration %d: %w", m.version, err)
	}

	// Record migration
	_, err = db.Pool.Exec(ctx,
		"INSERT INTO schema_migrations (version) VALUES ($1)",
		m.version,
	)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

// Consolidated schema as of 2026-01-07
// Previous migrations 1-19 have been collapsed into this single initial schema.
var migrations = []migration{
	{
		version: 1,
		sql: `
			-- =============================================================================
			-- PLANS
			-- =============================================================================

			CREATE TABLE plans (
				id UUID PRIMARY KEY,
				user_id TEXT NOT NULL,
				date DATE NOT NULL,
				start_time TEXT NOT NULL,
				end_time TEXT NOT NULL,
				title VARCHAR(100) NOT NULL,
				description VARCHAR(500) NOT NULL DEFAULT '',
				notified BOOLEAN NOT NULL DEFAULT false,
				notify_at_utc TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_plans_user_id ON plans(user_id);
			CREATE INDEX idx_plans_date ON plans(date);
			CREATE INDEX idx_plans_user_date ON plans(user_id, date);
			CREATE INDEX idx_plans_pending ON plans(user_id, date) WHERE notified = false;

			-- Trigger to prevent overlapping plans for the same user on the same date.
			-- Re-verifies the application-level pre-check, which serializes
			-- concurrent writes for the same user and date with an advisory lock.
			CREATE OR REPLACE FUNCTION check_plan_overlap()
			RETURNS TRIGGER AS $$
			BEGIN
				IF EXISTS (
					SELECT 1 FROM plans
					WHERE user_id = NEW.user_id
					AND date = NEW.date
					AND id != COALESCE(NEW.id, '00000000-0000-0000-0000-000000000000'::uuid)
					AND start_time < NEW.end_time
					AND end_time > NEW.start_time
				) THEN
					RAISE EXCEPTION 'Plans for user % cannot overlap on %', NEW.user_id, NEW.date;
				END IF;
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql;

			CREATE TRIGGER plan_overlap_check
			BEFORE INSERT OR UPDATE ON plans
			FOR EACH ROW EXECUTE FUNCTION check_plan_overlap();

			-- =============================================================================
			-- USER SETTINGS
			-- =============================================================================

			CREATE TABLE user_settings (
				uid TEXT PRIMARY KEY,
				language TEXT NOT NULL DEFAULT 'en',
				theme TEXT NOT NULL DEFAULT 'system',
				timezone TEXT NOT NULL DEFAULT 'Europe/Istanbul',
				country TEXT NOT NULL DEFAULT '',
				city TEXT NOT NULL DEFAULT '',
				notifications_enabled BOOLEAN NOT NULL DEFAULT true,
				subscription_level TEXT NOT NULL DEFAULT 'FREE',
				subscription_expires_at TIMESTAMPTZ,
				subscription_score INT NOT NULL DEFAULT 0,
				session_timezone TEXT,
				session_tz_expires_at TIMESTAMPTZ
			);

			-- =============================================================================
			-- DEVICE TOKENS
			-- =============================================================================

			CREATE TABLE device_tokens (
				token TEXT PRIMARY KEY,
				uid TEXT NOT NULL,
				provider TEXT NOT NULL DEFAULT 'fcm',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_device_tokens_uid ON device_tokens(uid);

			-- =============================================================================
			-- SCHEDULER JOBS
			-- =============================================================================

			CREATE TABLE scheduler_jobs (
				job_id TEXT PRIMARY KEY,
				run_at_utc TIMESTAMPTZ NOT NULL,
				payload_plan_id TEXT NOT NULL,
				misfire_grace_seconds INT NOT NULL DEFAULT 60,
				acquired_by_worker TEXT,
				acquired_at TIMESTAMPTZ
			);

			CREATE INDEX idx_scheduler_jobs_due ON scheduler_jobs(run_at_utc) WHERE acquired_by_worker IS NULL;
		`,
	},
}
